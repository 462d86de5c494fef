// Package config loads the medkey server configuration from YAML.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/emergency"
	"github.com/jmcleod/medkey/identity"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBbolt    = "bbolt"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendLevelDB  = "leveldb"
	BackendFS       = "fs"
	BackendDual     = "dual"
)

type Config struct {
	Listen string    `yaml:"listen"`
	TLS    TLSConfig `yaml:"tls"`
	Log    LogConfig `yaml:"log"`

	Storage   StorageConfig   `yaml:"storage"`
	HeadCache HeadCacheConfig `yaml:"head_cache"`
	Blobs     BlobsConfig     `yaml:"blobs"`

	Emergency EmergencyConfig `yaml:"emergency"`
	Admins    []string        `yaml:"admins"`
	Signing   SigningConfig   `yaml:"signing"`

	// TrustedProxies lists CIDRs whose X-Forwarded-For headers are honoured
	// when rate limiting.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
	// FactKey is a hex-encoded 32-byte key. When set, facts are sealed at
	// rest.
	FactKey string `yaml:"fact_key"`
}

// HeadCacheConfig selects where partition heads are remembered for rollback
// detection. A bbolt cache without a path shares the bbolt storage file.
type HeadCacheConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type BlobsConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	ReplicaPath string `yaml:"replica_path"`
	ChunkSize   int64  `yaml:"chunk_size"`
}

type EmergencyConfig struct {
	Window time.Duration `yaml:"window"`
}

type SigningConfig struct {
	Domain crypto.Domain `yaml:"domain"`
}

// Default returns a configuration that keeps everything in memory.
func Default() Config {
	return Config{
		Listen: ":8443",
		Log:    LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		HeadCache: HeadCacheConfig{Backend: BackendMemory},
		Blobs:     BlobsConfig{Backend: BackendMemory},
		Emergency: EmergencyConfig{Window: emergency.DefaultWindow},
		Signing: SigningConfig{Domain: crypto.Domain{
			Name:    "medkey",
			Version: "1",
			ChainID: 1,
		}},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q (want one of %s)", field, value, strings.Join(allowed, ", "))
}

// Validate checks enumerations and that every backend has what it needs.
func (c Config) Validate() error {
	var errList []error
	if err := oneOf("log.level", c.Log.Level, "debug", "info", "warn", "error"); err != nil {
		errList = append(errList, err)
	}
	if err := oneOf("log.format", c.Log.Format, "text", "json"); err != nil {
		errList = append(errList, err)
	}

	if err := oneOf("storage.backend", c.Storage.Backend,
		BackendMemory, BackendBbolt, BackendPostgres, BackendBadger, BackendLevelDB); err != nil {
		errList = append(errList, err)
	}
	switch c.Storage.Backend {
	case BackendBbolt, BackendBadger, BackendLevelDB:
		if c.Storage.Path == "" {
			errList = append(errList, fmt.Errorf("storage.path is required for %s", c.Storage.Backend))
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			errList = append(errList, errors.New("storage.dsn is required for postgres"))
		}
	}
	if _, err := c.FactKey(); err != nil {
		errList = append(errList, err)
	}

	if err := oneOf("head_cache.backend", c.HeadCache.Backend, BackendMemory, BackendBbolt, BackendPostgres); err != nil {
		errList = append(errList, err)
	}
	if c.HeadCache.Backend == BackendBbolt && c.HeadCache.Path == "" && c.Storage.Backend != BackendBbolt {
		errList = append(errList, errors.New("head_cache.path is required for bbolt unless storage is bbolt"))
	}
	if c.HeadCache.Backend == BackendPostgres && c.Storage.DSN == "" {
		errList = append(errList, errors.New("head_cache postgres uses storage.dsn, which is empty"))
	}

	if err := oneOf("blobs.backend", c.Blobs.Backend, BackendMemory, BackendFS, BackendBadger, BackendDual); err != nil {
		errList = append(errList, err)
	}
	if c.Blobs.Backend != BackendMemory && c.Blobs.Path == "" {
		errList = append(errList, fmt.Errorf("blobs.path is required for %s", c.Blobs.Backend))
	}
	if c.Blobs.Backend == BackendDual && c.Blobs.ReplicaPath == "" {
		errList = append(errList, errors.New("blobs.replica_path is required for dual"))
	}
	if c.Blobs.Backend == BackendBadger && c.Storage.Backend == BackendBadger && c.Blobs.Path == c.Storage.Path {
		errList = append(errList, errors.New("blobs.path must differ from storage.path when both use badger"))
	}
	if c.Blobs.ChunkSize < 0 {
		errList = append(errList, errors.New("blobs.chunk_size must not be negative"))
	}

	if c.Emergency.Window <= 0 {
		errList = append(errList, errors.New("emergency.window must be positive"))
	}
	if _, err := c.AdminIdentities(); err != nil {
		errList = append(errList, err)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errList = append(errList, err)
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errList = append(errList, errors.New("tls.cert and tls.key must be set together"))
	}
	return errors.Join(errList...)
}

// FactKey decodes storage.fact_key. It returns nil when unset.
func (c Config) FactKey() ([]byte, error) {
	if c.Storage.FactKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Storage.FactKey)
	if err != nil {
		return nil, fmt.Errorf("storage.fact_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("storage.fact_key: want 32 bytes, got %d", len(key))
	}
	return key, nil
}

// AdminIdentities parses the admins list.
func (c Config) AdminIdentities() ([]identity.Identity, error) {
	ids := make([]identity.Identity, 0, len(c.Admins))
	for _, a := range c.Admins {
		id, err := identity.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("admins: %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// TrustedProxyPrefixes parses trusted_proxies. Bare addresses are treated as
// single-host prefixes.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, p := range c.TrustedProxies {
		if !strings.Contains(p, "/") {
			addr, err := netip.ParseAddr(p)
			if err != nil {
				return nil, fmt.Errorf("trusted_proxies: %q: %w", p, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %q: %w", p, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

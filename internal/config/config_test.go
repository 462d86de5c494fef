package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medkey/identity"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "medkey.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, BackendMemory, cfg.Blobs.Backend)
	assert.Equal(t, time.Hour, cfg.Emergency.Window)
	assert.Equal(t, "medkey", cfg.Signing.Domain.Name)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:9000
log:
  level: debug
  format: json
storage:
  backend: bbolt
  path: /var/lib/medkey/ledger.db
  fact_key: 000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f
head_cache:
  backend: bbolt
  path: /var/lib/medkey/heads.db
blobs:
  backend: dual
  path: /var/lib/medkey/blobs
  replica_path: /mnt/replica/blobs
emergency:
  window: 30m
admins: [admin-1]
signing:
  domain:
    name: clinic
    version: "2"
    chain_id: 7
    verifying_context: st-mary
trusted_proxies: [10.0.0.0/8, 192.168.1.1]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, BackendBbolt, cfg.Storage.Backend)
	assert.Equal(t, "/mnt/replica/blobs", cfg.Blobs.ReplicaPath)
	assert.Equal(t, 30*time.Minute, cfg.Emergency.Window)
	assert.Equal(t, uint64(7), cfg.Signing.Domain.ChainID)
	assert.Equal(t, "st-mary", cfg.Signing.Domain.VerifyingContext)

	key, err := cfg.FactKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	admins, err := cfg.AdminIdentities()
	require.NoError(t, err)
	assert.Equal(t, []identity.Identity{"admin-1"}, admins)

	proxies, err := cfg.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, proxies, 2)
	assert.Equal(t, "10.0.0.0/8", proxies[0].String())
	assert.Equal(t, "192.168.1.1/32", proxies[1].String())
}

func TestLoad_KeepsDefaultsForOmittedKeys(t *testing.T) {
	cfg, err := Load(writeConfig(t, "listen: :9999\n"))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Hour, cfg.Emergency.Window)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"UnknownKey", "listen: :1\nbogus: true\n", "bogus"},
		{"UnknownBackend", "storage:\n  backend: mongo\n", "storage.backend"},
		{"MissingPath", "storage:\n  backend: leveldb\n", "storage.path"},
		{"MissingDSN", "storage:\n  backend: postgres\n", "storage.dsn"},
		{"ShortFactKey", "storage:\n  fact_key: abcd\n", "want 32 bytes"},
		{"DualWithoutReplica", "blobs:\n  backend: dual\n  path: /tmp/b\n", "replica_path"},
		{"SharedBadgerDir", "storage:\n  backend: badger\n  path: /d\nblobs:\n  backend: badger\n  path: /d\n", "must differ"},
		{"ZeroWindow", "emergency:\n  window: 0s\n", "emergency.window"},
		{"BadAdmin", "admins: [\"\"]\n", "admins"},
		{"BadProxy", "trusted_proxies: [not-an-ip]\n", "trusted_proxies"},
		{"HalfTLS", "tls:\n  cert: /etc/cert.pem\n", "tls.cert"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "error %q should mention %q", err, tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

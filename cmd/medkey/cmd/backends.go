package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/medkey/blobstore"
	badgerblobs "github.com/jmcleod/medkey/blobstore/badger"
	fsblobs "github.com/jmcleod/medkey/blobstore/fs"
	"github.com/jmcleod/medkey/internal/config"
	"github.com/jmcleod/medkey/ledger"
	"github.com/jmcleod/medkey/storage"
	badgerstorage "github.com/jmcleod/medkey/storage/badger"
	bboltstorage "github.com/jmcleod/medkey/storage/bbolt"
	leveldbstorage "github.com/jmcleod/medkey/storage/leveldb"
	"github.com/jmcleod/medkey/storage/memory"
	pgstorage "github.com/jmcleod/medkey/storage/postgres"
)

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// badgerLogger returns the logrus logger handed to Badger. Badger is chatty
// at info, so it stays at warn unless debugging.
func badgerLogger(cfg config.LogConfig, w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	l.SetLevel(logrus.WarnLevel)
	if cfg.Level == "debug" {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// backends holds the opened storage and everything that must be closed on
// shutdown.
type backends struct {
	repo    storage.Repository
	ledger  *ledger.Ledger
	blobs   blobstore.Store
	closers []func() error
}

func (b *backends) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

// Close releases resources in reverse opening order.
func (b *backends) Close() error {
	var errList []error
	for _, fn := range slices.Backward(b.closers) {
		if err := fn(); err != nil {
			errList = append(errList, err)
		}
	}
	b.closers = nil
	return errors.Join(errList...)
}

// openLedger opens the configured repository and head cache. Blobs are left
// unopened.
func openLedger(ctx context.Context, cfg config.Config, logger *slog.Logger, logOut io.Writer) (*backends, error) {
	b := &backends{}
	var (
		boltDB *bbolt.DB
		pool   *pgxpool.Pool
	)

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		b.repo = memory.NewRepository()
	case config.BackendBbolt:
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Storage.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("opening bbolt storage: %w", err)
		}
		b.onClose(repo.Close)
		b.repo, boltDB = repo, repo.DB()
	case config.BackendPostgres:
		repo, err := pgstorage.NewRepositoryFromDSN(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres storage: %w", err)
		}
		b.onClose(func() error { repo.Close(); return nil })
		b.repo, pool = repo, repo.Pool()
	case config.BackendBadger:
		repo, err := badgerstorage.Open(badgerstorage.Config{
			Path:       cfg.Storage.Path,
			SyncWrites: true,
			Logger:     badgerLogger(cfg.Log, logOut),
		})
		if err != nil {
			return nil, fmt.Errorf("opening badger storage: %w", err)
		}
		b.onClose(repo.Close)
		b.repo = repo
	case config.BackendLevelDB:
		repo, err := leveldbstorage.OpenFile(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("opening leveldb storage: %w", err)
		}
		b.onClose(repo.Close)
		b.repo = repo
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	heads, err := openHeadCache(ctx, cfg, b, boltDB, pool)
	if err != nil {
		b.Close()
		return nil, err
	}

	opts := []ledger.Option{
		ledger.WithHeadCache(heads),
		ledger.WithLogger(logger),
	}
	factKey, err := cfg.FactKey()
	if err != nil {
		b.Close()
		return nil, err
	}
	if factKey != nil {
		opts = append(opts, ledger.WithFactKey(factKey))
	}
	b.ledger = ledger.New(b.repo, opts...)
	return b, nil
}

func openHeadCache(ctx context.Context, cfg config.Config, b *backends, boltDB *bbolt.DB, pool *pgxpool.Pool) (ledger.HeadCache, error) {
	switch cfg.HeadCache.Backend {
	case config.BackendMemory:
		return ledger.NewMemoryHeadCache(), nil
	case config.BackendBbolt:
		if cfg.HeadCache.Path != "" {
			db, err := bbolt.Open(cfg.HeadCache.Path, 0o600, nil)
			if err != nil {
				return nil, fmt.Errorf("opening head cache: %w", err)
			}
			b.onClose(db.Close)
			boltDB = db
		}
		if boltDB == nil {
			return nil, errors.New("bbolt head cache needs head_cache.path")
		}
		return ledger.NewBoltHeadCache(boltDB)
	case config.BackendPostgres:
		if pool == nil {
			p, err := pgxpool.New(ctx, cfg.Storage.DSN)
			if err != nil {
				return nil, fmt.Errorf("connecting head cache to postgres: %w", err)
			}
			b.onClose(func() error { p.Close(); return nil })
			pool = p
		}
		return pgstorage.NewHeadCache(ctx, pool)
	default:
		return nil, fmt.Errorf("unknown head cache backend %q", cfg.HeadCache.Backend)
	}
}

// openBlobs opens the configured blob store and registers its closers on b.
func openBlobs(cfg config.Config, b *backends, logger *slog.Logger, logOut io.Writer) error {
	switch cfg.Blobs.Backend {
	case config.BackendMemory:
		b.blobs = blobstore.NewMemory()
	case config.BackendFS:
		s, err := fsblobs.New(cfg.Blobs.Path)
		if err != nil {
			return err
		}
		b.blobs = s
	case config.BackendBadger:
		db, err := badgerstorage.Open(badgerstorage.Config{
			Path:       cfg.Blobs.Path,
			SyncWrites: true,
			Logger:     badgerLogger(cfg.Log, logOut),
		})
		if err != nil {
			return fmt.Errorf("opening badger blob store: %w", err)
		}
		b.onClose(db.Close)
		b.blobs = badgerblobs.New(db.DB(), cfg.Blobs.ChunkSize)
	case config.BackendDual:
		primary, err := fsblobs.New(cfg.Blobs.Path)
		if err != nil {
			return err
		}
		replica, err := fsblobs.New(cfg.Blobs.ReplicaPath)
		if err != nil {
			return err
		}
		b.blobs = blobstore.NewDual(primary, replica, logger)
	default:
		return fmt.Errorf("unknown blob backend %q", cfg.Blobs.Backend)
	}
	return nil
}

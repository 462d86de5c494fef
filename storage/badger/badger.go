// Package badger provides a Badger-backed storage repository.
//
// Keys are laid out as partition 0x00 recordType ":" recordID, so one prefix
// scan covers a partition. Badger transactions are optimistic: a batch that
// loses a race with a concurrent writer fails with storage.ErrCASFailed.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/jmcleod/medkey/storage"
)

const sep = 0x00

// Config configures a Badger repository.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives Badger's internal log output. Defaults to a logrus
	// logger at warn level.
	Logger *logrus.Logger
}

// Store implements storage.Repository backed by Badger.
type Store struct {
	db *badger.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (or creates) a Badger database described by cfg.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetLevel(logrus.WarnLevel)
	}
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &Store{db: db}, nil
}

// NewRepository wraps an already opened Badger database.
func NewRepository(db *badger.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database.
func (s *Store) DB() *badger.DB {
	return s.db
}

// Close closes the underlying Badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

func partitionPrefix(partition string) []byte {
	return append([]byte(partition), sep)
}

func makeKey(partition, recordType, recordID string) []byte {
	k := partitionPrefix(partition)
	k = append(k, recordType...)
	k = append(k, ':')
	return append(k, recordID...)
}

// mapTxnError folds Badger's optimistic-concurrency conflict into
// storage.ErrCASFailed.
func mapTxnError(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return storage.ErrCASFailed
	}
	return err
}

func getInTxn(txn *badger.Txn, partition, recordType, recordID string) (*storage.Envelope, error) {
	item, err := txn.Get(makeKey(partition, recordType, recordID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var env storage.Envelope
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &env)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", recordType, recordID, err)
	}
	return &env, nil
}

func putInTxn(txn *badger.Txn, partition, recordType, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return txn.Set(makeKey(partition, recordType, recordID), data)
}

func putCASInTxn(txn *badger.Txn, partition, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	existing, err := getInTxn(txn, partition, recordType, recordID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	case expectedVersion == 0 || existing.Version != expectedVersion:
		return storage.ErrCASFailed
	}
	return putInTxn(txn, partition, recordType, recordID, envelope)
}

func partitionExists(txn *badger.Txn, partition string) bool {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = partitionPrefix(partition)
	it := txn.NewIterator(opts)
	defer it.Close()
	it.Rewind()
	return it.Valid()
}

func (s *Store) Put(_ context.Context, partition, recordType, recordID string, envelope *storage.Envelope) error {
	return mapTxnError(s.db.Update(func(txn *badger.Txn) error {
		return putInTxn(txn, partition, recordType, recordID, envelope)
	}))
}

func (s *Store) Get(_ context.Context, partition, recordType, recordID string) (*storage.Envelope, error) {
	var env *storage.Envelope
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		env, err = getInTxn(txn, partition, recordType, recordID)
		if errors.Is(err, storage.ErrNotFound) && !partitionExists(txn, partition) {
			return fmt.Errorf("%s: %w", partition, storage.ErrPartitionNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// List returns ids in key order, which Badger iterates in.
func (s *Store) List(_ context.Context, partition, recordType string) ([]string, error) {
	prefix := makeKey(partition, recordType, "")
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *Store) ListPartitions(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			i := bytes.IndexByte(k, sep)
			if i < 0 {
				continue
			}
			name := string(k[:i])
			if len(names) == 0 || names[len(names)-1] != name {
				names = append(names, name)
			}
		}
		return nil
	})
	return names, err
}

func (s *Store) PutCAS(_ context.Context, partition, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return mapTxnError(s.db.Update(func(txn *badger.Txn) error {
		return putCASInTxn(txn, partition, recordType, recordID, expectedVersion, envelope)
	}))
}

type badgerBatchTx struct {
	txn       *badger.Txn
	partition string
}

func (tx *badgerBatchTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return getInTxn(tx.txn, tx.partition, recordType, recordID)
}

func (tx *badgerBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return putInTxn(tx.txn, tx.partition, recordType, recordID, envelope)
}

func (tx *badgerBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return putCASInTxn(tx.txn, tx.partition, recordType, recordID, expectedVersion, envelope)
}

// Batch runs fn in one Badger read-write transaction. Nothing is written
// unless fn succeeds and the commit passes conflict detection.
func (s *Store) Batch(ctx context.Context, partition string, fn func(tx storage.BatchTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapTxnError(s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerBatchTx{txn: txn, partition: partition})
	}))
}

// Package leveldb provides a LevelDB-backed storage repository.
//
// Keys use the same partition 0x00 recordType ":" recordID layout as the
// Badger backend. Compare-and-swap and batches run inside a LevelDB
// transaction, which holds the database write lock until commit.
package leveldb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/jmcleod/medkey/storage"
)

const sep = 0x00

// Store implements storage.Repository backed by LevelDB.
type Store struct {
	db *leveldb.DB
}

var _ storage.Repository = (*Store)(nil)

// OpenFile opens (or creates) a LevelDB database in the given directory.
func OpenFile(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens a LevelDB database held entirely in memory.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory leveldb: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
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

// reader is satisfied by both *leveldb.DB and *leveldb.Transaction.
type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
}

func decode(data []byte, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", recordType, recordID, err)
	}
	return &env, nil
}

func getFrom(r reader, partition, recordType, recordID string) (*storage.Envelope, error) {
	data, err := r.Get(makeKey(partition, recordType, recordID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decode(data, recordType, recordID)
}

func (s *Store) Put(_ context.Context, partition, recordType, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.db.Put(makeKey(partition, recordType, recordID), data, nil)
}

func (s *Store) Get(_ context.Context, partition, recordType, recordID string) (*storage.Envelope, error) {
	env, err := getFrom(s.db, partition, recordType, recordID)
	if errors.Is(err, storage.ErrNotFound) && !s.partitionExists(partition) {
		return nil, fmt.Errorf("%s: %w", partition, storage.ErrPartitionNotFound)
	}
	return env, err
}

func (s *Store) partitionExists(partition string) bool {
	iter := s.db.NewIterator(util.BytesPrefix(partitionPrefix(partition)), nil)
	defer iter.Release()
	return iter.Next()
}

func (s *Store) List(_ context.Context, partition, recordType string) ([]string, error) {
	prefix := makeKey(partition, recordType, "")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var ids []string
	for iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	return ids, iter.Error()
}

func (s *Store) ListPartitions(_ context.Context, prefix string) ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var names []string
	for iter.Next() {
		k := iter.Key()
		i := bytes.IndexByte(k, sep)
		if i < 0 {
			continue
		}
		name := string(k[:i])
		if len(names) == 0 || names[len(names)-1] != name {
			names = append(names, name)
		}
	}
	return names, iter.Error()
}

func (s *Store) PutCAS(ctx context.Context, partition, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.Batch(ctx, partition, func(tx storage.BatchTx) error {
		return tx.PutCAS(recordType, recordID, expectedVersion, envelope)
	})
}

// Batch runs fn inside a LevelDB transaction. The transaction is discarded
// unless fn succeeds.
func (s *Store) Batch(ctx context.Context, partition string, fn func(tx storage.BatchTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening leveldb transaction: %w", err)
	}
	if err := fn(&levelBatchTx{tr: tr, partition: partition}); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

type levelBatchTx struct {
	tr        *leveldb.Transaction
	partition string
}

func (tx *levelBatchTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return getFrom(tx.tr, tx.partition, recordType, recordID)
}

func (tx *levelBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return tx.tr.Put(makeKey(tx.partition, recordType, recordID), data, nil)
}

func (tx *levelBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	existing, err := tx.Get(recordType, recordID)
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
	return tx.Put(recordType, recordID, envelope)
}

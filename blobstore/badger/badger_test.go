package badger

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medkey/blobstore"
	"github.com/jmcleod/medkey/blobstore/blobstoretest"
)

func openDB(t *testing.T) *badger.DB {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBadgerBlobStore(t *testing.T) {
	blobstoretest.Run(t, New(openDB(t), 0))
}

func TestBadgerBlobStore_SmallChunks(t *testing.T) {
	blobstoretest.Run(t, New(openDB(t), 1024))
}

func TestBadgerBlobStore_SharedChunks(t *testing.T) {
	ctx := t.Context()
	db := openDB(t)
	s := New(db, 4)

	_, err := s.Store(ctx, []byte("aaaabbbbcccc"))
	require.NoError(t, err)
	_, err = s.Store(ctx, []byte("aaaabbbbdddd"))
	require.NoError(t, err)

	chunks := 0
	require.NoError(t, db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(chunkPrefix); it.ValidForPrefix(chunkPrefix); it.Next() {
			chunks++
		}
		return nil
	}))
	assert.Equal(t, 4, chunks, "aaaa and bbbb are stored once")
}

func TestBadgerBlobStore_DetectsTampering(t *testing.T) {
	ctx := t.Context()
	db := openDB(t)
	s := New(db, 4)

	data := []byte("aaaabbbb")
	pointer, err := s.Store(ctx, data)
	require.NoError(t, err)

	chunk, err := blobstore.Pointer([]byte("bbbb"))
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(chunk.String()), []byte("BBBB"))
	}))
	_, err = s.Retrieve(ctx, pointer)
	assert.ErrorIs(t, err, blobstore.ErrCorrupt)

	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Delete(chunkKey(chunk.String()))
	}))
	assert.ErrorIs(t, s.Verify(ctx, pointer), blobstore.ErrCorrupt)
}

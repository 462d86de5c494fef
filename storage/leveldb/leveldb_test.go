package leveldb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medkey/storage"
	"github.com/jmcleod/medkey/storage/storagetest"
)

func TestLevelDBStorage(t *testing.T) {
	s, err := OpenFile(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	storagetest.Run(t, s)
}

func TestLevelDBStorage_Memory(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	storagetest.Run(t, s)
}

func TestLevelDBStorage_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := OpenFile(dir)
	require.NoError(t, err)
	require.NoError(t, s1.PutCAS(ctx, "keys/alice", "HEAD", "head", 0, storage.PlainRecord([]byte("h"), 1)))
	require.NoError(t, s1.Close())

	s2, err := OpenFile(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "keys/alice", "HEAD", "head")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
}

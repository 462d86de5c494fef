package badger

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medkey/storage"
	"github.com/jmcleod/medkey/storage/storagetest"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestBadgerStorage(t *testing.T) {
	s, err := Open(Config{Path: t.TempDir(), Logger: quietLogger()})
	require.NoError(t, err)
	defer s.Close()

	storagetest.Run(t, s)
}

func TestBadgerStorage_InMemory(t *testing.T) {
	s, err := Open(Config{InMemory: true, Logger: quietLogger()})
	require.NoError(t, err)
	defer s.Close()

	storagetest.Run(t, s)
}

func TestBadgerStorage_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(Config{Path: dir, SyncWrites: true, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, "keys/alice", "FACT", "0", storage.PlainRecord([]byte("k0"), 1)))
	require.NoError(t, s1.Close())

	s2, err := Open(Config{Path: dir, Logger: quietLogger()})
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "keys/alice", "FACT", "0")
	require.NoError(t, err)
	assert.Equal(t, []byte("k0"), got.Ciphertext)
}

func TestBadgerStorage_PartitionPrefixIsolation(t *testing.T) {
	s, err := Open(Config{InMemory: true, Logger: quietLogger()})
	require.NoError(t, err)
	defer s.Close()
	ctx := t.Context()

	// "keys/al" must not see records of "keys/alice".
	require.NoError(t, s.Put(ctx, "keys/alice", "FACT", "0", storage.PlainRecord([]byte("a"))))
	_, err = s.Get(ctx, "keys/al", "FACT", "0")
	assert.ErrorIs(t, err, storage.ErrPartitionNotFound)

	ids, err := s.List(ctx, "keys/al", "FACT")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

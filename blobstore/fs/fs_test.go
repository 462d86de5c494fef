package fs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medkey/blobstore"
	"github.com/jmcleod/medkey/blobstore/blobstoretest"
)

func TestFSStore(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	blobstoretest.Run(t, s)
}

func TestFSStore_DetectsTampering(t *testing.T) {
	ctx := t.Context()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	pointer, err := s.Store(ctx, []byte("ciphertext"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.path(pointer), []byte("CIPHERTEXT"), 0o600))

	_, err = s.Retrieve(ctx, pointer)
	assert.ErrorIs(t, err, blobstore.ErrCorrupt)
}

func TestFSStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir)
	require.NoError(t, err)
	pointer, err := s1.Store(t.Context(), []byte("durable"))
	require.NoError(t, err)

	s2, err := New(dir)
	require.NoError(t, err)
	got, err := s2.Retrieve(t.Context(), pointer)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}

// Package blobstoretest provides a conformance suite run against every
// blobstore.Store backend.
package blobstoretest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medkey/blobstore"
)

// Run exercises s against the blobstore.Store contract.
func Run(t *testing.T, s blobstore.Store) {
	t.Helper()

	t.Run("StoreRetrieve", func(t *testing.T) {
		ctx := t.Context()
		data := []byte("sealed payload bytes")
		pointer, err := s.Store(ctx, data)
		require.NoError(t, err)

		want, err := blobstore.Pointer(data)
		require.NoError(t, err)
		assert.Equal(t, want.String(), pointer)

		got, err := s.Retrieve(ctx, pointer)
		require.NoError(t, err)
		assert.Equal(t, data, got)
		assert.NoError(t, s.Verify(ctx, pointer))

		ok, err := s.Exists(ctx, pointer)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Idempotent", func(t *testing.T) {
		ctx := t.Context()
		p1, err := s.Store(ctx, []byte("same"))
		require.NoError(t, err)
		p2, err := s.Store(ctx, []byte("same"))
		require.NoError(t, err)
		assert.Equal(t, p1, p2)
	})

	t.Run("Large", func(t *testing.T) {
		ctx := t.Context()
		data := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
		data[len(data)-1] = 'X'
		pointer, err := s.Store(ctx, data)
		require.NoError(t, err)
		got, err := s.Retrieve(ctx, pointer)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("NotFound", func(t *testing.T) {
		ctx := t.Context()
		c, err := blobstore.Pointer([]byte("never stored"))
		require.NoError(t, err)

		_, err = s.Retrieve(ctx, c.String())
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
		assert.ErrorIs(t, s.Verify(ctx, c.String()), blobstore.ErrNotFound)

		ok, err := s.Exists(ctx, c.String())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("InvalidPointer", func(t *testing.T) {
		ctx := t.Context()
		_, err := s.Retrieve(ctx, "not-a-cid")
		assert.ErrorIs(t, err, blobstore.ErrInvalidPointer)
		_, err = s.Exists(ctx, "not-a-cid")
		assert.ErrorIs(t, err, blobstore.ErrInvalidPointer)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := s.Store(t.Context(), nil)
		assert.ErrorIs(t, err, blobstore.ErrEmptyBlob)
	})
}

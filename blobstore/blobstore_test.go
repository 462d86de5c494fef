package blobstore_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medkey/blobstore"
	"github.com/jmcleod/medkey/blobstore/blobstoretest"
	"github.com/jmcleod/medkey/errs"
)

func TestMemory(t *testing.T) {
	blobstoretest.Run(t, blobstore.NewMemory())
}

func TestDual(t *testing.T) {
	blobstoretest.Run(t, blobstore.NewDual(blobstore.NewMemory(), blobstore.NewMemory(), nil))
}

func TestParsePointer(t *testing.T) {
	c, err := blobstore.Pointer([]byte("x"))
	require.NoError(t, err)
	got, err := blobstore.ParsePointer(c.String())
	require.NoError(t, err)
	assert.True(t, got.Equals(c))

	// A CIDv0 or another hash function is not a blob pointer.
	mh, err := multihash.Sum([]byte("x"), multihash.SHA2_256, -1)
	require.NoError(t, err)
	_, err = blobstore.ParsePointer(cid.NewCidV0(mh).String())
	assert.ErrorIs(t, err, blobstore.ErrInvalidPointer)

	mh, err = multihash.Sum([]byte("x"), multihash.SHA2_512, -1)
	require.NoError(t, err)
	_, err = blobstore.ParsePointer(cid.NewCidV1(cid.Raw, mh).String())
	assert.ErrorIs(t, err, blobstore.ErrInvalidPointer)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestMemory_DetectsTampering(t *testing.T) {
	ctx := t.Context()
	m := blobstore.NewMemory()
	pointer, err := m.Store(ctx, []byte("original"))
	require.NoError(t, err)

	m.Overwrite(pointer, []byte("altered!"))
	_, err = m.Retrieve(ctx, pointer)
	require.ErrorIs(t, err, blobstore.ErrCorrupt)
	assert.ErrorIs(t, err, errs.ErrIntegrity)
	assert.ErrorIs(t, m.Verify(ctx, pointer), blobstore.ErrCorrupt)
}

func TestDual_FallsBackToReplica(t *testing.T) {
	ctx := t.Context()
	primary, replica := blobstore.NewMemory(), blobstore.NewMemory()
	d := blobstore.NewDual(primary, replica, nil)

	t.Run("MissingOnPrimaryIsRepaired", func(t *testing.T) {
		pointer, err := replica.Store(ctx, []byte("only on replica"))
		require.NoError(t, err)

		got, err := d.Retrieve(ctx, pointer)
		require.NoError(t, err)
		assert.Equal(t, []byte("only on replica"), got)

		ok, err := primary.Exists(ctx, pointer)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("CorruptOnPrimary", func(t *testing.T) {
		pointer, err := d.Store(ctx, []byte("both copies"))
		require.NoError(t, err)
		primary.Overwrite(pointer, []byte("bit rot"))

		got, err := d.Retrieve(ctx, pointer)
		require.NoError(t, err)
		assert.Equal(t, []byte("both copies"), got)
		assert.ErrorIs(t, d.Verify(ctx, pointer), blobstore.ErrCorrupt)
	})

	t.Run("CorruptOnBoth", func(t *testing.T) {
		pointer, err := d.Store(ctx, []byte("doomed"))
		require.NoError(t, err)
		primary.Overwrite(pointer, []byte("a"))
		replica.Overwrite(pointer, []byte("b"))

		_, err = d.Retrieve(ctx, pointer)
		assert.ErrorIs(t, err, blobstore.ErrCorrupt)
	})
}

// innerStore is embedded under its own name so the Store override below does
// not collide with the embedded field.
type innerStore = blobstore.Store

type failingStore struct{ innerStore }

func (failingStore) Store(context.Context, []byte) (string, error) {
	return "", assert.AnError
}

func TestDual_ReplicaFailureFailsStore(t *testing.T) {
	d := blobstore.NewDual(blobstore.NewMemory(), failingStore{}, nil)
	_, err := d.Store(t.Context(), []byte("x"))
	assert.ErrorIs(t, err, assert.AnError)
}

package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/errs"
	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/ledger"
	"github.com/jmcleod/medkey/storage/memory"
)

var (
	alice = identity.MustParse("alice")
	admin = identity.MustParse("admin")
)

func newPub(t *testing.T) []byte {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	t.Cleanup(kp.Destroy)
	return kp.PublicKey()
}

func newRegistry(t *testing.T) (*Registry, *ledger.Ledger) {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	l := ledger.New(memory.NewRepository(), ledger.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}))
	return New(l, WithAdmins(admin)), l
}

func TestRegister(t *testing.T) {
	ctx := t.Context()
	r, _ := newRegistry(t)
	pub := newPub(t)

	rec, err := r.Register(ctx, alice, pub)
	require.NoError(t, err)
	assert.Equal(t, alice, rec.Identity)
	assert.Equal(t, uint64(0), rec.Version)
	assert.Equal(t, pub, rec.KeyBytes)
	assert.True(t, rec.Active)
	assert.False(t, rec.RegisteredAt.IsZero())

	_, err = r.Register(ctx, alice, newPub(t))
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.ErrorIs(t, err, errs.ErrConflict)

	active, err := r.ActiveKey(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, pub, active.KeyBytes, "a failed register changes nothing")
}

func TestRegister_RejectsInvalidInput(t *testing.T) {
	ctx := t.Context()
	r, l := newRegistry(t)

	bad := newPub(t)
	bad[0] = 0x02
	_, err := r.Register(ctx, alice, bad)
	require.ErrorIs(t, err, crypto.ErrInvalidPublicKey)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = r.Register(ctx, alice, newPub(t)[:64])
	assert.ErrorIs(t, err, crypto.ErrInvalidPublicKey)

	offCurve := make([]byte, 65)
	offCurve[0] = 0x04
	offCurve[64] = 1
	_, err = r.Register(ctx, alice, offCurve)
	assert.ErrorIs(t, err, crypto.ErrInvalidPublicKey)

	_, err = r.Register(ctx, identity.Identity("a:b"), newPub(t))
	assert.ErrorIs(t, err, identity.ErrInvalid)

	head, err := l.Head(ctx, Partition(alice))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head.Seq, "rejected input appends nothing")
}

func TestRotate_VersionMonotonicity(t *testing.T) {
	ctx := t.Context()
	r, _ := newRegistry(t)
	_, err := r.Register(ctx, alice, newPub(t))
	require.NoError(t, err)

	const n = 5
	for i := 1; i <= n; i++ {
		rec, err := r.Rotate(ctx, alice, newPub(t))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.Version)
	}

	v, err := r.CurrentVersion(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), v)

	for i := range uint64(n) {
		rec, err := r.KeyByVersion(ctx, alice, i)
		require.NoError(t, err)
		assert.False(t, rec.Active, "version %d", i)
		assert.False(t, rec.DeactivatedAt.IsZero())
	}
	rec, err := r.KeyByVersion(ctx, alice, n)
	require.NoError(t, err)
	assert.True(t, rec.Active)

	_, err = r.KeyByVersion(ctx, alice, n+1)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	history, err := r.History(ctx, alice)
	require.NoError(t, err)
	require.Len(t, history, n+1)
	active := 0
	for _, k := range history {
		if k.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestRotate_Unregistered(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Rotate(t.Context(), alice, newPub(t))
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRevoke(t *testing.T) {
	ctx := t.Context()
	r, _ := newRegistry(t)

	assert.ErrorIs(t, r.Revoke(ctx, alice), ErrNotRegistered)

	_, err := r.Register(ctx, alice, newPub(t))
	require.NoError(t, err)
	require.NoError(t, r.Revoke(ctx, alice))

	_, err = r.ActiveKey(ctx, alice)
	assert.ErrorIs(t, err, ErrNoActiveKey)
	assert.ErrorIs(t, r.Revoke(ctx, alice), ErrAlreadyRevoked)

	_, err = r.Rotate(ctx, alice, newPub(t))
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = r.Register(ctx, alice, newPub(t))
	assert.ErrorIs(t, err, ErrAlreadyRegistered, "revoked identities cannot self-register again")

	v, err := r.CurrentVersion(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestReprovision(t *testing.T) {
	ctx := t.Context()
	r, _ := newRegistry(t)

	_, err := r.Reprovision(ctx, admin, alice, newPub(t))
	assert.ErrorIs(t, err, ErrNotRegistered)

	_, err = r.Register(ctx, alice, newPub(t))
	require.NoError(t, err)
	_, err = r.Reprovision(ctx, admin, alice, newPub(t))
	assert.ErrorIs(t, err, ErrNotRevoked)

	require.NoError(t, r.Revoke(ctx, alice))

	_, err = r.Reprovision(ctx, alice, alice, newPub(t))
	require.ErrorIs(t, err, ErrNotAdministrator)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	pub := newPub(t)
	rec, err := r.Reprovision(ctx, admin, alice, pub)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)
	assert.True(t, rec.Active)

	old, err := r.KeyByVersion(ctx, alice, 0)
	require.NoError(t, err)
	assert.False(t, old.Active, "revoked versions stay inactive")

	rotated, err := r.Rotate(ctx, alice, newPub(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rotated.Version)
}

func TestConcurrentRotations(t *testing.T) {
	ctx := t.Context()
	r, _ := newRegistry(t)
	_, err := r.Register(ctx, alice, newPub(t))
	require.NoError(t, err)

	pubs := make([][]byte, 10)
	for i := range pubs {
		pubs[i] = newPub(t)
	}
	var wg sync.WaitGroup
	for _, pub := range pubs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Rotate(ctx, alice, pub)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := r.History(ctx, alice)
	require.NoError(t, err)
	require.Len(t, history, 11)
	for i, k := range history {
		assert.Equal(t, uint64(i), k.Version)
		assert.Equal(t, i == 10, k.Active)
	}
}

func TestStateRebuildsFromLedger(t *testing.T) {
	ctx := t.Context()
	r, l := newRegistry(t)
	_, err := r.Register(ctx, alice, newPub(t))
	require.NoError(t, err)
	last := newPub(t)
	_, err = r.Rotate(ctx, alice, last)
	require.NoError(t, err)

	fresh := New(l)
	rec, err := fresh.ActiveKey(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)
	assert.Equal(t, last, rec.KeyBytes)

	result, err := l.Verify(ctx, Partition(alice))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.FactCount)
}

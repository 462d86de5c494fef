package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/errs"
)

func (f *fixture) grantMessage(t *testing.T, recordID uint64, key []byte, nonce uint64) crypto.GrantMessage {
	t.Helper()
	return crypto.GrantMessage{
		Patient:        string(patient),
		GrantedTo:      string(doctor),
		RecordIDs:      []uint64{recordID},
		WrappedKey:     f.wrapFor(t, doctor, key),
		ExpirationTime: testStart.Add(time.Hour + 250*time.Millisecond),
		Nonce:          nonce,
	}
}

func TestGrantWithSignature(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.register(t, patient)
	f.register(t, doctor)
	f.register(t, stranger)
	r0, key := f.addRecord(t, patient)

	msg := f.grantMessage(t, r0, key, 42)
	sig, err := f.keys[patient].SignGrant(f.svc.Domain(), msg)
	require.NoError(t, err)

	pid, err := f.svc.GrantWithSignature(ctx, msg, sig)
	require.NoError(t, err)

	p, err := f.svc.Permission(ctx, patient, pid)
	require.NoError(t, err)
	require.NotNil(t, p.Nonce)
	assert.Equal(t, uint64(42), *p.Nonce)
	assert.True(t, p.ExpiresAt.Equal(testStart.Add(time.Hour)), "expiry is truncated to the signed second")

	d, err := f.svc.CheckAccess(ctx, doctor, patient, r0)
	require.NoError(t, err)
	assert.True(t, d.HasAccess)
	assert.Equal(t, pid, d.PermissionID)

	t.Run("Replay", func(t *testing.T) {
		before := f.head(t, patient)
		_, err := f.svc.GrantWithSignature(ctx, msg, sig)
		require.ErrorIs(t, err, ErrNonceReplayed)
		assert.ErrorIs(t, err, errs.ErrConflict)
		assert.Equal(t, before, f.head(t, patient))
	})

	t.Run("NonceSurvivesRevoke", func(t *testing.T) {
		require.NoError(t, f.svc.Revoke(ctx, patient, patient, pid))
		_, err := f.svc.GrantWithSignature(ctx, msg, sig)
		assert.ErrorIs(t, err, ErrNonceReplayed)
	})

	t.Run("FreshNonce", func(t *testing.T) {
		next := f.grantMessage(t, r0, key, 43)
		sig, err := f.keys[patient].SignGrant(f.svc.Domain(), next)
		require.NoError(t, err)
		_, err = f.svc.GrantWithSignature(ctx, next, sig)
		assert.NoError(t, err)
	})
}

func TestGrantWithSignature_Rejects(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.register(t, patient)
	f.register(t, doctor)
	f.register(t, stranger)
	r0, key := f.addRecord(t, patient)
	msg := f.grantMessage(t, r0, key, 1)

	sign := func(t *testing.T, kp *crypto.KeyPair, d crypto.Domain, m crypto.GrantMessage) []byte {
		t.Helper()
		sig, err := kp.SignGrant(d, m)
		require.NoError(t, err)
		return sig
	}

	t.Run("WrongSigner", func(t *testing.T) {
		_, err := f.svc.GrantWithSignature(ctx, msg, sign(t, f.keys[stranger], f.domain, msg))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("TamperedMessage", func(t *testing.T) {
		sig := sign(t, f.keys[patient], f.domain, msg)
		tampered := msg
		tampered.GrantedTo = string(stranger)
		_, err := f.svc.GrantWithSignature(ctx, tampered, sig)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("WrongDomain", func(t *testing.T) {
		d := f.domain
		d.ChainID++
		_, err := f.svc.GrantWithSignature(ctx, msg, sign(t, f.keys[patient], d, msg))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("MalformedSignature", func(t *testing.T) {
		_, err := f.svc.GrantWithSignature(ctx, msg, []byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrInvalidSignature)
		assert.Equal(t, errs.KindUnauthorized, errs.KindOf(err))
	})

	t.Run("RotatedKey", func(t *testing.T) {
		sig := sign(t, f.keys[patient], f.domain, msg)
		next, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		t.Cleanup(next.Destroy)
		_, err = f.reg.Rotate(ctx, patient, next.PublicKey())
		require.NoError(t, err)
		_, err = f.svc.GrantWithSignature(ctx, msg, sig)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	perms, err := f.svc.Permissions(ctx, patient)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

package records

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/emergency"
	"github.com/jmcleod/medkey/identity"
	icrypto "github.com/jmcleod/medkey/internal/crypto"
)

func TestScenario_EmergencyDualControl(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	drA := identity.MustParse("dr-a")
	drB := identity.MustParse("dr-b")
	f.register(t, patient, drA, drB)
	em := emergency.New(f.ledger, f.access, emergency.WithClock(f.clock.Now))

	f.add(t, "allergies: none")
	r1 := f.add(t, "blood type: O-")

	// The patient's agent wraps the record key for physician A up front.
	rec, err := f.access.Record(ctx, patient, r1.RecordID)
	require.NoError(t, err)
	key, err := f.keys[patient].Unwrap(rec.OwnerWrappedKey)
	require.NoError(t, err)
	forA, err := crypto.WrapBytes(f.keys[drA].PublicKey(), key)
	require.NoError(t, err)
	req := emergency.Request{
		PhysicianA:     drA,
		PhysicianB:     drB,
		Patient:        patient,
		RecordIDs:      []uint64{r1.RecordID},
		Justification:  emergency.Trauma,
		WrappedKeyForA: forA,
	}

	id, err := em.Request(ctx, drA, req)
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, em.Confirm(ctx, drB, id))

	g, err := em.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, g.Confirmed)
	assert.ErrorIs(t, em.Confirm(ctx, drB, id), emergency.ErrAlreadyConfirmed)

	// Sign-off alone does not open the record.
	_, err = f.coord.Open(ctx, drA, f.keys[drA], patient, r1.RecordID)
	assert.ErrorIs(t, err, ErrAccessDenied)

	wrapped, err := em.WrappedKey(ctx, drA, id)
	require.NoError(t, err)
	released, err := f.keys[drA].Unwrap(wrapped)
	require.NoError(t, err)
	blob, err := f.blobs.Retrieve(ctx, rec.StoragePointer)
	require.NoError(t, err)
	sealed, err := crypto.ParseSealedPayload(blob)
	require.NoError(t, err)
	plaintext, err := crypto.DecryptPayload(sealed, released, icrypto.AADRecordPayload(string(patient), r1.RecordID))
	require.NoError(t, err)
	assert.Equal(t, "blood type: O-", string(plaintext))

	late, err := em.Request(ctx, drA, req)
	require.NoError(t, err)
	f.clock.Advance(emergency.DefaultWindow)
	assert.ErrorIs(t, em.Confirm(ctx, drB, late), emergency.ErrExpired)
}

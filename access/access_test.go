package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medkey/blobstore"
	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/errs"
	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/internal/util"
	"github.com/jmcleod/medkey/ledger"
	"github.com/jmcleod/medkey/registry"
	"github.com/jmcleod/medkey/storage/memory"
)

var (
	patient   = identity.MustParse("patient-p")
	other     = identity.MustParse("patient-q")
	doctor    = identity.MustParse("dr-d")
	stranger  = identity.MustParse("dr-x")
	testStart = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc    *Service
	reg    *registry.Registry
	ledger *ledger.Ledger
	clock  *clock
	keys   map[identity.Identity]*crypto.KeyPair
	domain crypto.Domain
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{t: testStart}
	l := ledger.New(memory.NewRepository(), ledger.WithClock(c.Now))
	reg := registry.New(l)
	domain := crypto.Domain{Name: "medkey", Version: "1", ChainID: 7, VerifyingContext: "test"}
	return &fixture{
		svc:    New(l, reg, WithClock(c.Now), WithDomain(domain)),
		reg:    reg,
		ledger: l,
		clock:  c,
		keys:   make(map[identity.Identity]*crypto.KeyPair),
		domain: domain,
	}
}

func (f *fixture) register(t *testing.T, id identity.Identity) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	t.Cleanup(kp.Destroy)
	_, err = f.reg.Register(t.Context(), id, kp.PublicKey())
	require.NoError(t, err)
	f.keys[id] = kp
	return kp
}

func (f *fixture) wrapFor(t *testing.T, id identity.Identity, key []byte) []byte {
	t.Helper()
	w, err := crypto.WrapBytes(f.keys[id].PublicKey(), key)
	require.NoError(t, err)
	return w
}

// newRecord describes a record whose payload is random bytes and whose key
// is wrapped for the patient. It returns the record key as well.
func (f *fixture) newRecord(t *testing.T, p identity.Identity) (NewRecord, []byte) {
	t.Helper()
	key, err := crypto.NewSymmetricKey()
	require.NoError(t, err)
	blob, err := util.RandomBytes(48)
	require.NoError(t, err)
	pointer, err := blobstore.Pointer(blob)
	require.NoError(t, err)
	digest := crypto.Digest(blob)
	id, err := f.svc.NextRecordID(t.Context(), p)
	require.NoError(t, err)
	return NewRecord{
		ID:              id,
		StoragePointer:  pointer.String(),
		ContentDigest:   digest[:],
		OwnerWrappedKey: f.wrapFor(t, p, key),
	}, key
}

func (f *fixture) addRecord(t *testing.T, p identity.Identity) (uint64, []byte) {
	t.Helper()
	rec, key := f.newRecord(t, p)
	_, err := f.svc.CreateRecord(t.Context(), p, p, rec)
	require.NoError(t, err)
	return rec.ID, key
}

func (f *fixture) head(t *testing.T, p identity.Identity) uint64 {
	t.Helper()
	h, err := f.ledger.Head(t.Context(), PatientPartition(p))
	require.NoError(t, err)
	return h.Seq
}

func (f *fixture) granteeHead(t *testing.T, id identity.Identity) uint64 {
	t.Helper()
	h, err := f.ledger.Head(t.Context(), GranteePartition(id))
	require.NoError(t, err)
	return h.Seq
}

func TestGrantAndCheckAccess(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.register(t, patient)
	dk := f.register(t, doctor)
	r0, key := f.addRecord(t, patient)

	expires := testStart.Add(time.Hour)
	pid, err := f.svc.Grant(ctx, patient, patient, GrantRequest{
		GrantedTo:  doctor,
		RecordIDs:  []uint64{r0},
		WrappedKey: f.wrapFor(t, doctor, key),
		ExpiresAt:  expires,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pid)

	d, err := f.svc.CheckAccess(ctx, doctor, patient, r0)
	require.NoError(t, err)
	require.True(t, d.HasAccess)
	assert.False(t, d.Owner)
	assert.Equal(t, pid, d.PermissionID)
	assert.True(t, d.ExpiresAt.Equal(expires))

	unwrapped, err := dk.Unwrap(d.WrappedKey)
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)

	d, err = f.svc.CheckAccess(ctx, stranger, patient, r0)
	require.NoError(t, err)
	assert.False(t, d.HasAccess)
	assert.Nil(t, d.WrappedKey)

	p, err := f.svc.Permission(ctx, patient, pid)
	require.NoError(t, err)
	assert.Equal(t, doctor, p.GrantedTo)
	assert.Equal(t, patient, p.Patient)
	assert.True(t, p.GrantedAt.Equal(testStart))
	assert.Nil(t, p.Nonce)
}

func TestCheckAccess_Owner(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.register(t, patient)
	r0, _ := f.addRecord(t, patient)

	d, err := f.svc.CheckAccess(ctx, patient, patient, r0)
	require.NoError(t, err)
	assert.True(t, d.HasAccess)
	assert.True(t, d.Owner)
	assert.Nil(t, d.WrappedKey)

	_, err = f.svc.CheckAccess(ctx, patient, patient, 42)
	require.ErrorIs(t, err, ErrRecordNotFound)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRevoke(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.register(t, patient)
	f.register(t, doctor)
	r0, key := f.addRecord(t, patient)

	pid, err := f.svc.Grant(ctx, patient, patient, GrantRequest{
		GrantedTo: doctor, RecordIDs: []uint64{r0}, WrappedKey: f.wrapFor(t, doctor, key), ExpiresAt: testStart.Add(time.Hour),
	})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Revoke(ctx, doctor, patient, pid), ErrNotOwner)
	assert.ErrorIs(t, f.svc.Revoke(ctx, patient, patient, pid+1), ErrPermissionNotFound)

	require.NoError(t, f.svc.Revoke(ctx, patient, patient, pid))
	d, err := f.svc.CheckAccess(ctx, doctor, patient, r0)
	require.NoError(t, err)
	assert.False(t, d.HasAccess, "revocation takes effect immediately")

	err = f.svc.Revoke(ctx, patient, patient, pid)
	require.ErrorIs(t, err, ErrAlreadyRevoked)
	assert.ErrorIs(t, err, errs.ErrConflict)

	p, err := f.svc.Permission(ctx, patient, pid)
	require.NoError(t, err)
	assert.True(t, p.Revoked)
	assert.False(t, p.RevokedAt.IsZero())

	perms, err := f.svc.Permissions(ctx, patient)
	require.NoError(t, err)
	assert.Len(t, perms, 1, "revoked permissions are retained")
}

func TestCheckAccess_Expiry(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.register(t, patient)
	f.register(t, doctor)
	r0, key := f.addRecord(t, patient)

	_, err := f.svc.Grant(ctx, patient, patient, GrantRequest{
		GrantedTo: doctor, RecordIDs: []uint64{r0}, WrappedKey: f.wrapFor(t, doctor, key), ExpiresAt: testStart.Add(time.Hour),
	})
	require.NoError(t, err)
	head := f.head(t, patient)

	f.clock.Advance(time.Hour - time.Nanosecond)
	d, err := f.svc.CheckAccess(ctx, doctor, patient, r0)
	require.NoError(t, err)
	assert.True(t, d.HasAccess)

	f.clock.Advance(time.Nanosecond)
	d, err = f.svc.CheckAccess(ctx, doctor, patient, r0)
	require.NoError(t, err)
	assert.False(t, d.HasAccess, "a permission is dead once now reaches ExpiresAt")
	assert.Equal(t, head, f.head(t, patient), "expiry needs no mutation")
}

func TestCheckAccess_LowestLivePermissionWins(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.register(t, patient)
	f.register(t, doctor)
	r0, key := f.addRecord(t, patient)
	r1, _ := f.addRecord(t, patient)

	grant := func(ids ...uint64) uint64 {
		id, err := f.svc.Grant(ctx, patient, patient, GrantRequest{
			GrantedTo: doctor, RecordIDs: ids, WrappedKey: f.wrapFor(t, doctor, key), ExpiresAt: testStart.Add(time.Hour),
		})
		require.NoError(t, err)
		return id
	}
	p0 := grant(r1)
	p1 := grant(r0, r1)
	p2 := grant(r0)

	for range 3 {
		d, err := f.svc.CheckAccess(ctx, doctor, patient, r0)
		require.NoError(t, err)
		assert.Equal(t, p1, d.PermissionID)
	}
	require.NoError(t, f.svc.Revoke(ctx, patient, patient, p1))
	d, err := f.svc.CheckAccess(ctx, doctor, patient, r0)
	require.NoError(t, err)
	assert.Equal(t, p2, d.PermissionID)

	d, err = f.svc.CheckAccess(ctx, doctor, patient, r1)
	require.NoError(t, err)
	assert.Equal(t, p0, d.PermissionID)
}

func TestGrant_PreconditionsInOrder(t *testing.T) {
	f := newFixture(t)
	f.register(t, patient)
	f.register(t, doctor)
	revoked := identity.MustParse("dr-revoked")
	f.register(t, revoked)
	require.NoError(t, f.reg.Revoke(t.Context(), revoked))
	r0, key := f.addRecord(t, patient)
	wk := f.wrapFor(t, doctor, key)
	future := testStart.Add(time.Hour)

	tests := []struct {
		name   string
		caller identity.Identity
		req    GrantRequest
		want   error
		kind   error
	}{
		{"not owner beats everything", doctor, GrantRequest{GrantedTo: stranger, ExpiresAt: testStart}, ErrNotOwner, errs.ErrUnauthorized},
		{"empty record set", patient, GrantRequest{GrantedTo: stranger, ExpiresAt: testStart}, ErrEmptyRecordSet, errs.ErrValidation},
		{"missing record beats missing key", patient, GrantRequest{GrantedTo: stranger, RecordIDs: []uint64{r0, 9}, ExpiresAt: testStart}, ErrRecordNotFound, errs.ErrNotFound},
		{"never registered", patient, GrantRequest{GrantedTo: stranger, RecordIDs: []uint64{r0}, WrappedKey: wk, ExpiresAt: testStart}, ErrRecipientHasNoKey, errs.ErrValidation},
		{"revoked key", patient, GrantRequest{GrantedTo: revoked, RecordIDs: []uint64{r0}, WrappedKey: wk, ExpiresAt: future}, ErrRecipientHasNoKey, errs.ErrValidation},
		{"expiry now", patient, GrantRequest{GrantedTo: doctor, RecordIDs: []uint64{r0}, WrappedKey: wk, ExpiresAt: testStart}, ErrExpirationInPast, errs.ErrValidation},
		{"malformed wrapped key", patient, GrantRequest{GrantedTo: doctor, RecordIDs: []uint64{r0}, WrappedKey: []byte{1, 2, 3}, ExpiresAt: future}, ErrInvalidWrappedKey, errs.ErrValidation},
		{"invalid grantee", patient, GrantRequest{GrantedTo: "", RecordIDs: []uint64{r0}, WrappedKey: wk, ExpiresAt: future}, identity.ErrInvalid, errs.ErrValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := f.head(t, patient)
			_, err := f.svc.Grant(t.Context(), tc.caller, patient, tc.req)
			require.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, tc.kind)
			assert.Equal(t, before, f.head(t, patient), "failed grants append nothing")
		})
	}
}

func TestGrant_RejectedLeavesGranteeIndexUntouched(t *testing.T) {
	f := newFixture(t)
	f.register(t, patient)
	f.register(t, doctor)
	r0, key := f.addRecord(t, patient)
	wk := f.wrapFor(t, doctor, key)
	future := testStart.Add(time.Hour)

	tests := []struct {
		name string
		req  GrantRequest
		want error
	}{
		{"expiry in past", GrantRequest{GrantedTo: doctor, RecordIDs: []uint64{r0}, WrappedKey: wk, ExpiresAt: testStart.Add(-time.Hour)}, ErrExpirationInPast},
		{"missing record", GrantRequest{GrantedTo: doctor, RecordIDs: []uint64{r0, 9}, WrappedKey: wk, ExpiresAt: future}, ErrRecordNotFound},
		{"malformed wrapped key", GrantRequest{GrantedTo: doctor, RecordIDs: []uint64{r0}, WrappedKey: []byte{1, 2, 3}, ExpiresAt: future}, ErrInvalidWrappedKey},
		{"empty record set", GrantRequest{GrantedTo: doctor, WrappedKey: wk, ExpiresAt: future}, ErrEmptyRecordSet},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Grant(t.Context(), patient, patient, tc.req)
			require.ErrorIs(t, err, tc.want)
			assert.Zero(t, f.granteeHead(t, doctor))
		})
	}

	t.Run("CreateRecord", func(t *testing.T) {
		rec, _ := f.newRecord(t, patient)
		_, err := f.svc.CreateRecord(t.Context(), patient, patient, rec, GrantRequest{
			GrantedTo: doctor, RecordIDs: []uint64{rec.ID}, WrappedKey: wk, ExpiresAt: testStart,
		})
		require.ErrorIs(t, err, ErrExpirationInPast)
		assert.Zero(t, f.granteeHead(t, doctor))
	})

	refs, err := f.svc.ListAccessibleRecords(t.Context(), doctor)
	require.NoError(t, err)
	assert.Empty(t, refs)

	_, err = f.svc.Grant(t.Context(), patient, patient, GrantRequest{GrantedTo: doctor, RecordIDs: []uint64{r0}, WrappedKey: wk, ExpiresAt: future})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.granteeHead(t, doctor))
}

// flakyKeys reports an active key for the first n lookups and none after.
type flakyKeys struct {
	KeyDirectory
	mu sync.Mutex
	n  int
}

func (k *flakyKeys) ActiveKey(ctx context.Context, id identity.Identity) (registry.PublicKeyRecord, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.n == 0 {
		return registry.PublicKeyRecord{}, registry.ErrNoActiveKey
	}
	k.n--
	return k.KeyDirectory.ActiveKey(ctx, id)
}

func TestGrant_RecipientKeyResolvedUnderLock(t *testing.T) {
	f := newFixture(t)
	f.register(t, patient)
	f.register(t, doctor)
	r0, key := f.addRecord(t, patient)

	keys := &flakyKeys{KeyDirectory: f.reg, n: 1}
	svc := New(f.ledger, keys, WithClock(f.clock.Now))
	before := f.head(t, patient)
	_, err := svc.Grant(t.Context(), patient, patient, GrantRequest{
		GrantedTo: doctor, RecordIDs: []uint64{r0}, WrappedKey: f.wrapFor(t, doctor, key), ExpiresAt: testStart.Add(time.Hour),
	})
	require.ErrorIs(t, err, ErrRecipientHasNoKey)
	assert.Equal(t, before, f.head(t, patient))
}

func TestGrant_NormalizesRecordIDs(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.register(t, patient)
	f.register(t, doctor)
	r0, key := f.addRecord(t, patient)
	r1, _ := f.addRecord(t, patient)

	pid, err := f.svc.Grant(ctx, patient, patient, GrantRequest{
		GrantedTo: doctor, RecordIDs: []uint64{r1, r0, r1}, WrappedKey: f.wrapFor(t, doctor, key), ExpiresAt: testStart.Add(time.Hour),
	})
	require.NoError(t, err)
	p, err := f.svc.Permission(ctx, patient, pid)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, p.RecordIDs)
}

func TestConcurrentGrants(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.register(t, patient)
	f.register(t, doctor)
	r0, key := f.addRecord(t, patient)
	wk := f.wrapFor(t, doctor, key)

	const n = 20
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.svc.Grant(ctx, patient, patient, GrantRequest{
				GrantedTo: doctor, RecordIDs: []uint64{r0}, WrappedKey: wk, ExpiresAt: testStart.Add(time.Hour),
			})
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "permission id %d assigned twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestPatientState_RejectsBadTimestamp(t *testing.T) {
	f, err := ledger.NewFact(factRecordCreated, string(patient), recordFact{})
	require.NoError(t, err)
	f.At = "not-a-time"
	assert.ErrorContains(t, newPatientState().Apply(f), "bad timestamp")
}

func TestStateRebuildsFromLedger(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.register(t, patient)
	f.register(t, doctor)
	r0, key := f.addRecord(t, patient)
	_, err := f.svc.Grant(ctx, patient, patient, GrantRequest{
		GrantedTo: doctor, RecordIDs: []uint64{r0}, WrappedKey: f.wrapFor(t, doctor, key), ExpiresAt: testStart.Add(time.Hour),
	})
	require.NoError(t, err)

	fresh := New(f.ledger, f.reg, WithClock(f.clock.Now))
	d, err := fresh.CheckAccess(ctx, doctor, patient, r0)
	require.NoError(t, err)
	assert.True(t, d.HasAccess)

	refs, err := fresh.ListAccessibleRecords(ctx, doctor)
	require.NoError(t, err)
	assert.Equal(t, []RecordRef{{Patient: patient, RecordID: r0}}, refs)
}

// Package records ties the cipher, key wrapping, the blob store and the
// permission ledger together into the record lifecycle: add, share, open
// and update.
//
// Payloads are sealed under a fresh per-record key with the patient and
// record id bound in as associated data, so a blob moved to another record
// fails to decrypt. Only wrapped copies of the record key ever leave this
// package.
package records

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/medkey/access"
	"github.com/jmcleod/medkey/audit"
	"github.com/jmcleod/medkey/blobstore"
	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/errs"
	"github.com/jmcleod/medkey/identity"
	icrypto "github.com/jmcleod/medkey/internal/crypto"
	"github.com/jmcleod/medkey/internal/util"
	"github.com/jmcleod/medkey/registry"
)

// DefaultAttempts bounds how often AddRecord re-encrypts after another
// writer took the record id it sealed the payload for.
const DefaultAttempts = 5

var (
	ErrSelfKeyMismatch = errs.Validation("public key is not the patient's active key")
	ErrAccessDenied    = errs.Unauthorized("reader has no access to the record")
)

// Share asks for a permission over a new record.
type Share struct {
	Recipient identity.Identity
	ExpiresAt time.Time
}

// Added describes a record created by AddRecord.
type Added struct {
	RecordID      uint64
	Pointer       string
	PermissionIDs []uint64
}

// Coordinator runs record operations against the permission ledger and a
// blob store.
type Coordinator struct {
	access   *access.Service
	keys     access.KeyDirectory
	blobs    blobstore.Store
	attempts int
	audit    *audit.Logger
	logger   *slog.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithAttempts sets the AddRecord retry bound.
func WithAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(c *Coordinator) { c.audit = a }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New returns a Coordinator.
func New(acc *access.Service, keys access.KeyDirectory, blobs blobstore.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		access:   acc,
		keys:     keys,
		blobs:    blobs,
		attempts: DefaultAttempts,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddRecord encrypts payload under a fresh record key, stores the sealed
// bytes and creates the record for patient together with one permission
// per share. selfPublicKey must be the patient's active key; the record key
// is wrapped for it and for each recipient's active key.
func (c *Coordinator) AddRecord(ctx context.Context, patient identity.Identity, payload, selfPublicKey []byte, shares ...Share) (Added, error) {
	if err := patient.Validate(); err != nil {
		return Added{}, err
	}
	self, err := c.keys.ActiveKey(ctx, patient)
	if err != nil {
		return Added{}, err
	}
	if !bytes.Equal(self.KeyBytes, selfPublicKey) {
		return Added{}, ErrSelfKeyMismatch
	}

	key, err := crypto.NewSymmetricKey()
	if err != nil {
		return Added{}, err
	}
	defer util.WipeBytes(key)

	ownerWrapped, err := crypto.WrapBytes(self.KeyBytes, key)
	if err != nil {
		return Added{}, err
	}
	wrapped := make([][]byte, len(shares))
	for i, s := range shares {
		if wrapped[i], err = c.wrapFor(ctx, s.Recipient, key); err != nil {
			return Added{}, err
		}
	}

	for attempt := range c.attempts {
		id, err := c.access.NextRecordID(ctx, patient)
		if err != nil {
			return Added{}, err
		}
		pointer, digest, err := c.seal(ctx, patient, id, key, payload)
		if err != nil {
			return Added{}, err
		}
		grants := make([]access.GrantRequest, len(shares))
		for i, s := range shares {
			grants[i] = access.GrantRequest{
				GrantedTo:  s.Recipient,
				RecordIDs:  []uint64{id},
				WrappedKey: wrapped[i],
				ExpiresAt:  s.ExpiresAt,
			}
		}
		permIDs, err := c.access.CreateRecord(ctx, patient, patient, access.NewRecord{
			ID:              id,
			StoragePointer:  pointer,
			ContentDigest:   digest[:],
			OwnerWrappedKey: ownerWrapped,
			OwnerKeyVersion: self.Version,
		}, grants...)
		if errors.Is(err, access.ErrRecordIDTaken) {
			c.logger.Debug("record id taken, re-sealing", "patient", patient, "record_id", id, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return Added{}, err
		}
		return Added{RecordID: id, Pointer: pointer, PermissionIDs: permIDs}, nil
	}
	return Added{}, fmt.Errorf("%w after %d attempts", access.ErrRecordIDTaken, c.attempts)
}

// Share grants recipient access to one record until expiresAt. ownerKey
// must open the record's owner copy of the key.
func (c *Coordinator) Share(ctx context.Context, patient identity.Identity, ownerKey *crypto.KeyPair, recordID uint64, recipient identity.Identity, expiresAt time.Time) (uint64, error) {
	rec, err := c.access.Record(ctx, patient, recordID)
	if err != nil {
		return 0, err
	}
	key, err := ownerKey.Unwrap(rec.OwnerWrappedKey)
	if err != nil {
		return 0, fmt.Errorf("opening record key: %w", err)
	}
	defer util.WipeBytes(key)
	wrapped, err := c.wrapFor(ctx, recipient, key)
	if err != nil {
		return 0, err
	}
	return c.access.Grant(ctx, patient, patient, access.GrantRequest{
		GrantedTo:  recipient,
		RecordIDs:  []uint64{recordID},
		WrappedKey: wrapped,
		ExpiresAt:  expiresAt,
	})
}

// Open returns the plaintext of a record for reader, whose private key is
// readerKey. The stored bytes are checked against the record's digest
// before anything is decrypted.
func (c *Coordinator) Open(ctx context.Context, reader identity.Identity, readerKey *crypto.KeyPair, patient identity.Identity, recordID uint64) ([]byte, error) {
	plaintext, err := c.open(ctx, reader, readerKey, patient, recordID)
	attrs := []slog.Attr{slog.String("patient", string(patient)), slog.Uint64("record_id", recordID)}
	switch {
	case errors.Is(err, ErrAccessDenied):
		c.audit.Denied(ctx, audit.AccessDenied, string(reader), err, attrs...)
	case err != nil:
		c.audit.Denied(ctx, audit.RecordOpened, string(reader), err, attrs...)
	default:
		c.audit.Log(ctx, audit.RecordOpened, string(reader), attrs...)
	}
	return plaintext, err
}

func (c *Coordinator) open(ctx context.Context, reader identity.Identity, readerKey *crypto.KeyPair, patient identity.Identity, recordID uint64) ([]byte, error) {
	d, err := c.access.CheckAccess(ctx, reader, patient, recordID)
	if err != nil {
		return nil, err
	}
	if !d.HasAccess {
		return nil, fmt.Errorf("%w: %s on %s/%d", ErrAccessDenied, reader, patient, recordID)
	}
	rec, err := c.access.Record(ctx, patient, recordID)
	if err != nil {
		return nil, err
	}
	wrapped := d.WrappedKey
	if d.Owner {
		wrapped = rec.OwnerWrappedKey
	}

	blob, err := c.blobs.Retrieve(ctx, rec.StoragePointer)
	if err != nil {
		return nil, fmt.Errorf("retrieving payload: %w", err)
	}
	if len(rec.ContentDigest) != crypto.DigestSize {
		return nil, crypto.ErrDigestMismatch
	}
	if err := crypto.VerifyDigest(blob, [crypto.DigestSize]byte(rec.ContentDigest)); err != nil {
		return nil, err
	}

	key, err := readerKey.Unwrap(wrapped)
	if err != nil {
		return nil, fmt.Errorf("opening record key: %w", err)
	}
	defer util.WipeBytes(key)
	sealed, err := crypto.ParseSealedPayload(blob)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptPayload(sealed, key, icrypto.AADRecordPayload(string(patient), recordID))
}

// UpdateRecord replaces the payload of a record, sealing it under the same
// record key so existing permissions keep working. If the patient rotated
// since the owner copy was made, the owner copy is re-wrapped for the
// active key.
func (c *Coordinator) UpdateRecord(ctx context.Context, patient identity.Identity, ownerKey *crypto.KeyPair, recordID uint64, payload []byte) error {
	rec, err := c.access.Record(ctx, patient, recordID)
	if err != nil {
		return err
	}
	key, err := ownerKey.Unwrap(rec.OwnerWrappedKey)
	if err != nil {
		return fmt.Errorf("opening record key: %w", err)
	}
	defer util.WipeBytes(key)

	pointer, digest, err := c.seal(ctx, patient, recordID, key, payload)
	if err != nil {
		return err
	}
	upd := access.RecordUpdate{StoragePointer: pointer, ContentDigest: digest[:]}

	active, err := c.keys.ActiveKey(ctx, patient)
	switch {
	case errors.Is(err, registry.ErrNoActiveKey):
	case err != nil:
		return err
	case active.Version != rec.OwnerKeyVersion:
		if upd.OwnerWrappedKey, err = crypto.WrapBytes(active.KeyBytes, key); err != nil {
			return err
		}
		upd.OwnerKeyVersion = active.Version
	}
	return c.access.UpdateRecord(ctx, patient, patient, recordID, upd)
}

func (c *Coordinator) seal(ctx context.Context, patient identity.Identity, recordID uint64, key, payload []byte) (string, [crypto.DigestSize]byte, error) {
	sealed, err := crypto.EncryptPayload(payload, key, icrypto.AADRecordPayload(string(patient), recordID))
	if err != nil {
		return "", [crypto.DigestSize]byte{}, err
	}
	blob := sealed.Bytes()
	pointer, err := c.blobs.Store(ctx, blob)
	if err != nil {
		return "", [crypto.DigestSize]byte{}, fmt.Errorf("storing payload: %w", err)
	}
	return pointer, crypto.Digest(blob), nil
}

func (c *Coordinator) wrapFor(ctx context.Context, recipient identity.Identity, key []byte) ([]byte, error) {
	if err := recipient.Validate(); err != nil {
		return nil, err
	}
	pub, err := c.keys.ActiveKey(ctx, recipient)
	if errors.Is(err, registry.ErrNoActiveKey) {
		return nil, fmt.Errorf("%w: %s", access.ErrRecipientHasNoKey, recipient)
	}
	if err != nil {
		return nil, err
	}
	return crypto.WrapBytes(pub.KeyBytes, key)
}

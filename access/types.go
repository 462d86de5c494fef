package access

import (
	"slices"
	"time"

	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/internal/util"
)

// EncryptedRecord locates one encrypted payload owned by a patient.
type EncryptedRecord struct {
	ID              uint64            `json:"id"`
	Patient         identity.Identity `json:"patient"`
	StoragePointer  string            `json:"storage_pointer"`
	ContentDigest   []byte            `json:"content_digest"`
	OwnerWrappedKey []byte            `json:"owner_wrapped_key"`
	OwnerKeyVersion uint64            `json:"owner_key_version"`
	CreatedAt       time.Time         `json:"created_at"`
	LastUpdatedAt   time.Time         `json:"last_updated_at"`
}

func (r EncryptedRecord) clone() EncryptedRecord {
	r.ContentDigest = util.CopyBytes(r.ContentDigest)
	r.OwnerWrappedKey = util.CopyBytes(r.OwnerWrappedKey)
	return r
}

// Permission grants one identity a wrapped record key for a set of records.
type Permission struct {
	ID         uint64            `json:"id"`
	Patient    identity.Identity `json:"patient"`
	GrantedTo  identity.Identity `json:"granted_to"`
	RecordIDs  []uint64          `json:"record_ids"`
	WrappedKey []byte            `json:"wrapped_key"`
	ExpiresAt  time.Time         `json:"expires_at"`
	GrantedAt  time.Time         `json:"granted_at"`
	Revoked    bool              `json:"revoked"`
	RevokedAt  time.Time         `json:"revoked_at,omitzero"`
	// Nonce is set for grants submitted with the patient's signature.
	Nonce *uint64 `json:"nonce,omitempty"`
}

// Live reports whether p is neither revoked nor expired at now.
func (p Permission) Live(now time.Time) bool {
	return !p.Revoked && now.Before(p.ExpiresAt)
}

// Covers reports whether p includes recordID.
func (p Permission) Covers(recordID uint64) bool {
	_, ok := slices.BinarySearch(p.RecordIDs, recordID)
	return ok
}

func (p Permission) clone() Permission {
	p.RecordIDs = slices.Clone(p.RecordIDs)
	p.WrappedKey = util.CopyBytes(p.WrappedKey)
	if p.Nonce != nil {
		n := *p.Nonce
		p.Nonce = &n
	}
	return p
}

// GrantRequest describes a permission to create.
type GrantRequest struct {
	GrantedTo  identity.Identity `json:"granted_to"`
	RecordIDs  []uint64          `json:"record_ids"`
	WrappedKey []byte            `json:"wrapped_key"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// NewRecord describes a record to create. ID must be the patient's next
// record id, as returned by NextRecordID; the record key is usually bound to
// it before the record exists.
type NewRecord struct {
	ID              uint64 `json:"id"`
	StoragePointer  string `json:"storage_pointer"`
	ContentDigest   []byte `json:"content_digest"`
	OwnerWrappedKey []byte `json:"owner_wrapped_key"`
	OwnerKeyVersion uint64 `json:"owner_key_version"`
}

// RecordUpdate replaces a record's payload. OwnerWrappedKey is optional; when
// set, the owner copy of the record key is replaced too.
type RecordUpdate struct {
	StoragePointer  string `json:"storage_pointer"`
	ContentDigest   []byte `json:"content_digest"`
	OwnerWrappedKey []byte `json:"owner_wrapped_key,omitempty"`
	OwnerKeyVersion uint64 `json:"owner_key_version,omitempty"`
}

// Decision is the result of CheckAccess.
type Decision struct {
	HasAccess bool `json:"has_access"`
	// Owner is set when the identity owns the record. Owners get no wrapped
	// key; they hold the record key through their own copy.
	Owner        bool      `json:"owner,omitempty"`
	PermissionID uint64    `json:"permission_id,omitempty"`
	WrappedKey   []byte    `json:"wrapped_key,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// RecordRef names a record across patients.
type RecordRef struct {
	Patient  identity.Identity `json:"patient"`
	RecordID uint64            `json:"record_id"`
}

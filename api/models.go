package api

import (
	"time"

	"github.com/jmcleod/medkey/access"
	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/emergency"
	"github.com/jmcleod/medkey/identity"
)

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}

// KeyRequest is the JSON body for key registration, rotation and
// re-provisioning. PublicKey is the 65-byte uncompressed secp256k1 key.
type KeyRequest struct {
	PublicKey []byte `json:"public_key"`
}

// CreateRecordRequest is the JSON body for POST /patients/{patient}/records.
// The payload is sealed and uploaded to /blobs by the client beforehand.
type CreateRecordRequest struct {
	Record access.NewRecord      `json:"record"`
	Grants []access.GrantRequest `json:"grants,omitempty"`
}

// CreateRecordResponse is returned from POST /patients/{patient}/records.
type CreateRecordResponse struct {
	RecordID      uint64   `json:"record_id"`
	PermissionIDs []uint64 `json:"permission_ids"`
}

// NextRecordIDResponse is returned from GET /patients/{patient}/records/next-id.
type NextRecordIDResponse struct {
	RecordID uint64 `json:"record_id"`
}

// GrantResponse is returned when a permission is created.
type GrantResponse struct {
	PermissionID uint64 `json:"permission_id"`
}

// PermissionView is a permission as shown to its patient. The wrapped key
// is omitted; it is only ever returned to the grantee.
type PermissionView struct {
	ID        uint64            `json:"id"`
	GrantedTo identity.Identity `json:"granted_to"`
	RecordIDs []uint64          `json:"record_ids"`
	ExpiresAt time.Time         `json:"expires_at"`
	GrantedAt time.Time         `json:"granted_at"`
	Revoked   bool              `json:"revoked"`
	RevokedAt time.Time         `json:"revoked_at,omitzero"`
	Live      bool              `json:"live"`
	Nonce     *uint64           `json:"nonce,omitempty"`
}

func permissionView(p access.Permission, now time.Time) PermissionView {
	return PermissionView{
		ID:        p.ID,
		GrantedTo: p.GrantedTo,
		RecordIDs: p.RecordIDs,
		ExpiresAt: p.ExpiresAt,
		GrantedAt: p.GrantedAt,
		Revoked:   p.Revoked,
		RevokedAt: p.RevokedAt,
		Live:      p.Live(now),
		Nonce:     p.Nonce,
	}
}

// AccessResponse is returned from GET /patients/{patient}/records/{recordID}/access.
// When access is granted it carries everything the caller needs to open the
// record: the key wrapped for the caller and the payload location.
type AccessResponse struct {
	access.Decision
	StoragePointer string `json:"storage_pointer,omitempty"`
	ContentDigest  []byte `json:"content_digest,omitempty"`
}

// SignedGrantRequest is the JSON body for POST /signed-grants.
type SignedGrantRequest struct {
	Message   crypto.GrantMessage `json:"message"`
	Signature []byte              `json:"signature"`
}

// EmergencyRequest is the JSON body for POST /emergencies.
type EmergencyRequest struct {
	PhysicianA     identity.Identity       `json:"physician_a"`
	PhysicianB     identity.Identity       `json:"physician_b"`
	Patient        identity.Identity       `json:"patient"`
	RecordIDs      []uint64                `json:"record_ids"`
	Justification  emergency.Justification `json:"justification"`
	WrappedKeyForA []byte                  `json:"wrapped_key_for_a"`
}

// EmergencyResponse is returned from POST /emergencies.
type EmergencyResponse struct {
	EmergencyID string `json:"emergency_id"`
}

// WrappedKeyResponse carries a wrapped record key.
type WrappedKeyResponse struct {
	WrappedKey []byte `json:"wrapped_key"`
}

// BlobResponse is returned from POST /blobs.
type BlobResponse struct {
	Pointer string `json:"pointer"`
}

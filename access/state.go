package access

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/ledger"
)

const (
	factRecordCreated     = "record.created"
	factRecordUpdated     = "record.updated"
	factPermissionGranted = "permission.granted"
	factPermissionRevoked = "permission.revoked"
	factGranteeHint       = "grantee.hint"
)

type recordFact struct {
	ID              uint64 `json:"id"`
	StoragePointer  string `json:"storage_pointer"`
	ContentDigest   []byte `json:"content_digest"`
	OwnerWrappedKey []byte `json:"owner_wrapped_key,omitempty"`
	OwnerKeyVersion uint64 `json:"owner_key_version"`
}

type grantFact struct {
	ID         uint64            `json:"id"`
	GrantedTo  identity.Identity `json:"granted_to"`
	RecordIDs  []uint64          `json:"record_ids"`
	WrappedKey []byte            `json:"wrapped_key"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Nonce      *uint64           `json:"nonce,omitempty"`
}

type revokeFact struct {
	ID uint64 `json:"id"`
}

type hintFact struct {
	Patient identity.Identity `json:"patient"`
}

// patientState is the projection of one patient/<identity> partition:
// records, permissions and used grant nonces.
type patientState struct {
	patient     identity.Identity
	records     []EncryptedRecord
	permissions []Permission
	nonces      map[uint64]bool
}

func newPatientState() *patientState {
	return &patientState{nonces: make(map[uint64]bool)}
}

func (s *patientState) Clone() *patientState {
	cp := &patientState{
		patient:     s.patient,
		records:     make([]EncryptedRecord, len(s.records)),
		permissions: make([]Permission, len(s.permissions)),
		nonces:      maps.Clone(s.nonces),
	}
	for i, r := range s.records {
		cp.records[i] = r.clone()
	}
	for i, p := range s.permissions {
		cp.permissions[i] = p.clone()
	}
	return cp
}

func (s *patientState) record(id uint64) (EncryptedRecord, bool) {
	if id >= uint64(len(s.records)) {
		return EncryptedRecord{}, false
	}
	return s.records[id], true
}

func (s *patientState) Apply(f ledger.Fact) error {
	if f.Partition != "" {
		s.patient = patientOf(f.Partition)
	}
	at, err := f.Time()
	if err != nil {
		return err
	}
	switch f.Type {
	case factRecordCreated:
		var rf recordFact
		if err := f.Decode(&rf); err != nil {
			return err
		}
		if rf.ID != uint64(len(s.records)) {
			return fmt.Errorf("record id %d out of sequence, expected %d", rf.ID, len(s.records))
		}
		s.records = append(s.records, EncryptedRecord{
			ID:              rf.ID,
			Patient:         s.patient,
			StoragePointer:  rf.StoragePointer,
			ContentDigest:   rf.ContentDigest,
			OwnerWrappedKey: rf.OwnerWrappedKey,
			OwnerKeyVersion: rf.OwnerKeyVersion,
			CreatedAt:       at,
			LastUpdatedAt:   at,
		})
	case factRecordUpdated:
		var rf recordFact
		if err := f.Decode(&rf); err != nil {
			return err
		}
		if rf.ID >= uint64(len(s.records)) {
			return fmt.Errorf("update of unknown record %d", rf.ID)
		}
		r := &s.records[rf.ID]
		r.StoragePointer = rf.StoragePointer
		r.ContentDigest = rf.ContentDigest
		if rf.OwnerWrappedKey != nil {
			r.OwnerWrappedKey = rf.OwnerWrappedKey
			r.OwnerKeyVersion = rf.OwnerKeyVersion
		}
		r.LastUpdatedAt = at
	case factPermissionGranted:
		var gf grantFact
		if err := f.Decode(&gf); err != nil {
			return err
		}
		if gf.ID != uint64(len(s.permissions)) {
			return fmt.Errorf("permission id %d out of sequence, expected %d", gf.ID, len(s.permissions))
		}
		if gf.Nonce != nil {
			s.nonces[*gf.Nonce] = true
		}
		s.permissions = append(s.permissions, Permission{
			ID:         gf.ID,
			Patient:    s.patient,
			GrantedTo:  gf.GrantedTo,
			RecordIDs:  gf.RecordIDs,
			WrappedKey: gf.WrappedKey,
			ExpiresAt:  gf.ExpiresAt,
			GrantedAt:  at,
			Nonce:      gf.Nonce,
		})
	case factPermissionRevoked:
		var rf revokeFact
		if err := f.Decode(&rf); err != nil {
			return err
		}
		if rf.ID >= uint64(len(s.permissions)) || s.permissions[rf.ID].Revoked {
			return fmt.Errorf("revocation of unknown or revoked permission %d", rf.ID)
		}
		s.permissions[rf.ID].Revoked = true
		s.permissions[rf.ID].RevokedAt = at
	default:
		return fmt.Errorf("unknown patient fact type %q", f.Type)
	}
	return nil
}

// granteeState is the projection of one grantee/<identity> partition: the
// patients that have ever granted the identity a permission. It only narrows
// which patient partitions ListAccessibleRecords reads; liveness is always
// decided from the patient partition itself.
type granteeState struct {
	patients map[identity.Identity]bool
}

func newGranteeState() *granteeState {
	return &granteeState{patients: make(map[identity.Identity]bool)}
}

func (s *granteeState) Clone() *granteeState {
	return &granteeState{patients: maps.Clone(s.patients)}
}

func (s *granteeState) Apply(f ledger.Fact) error {
	if f.Type != factGranteeHint {
		return fmt.Errorf("unknown grantee fact type %q", f.Type)
	}
	var hf hintFact
	if err := f.Decode(&hf); err != nil {
		return err
	}
	s.patients[hf.Patient] = true
	return nil
}

func (s *granteeState) sorted() []identity.Identity {
	return slices.Sorted(maps.Keys(s.patients))
}

// normalizeRecordIDs returns ids sorted and deduplicated.
func normalizeRecordIDs(ids []uint64) []uint64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}


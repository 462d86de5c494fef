package access

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jmcleod/medkey/audit"
	"github.com/jmcleod/medkey/blobstore"
	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/ledger"
)

func validatePayloadRef(pointer string, digest []byte) error {
	if _, err := blobstore.ParsePointer(pointer); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if len(digest) != crypto.DigestSize {
		return fmt.Errorf("%w: content digest is %d bytes, want %d", ErrInvalidRecord, len(digest), crypto.DigestSize)
	}
	return nil
}

// NextRecordID returns the id the next record of patient will get.
func (s *Service) NextRecordID(ctx context.Context, patient identity.Identity) (uint64, error) {
	st, err := s.patientState(ctx, patient)
	if err != nil {
		return 0, err
	}
	return uint64(len(st.records)), nil
}

// CreateRecord appends rec and, in the same ledger append, one permission
// per grant. Grants may cover rec itself. If rec.ID is no longer the next
// id, ErrRecordIDTaken is returned and nothing is written. It returns the
// ids of the created permissions.
func (s *Service) CreateRecord(ctx context.Context, caller, patient identity.Identity, rec NewRecord, grants ...GrantRequest) ([]uint64, error) {
	permIDs, err := s.createRecord(ctx, caller, patient, rec, grants)
	if err != nil {
		s.audit.Denied(ctx, audit.RecordCreated, string(caller), err, slog.String("patient", string(patient)))
		return nil, err
	}
	s.audit.Log(ctx, audit.RecordCreated, string(caller),
		slog.String("patient", string(patient)), slog.Uint64("record_id", rec.ID))
	for i, g := range grants {
		s.audit.Log(ctx, audit.PermissionGranted, string(caller),
			slog.String("patient", string(patient)),
			slog.Uint64("permission_id", permIDs[i]),
			slog.String("granted_to", string(g.GrantedTo)),
		)
	}
	return permIDs, nil
}

func (s *Service) createRecord(ctx context.Context, caller, patient identity.Identity, rec NewRecord, grants []GrantRequest) ([]uint64, error) {
	if err := patient.Validate(); err != nil {
		return nil, err
	}
	if caller != patient {
		return nil, ErrNotOwner
	}
	if err := validatePayloadRef(rec.StoragePointer, rec.ContentDigest); err != nil {
		return nil, err
	}
	if _, err := crypto.ParseWrappedKey(rec.OwnerWrappedKey); err != nil {
		return nil, fmt.Errorf("%w: owner key: %v", ErrInvalidWrappedKey, err)
	}

	grants = slices.Clone(grants)
	for i := range grants {
		grants[i].RecordIDs = normalizeRecordIDs(grants[i].RecordIDs)
	}
	now := s.now()

	var permIDs []uint64
	build := func(st *patientState) ([]ledger.Fact, error) {
		st.patient = patient
		if rec.ID != uint64(len(st.records)) {
			return nil, fmt.Errorf("%w: %s/%d, next is %d", ErrRecordIDTaken, patient, rec.ID, len(st.records))
		}
		rf, err := ledger.NewFact(factRecordCreated, string(caller), recordFact{
			ID:              rec.ID,
			StoragePointer:  rec.StoragePointer,
			ContentDigest:   rec.ContentDigest,
			OwnerWrappedKey: rec.OwnerWrappedKey,
			OwnerKeyVersion: rec.OwnerKeyVersion,
		})
		if err != nil {
			return nil, err
		}
		// Grants are checked against the state the record fact produces.
		if err := st.Apply(rf); err != nil {
			return nil, err
		}
		facts := []ledger.Fact{rf}

		permIDs = permIDs[:0]
		for _, g := range grants {
			if err := s.validateGrant(ctx, st, g, now); err != nil {
				return nil, fmt.Errorf("grant to %s: %w", g.GrantedTo, err)
			}
			id := uint64(len(st.permissions))
			gf, err := ledger.NewFact(factPermissionGranted, string(caller), grantFact{
				ID:         id,
				GrantedTo:  g.GrantedTo,
				RecordIDs:  g.RecordIDs,
				WrappedKey: g.WrappedKey,
				ExpiresAt:  g.ExpiresAt.UTC(),
			})
			if err != nil {
				return nil, err
			}
			if err := st.Apply(gf); err != nil {
				return nil, err
			}
			facts = append(facts, gf)
			permIDs = append(permIDs, id)
		}
		return facts, nil
	}

	// Same order as grant: validate everything, write the hints, then
	// append under the lock.
	st, err := s.patientState(ctx, patient)
	if err != nil {
		return nil, err
	}
	if _, err := build(st); err != nil {
		return nil, err
	}
	for _, g := range grants {
		if err := s.hint(ctx, g.GrantedTo, patient); err != nil {
			return nil, err
		}
	}
	if _, err := s.patients.Mutate(ctx, PatientPartition(patient), build); err != nil {
		return nil, err
	}
	return permIDs, nil
}

// UpdateRecord points record id at a new payload. The record keeps its id
// and its key, so existing permissions stay valid.
func (s *Service) UpdateRecord(ctx context.Context, caller, patient identity.Identity, id uint64, upd RecordUpdate) error {
	err := s.updateRecord(ctx, caller, patient, id, upd)
	if err != nil {
		s.audit.Denied(ctx, audit.RecordUpdated, string(caller), err,
			slog.String("patient", string(patient)), slog.Uint64("record_id", id))
		return err
	}
	s.audit.Log(ctx, audit.RecordUpdated, string(caller),
		slog.String("patient", string(patient)), slog.Uint64("record_id", id))
	return nil
}

func (s *Service) updateRecord(ctx context.Context, caller, patient identity.Identity, id uint64, upd RecordUpdate) error {
	if err := patient.Validate(); err != nil {
		return err
	}
	if caller != patient {
		return ErrNotOwner
	}
	if err := validatePayloadRef(upd.StoragePointer, upd.ContentDigest); err != nil {
		return err
	}
	if upd.OwnerWrappedKey != nil {
		if _, err := crypto.ParseWrappedKey(upd.OwnerWrappedKey); err != nil {
			return fmt.Errorf("%w: owner key: %v", ErrInvalidWrappedKey, err)
		}
	}
	_, err := s.patients.Mutate(ctx, PatientPartition(patient), func(st *patientState) ([]ledger.Fact, error) {
		if _, ok := st.record(id); !ok {
			return nil, fmt.Errorf("%w: %s/%d", ErrRecordNotFound, patient, id)
		}
		f, err := ledger.NewFact(factRecordUpdated, string(caller), recordFact{
			ID:              id,
			StoragePointer:  upd.StoragePointer,
			ContentDigest:   upd.ContentDigest,
			OwnerWrappedKey: upd.OwnerWrappedKey,
			OwnerKeyVersion: upd.OwnerKeyVersion,
		})
		return []ledger.Fact{f}, err
	})
	return err
}

// Record returns one of patient's records.
func (s *Service) Record(ctx context.Context, patient identity.Identity, id uint64) (EncryptedRecord, error) {
	st, err := s.patientState(ctx, patient)
	if err != nil {
		return EncryptedRecord{}, err
	}
	r, ok := st.record(id)
	if !ok {
		return EncryptedRecord{}, fmt.Errorf("%w: %s/%d", ErrRecordNotFound, patient, id)
	}
	return r, nil
}

// Records returns all of patient's records in id order.
func (s *Service) Records(ctx context.Context, patient identity.Identity) ([]EncryptedRecord, error) {
	st, err := s.patientState(ctx, patient)
	if err != nil {
		return nil, err
	}
	return st.records, nil
}

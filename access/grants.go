package access

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmcleod/medkey/audit"
	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/ledger"
)

// Grant appends a permission giving req.GrantedTo req.WrappedKey for
// req.RecordIDs until req.ExpiresAt. Preconditions are checked in order and
// the first failure wins: caller is the patient, the record set is
// non-empty and every record exists, the recipient has an active key, the
// expiry is in the future. A failed Grant writes nothing.
//
// The recipient's key is resolved again inside the append, so a key revoked
// before that point is honoured. A revocation racing the append itself may
// still land after the grant.
//
// Grant is not idempotent: every successful call creates a new permission.
func (s *Service) Grant(ctx context.Context, caller, patient identity.Identity, req GrantRequest) (uint64, error) {
	id, err := s.grant(ctx, caller, patient, req, nil)
	if err != nil {
		s.audit.Denied(ctx, audit.PermissionGranted, string(caller), err, slog.String("patient", string(patient)))
		return 0, err
	}
	return id, nil
}

func (s *Service) grant(ctx context.Context, caller, patient identity.Identity, req GrantRequest, nonce *uint64) (uint64, error) {
	if err := patient.Validate(); err != nil {
		return 0, err
	}
	if caller != patient {
		return 0, ErrNotOwner
	}
	req.RecordIDs = normalizeRecordIDs(req.RecordIDs)
	now := s.now()

	build := func(st *patientState) (ledger.Fact, uint64, error) {
		if nonce != nil && st.nonces[*nonce] {
			return ledger.Fact{}, 0, fmt.Errorf("%w: %d", ErrNonceReplayed, *nonce)
		}
		if err := s.validateGrant(ctx, st, req, now); err != nil {
			return ledger.Fact{}, 0, err
		}
		id := uint64(len(st.permissions))
		f, err := ledger.NewFact(factPermissionGranted, string(caller), grantFact{
			ID:         id,
			GrantedTo:  req.GrantedTo,
			RecordIDs:  req.RecordIDs,
			WrappedKey: req.WrappedKey,
			ExpiresAt:  req.ExpiresAt.UTC(),
			Nonce:      nonce,
		})
		return f, id, err
	}

	// The grantee hint lives in another partition, so the grant must pass
	// every check before the hint is written. Mutate checks again under the
	// partition lock.
	st, err := s.patientState(ctx, patient)
	if err != nil {
		return 0, err
	}
	if _, _, err := build(st); err != nil {
		return 0, err
	}
	if err := s.hint(ctx, req.GrantedTo, patient); err != nil {
		return 0, err
	}

	var id uint64
	_, err = s.patients.Mutate(ctx, PatientPartition(patient), func(st *patientState) ([]ledger.Fact, error) {
		st.patient = patient
		f, pid, err := build(st)
		if err != nil {
			return nil, err
		}
		id = pid
		return []ledger.Fact{f}, nil
	})
	if err != nil {
		return 0, err
	}
	s.audit.Log(ctx, audit.PermissionGranted, string(caller),
		slog.String("patient", string(patient)),
		slog.Uint64("permission_id", id),
		slog.String("granted_to", string(req.GrantedTo)),
		slog.Any("record_ids", req.RecordIDs),
	)
	return id, nil
}

// Revoke marks a permission revoked. Revoking twice is an error.
func (s *Service) Revoke(ctx context.Context, caller, patient identity.Identity, permissionID uint64) error {
	err := s.revoke(ctx, caller, patient, permissionID)
	if err != nil {
		s.audit.Denied(ctx, audit.PermissionRevoked, string(caller), err,
			slog.String("patient", string(patient)), slog.Uint64("permission_id", permissionID))
		return err
	}
	s.audit.Log(ctx, audit.PermissionRevoked, string(caller),
		slog.String("patient", string(patient)), slog.Uint64("permission_id", permissionID))
	return nil
}

func (s *Service) revoke(ctx context.Context, caller, patient identity.Identity, permissionID uint64) error {
	if err := patient.Validate(); err != nil {
		return err
	}
	if caller != patient {
		return ErrNotOwner
	}
	_, err := s.patients.Mutate(ctx, PatientPartition(patient), func(st *patientState) ([]ledger.Fact, error) {
		if permissionID >= uint64(len(st.permissions)) {
			return nil, fmt.Errorf("%w: %s/%d", ErrPermissionNotFound, patient, permissionID)
		}
		if st.permissions[permissionID].Revoked {
			return nil, fmt.Errorf("%w: %s/%d", ErrAlreadyRevoked, patient, permissionID)
		}
		f, err := ledger.NewFact(factPermissionRevoked, string(caller), revokeFact{ID: permissionID})
		return []ledger.Fact{f}, err
	})
	return err
}

// Permission returns one of patient's permissions.
func (s *Service) Permission(ctx context.Context, patient identity.Identity, permissionID uint64) (Permission, error) {
	st, err := s.patientState(ctx, patient)
	if err != nil {
		return Permission{}, err
	}
	if permissionID >= uint64(len(st.permissions)) {
		return Permission{}, fmt.Errorf("%w: %s/%d", ErrPermissionNotFound, patient, permissionID)
	}
	return st.permissions[permissionID], nil
}

// Permissions returns every permission patient ever granted, revoked and
// expired ones included, in id order.
func (s *Service) Permissions(ctx context.Context, patient identity.Identity) ([]Permission, error) {
	st, err := s.patientState(ctx, patient)
	if err != nil {
		return nil, err
	}
	return st.permissions, nil
}

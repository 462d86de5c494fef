package access

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/internal/util"
)

// CheckAccess decides whether id may read record recordID of patient. The
// owner always may, and gets no wrapped key. Anyone else needs a live
// permission covering the record; when several do, the one with the lowest
// permission id is returned. CheckAccess has no side effects.
//
// The returned wrapped key is only useful to id. Callers at the interface
// boundary must only ask on behalf of the authenticated identity.
func (s *Service) CheckAccess(ctx context.Context, id, patient identity.Identity, recordID uint64) (Decision, error) {
	if err := id.Validate(); err != nil {
		return Decision{}, err
	}
	st, err := s.patientState(ctx, patient)
	if err != nil {
		return Decision{}, err
	}
	if _, ok := st.record(recordID); !ok {
		return Decision{}, fmt.Errorf("%w: %s/%d", ErrRecordNotFound, patient, recordID)
	}
	if id == patient {
		return Decision{HasAccess: true, Owner: true}, nil
	}
	now := s.now()
	for _, p := range st.permissions {
		if p.GrantedTo == id && p.Live(now) && p.Covers(recordID) {
			return Decision{
				HasAccess:    true,
				PermissionID: p.ID,
				WrappedKey:   util.CopyBytes(p.WrappedKey),
				ExpiresAt:    p.ExpiresAt,
			}, nil
		}
	}
	return Decision{}, nil
}

// ListAccessibleRecords returns every record id can currently read: its own
// records plus those covered by live permissions from any patient, ordered
// by patient and record id.
func (s *Service) ListAccessibleRecords(ctx context.Context, id identity.Identity) ([]RecordRef, error) {
	own, err := s.patientState(ctx, id)
	if err != nil {
		return nil, err
	}
	refs := make([]RecordRef, 0, len(own.records))
	for _, r := range own.records {
		refs = append(refs, RecordRef{Patient: id, RecordID: r.ID})
	}

	g, _, err := s.grantees.Get(ctx, GranteePartition(id))
	if err != nil {
		return nil, fmt.Errorf("reading grants to %s: %w", id, err)
	}
	now := s.now()
	for _, patient := range g.sorted() {
		if patient == id {
			continue
		}
		st, err := s.patientState(ctx, patient)
		if err != nil {
			return nil, err
		}
		var ids []uint64
		for _, p := range st.permissions {
			if p.GrantedTo == id && p.Live(now) {
				ids = append(ids, p.RecordIDs...)
			}
		}
		for _, rid := range normalizeRecordIDs(ids) {
			refs = append(refs, RecordRef{Patient: patient, RecordID: rid})
		}
	}
	slices.SortFunc(refs, func(a, b RecordRef) int {
		return cmp.Or(cmp.Compare(a.Patient, b.Patient), cmp.Compare(a.RecordID, b.RecordID))
	})
	return refs, nil
}

package emergency

import (
	"fmt"
	"slices"
	"time"

	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/internal/util"
	"github.com/jmcleod/medkey/ledger"
)

const (
	factRequested = "emergency.requested"
	factConfirmed = "emergency.confirmed"
	factIndexed   = "emergency.indexed"
)

type requestFact struct {
	ID            string            `json:"id"`
	Patient       identity.Identity `json:"patient"`
	RecordIDs     []uint64          `json:"record_ids"`
	PhysicianA    identity.Identity `json:"physician_a"`
	PhysicianB    identity.Identity `json:"physician_b"`
	Justification Justification     `json:"justification"`
	WrappedKey    []byte            `json:"wrapped_key"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

type indexFact struct {
	ID string `json:"id"`
}

// requestState is the projection of one emergency/<id> partition.
type requestState struct {
	grant  Grant
	exists bool
}

func newRequestState() *requestState { return &requestState{} }

func (s *requestState) Clone() *requestState {
	cp := *s
	cp.grant.RecordIDs = slices.Clone(s.grant.RecordIDs)
	cp.grant.WrappedKey = util.CopyBytes(s.grant.WrappedKey)
	return &cp
}

func (s *requestState) Apply(f ledger.Fact) error {
	at, err := f.Time()
	if err != nil {
		return err
	}
	switch f.Type {
	case factRequested:
		if s.exists {
			return fmt.Errorf("emergency request created twice")
		}
		var rf requestFact
		if err := f.Decode(&rf); err != nil {
			return err
		}
		s.exists = true
		s.grant = Grant{
			ID:            rf.ID,
			Patient:       rf.Patient,
			RecordIDs:     rf.RecordIDs,
			PhysicianA:    rf.PhysicianA,
			PhysicianB:    rf.PhysicianB,
			RequestedBy:   identity.Identity(f.Actor),
			Justification: rf.Justification,
			WrappedKey:    rf.WrappedKey,
			RequestedAt:   at,
			ExpiresAt:     rf.ExpiresAt,
		}
	case factConfirmed:
		if !s.exists || s.grant.Confirmed {
			return fmt.Errorf("confirmation of unknown or confirmed request")
		}
		s.grant.Confirmed = true
		s.grant.ConfirmedAt = at
		s.grant.ConfirmedBy = identity.Identity(f.Actor)
	default:
		return fmt.Errorf("unknown emergency fact type %q", f.Type)
	}
	return nil
}

// indexState is the projection of one emergencies/<patient> partition.
type indexState struct {
	ids []string
}

func newIndexState() *indexState { return &indexState{} }

func (s *indexState) Clone() *indexState {
	return &indexState{ids: slices.Clone(s.ids)}
}

func (s *indexState) Apply(f ledger.Fact) error {
	if f.Type != factIndexed {
		return fmt.Errorf("unknown emergency index fact type %q", f.Type)
	}
	var xf indexFact
	if err := f.Decode(&xf); err != nil {
		return err
	}
	s.ids = append(s.ids, xf.ID)
	return nil
}

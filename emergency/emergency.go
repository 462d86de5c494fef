// Package emergency implements dual-control emergency access.
//
// A physician opens a request naming a second physician; the request only
// becomes confirmed when the other physician signs off before it expires.
// Confirmation proves two-party sign-off. It does not change access
// decisions: physician A collects the wrapped record key through
// WrappedKey as a separate, audited step.
package emergency

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jmcleod/medkey/access"
	"github.com/jmcleod/medkey/audit"
	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/internal/util"
	"github.com/jmcleod/medkey/internal/uuid"
	"github.com/jmcleod/medkey/ledger"
	"github.com/jmcleod/medkey/ledger/projection"
)

// DefaultWindow is how long a request stays confirmable.
const DefaultWindow = time.Hour

// Justification is the reason code of an emergency request.
type Justification uint8

const (
	Trauma Justification = iota + 1
	Unconscious
	Critical
)

// Valid reports whether j is a known code.
func (j Justification) Valid() bool {
	return j >= Trauma && j <= Critical
}

func (j Justification) String() string {
	switch j {
	case Trauma:
		return "trauma"
	case Unconscious:
		return "unconscious"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("justification(%d)", uint8(j))
	}
}

// Request describes an emergency access request.
type Request struct {
	PhysicianA     identity.Identity
	PhysicianB     identity.Identity
	Patient        identity.Identity
	RecordIDs      []uint64
	Justification  Justification
	WrappedKeyForA []byte
}

// Grant is the state of an emergency request.
type Grant struct {
	ID            string            `json:"id"`
	Patient       identity.Identity `json:"patient"`
	RecordIDs     []uint64          `json:"record_ids"`
	PhysicianA    identity.Identity `json:"physician_a"`
	PhysicianB    identity.Identity `json:"physician_b"`
	RequestedBy   identity.Identity `json:"requested_by"`
	Justification Justification     `json:"justification"`
	WrappedKey    []byte            `json:"-"`
	RequestedAt   time.Time         `json:"requested_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Confirmed     bool              `json:"confirmed"`
	ConfirmedAt   time.Time         `json:"confirmed_at,omitzero"`
	ConfirmedBy   identity.Identity `json:"confirmed_by,omitempty"`
}

// Designated reports whether id is one of the two physicians of g.
func (g Grant) Designated(id identity.Identity) bool {
	return id == g.PhysicianA || id == g.PhysicianB
}

// Expired reports whether g can no longer be confirmed at now.
func (g Grant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// RecordDirectory looks up a patient's records.
type RecordDirectory interface {
	Record(ctx context.Context, patient identity.Identity, id uint64) (access.EncryptedRecord, error)
}

const (
	requestPrefix = "emergency/"
	indexPrefix   = "emergencies/"
)

// Partition returns the ledger partition of emergency request id.
func Partition(id string) string { return requestPrefix + id }

// PatientPartition returns the ledger partition indexing patient's
// emergency requests.
func PatientPartition(patient identity.Identity) string { return indexPrefix + string(patient) }

// Service runs the emergency protocol.
type Service struct {
	requests *projection.Projection[*requestState]
	index    *projection.Projection[*indexState]
	records  RecordDirectory
	now      func() time.Time
	window   time.Duration
	audit    *audit.Logger
	logger   *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithWindow sets how long requests stay confirmable. Non-positive values
// are ignored.
func WithWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(s *Service) { s.audit = a }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New returns a Service storing requests in l and checking record ids
// against records.
func New(l *ledger.Ledger, records RecordDirectory, opts ...Option) *Service {
	s := &Service{
		records: records,
		now:     time.Now,
		window:  DefaultWindow,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.requests = projection.New(l, newRequestState, projection.WithLogger(s.logger))
	s.index = projection.New(l, newIndexState, projection.WithLogger(s.logger))
	return s
}

// Request opens an emergency request on behalf of caller, who must be one
// of the two physicians. It returns the request id.
func (s *Service) Request(ctx context.Context, caller identity.Identity, req Request) (string, error) {
	id, err := s.request(ctx, caller, req)
	if err != nil {
		s.audit.Denied(ctx, audit.EmergencyRejected, string(caller), err,
			slog.String("patient", string(req.Patient)), slog.String("step", "request"))
		return "", err
	}
	s.audit.Log(ctx, audit.EmergencyRequested, string(caller),
		slog.String("emergency_id", id),
		slog.String("patient", string(req.Patient)),
		slog.String("physician_a", string(req.PhysicianA)),
		slog.String("physician_b", string(req.PhysicianB)),
		slog.String("justification", req.Justification.String()),
	)
	return id, nil
}

func (s *Service) request(ctx context.Context, caller identity.Identity, req Request) (string, error) {
	for _, id := range []identity.Identity{caller, req.PhysicianA, req.PhysicianB, req.Patient} {
		if err := id.Validate(); err != nil {
			return "", err
		}
	}
	if req.PhysicianA == req.PhysicianB {
		return "", ErrSelfPairing
	}
	if !req.Justification.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidJustification, req.Justification)
	}
	if caller != req.PhysicianA && caller != req.PhysicianB {
		return "", ErrNotDesignatedPhysician
	}
	recordIDs := slices.Compact(slices.Sorted(slices.Values(req.RecordIDs)))
	if len(recordIDs) == 0 {
		return "", ErrEmptyRecordSet
	}
	for _, rid := range recordIDs {
		if _, err := s.records.Record(ctx, req.Patient, rid); err != nil {
			return "", err
		}
	}
	if _, err := crypto.ParseWrappedKey(req.WrappedKeyForA); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWrappedKey, err)
	}

	id := uuid.New()
	// The index entry goes first; listing skips entries whose request
	// never landed.
	_, err := s.index.Mutate(ctx, PatientPartition(req.Patient), func(*indexState) ([]ledger.Fact, error) {
		f, err := ledger.NewFact(factIndexed, string(caller), indexFact{ID: id})
		return []ledger.Fact{f}, err
	})
	if err != nil {
		return "", fmt.Errorf("indexing emergency request: %w", err)
	}

	_, err = s.requests.Mutate(ctx, Partition(id), func(st *requestState) ([]ledger.Fact, error) {
		if st.exists {
			return nil, fmt.Errorf("emergency id %s already in use", id)
		}
		f, err := ledger.NewFact(factRequested, string(caller), requestFact{
			ID:            id,
			Patient:       req.Patient,
			RecordIDs:     recordIDs,
			PhysicianA:    req.PhysicianA,
			PhysicianB:    req.PhysicianB,
			Justification: req.Justification,
			WrappedKey:    req.WrappedKeyForA,
			ExpiresAt:     s.now().Add(s.window).UTC(),
		})
		return []ledger.Fact{f}, err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Confirm records caller's sign-off on request id. Only the designated
// physician who did not open the request may confirm, once, before the
// request expires.
func (s *Service) Confirm(ctx context.Context, caller identity.Identity, id string) error {
	err := s.confirm(ctx, caller, id)
	if err != nil {
		s.audit.Denied(ctx, audit.EmergencyRejected, string(caller), err,
			slog.String("emergency_id", id), slog.String("step", "confirm"))
		return err
	}
	s.audit.Log(ctx, audit.EmergencyConfirmed, string(caller), slog.String("emergency_id", id))
	return nil
}

func (s *Service) confirm(ctx context.Context, caller identity.Identity, id string) error {
	if err := caller.Validate(); err != nil {
		return err
	}
	partition, err := partitionOf(id)
	if err != nil {
		return err
	}
	_, err = s.requests.Mutate(ctx, partition, func(st *requestState) ([]ledger.Fact, error) {
		g := st.grant
		switch {
		case !st.exists:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		case g.Confirmed:
			return nil, ErrAlreadyConfirmed
		case g.Expired(s.now()):
			return nil, ErrExpired
		case caller == g.RequestedBy:
			return nil, ErrSelfConfirmation
		case !g.Designated(caller):
			return nil, ErrNotDesignatedPhysician
		}
		f, err := ledger.NewFact(factConfirmed, string(caller), struct{}{})
		return []ledger.Fact{f}, err
	})
	return err
}

// Get returns emergency request id.
func (s *Service) Get(ctx context.Context, id string) (Grant, error) {
	partition, err := partitionOf(id)
	if err != nil {
		return Grant{}, err
	}
	st, _, err := s.requests.Get(ctx, partition)
	if err != nil {
		return Grant{}, fmt.Errorf("reading emergency request %s: %w", id, err)
	}
	if !st.exists {
		return Grant{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st.grant, nil
}

// ListForPatient returns every emergency request naming patient, oldest
// first.
func (s *Service) ListForPatient(ctx context.Context, patient identity.Identity) ([]Grant, error) {
	if err := patient.Validate(); err != nil {
		return nil, err
	}
	idx, _, err := s.index.Get(ctx, PatientPartition(patient))
	if err != nil {
		return nil, fmt.Errorf("reading emergency index of %s: %w", patient, err)
	}
	grants := make([]Grant, 0, len(idx.ids))
	for _, id := range idx.ids {
		g, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	slices.SortFunc(grants, func(a, b Grant) int {
		return cmp.Or(a.RequestedAt.Compare(b.RequestedAt), cmp.Compare(a.ID, b.ID))
	})
	return grants, nil
}

// WrappedKey releases the record key of a confirmed, unexpired request to
// physician A, the only party it is wrapped for.
func (s *Service) WrappedKey(ctx context.Context, caller identity.Identity, id string) ([]byte, error) {
	g, err := s.wrappedKey(ctx, caller, id)
	if err != nil {
		s.audit.Denied(ctx, audit.EmergencyRejected, string(caller), err,
			slog.String("emergency_id", id), slog.String("step", "release"))
		return nil, err
	}
	s.audit.Log(ctx, audit.EmergencyKeyReleased, string(caller),
		slog.String("emergency_id", id), slog.String("patient", string(g.Patient)))
	return util.CopyBytes(g.WrappedKey), nil
}

func (s *Service) wrappedKey(ctx context.Context, caller identity.Identity, id string) (Grant, error) {
	g, err := s.Get(ctx, id)
	if err != nil {
		return Grant{}, err
	}
	switch {
	case caller != g.PhysicianA:
		return Grant{}, ErrNotDesignatedPhysician
	case !g.Confirmed:
		return Grant{}, ErrNotConfirmed
	case g.Expired(s.now()):
		return Grant{}, ErrExpired
	}
	return g, nil
}

func partitionOf(id string) (string, error) {
	canonical, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return Partition(canonical), nil
}

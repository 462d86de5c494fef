// Package access is the permission ledger: the records a patient owns, the
// permissions the patient grants over them and the access decision derived
// from both.
//
// Everything a patient owns lives in the patient's own ledger partition, so
// one append covers a record and the grants created with it, and writers for
// different patients never wait on each other.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmcleod/medkey/audit"
	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/ledger"
	"github.com/jmcleod/medkey/ledger/projection"
	"github.com/jmcleod/medkey/registry"
)

const (
	patientPrefix = "patient/"
	granteePrefix = "grantee/"
)

// PatientPartition returns the ledger partition holding patient's records
// and permissions.
func PatientPartition(patient identity.Identity) string {
	return patientPrefix + string(patient)
}

// GranteePartition returns the ledger partition listing the patients that
// granted id a permission.
func GranteePartition(id identity.Identity) string {
	return granteePrefix + string(id)
}

func patientOf(partition string) identity.Identity {
	return identity.Identity(strings.TrimPrefix(partition, patientPrefix))
}

// KeyDirectory resolves an identity's active public key.
type KeyDirectory interface {
	ActiveKey(ctx context.Context, id identity.Identity) (registry.PublicKeyRecord, error)
}

// Service is the permission ledger.
type Service struct {
	patients *projection.Projection[*patientState]
	grantees *projection.Projection[*granteeState]
	keys     KeyDirectory
	now      func() time.Time
	domain   crypto.Domain
	audit    *audit.Logger
	logger   *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock sets the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDomain sets the signing domain accepted by GrantWithSignature.
func WithDomain(d crypto.Domain) Option {
	return func(s *Service) { s.domain = d }
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(s *Service) { s.audit = a }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New returns a Service over l. keys is consulted for recipients' and
// signers' active keys.
func New(l *ledger.Ledger, keys KeyDirectory, opts ...Option) *Service {
	s := &Service{
		keys:   keys,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.patients = projection.New(l, newPatientState, projection.WithLogger(s.logger))
	s.grantees = projection.New(l, newGranteeState, projection.WithLogger(s.logger))
	return s
}

func (s *Service) patientState(ctx context.Context, patient identity.Identity) (*patientState, error) {
	if err := patient.Validate(); err != nil {
		return nil, err
	}
	st, _, err := s.patients.Get(ctx, PatientPartition(patient))
	if err != nil {
		return nil, fmt.Errorf("reading patient %s: %w", patient, err)
	}
	st.patient = patient
	return st, nil
}

// recipientKey checks that req.GrantedTo can redeem a grant. Errors that
// belong to the grant checks are returned as deferred so they are reported
// in order; anything else is returned as err.
func (s *Service) recipientKey(ctx context.Context, to identity.Identity) (deferred, err error) {
	if verr := to.Validate(); verr != nil {
		return verr, nil
	}
	_, err = s.keys.ActiveKey(ctx, to)
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, registry.ErrNoActiveKey):
		return fmt.Errorf("%w: %s", ErrRecipientHasNoKey, to), nil
	default:
		return nil, fmt.Errorf("resolving key of %s: %w", to, err)
	}
}

// checkGrant applies the grant preconditions that depend on patient state,
// in order: record set, record existence, recipient key, expiry.
func checkGrant(st *patientState, req GrantRequest, keyErr error, now time.Time) error {
	if len(req.RecordIDs) == 0 {
		return ErrEmptyRecordSet
	}
	for _, id := range req.RecordIDs {
		if _, ok := st.record(id); !ok {
			return fmt.Errorf("%w: %s/%d", ErrRecordNotFound, st.patient, id)
		}
	}
	if keyErr != nil {
		return keyErr
	}
	if !req.ExpiresAt.After(now) {
		return ErrExpirationInPast
	}
	if _, err := crypto.ParseWrappedKey(req.WrappedKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWrappedKey, err)
	}
	return nil
}

// validateGrant runs the grant checks against st at now, resolving the
// recipient's key on every call.
func (s *Service) validateGrant(ctx context.Context, st *patientState, req GrantRequest, now time.Time) error {
	keyErr, err := s.recipientKey(ctx, req.GrantedTo)
	if err != nil {
		return err
	}
	return checkGrant(st, req, keyErr, now)
}

// hint records that patient granted grantee a permission. Callers validate
// the grant in full first, so a hint only exists for a grant that passed
// every check.
func (s *Service) hint(ctx context.Context, grantee, patient identity.Identity) error {
	_, err := s.grantees.Mutate(ctx, GranteePartition(grantee), func(st *granteeState) ([]ledger.Fact, error) {
		if st.patients[patient] {
			return nil, nil
		}
		f, err := ledger.NewFact(factGranteeHint, string(patient), hintFact{Patient: patient})
		return []ledger.Fact{f}, err
	})
	if err != nil {
		return fmt.Errorf("indexing grant for %s: %w", grantee, err)
	}
	return nil
}

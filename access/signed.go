package access

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/medkey/audit"
	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/registry"
)

// Domain returns the signing domain GrantWithSignature accepts.
func (s *Service) Domain() crypto.Domain {
	return s.domain
}

// GrantWithSignature creates the permission described by msg on behalf of
// msg.Patient, who signed it out of band. The signature must recover to the
// patient's active key, and msg.Nonce must never have been used in a grant
// of the same patient. Submitting the same message twice therefore succeeds
// once. Beyond that the usual Grant preconditions apply.
func (s *Service) GrantWithSignature(ctx context.Context, msg crypto.GrantMessage, sig []byte) (uint64, error) {
	patient := identity.Identity(msg.Patient)
	id, err := s.grantWithSignature(ctx, patient, msg, sig)
	if err != nil {
		s.audit.Denied(ctx, audit.SignedGrantRejected, msg.Patient, err, slog.Uint64("nonce", msg.Nonce))
		return 0, err
	}
	s.audit.Log(ctx, audit.SignedGrantAccepted, msg.Patient,
		slog.Uint64("permission_id", id), slog.Uint64("nonce", msg.Nonce))
	return id, nil
}

func (s *Service) grantWithSignature(ctx context.Context, patient identity.Identity, msg crypto.GrantMessage, sig []byte) (uint64, error) {
	if err := patient.Validate(); err != nil {
		return 0, err
	}
	signer, err := crypto.RecoverGrantSigner(s.domain, msg, sig)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	active, err := s.keys.ActiveKey(ctx, patient)
	if errors.Is(err, registry.ErrNoActiveKey) {
		return 0, fmt.Errorf("%w: %s has no active key", ErrInvalidSignature, patient)
	}
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(signer, active.KeyBytes) {
		return 0, ErrInvalidSignature
	}

	nonce := msg.Nonce
	req := GrantRequest{
		GrantedTo:  identity.Identity(msg.GrantedTo),
		RecordIDs:  msg.RecordIDs,
		WrappedKey: msg.WrappedKey,
		// Only whole seconds are signed.
		ExpiresAt: time.Unix(msg.ExpirationTime.Unix(), 0).UTC(),
	}
	return s.grant(ctx, patient, patient, req, &nonce)
}

// Package registry maintains the versioned public key of every identity.
//
// Each identity owns one ledger partition. Versions start at 0 and are
// contiguous; at most one version is active at a time and a deactivated
// version never becomes active again. Rotation is a single fact, so no
// reader ever observes an identity with zero or two active keys mid-rotation.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jmcleod/medkey/audit"
	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/internal/util"
	"github.com/jmcleod/medkey/ledger"
	"github.com/jmcleod/medkey/ledger/projection"
)

const partitionPrefix = "keys/"

// Partition returns the ledger partition holding id's keys.
func Partition(id identity.Identity) string {
	return partitionPrefix + string(id)
}

// Registry is the key registry.
type Registry struct {
	keys   *projection.Projection[*keyState]
	admins map[identity.Identity]bool
	audit  *audit.Logger
	logger *slog.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithAdmins sets the identities allowed to reprovision revoked identities.
func WithAdmins(admins ...identity.Identity) Option {
	return func(r *Registry) {
		for _, a := range admins {
			r.admins[a] = true
		}
	}
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(r *Registry) { r.audit = a }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New returns a Registry over l.
func New(l *ledger.Ledger, opts ...Option) *Registry {
	r := &Registry{
		admins: make(map[identity.Identity]bool),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.keys = projection.New(l, func() *keyState { return &keyState{} }, projection.WithLogger(r.logger))
	return r
}

func (r *Registry) state(ctx context.Context, id identity.Identity) (*keyState, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	s, _, err := r.keys.Get(ctx, Partition(id))
	if err != nil {
		return nil, fmt.Errorf("reading keys of %s: %w", id, err)
	}
	s.id = id
	return s, nil
}

func (r *Registry) mutate(ctx context.Context, id identity.Identity, pub []byte, fn func(*keyState) (ledger.Fact, error)) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if pub != nil {
		if err := crypto.ValidatePublicKey(pub); err != nil {
			return err
		}
	}
	_, err := r.keys.Mutate(ctx, Partition(id), func(s *keyState) ([]ledger.Fact, error) {
		f, err := fn(s)
		if err != nil {
			return nil, err
		}
		return []ledger.Fact{f}, nil
	})
	return err
}

// Register records pub as version 0 of caller's key. It fails with
// ErrAlreadyRegistered if caller has ever registered a key, including one
// that was later revoked.
func (r *Registry) Register(ctx context.Context, caller identity.Identity, pub []byte) (PublicKeyRecord, error) {
	err := r.mutate(ctx, caller, pub, func(s *keyState) (ledger.Fact, error) {
		if len(s.keys) > 0 {
			return ledger.Fact{}, ErrAlreadyRegistered
		}
		return ledger.NewFact(factRegistered, string(caller), keyFact{Version: 0, Key: pub})
	})
	if err != nil {
		r.audit.Denied(ctx, audit.KeyRegistered, string(caller), err)
		return PublicKeyRecord{}, err
	}
	r.audit.Log(ctx, audit.KeyRegistered, string(caller), slog.Uint64("version", 0))
	return r.ActiveKey(ctx, caller)
}

// Rotate deactivates caller's current version and activates pub as the next
// one, atomically.
func (r *Registry) Rotate(ctx context.Context, caller identity.Identity, pub []byte) (PublicKeyRecord, error) {
	var version uint64
	err := r.mutate(ctx, caller, pub, func(s *keyState) (ledger.Fact, error) {
		current, ok := s.active()
		if !ok {
			return ledger.Fact{}, ErrNotRegistered
		}
		version = current.Version + 1
		return ledger.NewFact(factRotated, string(caller), keyFact{Version: version, Key: pub})
	})
	if err != nil {
		r.audit.Denied(ctx, audit.KeyRotated, string(caller), err)
		return PublicKeyRecord{}, err
	}
	r.audit.Log(ctx, audit.KeyRotated, string(caller), slog.Uint64("version", version))
	return r.ActiveKey(ctx, caller)
}

// Revoke deactivates caller's current version without a replacement. Only
// Reprovision can give the identity a key again.
func (r *Registry) Revoke(ctx context.Context, caller identity.Identity) error {
	var version uint64
	err := r.mutate(ctx, caller, nil, func(s *keyState) (ledger.Fact, error) {
		if len(s.keys) == 0 {
			return ledger.Fact{}, ErrNotRegistered
		}
		current, ok := s.active()
		if !ok {
			return ledger.Fact{}, ErrAlreadyRevoked
		}
		version = current.Version
		return ledger.NewFact(factRevoked, string(caller), keyFact{Version: version})
	})
	if err != nil {
		r.audit.Denied(ctx, audit.KeyRevoked, string(caller), err)
		return err
	}
	r.audit.Log(ctx, audit.KeyRevoked, string(caller), slog.Uint64("version", version))
	return nil
}

// Reprovision gives a revoked identity a new active version. Only configured
// administrators may call it.
func (r *Registry) Reprovision(ctx context.Context, admin, id identity.Identity, pub []byte) (PublicKeyRecord, error) {
	if !r.admins[admin] {
		r.audit.Denied(ctx, audit.KeyReprovisioned, string(admin), ErrNotAdministrator, slog.String("identity", string(id)))
		return PublicKeyRecord{}, ErrNotAdministrator
	}
	var version uint64
	err := r.mutate(ctx, id, pub, func(s *keyState) (ledger.Fact, error) {
		if len(s.keys) == 0 {
			return ledger.Fact{}, ErrNotRegistered
		}
		if _, ok := s.active(); ok {
			return ledger.Fact{}, ErrNotRevoked
		}
		version = uint64(len(s.keys))
		return ledger.NewFact(factReprovisioned, string(admin), keyFact{Version: version, Key: pub, Admin: string(admin)})
	})
	if err != nil {
		r.audit.Denied(ctx, audit.KeyReprovisioned, string(admin), err, slog.String("identity", string(id)))
		return PublicKeyRecord{}, err
	}
	r.audit.Log(ctx, audit.KeyReprovisioned, string(admin), slog.String("identity", string(id)), slog.Uint64("version", version))
	return r.ActiveKey(ctx, id)
}

// ActiveKey returns the active version of id's key.
func (r *Registry) ActiveKey(ctx context.Context, id identity.Identity) (PublicKeyRecord, error) {
	s, err := r.state(ctx, id)
	if err != nil {
		return PublicKeyRecord{}, err
	}
	k, ok := s.active()
	if !ok {
		return PublicKeyRecord{}, fmt.Errorf("%w: %s", ErrNoActiveKey, id)
	}
	return withIdentity(k, id), nil
}

// KeyByVersion returns version v of id's key, active or not.
func (r *Registry) KeyByVersion(ctx context.Context, id identity.Identity, v uint64) (PublicKeyRecord, error) {
	s, err := r.state(ctx, id)
	if err != nil {
		return PublicKeyRecord{}, err
	}
	if v >= uint64(len(s.keys)) {
		return PublicKeyRecord{}, fmt.Errorf("%w: %s version %d", ErrVersionNotFound, id, v)
	}
	return withIdentity(s.keys[v], id), nil
}

// CurrentVersion returns the newest version of id's key. A revoked identity
// still reports the version that was revoked.
func (r *Registry) CurrentVersion(ctx context.Context, id identity.Identity) (uint64, error) {
	s, err := r.state(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(s.keys) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return uint64(len(s.keys) - 1), nil
}

// History returns every version of id's key, oldest first.
func (r *Registry) History(ctx context.Context, id identity.Identity) ([]PublicKeyRecord, error) {
	s, err := r.state(ctx, id)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(s.keys)
	for i := range out {
		out[i] = withIdentity(out[i], id)
	}
	return out, nil
}

func withIdentity(k PublicKeyRecord, id identity.Identity) PublicKeyRecord {
	k.Identity = id
	k.KeyBytes = util.CopyBytes(k.KeyBytes)
	return k
}

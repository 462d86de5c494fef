// Package api is the HTTP boundary of medkey.
//
// Callers are authenticated upstream; the proxy in front of the API passes
// the caller identity in IdentityHeader. Handlers only ever return key
// material wrapped for that caller.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/jmcleod/medkey/access"
	"github.com/jmcleod/medkey/audit"
	"github.com/jmcleod/medkey/blobstore"
	"github.com/jmcleod/medkey/emergency"
	"github.com/jmcleod/medkey/registry"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	keys      *registry.Registry
	access    *access.Service
	emergency *emergency.Service
	blobs     blobstore.Store

	audit          *audit.Logger
	logger         *slog.Logger
	now            func() time.Time
	signedLimiter  *failureLimiter
	trustedProxies []netip.Prefix
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for request failures.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithAudit sets the audit logger for access decisions made at the boundary.
func WithAudit(l *audit.Logger) Option {
	return func(a *API) { a.audit = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// WithTrustedProxies sets the proxy ranges whose forwarding headers are
// trusted when rate limiting by client address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// New creates a new API instance.
func New(keys *registry.Registry, acc *access.Service, em *emergency.Service, blobs blobstore.Store, opts ...Option) *API {
	a := &API{
		keys:      keys,
		access:    acc,
		emergency: em,
		blobs:     blobs,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.signedLimiter = newFailureLimiter(a.now)
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/signing-domain", a.SigningDomain)
	r.Get("/keys/{identity}", a.GetActiveKey)
	r.Get("/keys/{identity}/history", a.GetKeyHistory)
	// The signature authenticates the patient; no caller identity needed.
	r.Post("/signed-grants", a.SubmitSignedGrant)

	r.Group(func(r chi.Router) {
		r.Use(RequireIdentity)

		r.Post("/keys", a.RegisterKey)
		r.Post("/keys/rotate", a.RotateKey)
		r.Post("/keys/revoke", a.RevokeKey)
		r.Post("/admin/keys/{identity}/reprovision", a.ReprovisionKey)

		r.Post("/blobs", a.PutBlob)
		r.Get("/blobs/{pointer}", a.GetBlob)

		r.Get("/accessible", a.ListAccessible)

		r.Route("/patients/{patient}", func(r chi.Router) {
			r.Get("/records", a.ListRecords)
			r.Post("/records", a.CreateRecord)
			r.Get("/records/next-id", a.NextRecordID)
			r.Get("/records/{recordID}", a.GetRecord)
			r.Put("/records/{recordID}", a.UpdateRecord)
			r.Get("/records/{recordID}/access", a.CheckAccess)
			r.Get("/permissions", a.ListPermissions)
			r.Post("/permissions", a.Grant)
			r.Delete("/permissions/{permissionID}", a.RevokePermission)
			r.Get("/emergencies", a.ListEmergencies)
		})

		r.Post("/emergencies", a.RequestEmergency)
		r.Get("/emergencies/{emergencyID}", a.GetEmergency)
		r.Post("/emergencies/{emergencyID}/confirm", a.ConfirmEmergency)
		r.Get("/emergencies/{emergencyID}/key", a.EmergencyKey)
	})

	return r
}

// RunSweeper drops expired rate-limit state every interval until ctx ends.
func (a *API) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.signedLimiter.sweep()
		}
	}
}

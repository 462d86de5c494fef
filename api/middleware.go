package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmcleod/medkey/identity"
)

type contextKey int

const callerKey contextKey = iota

// IdentityHeader carries the authenticated caller identity. It is set by the
// authenticating proxy in front of the API and must never be accepted from
// clients directly.
const IdentityHeader = "X-Medkey-Identity"

// RequireIdentity rejects requests without a valid IdentityHeader and stores
// the caller on the request context.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(IdentityHeader))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing "+IdentityHeader+" header")
			return
		}
		id, err := identity.Parse(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid caller identity")
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFromContext(ctx context.Context) identity.Identity {
	id, _ := ctx.Value(callerKey).(identity.Identity)
	return id
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

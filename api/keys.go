package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/medkey/identity"
)

func pathIdentity(r *http.Request, name string) (identity.Identity, error) {
	return identity.Parse(chi.URLParam(r, name))
}

// RegisterKey handles POST /keys.
// Registers the caller's first public key.
func (a *API) RegisterKey(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[KeyRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	rec, err := a.keys.Register(r.Context(), callerFromContext(r.Context()), req.PublicKey)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// RotateKey handles POST /keys/rotate.
func (a *API) RotateKey(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[KeyRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	rec, err := a.keys.Rotate(r.Context(), callerFromContext(r.Context()), req.PublicKey)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RevokeKey handles POST /keys/revoke.
func (a *API) RevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := a.keys.Revoke(r.Context(), callerFromContext(r.Context())); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReprovisionKey handles POST /admin/keys/{identity}/reprovision.
// Only configured administrators may re-provision a revoked identity.
func (a *API) ReprovisionKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentity(r, "identity")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	req, ok := decodeJSON[KeyRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	rec, err := a.keys.Reprovision(r.Context(), callerFromContext(r.Context()), id, req.PublicKey)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetActiveKey handles GET /keys/{identity}.
func (a *API) GetActiveKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentity(r, "identity")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	rec, err := a.keys.ActiveKey(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetKeyHistory handles GET /keys/{identity}/history.
func (a *API) GetKeyHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentity(r, "identity")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	history, err := a.keys.History(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r, history))
}

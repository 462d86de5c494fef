package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/medkey/emergency"
)

// RequestEmergency handles POST /emergencies.
func (a *API) RequestEmergency(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[EmergencyRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	id, err := a.emergency.Request(r.Context(), callerFromContext(r.Context()), emergency.Request{
		PhysicianA:     req.PhysicianA,
		PhysicianB:     req.PhysicianB,
		Patient:        req.Patient,
		RecordIDs:      req.RecordIDs,
		Justification:  req.Justification,
		WrappedKeyForA: req.WrappedKeyForA,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, EmergencyResponse{EmergencyID: id})
}

// GetEmergency handles GET /emergencies/{emergencyID}.
// Visible to the two designated physicians and the patient.
func (a *API) GetEmergency(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	g, err := a.emergency.Get(r.Context(), chi.URLParam(r, "emergencyID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if !g.Designated(caller) && caller != g.Patient {
		a.mapError(w, r, emergency.ErrNotDesignatedPhysician)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// ConfirmEmergency handles POST /emergencies/{emergencyID}/confirm.
func (a *API) ConfirmEmergency(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "emergencyID")
	if err := a.emergency.Confirm(r.Context(), callerFromContext(r.Context()), id); err != nil {
		a.mapError(w, r, err)
		return
	}
	g, err := a.emergency.Get(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// EmergencyKey handles GET /emergencies/{emergencyID}/key.
// Releases the record key to physician A, for whom it is wrapped, once the
// request is confirmed.
func (a *API) EmergencyKey(w http.ResponseWriter, r *http.Request) {
	wrapped, err := a.emergency.WrappedKey(r.Context(), callerFromContext(r.Context()), chi.URLParam(r, "emergencyID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WrappedKeyResponse{WrappedKey: wrapped})
}

// ListEmergencies handles GET /patients/{patient}/emergencies.
func (a *API) ListEmergencies(w http.ResponseWriter, r *http.Request) {
	_, patient, err := ownerRequest(r)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	grants, err := a.emergency.ListForPatient(r.Context(), patient)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r, grants))
}

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/medkey/access"
	"github.com/jmcleod/medkey/audit"
	"github.com/jmcleod/medkey/errs"
	"github.com/jmcleod/medkey/identity"
)

var errBadPathID = errs.Validation("invalid numeric id in path")

func pathUint(r *http.Request, name string) (uint64, error) {
	n, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, errBadPathID
	}
	return n, nil
}

// ownerRequest resolves the {patient} path parameter and checks that the
// caller is that patient.
func ownerRequest(r *http.Request) (caller, patient identity.Identity, err error) {
	caller = callerFromContext(r.Context())
	patient, err = pathIdentity(r, "patient")
	if err != nil {
		return "", "", err
	}
	if caller != patient {
		return "", "", access.ErrNotOwner
	}
	return caller, patient, nil
}

// PutBlob handles POST /blobs.
// Stores an already sealed payload and returns its pointer.
func (a *API) PutBlob(w http.ResponseWriter, r *http.Request) {
	data, ok := readBlob(w, r)
	if !ok {
		return
	}
	pointer, err := a.blobs.Store(r.Context(), data)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, BlobResponse{Pointer: pointer})
}

// GetBlob handles GET /blobs/{pointer}.
// Blobs are ciphertext; reading one reveals nothing without a wrapped key.
func (a *API) GetBlob(w http.ResponseWriter, r *http.Request) {
	data, err := a.blobs.Retrieve(r.Context(), chi.URLParam(r, "pointer"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ListRecords handles GET /patients/{patient}/records.
func (a *API) ListRecords(w http.ResponseWriter, r *http.Request) {
	_, patient, err := ownerRequest(r)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	records, err := a.access.Records(r.Context(), patient)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r, records))
}

// NextRecordID handles GET /patients/{patient}/records/next-id.
// Clients bind the sealed payload to this id before creating the record.
func (a *API) NextRecordID(w http.ResponseWriter, r *http.Request) {
	_, patient, err := ownerRequest(r)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	id, err := a.access.NextRecordID(r.Context(), patient)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NextRecordIDResponse{RecordID: id})
}

// CreateRecord handles POST /patients/{patient}/records.
func (a *API) CreateRecord(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	patient, err := pathIdentity(r, "patient")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	req, ok := decodeJSON[CreateRecordRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	permIDs, err := a.access.CreateRecord(r.Context(), caller, patient, req.Record, req.Grants...)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if permIDs == nil {
		permIDs = []uint64{}
	}
	writeJSON(w, http.StatusCreated, CreateRecordResponse{RecordID: req.Record.ID, PermissionIDs: permIDs})
}

// GetRecord handles GET /patients/{patient}/records/{recordID}.
func (a *API) GetRecord(w http.ResponseWriter, r *http.Request) {
	_, patient, err := ownerRequest(r)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	id, err := pathUint(r, "recordID")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	rec, err := a.access.Record(r.Context(), patient, id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateRecord handles PUT /patients/{patient}/records/{recordID}.
func (a *API) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	patient, err := pathIdentity(r, "patient")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	id, err := pathUint(r, "recordID")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	upd, ok := decodeJSON[access.RecordUpdate](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if err := a.access.UpdateRecord(r.Context(), caller, patient, id, upd); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckAccess handles GET /patients/{patient}/records/{recordID}/access.
// The decision is always made for the caller, so the wrapped key in the
// response is one only the caller can open.
func (a *API) CheckAccess(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	patient, err := pathIdentity(r, "patient")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	id, err := pathUint(r, "recordID")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	d, err := a.access.CheckAccess(r.Context(), caller, patient, id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if !d.HasAccess {
		a.audit.Log(r.Context(), audit.AccessDenied, string(caller),
			slog.String("patient", string(patient)), slog.Uint64("record_id", id))
		writeJSON(w, http.StatusOK, AccessResponse{Decision: d})
		return
	}
	rec, err := a.access.Record(r.Context(), patient, id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if d.Owner {
		d.WrappedKey = rec.OwnerWrappedKey
	}
	writeJSON(w, http.StatusOK, AccessResponse{
		Decision:       d,
		StoragePointer: rec.StoragePointer,
		ContentDigest:  rec.ContentDigest,
	})
}

// ListAccessible handles GET /accessible.
func (a *API) ListAccessible(w http.ResponseWriter, r *http.Request) {
	refs, err := a.access.ListAccessibleRecords(r.Context(), callerFromContext(r.Context()))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r, refs))
}

// ListPermissions handles GET /patients/{patient}/permissions.
func (a *API) ListPermissions(w http.ResponseWriter, r *http.Request) {
	_, patient, err := ownerRequest(r)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	perms, err := a.access.Permissions(r.Context(), patient)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	now := a.now()
	views := make([]PermissionView, len(perms))
	for i, p := range perms {
		views[i] = permissionView(p, now)
	}
	writeJSON(w, http.StatusOK, paginate(r, views))
}

// Grant handles POST /patients/{patient}/permissions.
func (a *API) Grant(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	patient, err := pathIdentity(r, "patient")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	req, ok := decodeJSON[access.GrantRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	id, err := a.access.Grant(r.Context(), caller, patient, req)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, GrantResponse{PermissionID: id})
}

// RevokePermission handles DELETE /patients/{patient}/permissions/{permissionID}.
func (a *API) RevokePermission(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	patient, err := pathIdentity(r, "patient")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	id, err := pathUint(r, "permissionID")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if err := a.access.Revoke(r.Context(), caller, patient, id); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SigningDomain handles GET /signing-domain.
func (a *API) SigningDomain(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.access.Domain())
}

// SubmitSignedGrant handles POST /signed-grants.
// Anyone may relay a grant signed by the patient. Clients that keep
// submitting bad signatures are locked out with exponential backoff.
func (a *API) SubmitSignedGrant(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, a.trustedProxies)
	if blocked, retryAfter := a.signedLimiter.check(ip); blocked {
		writeRateLimited(w, retryAfter)
		return
	}
	req, ok := decodeJSON[SignedGrantRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	id, err := a.access.GrantWithSignature(r.Context(), req.Message, req.Signature)
	switch {
	case errors.Is(err, access.ErrInvalidSignature):
		a.signedLimiter.recordFailure(ip)
		a.mapError(w, r, err)
		return
	case err != nil:
		a.mapError(w, r, err)
		return
	}
	a.signedLimiter.recordSuccess(ip)
	writeJSON(w, http.StatusCreated, GrantResponse{PermissionID: id})
}

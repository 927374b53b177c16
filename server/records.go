package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"

	"github.com/ivlib/docket/ingest"
	"github.com/ivlib/docket/ledger"
	"github.com/ivlib/docket/links"
	"github.com/ivlib/docket/store"
	"github.com/ivlib/docket/sweeper"
)

// recordBody is the JSON document accepted when creating or updating a
// record. Version is only consulted on update.
type recordBody struct {
	Type    ledger.RecordType
	Status  ledger.RecordStatus
	Label   string
	Vendor  string
	Cost    float64
	Version int
}

// CreateRecordHandler handles POST /records
func (s *RESTServer) CreateRecordHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body recordBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "bad JSON body")
		return
	}
	if !body.Type.Valid() {
		w.WriteHeader(400)
		fmt.Fprintf(w, "unknown record type %q\n", body.Type)
		return
	}
	if body.Status != "" && !body.Status.Valid() {
		w.WriteHeader(400)
		fmt.Fprintf(w, "unknown record status %q\n", body.Status)
		return
	}
	rec, err := s.Repo.CreateRecord(r.Context(), &ledger.Record{
		Type:   body.Type,
		Status: body.Status,
		Label:  body.Label,
		Vendor: body.Vendor,
		Cost:   body.Cost,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit(ps.ByName("username"), "record.create", rec.ID, "")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(201)
	writeJSON(w, rec)
}

// RecordHandler handles GET /records/:id
func (s *RESTServer) RecordHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rec, err := s.Repo.Record(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

// SearchRecordsHandler handles GET /records with optional filters in the
// query string: type, status, vendor, label.
func (s *RESTServer) SearchRecordsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	query := ledger.RecordQuery{
		Type:   ledger.RecordType(q.Get("type")),
		Status: ledger.RecordStatus(q.Get("status")),
		Vendor: q.Get("vendor"),
		Label:  q.Get("label"),
	}
	if query.Type != "" && !query.Type.Valid() {
		w.WriteHeader(400)
		fmt.Fprintf(w, "unknown record type %q\n", query.Type)
		return
	}
	if query.Status != "" && !query.Status.Valid() {
		w.WriteHeader(400)
		fmt.Fprintf(w, "unknown record status %q\n", query.Status)
		return
	}
	result, err := s.Repo.SearchRecords(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	if result == nil {
		result = []*ledger.Record{}
	}
	writeJSON(w, result)
}

// UpdateRecordHandler handles PUT /records/:id. The body must carry the
// version of the record the caller last saw; a stale version is a 409.
func (s *RESTServer) UpdateRecordHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body recordBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "bad JSON body")
		return
	}
	if !body.Status.Valid() {
		w.WriteHeader(400)
		fmt.Fprintf(w, "unknown record status %q\n", body.Status)
		return
	}
	rec, err := s.Repo.UpdateRecord(r.Context(), &ledger.Record{
		ID:      ps.ByName("id"),
		Status:  body.Status,
		Label:   body.Label,
		Vendor:  body.Vendor,
		Cost:    body.Cost,
		Version: body.Version,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit(ps.ByName("username"), "record.update", rec.ID, "")
	writeJSON(w, rec)
}

// DeleteRecordHandler handles DELETE /records/:id. The record's attachments
// become orphaned; their blobs are reclaimed later by the sweeper.
func (s *RESTServer) DeleteRecordHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	err := s.Repo.DeleteRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit(ps.ByName("username"), "record.delete", id, "")
	w.WriteHeader(200)
	fmt.Fprintln(w, "ok")
}

// AuditHandler handles GET /records/:id/audit
func (s *RESTServer) AuditHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	trail, err := s.Repo.AuditForRecord(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if trail == nil {
		trail = []ledger.AuditEntry{}
	}
	writeJSON(w, trail)
}

func (s *RESTServer) audit(principal, action, recordID, details string) {
	_ = s.Repo.AppendAudit(context.Background(), ledger.AuditEntry{
		Principal: principal,
		Action:    action,
		RecordID:  recordID,
		Details:   details,
	})
}

func writeJSON(w http.ResponseWriter, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(val)
}

// writeError maps the error taxonomy of the lower layers onto status codes.
// Anything unrecognized is a 500 and captured.
func writeError(w http.ResponseWriter, err error) {
	var code int
	switch err {
	case ledger.ErrRecordNotFound, ledger.ErrAttachmentNotFound, store.ErrNotFound:
		code = 404
	case ledger.ErrStaleVersion, ledger.ErrAlreadyCommitted,
		ledger.ErrInvalidTransition, ledger.ErrRecordLocked,
		links.ErrNotCommitted, sweeper.ErrSweepRunning:
		code = 409
	case store.ErrHashMismatch:
		code = 412
	case links.ErrInvalidTTL, store.ErrInvalidTTL:
		code = 400
	case links.ErrPolicyDenied:
		code = 403
	case ingest.ErrStopping:
		code = 503
	default:
		code = 500
		raven.CaptureError(err, nil)
	}
	w.WriteHeader(code)
	fmt.Fprintln(w, err.Error())
}

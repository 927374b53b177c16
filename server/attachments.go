package server

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/ivlib/docket/ledger"
)

// attachmentJSON is the wire form of an attachment. The digest goes out as
// hex, matching the X-Upload-Sha256 request header.
type attachmentJSON struct {
	ID          string
	RecordID    string
	Status      ledger.AttachmentStatus
	StorageKey  string
	SHA256      string
	Size        int64
	ContentType string
	CreatedAt   time.Time
	CommittedAt time.Time `json:",omitempty"`
}

func toAttachmentJSON(a *ledger.Attachment) attachmentJSON {
	return attachmentJSON{
		ID:          a.ID,
		RecordID:    a.RecordID,
		Status:      a.Status,
		StorageKey:  a.StorageKey,
		SHA256:      hex.EncodeToString(a.SHA256),
		Size:        a.Size,
		ContentType: a.ContentType,
		CreatedAt:   a.CreatedAt,
		CommittedAt: a.CommittedAt,
	}
}

// UploadHandler handles POST /records/:id/attachments. The request body is
// the document content. An X-Upload-Sha256 header, when present, declares
// the digest the body must hash to; a mismatch is a 412 and nothing is kept.
func (s *RESTServer) UploadHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var declared []byte
	if h := r.Header.Get("X-Upload-Sha256"); h != "" {
		var err error
		declared, err = hex.DecodeString(h)
		if err != nil {
			w.WriteHeader(400)
			fmt.Fprintln(w, "bad SHA-256 string")
			return
		}
	}
	if r.Body == nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "no body")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	a, err := s.Ingest.Attach(r.Context(),
		ps.ByName("id"),
		contentType,
		ps.ByName("username"),
		r.Body,
		declared)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(201)
	writeJSON(w, toAttachmentJSON(a))
}

// AttachmentHandler handles GET /attachments/:aid
func (s *RESTServer) AttachmentHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	a, err := s.Repo.Attachment(r.Context(), ps.ByName("aid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, toAttachmentJSON(a))
}

// ListAttachmentsHandler handles GET /records/:id/attachments. Only
// committed attachments are listed; uploads still in flight stay invisible.
func (s *RESTServer) ListAttachmentsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if _, err := s.Repo.Record(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	list, err := s.Repo.CommittedAttachments(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	result := make([]attachmentJSON, 0, len(list))
	for _, a := range list {
		result = append(result, toAttachmentJSON(a))
	}
	writeJSON(w, result)
}

// DetachHandler handles DELETE /attachments/:aid. The row is orphaned; the
// blob is reclaimed by the sweeper after the grace period.
func (s *RESTServer) DetachHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := s.Ingest.Detach(r.Context(), ps.ByName("aid"), ps.ByName("username"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(200)
	fmt.Fprintln(w, "ok")
}

// DefaultLinkTTL is used when the link route gets no ttl parameter.
const DefaultLinkTTL = 15 * time.Minute

// LinkHandler handles GET /attachments/:aid/link?ttl=15m. It responds with
// a signed URL granting download access until the ttl runs out.
func (s *RESTServer) LinkHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ttl := DefaultLinkTTL
	if t := r.URL.Query().Get("ttl"); t != "" {
		var err error
		ttl, err = time.ParseDuration(t)
		if err != nil {
			w.WriteHeader(400)
			fmt.Fprintln(w, "bad ttl")
			return
		}
	}
	link, err := s.Links.Issue(r.Context(), ps.ByName("aid"), ps.ByName("username"), ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, link)
}

// SweepHandler handles POST /admin/sweep, running one reconciliation pass
// inline and reporting how many rows it reclaimed.
func (s *RESTServer) SweepHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	n, err := s.Sweep.SweepOnce(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{ Reclaimed int }{n})
}

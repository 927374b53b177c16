// Package ingest coordinates attachment uploads across the two stores: the
// metadata repository and the blob store. The two fail independently, so
// every upload runs a two phase protocol with compensation:
//
//      1. reserve a pending attachment row (fixes the id and storage key)
//      2. stream the content into the blob store under that key
//      3. commit the row with the observed hash and size
//
// If step 2 or 3 fails the coordinator compensates: it deletes whatever blob
// may have landed and marks the row orphaned. Compensation is best effort.
// If it fails too, the row stays behind in pending or orphaned state and the
// reconciliation sweeper removes it later. The caller always gets the
// original error.
//
// Detaching never removes the blob inline. It only marks the row orphaned;
// physical deletion is the sweeper's job. This keeps detach fast and means a
// failed delete cannot strand a committed row without its blob.
package ingest

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	raven "github.com/getsentry/raven-go"

	"github.com/ivlib/docket/ledger"
	"github.com/ivlib/docket/store"
	"github.com/ivlib/docket/util"
)

// ErrStopping is returned by Attach once Stop has been called.
var ErrStopping = errors.New("coordinator is stopping")

// DefaultMaxUploads bounds concurrent uploads when MaxUploads is unset.
const DefaultMaxUploads = 8

// Coordinator runs the attach and detach protocols. Set the fields before
// first use; they must not change afterward.
type Coordinator struct {
	Repo  ledger.Repository
	Blobs store.Store

	// PutTimeout bounds a single upload into the blob store. Zero means
	// no bound beyond the caller's context. A timed out upload is treated
	// as failed, never as possibly succeeded.
	PutTimeout time.Duration

	// MaxUploads caps concurrent uploads. Zero means DefaultMaxUploads.
	MaxUploads int

	gateonce sync.Once
	gate     *util.Gate
}

func (c *Coordinator) init() {
	c.gateonce.Do(func() {
		n := c.MaxUploads
		if n <= 0 {
			n = DefaultMaxUploads
		}
		c.gate = util.NewGate(n)
	})
}

// Stop causes future Attach calls to return ErrStopping. Uploads already in
// flight finish normally.
func (c *Coordinator) Stop() {
	c.init()
	c.gate.Stop()
}

// Attach uploads the content in r as a new attachment on the given record.
// declared, when not empty, is the SHA-256 digest the caller claims for the
// content; a mismatch with the bytes actually received aborts the upload
// with store.ErrHashMismatch. On success the returned attachment is
// committed and its blob is durably stored.
func (c *Coordinator) Attach(ctx context.Context, recordID, contentType, principal string, r io.Reader, declared []byte) (*ledger.Attachment, error) {
	c.init()
	if !c.gate.Enter() {
		return nil, ErrStopping
	}
	defer c.gate.Leave()

	a, err := c.Repo.CreatePendingAttachment(ctx, recordID, contentType)
	if err != nil {
		return nil, err
	}

	putctx := ctx
	if c.PutTimeout > 0 {
		var cancel context.CancelFunc
		putctx, cancel = context.WithTimeout(ctx, c.PutTimeout)
		defer cancel()
	}
	size, sum, err := c.Blobs.Put(putctx, a.StorageKey, contentType, r, declared)
	if err != nil {
		c.compensate(a)
		return nil, err
	}

	committed, err := c.Repo.CommitAttachment(ctx, a.ID, a.StorageKey, sum, size)
	if err != nil {
		c.compensate(a)
		return nil, err
	}

	c.audit(principal, "attachment.attach", committed.RecordID, committed.ID)
	return committed, nil
}

// Detach marks the attachment orphaned. The blob stays in the store until
// the sweeper reclaims it, so a reader holding a signed link does not lose
// the bytes mid download.
func (c *Coordinator) Detach(ctx context.Context, attachmentID, principal string) error {
	a, err := c.Repo.Attachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	err = c.Repo.MarkOrphaned(ctx, attachmentID)
	if err != nil {
		return err
	}
	c.audit(principal, "attachment.detach", a.RecordID, a.ID)
	return nil
}

// compensate undoes a failed attach: remove whatever blob landed and park
// the row in orphaned state for the sweeper. Runs on a fresh context since
// the caller's may already be canceled. Failures are logged and swallowed;
// the sweeper covers anything left behind.
func (c *Coordinator) compensate(a *ledger.Attachment) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Blobs.Delete(ctx, a.StorageKey); err != nil {
		log.Printf("Attach compensate: delete %s: %s", a.StorageKey, err.Error())
		raven.CaptureError(err, map[string]string{"key": a.StorageKey})
	}
	if err := c.Repo.MarkOrphaned(ctx, a.ID); err != nil {
		log.Printf("Attach compensate: orphan %s: %s", a.ID, err.Error())
		raven.CaptureError(err, map[string]string{"attachment": a.ID})
	}
}

// audit writes a trail entry. The trail never fails the operation it
// describes; the repository logs its own errors.
func (c *Coordinator) audit(principal, action, recordID, attachmentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.Repo.AppendAudit(ctx, ledger.AuditEntry{
		Principal: principal,
		Action:    action,
		RecordID:  recordID,
		Details:   "attachment " + attachmentID,
	})
}

// Package ledger holds the metadata side of the document ledger: business
// records (assets, purchase orders, receipts) and the attachment rows linking
// records to blobs in the object store.
//
// The Repository interface is implemented twice, once against MySQL for
// production and once against the embedded QL database for development and
// testing. All state transitions on attachments happen inside repository
// transactions, with the owning record row locked, so concurrent operations
// on the same record are serialized.
//
// An attachment moves through the states
//
//      pending -> committed -> orphaned -> (row deleted)
//
// with pending -> orphaned also allowed for abandoned uploads. Only committed
// attachments are visible to general reads; a pending row is bookkeeping for
// an upload still in flight.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// RecordType tags the closed set of business entities the ledger tracks.
type RecordType string

const (
	TypeAsset         RecordType = "asset"
	TypePurchaseOrder RecordType = "purchase_order"
	TypeReceipt       RecordType = "receipt"
)

// Valid returns whether t is one of the known record types.
func (t RecordType) Valid() bool {
	switch t {
	case TypeAsset, TypePurchaseOrder, TypeReceipt:
		return true
	}
	return false
}

// RecordStatus is the lifecycle state of a record.
type RecordStatus string

const (
	StatusDraft    RecordStatus = "draft"
	StatusActive   RecordStatus = "active"
	StatusArchived RecordStatus = "archived"
)

// Valid returns whether s is one of the known record statuses.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusArchived:
		return true
	}
	return false
}

// AttachmentStatus is the state of an attachment row.
type AttachmentStatus string

const (
	Pending   AttachmentStatus = "pending"
	Committed AttachmentStatus = "committed"
	Orphaned  AttachmentStatus = "orphaned"
)

// A Record is one business entity: an asset, a purchase order, or a receipt.
// The Version counter increases on every update and is checked on writes, so
// two concurrent editors cannot silently overwrite each other.
type Record struct {
	ID        string
	Type      RecordType
	Status    RecordStatus
	Version   int
	Label     string
	Vendor    string
	Cost      float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// An Attachment binds a record to one blob in the object store. The identity
// and storage key never change once the row is created; only the status and
// the content bookkeeping move.
//
// Invariant: a committed attachment always has a blob in the object store
// under StorageKey whose content hashes to SHA256. The row is not committed
// until the upload is confirmed.
type Attachment struct {
	ID          string
	RecordID    string
	Status      AttachmentStatus
	StorageKey  string
	SHA256      []byte
	Size        int64
	ContentType string
	CreatedAt   time.Time
	CommittedAt time.Time
	OrphanedAt  time.Time
}

// An AuditEntry records who did what to which record. Entries are append
// only.
type AuditEntry struct {
	ID        int64
	CreatedAt time.Time
	Principal string
	Action    string
	RecordID  string
	Details   string
}

// RecordQuery holds the optional filters for SearchRecords. A zero value for
// a field means the filter is not applied.
type RecordQuery struct {
	Type   RecordType
	Status RecordStatus
	Vendor string
	Label  string
}

var (
	ErrRecordNotFound     = errors.New("record not found")
	ErrAttachmentNotFound = errors.New("attachment not found")

	// ErrRecordLocked means the record's status forbids new attachments
	// (it is archived).
	ErrRecordLocked = errors.New("record does not accept attachments")

	// ErrStaleVersion means an update lost an optimistic concurrency race.
	ErrStaleVersion = errors.New("record version is stale")

	// ErrInvalidTransition covers attachment state changes that are not in
	// the lifecycle, e.g. committing an orphaned attachment.
	ErrInvalidTransition = errors.New("invalid attachment state transition")

	// ErrAlreadyCommitted means a commit arrived for an attachment that
	// was already committed with different content. A commit repeating
	// identical content is treated as a no-op instead.
	ErrAlreadyCommitted = errors.New("attachment already committed")
)

// Repository is the transactional store for records, attachments, and the
// audit log.
type Repository interface {
	// CreateRecord inserts a new record. The ID, Version, and timestamps
	// are filled in; Status defaults to draft if unset.
	CreateRecord(ctx context.Context, r *Record) (*Record, error)
	Record(ctx context.Context, id string) (*Record, error)
	SearchRecords(ctx context.Context, q RecordQuery) ([]*Record, error)
	// UpdateRecord writes the mutable business fields and status. The
	// record's Version must match the stored row or ErrStaleVersion is
	// returned.
	UpdateRecord(ctx context.Context, r *Record) (*Record, error)
	// DeleteRecord removes the record row and marks every pending or
	// committed attachment orphaned, in one transaction. The blobs stay
	// behind for the sweeper.
	DeleteRecord(ctx context.Context, id string) error

	// CreatePendingAttachment reserves an attachment row in state pending
	// for an upload about to start. The storage key is derived from the
	// record and attachment ids. The record row is locked while the row
	// is created.
	CreatePendingAttachment(ctx context.Context, recordID, contentType string) (*Attachment, error)
	// Attachment looks up a row in any state. Use CommittedAttachments
	// for caller-visible listings.
	Attachment(ctx context.Context, id string) (*Attachment, error)
	CommittedAttachments(ctx context.Context, recordID string) ([]*Attachment, error)
	// CommitAttachment moves a pending attachment to committed once the
	// upload is confirmed. The storage key must match the reserved one.
	// Committing identical content twice is a no-op returning the stored
	// row.
	CommitAttachment(ctx context.Context, id, storageKey string, sum []byte, size int64) (*Attachment, error)
	MarkOrphaned(ctx context.Context, id string) error
	ListOrphanedBefore(ctx context.Context, cutoff time.Time) ([]*Attachment, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*Attachment, error)
	// DeleteAttachmentRow removes the row for good. Only orphaned rows
	// may be deleted.
	DeleteAttachmentRow(ctx context.Context, id string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	AuditForRecord(ctx context.Context, recordID string) ([]AuditEntry, error)
}

// newID returns a fresh random identifier. Random so that ids stay unique
// across server restarts without database coordination.
func newID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // the system entropy source is gone; nothing sensible to do
	}
	return hex.EncodeToString(b[:])
}

// StorageKey derives the blob store key for an attachment. Objects for one
// record share a prefix so they stay colocated and cannot collide across
// records.
func StorageKey(recordID, attachmentID string) string {
	return recordID + "/" + attachmentID
}

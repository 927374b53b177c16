package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/cznic/ql/driver"
	"github.com/pkg/errors"
)

// This file implements the Repository interface using the QL embedded
// database. It is intended for development and testing only.
//
// QL has no row locks, so a single mutex serializes every operation that
// touches more than one row. That is fine for a dev backend.

type qlRepo struct {
	db *sql.DB
	mu sync.Mutex
}

var _ Repository = &qlRepo{}

const qlSchemaInit = `
	CREATE TABLE IF NOT EXISTS records (
		id string,
		kind string,
		status string,
		version int,
		label string,
		vendor string,
		cost float64,
		created_at time,
		updated_at time
	);
	CREATE INDEX IF NOT EXISTS recordid ON records (id);
	CREATE TABLE IF NOT EXISTS attachments (
		id string,
		record_id string,
		status string,
		storage_key string,
		sha256 string,
		size int64,
		content_type string,
		created_at time,
		committed_at time,
		orphaned_at time
	);
	CREATE INDEX IF NOT EXISTS attachmentid ON attachments (id);
	CREATE INDEX IF NOT EXISTS attachmentrecord ON attachments (record_id);
	CREATE INDEX IF NOT EXISTS attachmentstatus ON attachments (status);
	CREATE TABLE IF NOT EXISTS audit_log (
		created_at time,
		principal string,
		action string,
		record_id string,
		details string
	);
	CREATE INDEX IF NOT EXISTS auditrecord ON audit_log (record_id);
`

// NewQlRepo makes a QL backed Repository. filename is the name of the file
// to save the database to. A filename beginning with "memory" means to keep
// everything in memory; distinct memory names give distinct databases.
func NewQlRepo(filename string) (Repository, error) {
	var db *sql.DB
	var err error
	if strings.HasPrefix(filename, "memory") {
		// The ql-mem driver assumes a name starting with "memory" is
		// already a full URL, so supply the scheme ourselves.
		dsn := filename
		if !strings.Contains(dsn, "://") {
			dsn = "memory://" + dsn
		}
		db, err = sql.Open("ql-mem", dsn)
	} else {
		db, err = sql.Open("ql", filename)
	}
	if err == nil {
		_, err = performExec(db, qlSchemaInit)
	}
	if err != nil {
		log.Printf("Open QL: %s", err.Error())
		return nil, err
	}
	return &qlRepo{db: db}, nil
}

func (qc *qlRepo) CreateRecord(ctx context.Context, r *Record) (*Record, error) {
	const query = `INSERT INTO records (id, kind, status, version, label, vendor, cost, created_at, updated_at)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)`

	if !r.Type.Valid() {
		return nil, errors.Errorf("unknown record type %q", r.Type)
	}
	if r.Status == "" {
		r.Status = StatusDraft
	}
	if !r.Status.Valid() {
		return nil, errors.Errorf("unknown record status %q", r.Status)
	}
	now := time.Now().UTC().Truncate(time.Second)
	result := &Record{
		ID:        newID(),
		Type:      r.Type,
		Status:    r.Status,
		Version:   1,
		Label:     r.Label,
		Vendor:    r.Vendor,
		Cost:      r.Cost,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := performExec(qc.db, query,
		result.ID, string(result.Type), string(result.Status), result.Version,
		result.Label, result.Vendor, result.Cost,
		result.CreatedAt, result.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "create record")
	}
	return result, nil
}

func (qc *qlRepo) Record(ctx context.Context, id string) (*Record, error) {
	const query = `SELECT id, kind, status, version, label, vendor, cost, created_at, updated_at
		FROM records WHERE id == ?1 LIMIT 1`

	r := new(Record)
	err := qc.db.QueryRow(query, id).Scan(
		&r.ID, &r.Type, &r.Status, &r.Version,
		&r.Label, &r.Vendor, &r.Cost,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "lookup record")
	}
	return r, nil
}

func (qc *qlRepo) SearchRecords(ctx context.Context, q RecordQuery) ([]*Record, error) {
	query := `SELECT id, kind, status, version, label, vendor, cost, created_at, updated_at
		FROM records WHERE true`
	var args []interface{}
	n := 0
	addFilter := func(clause string, arg interface{}) {
		n++
		query += clause + paramName(n)
		args = append(args, arg)
	}
	if q.Type != "" {
		addFilter(` AND kind == ?`, string(q.Type))
	}
	if q.Status != "" {
		addFilter(` AND status == ?`, string(q.Status))
	}
	if q.Vendor != "" {
		addFilter(` AND vendor == ?`, q.Vendor)
	}
	if q.Label != "" {
		// QL's LIKE takes a regexp, matched unanchored
		addFilter(` AND label LIKE ?`, regexp.QuoteMeta(q.Label))
	}
	query += ` ORDER BY created_at`

	rows, err := qc.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "search records")
	}
	defer rows.Close()
	var result []*Record
	for rows.Next() {
		r := new(Record)
		err = rows.Scan(&r.ID, &r.Type, &r.Status, &r.Version,
			&r.Label, &r.Vendor, &r.Cost,
			&r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (qc *qlRepo) UpdateRecord(ctx context.Context, r *Record) (*Record, error) {
	const query = `UPDATE records
		SET status = ?2, version = version + 1, label = ?3, vendor = ?4, cost = ?5, updated_at = ?6
		WHERE id == ?1 AND version == ?7`

	if !r.Status.Valid() {
		return nil, errors.Errorf("unknown record status %q", r.Status)
	}
	qc.mu.Lock()
	defer qc.mu.Unlock()
	now := time.Now().UTC().Truncate(time.Second)
	result, err := performExec(qc.db, query,
		r.ID, string(r.Status), r.Label, r.Vendor, r.Cost, now, r.Version)
	if err != nil {
		return nil, errors.Wrap(err, "update record")
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if nrows == 0 {
		_, err := qc.Record(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		return nil, ErrStaleVersion
	}
	return qc.Record(ctx, r.ID)
}

func (qc *qlRepo) DeleteRecord(ctx context.Context, id string) error {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	_, err := qc.Record(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Second)
	_, err = performExec(qc.db,
		`UPDATE attachments SET status = ?2, orphaned_at = ?3
		WHERE record_id == ?1 AND (status == ?4 OR status == ?5)`,
		id, string(Orphaned), now, string(Pending), string(Committed))
	if err != nil {
		return errors.Wrap(err, "orphan attachments")
	}
	_, err = performExec(qc.db, `DELETE FROM records WHERE id == ?1`, id)
	return errors.Wrap(err, "delete record")
}

func (qc *qlRepo) CreatePendingAttachment(ctx context.Context, recordID, contentType string) (*Attachment, error) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	r, err := qc.Record(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusArchived {
		return nil, ErrRecordLocked
	}
	a := &Attachment{
		ID:          newID(),
		RecordID:    recordID,
		Status:      Pending,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	a.StorageKey = StorageKey(recordID, a.ID)
	_, err = performExec(qc.db,
		`INSERT INTO attachments (id, record_id, status, storage_key, sha256, size, content_type, created_at, committed_at, orphaned_at)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10)`,
		a.ID, a.RecordID, string(a.Status), a.StorageKey, "", int64(0),
		a.ContentType, a.CreatedAt, time.Time{}, time.Time{})
	if err != nil {
		return nil, errors.Wrap(err, "create attachment")
	}
	return a, nil
}

const qlAttachmentCols = `id, record_id, status, storage_key, sha256, size, content_type, created_at, committed_at, orphaned_at`

func scanQlAttachment(row interface {
	Scan(dest ...interface{}) error
}) (*Attachment, error) {
	a := new(Attachment)
	var sum string
	err := row.Scan(&a.ID, &a.RecordID, &a.Status, &a.StorageKey,
		&sum, &a.Size, &a.ContentType, &a.CreatedAt, &a.CommittedAt, &a.OrphanedAt)
	if err != nil {
		return nil, err
	}
	if sum != "" {
		a.SHA256, err = hex.DecodeString(sum)
		if err != nil {
			return nil, errors.Wrap(err, "corrupt sha256 column")
		}
	}
	return a, nil
}

func (qc *qlRepo) Attachment(ctx context.Context, id string) (*Attachment, error) {
	const query = `SELECT ` + qlAttachmentCols + ` FROM attachments WHERE id == ?1 LIMIT 1`

	a, err := scanQlAttachment(qc.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrAttachmentNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "lookup attachment")
	}
	return a, nil
}

func (qc *qlRepo) CommittedAttachments(ctx context.Context, recordID string) ([]*Attachment, error) {
	const query = `SELECT ` + qlAttachmentCols + `
		FROM attachments WHERE record_id == ?1 AND status == ?2 ORDER BY created_at`
	return qc.listAttachments(query, recordID, string(Committed))
}

func (qc *qlRepo) CommitAttachment(ctx context.Context, id, storageKey string, sum []byte, size int64) (*Attachment, error) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	a, err := qc.Attachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.StorageKey != storageKey {
		return nil, ErrInvalidTransition
	}
	switch a.Status {
	case Committed:
		// a retry of a commit that already happened is fine
		if hex.EncodeToString(a.SHA256) == hex.EncodeToString(sum) && a.Size == size {
			return a, nil
		}
		return nil, ErrAlreadyCommitted
	case Orphaned:
		return nil, ErrInvalidTransition
	}
	now := time.Now().UTC().Truncate(time.Second)
	_, err = performExec(qc.db,
		`UPDATE attachments SET status = ?2, sha256 = ?3, size = ?4, committed_at = ?5 WHERE id == ?1`,
		id, string(Committed), hex.EncodeToString(sum), size, now)
	if err != nil {
		return nil, errors.Wrap(err, "commit attachment")
	}
	a.Status = Committed
	a.SHA256 = sum
	a.Size = size
	a.CommittedAt = now
	return a, nil
}

func (qc *qlRepo) MarkOrphaned(ctx context.Context, id string) error {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	a, err := qc.Attachment(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == Orphaned {
		return nil // already there
	}
	now := time.Now().UTC().Truncate(time.Second)
	_, err = performExec(qc.db,
		`UPDATE attachments SET status = ?2, orphaned_at = ?3 WHERE id == ?1`,
		id, string(Orphaned), now)
	return errors.Wrap(err, "orphan attachment")
}

func (qc *qlRepo) ListOrphanedBefore(ctx context.Context, cutoff time.Time) ([]*Attachment, error) {
	const query = `SELECT ` + qlAttachmentCols + `
		FROM attachments WHERE status == ?1 AND orphaned_at <= ?2 ORDER BY orphaned_at`
	return qc.listAttachments(query, string(Orphaned), cutoff)
}

func (qc *qlRepo) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*Attachment, error) {
	const query = `SELECT ` + qlAttachmentCols + `
		FROM attachments WHERE status == ?1 AND created_at <= ?2 ORDER BY created_at`
	return qc.listAttachments(query, string(Pending), cutoff)
}

func (qc *qlRepo) listAttachments(query string, args ...interface{}) ([]*Attachment, error) {
	rows, err := qc.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list attachments")
	}
	defer rows.Close()
	var result []*Attachment
	for rows.Next() {
		a, err := scanQlAttachment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (qc *qlRepo) DeleteAttachmentRow(ctx context.Context, id string) error {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	a, err := qc.Attachment(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != Orphaned {
		return ErrInvalidTransition
	}
	_, err = performExec(qc.db, `DELETE FROM attachments WHERE id == ?1`, id)
	return errors.Wrap(err, "delete attachment row")
}

func (qc *qlRepo) AppendAudit(ctx context.Context, e AuditEntry) error {
	const query = `INSERT INTO audit_log (created_at, principal, action, record_id, details)
		VALUES (?1, ?2, ?3, ?4, ?5)`

	when := e.CreatedAt
	if when.IsZero() {
		when = time.Now().UTC().Truncate(time.Second)
	}
	_, err := performExec(qc.db, query, when, e.Principal, e.Action, e.RecordID, e.Details)
	if err != nil {
		log.Printf("Audit QL: %s", err.Error())
	}
	return err
}

func (qc *qlRepo) AuditForRecord(ctx context.Context, recordID string) ([]AuditEntry, error) {
	const query = `SELECT id() as id, created_at, principal, action, record_id, details
		FROM audit_log WHERE record_id == ?1 ORDER BY id()`

	rows, err := qc.db.Query(query, recordID)
	if err != nil {
		return nil, errors.Wrap(err, "audit lookup")
	}
	defer rows.Close()
	var result []AuditEntry
	for rows.Next() {
		var e AuditEntry
		err = rows.Scan(&e.ID, &e.CreatedAt, &e.Principal, &e.Action, &e.RecordID, &e.Details)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// paramName numbers a placeholder: QL uses ?1, ?2, ...
func paramName(n int) string {
	return strconv.Itoa(n)
}

func performExec(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	var result sql.Result
	result, err = tx.Exec(query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	return result, err
}

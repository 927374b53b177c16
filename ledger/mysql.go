package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"log"
	"time"

	// no _ in import mysql since we need mysql.NullTime
	"github.com/BurntSushi/migration"
	"github.com/go-sql-driver/mysql"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
)

// This file implements the Repository interface using MySQL as the backing
// store. It is the production backend. Attachment state changes take a row
// lock on the owning record, so two requests racing on one record serialize
// at the database.

type msqlRepo struct {
	db *sql.DB
}

var _ Repository = &msqlRepo{}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
}

// Adapt the schema versioning for MySQL. The migration package expects its
// own version table layout, so we supply the SQL for ours.
type dbVersion struct {
	GetSQL    string
	SetSQL    string
	CreateSQL string
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	var version int
	err := tx.QueryRow(d.GetSQL).Scan(&version)
	if err != nil {
		// assume error means there is no migration table yet
		log.Println(err.Error())
		return 0, nil
	}
	return version, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if err := d.set(tx, version); err != nil {
		if _, err := tx.Exec(d.CreateSQL); err != nil {
			return err
		}
		return d.set(tx, version)
	}
	return nil
}

func (d dbVersion) set(tx migration.LimitedTx, version int) error {
	_, err := tx.Exec(d.SetSQL, version)
	return err
}

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

// NewMysqlRepo connects to a MySQL database, running any pending schema
// migrations, and returns a Repository backed by it.
func NewMysqlRepo(dial string) (Repository, error) {
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Printf("Open Mysql: %s", err.Error())
		return nil, err
	}
	return &msqlRepo{db: db}, nil
}

// withTx runs f inside a transaction, committing if f returns nil and
// rolling back otherwise.
func (ms *msqlRepo) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := ms.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	err = f(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (ms *msqlRepo) CreateRecord(ctx context.Context, r *Record) (*Record, error) {
	const query = `INSERT INTO records (id, kind, status, version, label, vendor, cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

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
	_, err := ms.db.ExecContext(ctx, query,
		result.ID, result.Type, result.Status, result.Version,
		result.Label, result.Vendor, result.Cost,
		result.CreatedAt, result.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "create record")
	}
	return result, nil
}

func (ms *msqlRepo) Record(ctx context.Context, id string) (*Record, error) {
	const query = `SELECT id, kind, status, version, label, vendor, cost, created_at, updated_at
		FROM records WHERE id = ? LIMIT 1`

	r := new(Record)
	err := ms.db.QueryRowContext(ctx, query, id).Scan(
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

func (ms *msqlRepo) SearchRecords(ctx context.Context, q RecordQuery) ([]*Record, error) {
	query := `SELECT id, kind, status, version, label, vendor, cost, created_at, updated_at
		FROM records WHERE 1=1`
	var args []interface{}
	if q.Type != "" {
		query += ` AND kind = ?`
		args = append(args, q.Type)
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, q.Status)
	}
	if q.Vendor != "" {
		query += ` AND vendor = ?`
		args = append(args, q.Vendor)
	}
	if q.Label != "" {
		query += ` AND label LIKE ?`
		args = append(args, "%"+q.Label+"%")
	}
	query += ` ORDER BY created_at`

	rows, err := ms.db.QueryContext(ctx, query, args...)
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

func (ms *msqlRepo) UpdateRecord(ctx context.Context, r *Record) (*Record, error) {
	const query = `UPDATE records
		SET status = ?, version = version + 1, label = ?, vendor = ?, cost = ?, updated_at = ?
		WHERE id = ? AND version = ?`

	if !r.Status.Valid() {
		return nil, errors.Errorf("unknown record status %q", r.Status)
	}
	now := time.Now().UTC().Truncate(time.Second)
	result, err := ms.db.ExecContext(ctx, query,
		r.Status, r.Label, r.Vendor, r.Cost, now, r.ID, r.Version)
	if err != nil {
		return nil, errors.Wrap(err, "update record")
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if nrows == 0 {
		// either the record is gone or someone updated it first
		_, err := ms.Record(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		return nil, ErrStaleVersion
	}
	return ms.Record(ctx, r.ID)
}

func (ms *msqlRepo) DeleteRecord(ctx context.Context, id string) error {
	return ms.withTx(ctx, func(tx *sql.Tx) error {
		var v int
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM records WHERE id = ? FOR UPDATE`, id).Scan(&v)
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		} else if err != nil {
			return errors.Wrap(err, "delete record")
		}
		now := time.Now().UTC().Truncate(time.Second)
		_, err = tx.ExecContext(ctx,
			`UPDATE attachments SET status = ?, orphaned_at = ?
			WHERE record_id = ? AND status IN (?, ?)`,
			Orphaned, now, id, Pending, Committed)
		if err != nil {
			return errors.Wrap(err, "orphan attachments")
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
		return errors.Wrap(err, "delete record")
	})
}

func (ms *msqlRepo) CreatePendingAttachment(ctx context.Context, recordID, contentType string) (*Attachment, error) {
	a := new(Attachment)
	err := ms.withTx(ctx, func(tx *sql.Tx) error {
		var status RecordStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM records WHERE id = ? FOR UPDATE`, recordID).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		} else if err != nil {
			return errors.Wrap(err, "create attachment")
		}
		if status == StatusArchived {
			return ErrRecordLocked
		}
		a.ID = newID()
		a.RecordID = recordID
		a.Status = Pending
		a.StorageKey = StorageKey(recordID, a.ID)
		a.ContentType = contentType
		a.CreatedAt = time.Now().UTC().Truncate(time.Second)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO attachments (id, record_id, status, storage_key, sha256, size, content_type, created_at, committed_at, orphaned_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
			a.ID, a.RecordID, a.Status, a.StorageKey, "", 0, a.ContentType, a.CreatedAt)
		return errors.Wrap(err, "create attachment")
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

const mysqlAttachmentCols = `id, record_id, status, storage_key, sha256, size, content_type, created_at, committed_at, orphaned_at`

type mysqlRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMysqlAttachment(row mysqlRowScanner) (*Attachment, error) {
	a := new(Attachment)
	var sum string
	var committed, orphaned mysql.NullTime
	err := row.Scan(&a.ID, &a.RecordID, &a.Status, &a.StorageKey,
		&sum, &a.Size, &a.ContentType, &a.CreatedAt, &committed, &orphaned)
	if err != nil {
		return nil, err
	}
	if sum != "" {
		a.SHA256, err = hex.DecodeString(sum)
		if err != nil {
			return nil, errors.Wrap(err, "corrupt sha256 column")
		}
	}
	if committed.Valid {
		a.CommittedAt = committed.Time
	}
	if orphaned.Valid {
		a.OrphanedAt = orphaned.Time
	}
	return a, nil
}

func (ms *msqlRepo) Attachment(ctx context.Context, id string) (*Attachment, error) {
	const query = `SELECT ` + mysqlAttachmentCols + ` FROM attachments WHERE id = ? LIMIT 1`

	a, err := scanMysqlAttachment(ms.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrAttachmentNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "lookup attachment")
	}
	return a, nil
}

func (ms *msqlRepo) CommittedAttachments(ctx context.Context, recordID string) ([]*Attachment, error) {
	const query = `SELECT ` + mysqlAttachmentCols + `
		FROM attachments WHERE record_id = ? AND status = ? ORDER BY created_at`

	rows, err := ms.db.QueryContext(ctx, query, recordID, Committed)
	if err != nil {
		return nil, errors.Wrap(err, "list attachments")
	}
	defer rows.Close()
	var result []*Attachment
	for rows.Next() {
		a, err := scanMysqlAttachment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (ms *msqlRepo) CommitAttachment(ctx context.Context, id, storageKey string, sum []byte, size int64) (*Attachment, error) {
	var a *Attachment
	err := ms.withTx(ctx, func(tx *sql.Tx) error {
		const query = `SELECT ` + mysqlAttachmentCols + `
			FROM attachments WHERE id = ? LIMIT 1 FOR UPDATE`
		var err error
		a, err = scanMysqlAttachment(tx.QueryRowContext(ctx, query, id))
		if err == sql.ErrNoRows {
			return ErrAttachmentNotFound
		} else if err != nil {
			return errors.Wrap(err, "commit attachment")
		}
		if a.StorageKey != storageKey {
			return ErrInvalidTransition
		}
		switch a.Status {
		case Committed:
			// a retry of a commit that already happened is fine
			if hex.EncodeToString(a.SHA256) == hex.EncodeToString(sum) && a.Size == size {
				return nil
			}
			return ErrAlreadyCommitted
		case Orphaned:
			return ErrInvalidTransition
		}
		now := time.Now().UTC().Truncate(time.Second)
		_, err = tx.ExecContext(ctx,
			`UPDATE attachments SET status = ?, sha256 = ?, size = ?, committed_at = ? WHERE id = ?`,
			Committed, hex.EncodeToString(sum), size, now, id)
		if err != nil {
			return errors.Wrap(err, "commit attachment")
		}
		a.Status = Committed
		a.SHA256 = sum
		a.Size = size
		a.CommittedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (ms *msqlRepo) MarkOrphaned(ctx context.Context, id string) error {
	const query = `UPDATE attachments SET status = ?, orphaned_at = ?
		WHERE id = ? AND status IN (?, ?)`

	now := time.Now().UTC().Truncate(time.Second)
	result, err := ms.db.ExecContext(ctx, query, Orphaned, now, id, Pending, Committed)
	if err != nil {
		return errors.Wrap(err, "orphan attachment")
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		a, err := ms.Attachment(ctx, id)
		if err != nil {
			return err
		}
		if a.Status == Orphaned {
			return nil // already there
		}
		return ErrInvalidTransition
	}
	return nil
}

func (ms *msqlRepo) ListOrphanedBefore(ctx context.Context, cutoff time.Time) ([]*Attachment, error) {
	const query = `SELECT ` + mysqlAttachmentCols + `
		FROM attachments WHERE status = ? AND orphaned_at <= ? ORDER BY orphaned_at`
	return ms.listAttachments(ctx, query, Orphaned, cutoff)
}

func (ms *msqlRepo) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*Attachment, error) {
	const query = `SELECT ` + mysqlAttachmentCols + `
		FROM attachments WHERE status = ? AND created_at <= ? ORDER BY created_at`
	return ms.listAttachments(ctx, query, Pending, cutoff)
}

func (ms *msqlRepo) listAttachments(ctx context.Context, query string, args ...interface{}) ([]*Attachment, error) {
	rows, err := ms.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list attachments")
	}
	defer rows.Close()
	var result []*Attachment
	for rows.Next() {
		a, err := scanMysqlAttachment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (ms *msqlRepo) DeleteAttachmentRow(ctx context.Context, id string) error {
	const query = `DELETE FROM attachments WHERE id = ? AND status = ?`

	result, err := ms.db.ExecContext(ctx, query, id, Orphaned)
	if err != nil {
		return errors.Wrap(err, "delete attachment row")
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		_, err := ms.Attachment(ctx, id)
		if err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (ms *msqlRepo) AppendAudit(ctx context.Context, e AuditEntry) error {
	const query = `INSERT INTO audit_log (created_at, principal, action, record_id, details)
		VALUES (?, ?, ?, ?, ?)`

	when := e.CreatedAt
	if when.IsZero() {
		when = time.Now().UTC().Truncate(time.Second)
	}
	_, err := ms.db.ExecContext(ctx, query, when, e.Principal, e.Action, e.RecordID, e.Details)
	if err != nil {
		// the audit trail should not fail the operation it describes
		raven.CaptureError(err, map[string]string{"action": e.Action})
		log.Printf("Audit: %s", err.Error())
	}
	return err
}

func (ms *msqlRepo) AuditForRecord(ctx context.Context, recordID string) ([]AuditEntry, error) {
	const query = `SELECT id, created_at, principal, action, record_id, details
		FROM audit_log WHERE record_id = ? ORDER BY id`

	rows, err := ms.db.QueryContext(ctx, query, recordID)
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

// database migrations. each one is a go function. Add them to the
// list mysqlMigrations at top of this file for them to be run.

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS records (
		id varchar(32) PRIMARY KEY,
		kind varchar(32),
		status varchar(16),
		version int,
		label varchar(255),
		vendor varchar(255),
		cost double,
		created_at datetime,
		updated_at datetime)`,

		`CREATE TABLE IF NOT EXISTS attachments (
		id varchar(32) PRIMARY KEY,
		record_id varchar(32),
		status varchar(16),
		storage_key varchar(128),
		sha256 varchar(64),
		size bigint,
		content_type varchar(128),
		created_at datetime,
		committed_at datetime,
		orphaned_at datetime,
		INDEX attachments_record (record_id),
		INDEX attachments_status (status))`,

		`CREATE TABLE IF NOT EXISTS audit_log (
		id int PRIMARY KEY AUTO_INCREMENT,
		created_at datetime,
		principal varchar(64),
		action varchar(32),
		record_id varchar(32),
		details text,
		INDEX audit_record (record_id))`,
	}
	return execlist(tx, s)
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around mysql driver not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}

package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"
	"time"
)

// The repository tests run against the QL memory backend. The MySQL backend
// shares the same behavior, but needs an external database to test against.

func newTestRepo(t *testing.T, name string) Repository {
	t.Helper()
	repo, err := NewQlRepo("memory-" + name)
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	return repo
}

func TestRecordCRUD(t *testing.T) {
	repo := newTestRepo(t, "record-crud")
	ctx := context.Background()

	r, err := repo.CreateRecord(ctx, &Record{
		Type:   TypeAsset,
		Label:  "MacBook Pro 16",
		Vendor: "Apple",
		Cost:   2399,
	})
	if err != nil {
		t.Fatalf("CreateRecord: %s", err.Error())
	}
	if r.ID == "" || r.Version != 1 || r.Status != StatusDraft {
		t.Errorf("CreateRecord returned %#v", r)
	}

	back, err := repo.Record(ctx, r.ID)
	if err != nil {
		t.Fatalf("Record: %s", err.Error())
	}
	if back.Label != r.Label || back.Vendor != r.Vendor || back.Cost != r.Cost {
		t.Errorf("Record returned %#v, expected %#v", back, r)
	}

	back.Status = StatusActive
	back.Cost = 2199
	updated, err := repo.UpdateRecord(ctx, back)
	if err != nil {
		t.Fatalf("UpdateRecord: %s", err.Error())
	}
	if updated.Version != 2 || updated.Status != StatusActive || updated.Cost != 2199 {
		t.Errorf("UpdateRecord returned %#v", updated)
	}

	// back still holds version 1, so a second write with it must lose
	back.Label = "changed again"
	_, err = repo.UpdateRecord(ctx, back)
	if err != ErrStaleVersion {
		t.Errorf("UpdateRecord with old version: expected ErrStaleVersion, got %v", err)
	}

	err = repo.DeleteRecord(ctx, r.ID)
	if err != nil {
		t.Fatalf("DeleteRecord: %s", err.Error())
	}
	_, err = repo.Record(ctx, r.ID)
	if err != ErrRecordNotFound {
		t.Errorf("Record after delete: expected ErrRecordNotFound, got %v", err)
	}
	err = repo.DeleteRecord(ctx, r.ID)
	if err != ErrRecordNotFound {
		t.Errorf("DeleteRecord twice: expected ErrRecordNotFound, got %v", err)
	}
}

func TestCreateRecordValidation(t *testing.T) {
	repo := newTestRepo(t, "record-validation")
	ctx := context.Background()

	_, err := repo.CreateRecord(ctx, &Record{Type: "laptop"})
	if err == nil {
		t.Errorf("CreateRecord with bad type: expected error")
	}
	_, err = repo.CreateRecord(ctx, &Record{Type: TypeAsset, Status: "retired"})
	if err == nil {
		t.Errorf("CreateRecord with bad status: expected error")
	}
}

func TestSearchRecords(t *testing.T) {
	repo := newTestRepo(t, "record-search")
	ctx := context.Background()

	var table = []Record{
		{Type: TypeAsset, Status: StatusActive, Label: "ThinkPad X1", Vendor: "Lenovo", Cost: 1500},
		{Type: TypeAsset, Status: StatusDraft, Label: "ThinkPad T14", Vendor: "Lenovo", Cost: 1100},
		{Type: TypePurchaseOrder, Status: StatusActive, Label: "PO 2026-044", Vendor: "Lenovo", Cost: 2600},
		{Type: TypeReceipt, Status: StatusActive, Label: "Receipt 8871", Vendor: "CDW", Cost: 2600},
	}
	for i := range table {
		if _, err := repo.CreateRecord(ctx, &table[i]); err != nil {
			t.Fatalf("CreateRecord: %s", err.Error())
		}
	}

	var searches = []struct {
		query RecordQuery
		count int
	}{
		{RecordQuery{}, 4},
		{RecordQuery{Vendor: "Lenovo"}, 3},
		{RecordQuery{Type: TypeAsset}, 2},
		{RecordQuery{Type: TypeAsset, Status: StatusActive}, 1},
		{RecordQuery{Label: "ThinkPad"}, 2},
		{RecordQuery{Vendor: "Dell"}, 0},
	}
	for _, test := range searches {
		result, err := repo.SearchRecords(ctx, test.query)
		if err != nil {
			t.Fatalf("SearchRecords(%#v): %s", test.query, err.Error())
		}
		if len(result) != test.count {
			t.Errorf("SearchRecords(%#v) returned %d records, expected %d",
				test.query, len(result), test.count)
		}
	}
}

func TestAttachmentLifecycle(t *testing.T) {
	repo := newTestRepo(t, "attachment-lifecycle")
	ctx := context.Background()

	r, err := repo.CreateRecord(ctx, &Record{Type: TypeReceipt, Label: "Receipt 100"})
	if err != nil {
		t.Fatalf("CreateRecord: %s", err.Error())
	}
	a, err := repo.CreatePendingAttachment(ctx, r.ID, "application/pdf")
	if err != nil {
		t.Fatalf("CreatePendingAttachment: %s", err.Error())
	}
	if a.Status != Pending {
		t.Errorf("new attachment status = %s, expected pending", a.Status)
	}
	if a.StorageKey != r.ID+"/"+a.ID {
		t.Errorf("storage key = %s", a.StorageKey)
	}

	// pending rows must not show up in the committed listing
	list, err := repo.CommittedAttachments(ctx, r.ID)
	if err != nil {
		t.Fatalf("CommittedAttachments: %s", err.Error())
	}
	if len(list) != 0 {
		t.Errorf("pending attachment visible in committed listing")
	}

	sum := sha256.Sum256([]byte("receipt body"))
	committed, err := repo.CommitAttachment(ctx, a.ID, a.StorageKey, sum[:], 12)
	if err != nil {
		t.Fatalf("CommitAttachment: %s", err.Error())
	}
	if committed.Status != Committed || committed.Size != 12 || !bytes.Equal(committed.SHA256, sum[:]) {
		t.Errorf("CommitAttachment returned %#v", committed)
	}
	if committed.CommittedAt.IsZero() {
		t.Errorf("CommitAttachment did not set CommittedAt")
	}

	// retrying the identical commit is a no-op
	_, err = repo.CommitAttachment(ctx, a.ID, a.StorageKey, sum[:], 12)
	if err != nil {
		t.Errorf("repeated CommitAttachment: %v", err)
	}
	// committing different content over it is not
	other := sha256.Sum256([]byte("different body"))
	_, err = repo.CommitAttachment(ctx, a.ID, a.StorageKey, other[:], 99)
	if err != ErrAlreadyCommitted {
		t.Errorf("conflicting CommitAttachment: expected ErrAlreadyCommitted, got %v", err)
	}
	// and the key is fixed at creation
	_, err = repo.CommitAttachment(ctx, a.ID, "elsewhere/key", sum[:], 12)
	if err != ErrInvalidTransition {
		t.Errorf("CommitAttachment with wrong key: expected ErrInvalidTransition, got %v", err)
	}

	list, err = repo.CommittedAttachments(ctx, r.ID)
	if err != nil {
		t.Fatalf("CommittedAttachments: %s", err.Error())
	}
	if len(list) != 1 || list[0].ID != a.ID {
		t.Errorf("committed listing = %#v", list)
	}

	// rows cannot be deleted until orphaned
	err = repo.DeleteAttachmentRow(ctx, a.ID)
	if err != ErrInvalidTransition {
		t.Errorf("DeleteAttachmentRow while committed: expected ErrInvalidTransition, got %v", err)
	}

	err = repo.MarkOrphaned(ctx, a.ID)
	if err != nil {
		t.Fatalf("MarkOrphaned: %s", err.Error())
	}
	err = repo.MarkOrphaned(ctx, a.ID)
	if err != nil {
		t.Errorf("repeated MarkOrphaned: %v", err)
	}
	_, err = repo.CommitAttachment(ctx, a.ID, a.StorageKey, sum[:], 12)
	if err != ErrInvalidTransition {
		t.Errorf("CommitAttachment after orphan: expected ErrInvalidTransition, got %v", err)
	}

	err = repo.DeleteAttachmentRow(ctx, a.ID)
	if err != nil {
		t.Fatalf("DeleteAttachmentRow: %s", err.Error())
	}
	_, err = repo.Attachment(ctx, a.ID)
	if err != ErrAttachmentNotFound {
		t.Errorf("Attachment after delete: expected ErrAttachmentNotFound, got %v", err)
	}
}

func TestArchivedRecordRefusesAttachments(t *testing.T) {
	repo := newTestRepo(t, "attachment-archived")
	ctx := context.Background()

	r, err := repo.CreateRecord(ctx, &Record{Type: TypeAsset, Label: "old scanner"})
	if err != nil {
		t.Fatalf("CreateRecord: %s", err.Error())
	}
	r.Status = StatusArchived
	if _, err = repo.UpdateRecord(ctx, r); err != nil {
		t.Fatalf("UpdateRecord: %s", err.Error())
	}
	_, err = repo.CreatePendingAttachment(ctx, r.ID, "image/png")
	if err != ErrRecordLocked {
		t.Errorf("CreatePendingAttachment on archived record: expected ErrRecordLocked, got %v", err)
	}
	_, err = repo.CreatePendingAttachment(ctx, "no-such-record", "image/png")
	if err != ErrRecordNotFound {
		t.Errorf("CreatePendingAttachment on missing record: expected ErrRecordNotFound, got %v", err)
	}
}

func TestDeleteRecordOrphansAttachments(t *testing.T) {
	repo := newTestRepo(t, "delete-orphans")
	ctx := context.Background()

	r, err := repo.CreateRecord(ctx, &Record{Type: TypePurchaseOrder, Label: "PO 77"})
	if err != nil {
		t.Fatalf("CreateRecord: %s", err.Error())
	}
	a1, err := repo.CreatePendingAttachment(ctx, r.ID, "application/pdf")
	if err != nil {
		t.Fatalf("CreatePendingAttachment: %s", err.Error())
	}
	sum := sha256.Sum256([]byte("po scan"))
	if _, err = repo.CommitAttachment(ctx, a1.ID, a1.StorageKey, sum[:], 7); err != nil {
		t.Fatalf("CommitAttachment: %s", err.Error())
	}
	a2, err := repo.CreatePendingAttachment(ctx, r.ID, "image/png")
	if err != nil {
		t.Fatalf("CreatePendingAttachment: %s", err.Error())
	}

	if err = repo.DeleteRecord(ctx, r.ID); err != nil {
		t.Fatalf("DeleteRecord: %s", err.Error())
	}

	cutoff := time.Now().Add(time.Hour)
	orphans, err := repo.ListOrphanedBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListOrphanedBefore: %s", err.Error())
	}
	found := map[string]bool{}
	for _, a := range orphans {
		found[a.ID] = true
		if a.Status != Orphaned {
			t.Errorf("attachment %s status = %s, expected orphaned", a.ID, a.Status)
		}
	}
	if !found[a1.ID] || !found[a2.ID] {
		t.Errorf("expected both attachments orphaned, got %#v", orphans)
	}
}

func TestListPendingBefore(t *testing.T) {
	repo := newTestRepo(t, "list-pending")
	ctx := context.Background()

	r, err := repo.CreateRecord(ctx, &Record{Type: TypeAsset, Label: "dock"})
	if err != nil {
		t.Fatalf("CreateRecord: %s", err.Error())
	}
	a, err := repo.CreatePendingAttachment(ctx, r.ID, "image/png")
	if err != nil {
		t.Fatalf("CreatePendingAttachment: %s", err.Error())
	}

	// a cutoff before the row was created excludes it
	early, err := repo.ListPendingBefore(ctx, a.CreatedAt.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListPendingBefore: %s", err.Error())
	}
	if len(early) != 0 {
		t.Errorf("early cutoff returned %#v", early)
	}

	late, err := repo.ListPendingBefore(ctx, a.CreatedAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("ListPendingBefore: %s", err.Error())
	}
	if len(late) != 1 || late[0].ID != a.ID {
		t.Errorf("late cutoff returned %#v", late)
	}
}

func TestAuditTrail(t *testing.T) {
	repo := newTestRepo(t, "audit")
	ctx := context.Background()

	var entries = []AuditEntry{
		{Principal: "alice", Action: "record.create", RecordID: "r1"},
		{Principal: "bob", Action: "attachment.commit", RecordID: "r1", Details: "att a9"},
		{Principal: "alice", Action: "record.update", RecordID: "r2"},
	}
	for _, e := range entries {
		if err := repo.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %s", err.Error())
		}
	}

	result, err := repo.AuditForRecord(ctx, "r1")
	if err != nil {
		t.Fatalf("AuditForRecord: %s", err.Error())
	}
	if len(result) != 2 {
		t.Fatalf("AuditForRecord returned %d entries, expected 2", len(result))
	}
	if result[0].Action != "record.create" || result[1].Action != "attachment.commit" {
		t.Errorf("audit entries out of order: %#v", result)
	}
	if result[0].CreatedAt.IsZero() {
		t.Errorf("audit entry missing timestamp")
	}
}

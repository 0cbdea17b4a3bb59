package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldline/fieldsync/internal/types"
)

// newTestStore creates a store backed by a temp-dir SQLite file.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustEnqueue(t *testing.T, s *Store, p EnqueueParams) *types.QueueItem {
	t.Helper()
	item, err := s.Enqueue(context.Background(), p)
	if err != nil {
		t.Fatalf("Enqueue(%+v) error = %v", p, err)
	}
	return item
}

func TestEnqueue_RejectsInvalidOperation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Enqueue(context.Background(), EnqueueParams{
		EntityType: "response",
		RecordID:   "r1",
		Operation:  "upsert",
	})
	if err == nil {
		t.Fatal("expected error for invalid operation, got nil")
	}
}

func TestClaimNextBatch_PriorityThenFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 200})
	high := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r2", Operation: types.OpCreate, Priority: 50})
	mid := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r3", Operation: types.OpCreate, Priority: 100})

	batch, err := s.ClaimNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("claimed %d items, want 3", len(batch))
	}

	wantOrder := []string{high.ID, mid.ID, low.ID}
	for i, want := range wantOrder {
		if batch[i].ID != want {
			t.Errorf("batch[%d].ID = %s, want %s", i, batch[i].ID, want)
		}
	}
	for _, item := range batch {
		if item.Status != types.QueueInFlight {
			t.Errorf("claimed item status = %q, want %q", item.Status, types.QueueInFlight)
		}
	}
}

func TestClaimNextBatch_OneInFlightPerRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	create := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 100})
	// Update for the same record, even at a better priority, must wait.
	mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpUpdate, Priority: 10})

	batch, err := s.ClaimNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("claimed %d items, want 1 (one per record)", len(batch))
	}
	if batch[0].ID != create.ID {
		t.Errorf("claimed %s, want the earlier create %s", batch[0].ID, create.ID)
	}

	// A second claim while the create is leased returns nothing for r1.
	second, err := s.ClaimNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("claimed %d items while record leased, want 0", len(second))
	}

	// Completing the create unblocks the update.
	if err := s.MarkCompleted(ctx, create.ID); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	third, err := s.ClaimNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if len(third) != 1 || third[0].Operation != types.OpUpdate {
		t.Fatalf("after completion claim = %+v, want the pending update", third)
	}
}

func TestClaimNextBatch_UpdatePriorityDoesNotReorderRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	slowCreate := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 200})
	fastCreate := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r2", Operation: types.OpCreate, Priority: 50})
	// An urgent update on r1 must not jump its own create, nor drag r1 ahead
	// of r2 on the strength of the update's priority.
	mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpUpdate, Priority: 1})

	batch, err := s.ClaimNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("claimed %d items, want 2 (one per record)", len(batch))
	}
	if batch[0].ID != fastCreate.ID || batch[1].ID != slowCreate.ID {
		t.Errorf("claim order = [%s %s], want [%s %s]",
			batch[0].ID, batch[1].ID, fastCreate.ID, slowCreate.ID)
	}
}

func TestClaimNextBatch_BackoffOnOldestHoldsRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	create := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 100})
	mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpUpdate, Priority: 100})

	// Claim the create and requeue it with backoff, as the dispatcher does
	// after a transport failure.
	batch, err := s.ClaimNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if len(batch) != 1 || batch[0].ID != create.ID {
		t.Fatalf("claim = %+v, want the create", batch)
	}
	if err := s.MarkRetry(ctx, create.ID, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("MarkRetry() error = %v", err)
	}

	// The update must wait for the create's backoff to elapse, not slip past.
	second, err := s.ClaimNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("claimed %d items while create backs off, want 0", len(second))
	}
}

func TestClaimNextBatch_RespectsBackoffWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 100})

	batch, err := s.ClaimNextBatch(ctx, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("ClaimNextBatch() = %v, %v", batch, err)
	}
	if err := s.MarkRetry(ctx, item.ID, time.Now().Add(1*time.Hour)); err != nil {
		t.Fatalf("MarkRetry() error = %v", err)
	}

	// Still inside the backoff window: not claimable.
	batch, err = s.ClaimNextBatch(ctx, 1)
	if err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("claimed %d items inside backoff window, want 0", len(batch))
	}

	// Shrink the window to the past and it becomes claimable again.
	if _, err := s.db.Exec(`UPDATE sync_queue SET backoff_until = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Second).Format(time.RFC3339Nano), item.ID); err != nil {
		t.Fatalf("rewind backoff: %v", err)
	}
	batch, err = s.ClaimNextBatch(ctx, 1)
	if err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("claimed %d items after backoff elapsed, want 1", len(batch))
	}
	if batch[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 after one retry", batch[0].Attempts)
	}
}

func TestMarkRetry_IncrementsAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 100})

	if _, err := s.ClaimNextBatch(ctx, 1); err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if err := s.MarkRetry(ctx, item.ID, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("MarkRetry() error = %v", err)
	}

	got, err := s.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() error = %v", err)
	}
	if got.Status != types.QueuePending {
		t.Errorf("Status = %q, want %q", got.Status, types.QueuePending)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.BackoffUntil == nil {
		t.Error("BackoffUntil = nil, want set")
	}
	if got.LastAttemptAt == nil {
		t.Error("LastAttemptAt = nil, want set")
	}
}

func TestMarkFailed_IsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 100})

	if _, err := s.ClaimNextBatch(ctx, 1); err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if err := s.MarkFailed(ctx, item.ID); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	got, err := s.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() error = %v", err)
	}
	if got.Status != types.QueueFailed {
		t.Errorf("Status = %q, want %q", got.Status, types.QueueFailed)
	}
	if !got.Status.Terminal() {
		t.Error("failed status should be terminal")
	}

	// Terminal items are never claimed again.
	batch, err := s.ClaimNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("claimed %d items after terminal failure, want 0", len(batch))
	}
}

func TestMarkCompleted_UnknownItem(t *testing.T) {
	s := newTestStore(t)

	err := s.MarkCompleted(context.Background(), "01JABCDEF0000000000000NOPE")
	if !errors.Is(err, ErrQueueNotFound) {
		t.Errorf("MarkCompleted(unknown) error = %v, want ErrQueueNotFound", err)
	}
}

func TestRelease_ReturnsItemWithoutAttemptPenalty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 100})

	if _, err := s.ClaimNextBatch(ctx, 1); err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if s.InFlightCount() != 1 {
		t.Fatalf("InFlightCount() = %d, want 1", s.InFlightCount())
	}

	s.Release(item.ID)

	if s.InFlightCount() != 0 {
		t.Fatalf("InFlightCount() = %d after release, want 0", s.InFlightCount())
	}
	got, err := s.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() error = %v", err)
	}
	if got.Status != types.QueuePending {
		t.Errorf("Status = %q, want %q", got.Status, types.QueuePending)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 (release carries no penalty)", got.Attempts)
	}

	// Released item is immediately claimable again.
	batch, err := s.ClaimNextBatch(ctx, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("ClaimNextBatch() after release = %v, %v; want the released item", batch, err)
	}
}

func TestGetQueueItem_ReportsInFlightLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 100})

	if _, err := s.ClaimNextBatch(ctx, 1); err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}

	got, err := s.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() error = %v", err)
	}
	if got.Status != types.QueueInFlight {
		t.Errorf("Status = %q, want %q while leased", got.Status, types.QueueInFlight)
	}
}

func TestRestart_RecoversInFlightAsPending(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "fieldsync.db")
	ctx := context.Background()

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	item := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 100})
	if _, err := s.ClaimNextBatch(ctx, 1); err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	// Simulate a crash: close without completing or releasing.
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() error = %v", err)
	}
	if got.Status != types.QueuePending {
		t.Errorf("Status after restart = %q, want %q", got.Status, types.QueuePending)
	}

	batch, err := reopened.ClaimNextBatch(ctx, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("ClaimNextBatch() after restart = %v, %v; want the recovered item", batch, err)
	}
}

func TestQueueStats_CountsAndOldestAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 100})
	mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r2", Operation: types.OpCreate, Priority: 100})
	done := mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r3", Operation: types.OpCreate, Priority: 100})

	if _, err := s.ClaimNextBatch(ctx, 10); err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if err := s.MarkCompleted(ctx, done.ID); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if err := s.MarkFailed(ctx, first.ID); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	s.Release(remainingLeaseID(t, s))

	stats, err := s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats() error = %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", stats.Completed)
	}
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if stats.OldestPendingAge == nil {
		t.Error("OldestPendingAge = nil, want set while pending items exist")
	} else if *stats.OldestPendingAge < 0 {
		t.Errorf("OldestPendingAge = %v, want non-negative", *stats.OldestPendingAge)
	}
}

// remainingLeaseID returns the single remaining leased item ID.
func remainingLeaseID(t *testing.T, s *Store) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.leaseBy) != 1 {
		t.Fatalf("leaseBy holds %d items, want 1", len(s.leaseBy))
	}
	for id := range s.leaseBy {
		return id
	}
	return ""
}

func TestPendingCreateTx_FindsUnleasedCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := mustEnqueue(t, s, EnqueueParams{
		EntityType: "response", RecordID: "r1", Operation: types.OpCreate,
		Payload: json.RawMessage(`{"name":"X"}`), Priority: 100,
	})

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		found, err := s.PendingCreateTx(ctx, tx, "response", "r1")
		if err != nil {
			return err
		}
		if found == nil || found.ID != item.ID {
			t.Errorf("PendingCreateTx() = %+v, want item %s", found, item.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
}

func TestPendingCreateTx_NilWhileLeased(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 100})
	if _, err := s.ClaimNextBatch(ctx, 1); err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		found, err := s.PendingCreateTx(ctx, tx, "response", "r1")
		if err != nil {
			return err
		}
		if found != nil {
			t.Errorf("PendingCreateTx() = %+v, want nil while the create is leased", found)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
}

func TestUpdatePayloadTx_ReplacesPendingPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := mustEnqueue(t, s, EnqueueParams{
		EntityType: "response", RecordID: "r1", Operation: types.OpCreate,
		Payload: json.RawMessage(`{"name":"X"}`), Priority: 100,
	})

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpdatePayloadTx(ctx, tx, item.ID, json.RawMessage(`{"name":"Y"}`))
	})
	if err != nil {
		t.Fatalf("UpdatePayloadTx() error = %v", err)
	}

	got, err := s.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() error = %v", err)
	}
	if string(got.Payload) != `{"name":"Y"}` {
		t.Errorf("Payload = %s, want replaced payload", got.Payload)
	}
}

func TestDeletePendingForRecordTx_RefusesLeasedRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 100})
	if _, err := s.ClaimNextBatch(ctx, 1); err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.DeletePendingForRecordTx(ctx, tx, "response", "r1")
		return err
	})
	if !errors.Is(err, ErrItemInFlight) {
		t.Errorf("DeletePendingForRecordTx(leased) error = %v, want ErrItemInFlight", err)
	}
}

func TestDeletePendingForRecordTx_RemovesPendingItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r1", Operation: types.OpCreate, Priority: 100})
	mustEnqueue(t, s, EnqueueParams{EntityType: "response", RecordID: "r2", Operation: types.OpCreate, Priority: 100})

	var removed int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = s.DeletePendingForRecordTx(ctx, tx, "response", "r1")
		return err
	})
	if err != nil {
		t.Fatalf("DeletePendingForRecordTx() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	stats, err := s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats() error = %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("Pending = %d after delete, want 1", stats.Pending)
	}
}

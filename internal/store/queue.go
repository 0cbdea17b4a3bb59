package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldline/fieldsync/internal/types"
	"github.com/oklog/ulid/v2"
)

const queueColumns = `id, entity_type, record_id, operation, payload, priority,
	status, attempts, created_at, last_attempt_at, backoff_until`

// EnqueueParams describes one intended mutation to append to the queue.
type EnqueueParams struct {
	EntityType string
	RecordID   string
	Operation  types.Operation
	Payload    json.RawMessage // nil for deletes
	Priority   int
}

// Enqueue appends a queue item in its own transaction. Callers that must
// honor the write-ahead invariant use EnqueueTx inside the same transaction
// as the entity write.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (*types.QueueItem, error) {
	var item *types.QueueItem
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		item, err = s.EnqueueTx(ctx, tx, p)
		return err
	})
	return item, err
}

// EnqueueTx appends a queue item within an existing transaction.
func (s *Store) EnqueueTx(ctx context.Context, tx *sql.Tx, p EnqueueParams) (*types.QueueItem, error) {
	if !p.Operation.Valid() {
		return nil, fmt.Errorf("invalid operation %q", p.Operation)
	}

	now := time.Now().UTC()
	item := &types.QueueItem{
		ID:         ulid.Make().String(),
		EntityType: p.EntityType,
		RecordID:   p.RecordID,
		Operation:  p.Operation,
		Payload:    p.Payload,
		Priority:   p.Priority,
		Status:     types.QueuePending,
		CreatedAt:  now,
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (id, entity_type, record_id, operation, payload, priority, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?)
	`, item.ID, item.EntityType, item.RecordID, string(item.Operation),
		nullablePayload(item.Payload), item.Priority, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	return item, nil
}

// ClaimNextBatch atomically transitions up to maxItems pending items to
// InFlight. Within a record, creation order is absolute: only the FIFO-oldest
// pending item per (entityType, recordID) is a claim candidate, so a
// same-record update can never overtake its create regardless of priority.
// Priority orders candidates across records. Records that are already leased,
// or whose oldest item is still inside its backoff window, are skipped.
func (s *Store) ClaimNextBatch(ctx context.Context, maxItems int) ([]types.QueueItem, error) {
	if maxItems <= 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue
		WHERE status = 'pending'
		  AND (backoff_until IS NULL OR backoff_until <= ?)
		  AND id = (
			SELECT q2.id FROM sync_queue q2
			WHERE q2.entity_type = sync_queue.entity_type
			  AND q2.record_id = sync_queue.record_id
			  AND q2.status = 'pending'
			ORDER BY q2.created_at ASC, q2.id ASC
			LIMIT 1
		  )
		ORDER BY priority ASC, created_at ASC, id ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query pending queue items: %w", err)
	}
	defer rows.Close()

	var batch []types.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}

		if !s.acquire(item.LeaseKey(), item.ID) {
			continue
		}

		item.Status = types.QueueInFlight
		batch = append(batch, *item)
		if len(batch) >= maxItems {
			break
		}
	}
	if err := rows.Err(); err != nil {
		// Roll back leases taken during the failed scan.
		for _, item := range batch {
			s.release(item.ID)
		}
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}

	return batch, nil
}

// MarkCompleted transitions an item to its terminal completed state and
// releases its lease.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	defer s.release(id)

	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'completed', last_attempt_at = ?
		WHERE id = ? AND status = 'pending'
	`, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return requireRow(result)
}

// MarkRetry returns an item to pending with an incremented attempt count.
// The item will not be claimed again before backoffUntil.
func (s *Store) MarkRetry(ctx context.Context, id string, backoffUntil time.Time) error {
	defer s.release(id)

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET attempts = attempts + 1, last_attempt_at = ?, backoff_until = ?
		WHERE id = ? AND status = 'pending'
	`, now.Format(time.RFC3339Nano), backoffUntil.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return requireRow(result)
}

// MarkFailed transitions an item to its terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	defer s.release(id)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'failed', attempts = attempts + 1, last_attempt_at = ?
		WHERE id = ? AND status = 'pending'
	`, now, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return requireRow(result)
}

// GetQueueItem retrieves a queue item by ID.
func (s *Store) GetQueueItem(ctx context.Context, id string) (*types.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue WHERE id = ?
	`, id)

	item, err := scanQueueItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrQueueNotFound
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}

	s.mu.Lock()
	if _, held := s.leaseBy[item.ID]; held {
		item.Status = types.QueueInFlight
	}
	s.mu.Unlock()
	return item, nil
}

// ListQueueItems returns queue items filtered by status, newest first.
// An empty status returns all items.
func (s *Store) ListQueueItems(ctx context.Context, status types.QueueStatus, limit int) ([]types.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer rows.Close()

	items := make([]types.QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// QueueStats returns per-status counts and the age of the oldest pending item.
func (s *Store) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	stats := &types.QueueStats{AsOf: time.Now().UTC()}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch types.QueueStatus(status) {
		case types.QueuePending:
			stats.Pending = count
		case types.QueueCompleted:
			stats.Completed = count
		case types.QueueFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue stats: %w", err)
	}

	var oldest sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM sync_queue WHERE status = 'pending'`).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("query oldest pending: %w", err)
	}
	if oldest.Valid {
		if t, err := time.Parse(time.RFC3339Nano, oldest.String); err == nil {
			age := stats.AsOf.Sub(t).Seconds()
			stats.OldestPendingAge = &age
		}
	}

	return stats, nil
}

// PendingCreateTx returns the pending, unleased Create item for the record,
// or nil when none exists. Used for offline coalescing.
func (s *Store) PendingCreateTx(ctx context.Context, tx *sql.Tx, entityType, recordID string) (*types.QueueItem, error) {
	if s.leased(entityType + "/" + recordID) {
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue
		WHERE entity_type = ? AND record_id = ? AND operation = 'create' AND status = 'pending'
	`, entityType, recordID)

	item, err := scanQueueItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan pending create: %w", err)
	}
	return item, nil
}

// UpdatePayloadTx replaces the payload of a pending queue item.
func (s *Store) UpdatePayloadTx(ctx context.Context, tx *sql.Tx, id string, payload json.RawMessage) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE sync_queue SET payload = ? WHERE id = ? AND status = 'pending'
	`, nullablePayload(payload), id)
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	return requireRow(result)
}

// DeletePendingForRecordTx removes all pending items for a record. The caller
// must have verified the record is not leased; leased items are never removed.
func (s *Store) DeletePendingForRecordTx(ctx context.Context, tx *sql.Tx, entityType, recordID string) (int64, error) {
	if s.leased(entityType + "/" + recordID) {
		return 0, ErrItemInFlight
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE entity_type = ? AND record_id = ? AND status = 'pending'
	`, entityType, recordID)
	if err != nil {
		return 0, fmt.Errorf("delete pending items: %w", err)
	}
	return result.RowsAffected()
}

// scanQueueItem scans a row into a QueueItem, parsing timestamps and payload.
func scanQueueItem(scanner interface{ Scan(...any) error }) (*types.QueueItem, error) {
	var item types.QueueItem
	var operation, createdAt string
	var payload, lastAttemptAt, backoffUntil sql.NullString

	err := scanner.Scan(
		&item.ID,
		&item.EntityType,
		&item.RecordID,
		&operation,
		&payload,
		&item.Priority,
		&item.Status,
		&item.Attempts,
		&createdAt,
		&lastAttemptAt,
		&backoffUntil,
	)
	if err != nil {
		return nil, err
	}

	item.Operation = types.Operation(operation)
	if payload.Valid {
		item.Payload = json.RawMessage(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		item.CreatedAt = t
	}
	if lastAttemptAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastAttemptAt.String); err == nil {
			item.LastAttemptAt = &t
		}
	}
	if backoffUntil.Valid {
		if t, err := time.Parse(time.RFC3339Nano, backoffUntil.String); err == nil {
			item.BackoffUntil = &t
		}
	}

	return &item, nil
}

func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrQueueNotFound
	}
	return nil
}

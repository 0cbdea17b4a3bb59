package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldline/fieldsync/internal/types"
)

const recordColumns = `local_id, entity_type, remote_id, fields, sync_status, created_at, updated_at`

// GetRecord retrieves an entity record by (entityType, localID).
func (s *Store) GetRecord(ctx context.Context, entityType, localID string) (*types.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND local_id = ?
	`, entityType, localID)

	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// GetRecordTx retrieves an entity record within an existing transaction.
func (s *Store) GetRecordTx(ctx context.Context, tx *sql.Tx, entityType, localID string) (*types.Record, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND local_id = ?
	`, entityType, localID)

	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// PutRecord upserts an entity record in its own transaction.
func (s *Store) PutRecord(ctx context.Context, rec *types.Record) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.PutRecordTx(ctx, tx, rec)
	})
}

// PutRecordTx upserts an entity record within an existing transaction.
// CreatedAt is preserved for existing rows; UpdatedAt is stamped here.
func (s *Store) PutRecordTx(ctx context.Context, tx *sql.Tx, rec *types.Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (local_id, entity_type, remote_id, fields, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, local_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			fields = excluded.fields,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at
	`, rec.LocalID, rec.EntityType, nullableString(rec.RemoteID), string(rec.Fields),
		string(rec.SyncStatus), rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// DeleteRecord removes an entity record in its own transaction.
func (s *Store) DeleteRecord(ctx context.Context, entityType, localID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.DeleteRecordTx(ctx, tx, entityType, localID)
	})
}

// DeleteRecordTx removes an entity record within an existing transaction.
func (s *Store) DeleteRecordTx(ctx context.Context, tx *sql.Tx, entityType, localID string) error {
	result, err := tx.ExecContext(ctx, `
		DELETE FROM records WHERE entity_type = ? AND local_id = ?
	`, entityType, localID)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSyncStatus updates only the sync status of a record.
func (s *Store) SetSyncStatus(ctx context.Context, entityType, localID string, status types.SyncStatus) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetSyncStatusTx(ctx, tx, entityType, localID, status)
	})
}

// SetSyncStatusTx updates the sync status within an existing transaction.
func (s *Store) SetSyncStatusTx(ctx context.Context, tx *sql.Tx, entityType, localID string, status types.SyncStatus) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE records SET sync_status = ?, updated_at = ?
		WHERE entity_type = ? AND local_id = ?
	`, string(status), time.Now().UTC().Format(time.RFC3339Nano), entityType, localID)
	if err != nil {
		return fmt.Errorf("set sync status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyRemoteSnapshot overwrites a record's domain fields with the confirmed
// remote state, sets the remote ID, and marks the record synced. Applying the
// same snapshot twice yields the same row.
func (s *Store) ApplyRemoteSnapshot(ctx context.Context, entityType, localID string, remote types.RemoteRecord) error {
	updatedAt := remote.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE records
		SET remote_id = ?, fields = ?, sync_status = 'synced', updated_at = ?
		WHERE entity_type = ? AND local_id = ?
	`, remote.RemoteID, string(remote.Fields), updatedAt.UTC().Format(time.RFC3339Nano),
		entityType, localID)
	if err != nil {
		return fmt.Errorf("apply remote snapshot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecordsByStatus returns records with the given sync status.
func (s *Store) ListRecordsByStatus(ctx context.Context, entityType string, status types.SyncStatus) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE entity_type = ? AND sync_status = ?
		ORDER BY created_at ASC
	`, entityType, string(status))
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := make([]types.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// scanRecord scans a row into a Record, parsing timestamps and fields.
func scanRecord(scanner interface{ Scan(...any) error }) (*types.Record, error) {
	var rec types.Record
	var remoteID sql.NullString
	var fields, createdAt, updatedAt string

	err := scanner.Scan(
		&rec.LocalID,
		&rec.EntityType,
		&remoteID,
		&fields,
		&rec.SyncStatus,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if remoteID.Valid {
		rec.RemoteID = remoteID.String
	}
	rec.Fields = json.RawMessage(fields)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}

	return &rec, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

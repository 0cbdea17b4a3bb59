// Package capture is the write-ahead seam used by UI-facing collaborators.
// Every local entity change commits together with its queue item in one
// transaction, so a pending queue item always has a durable entity change
// behind it.
package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fieldline/fieldsync/internal/store"
	"github.com/fieldline/fieldsync/internal/types"
	"github.com/oklog/ulid/v2"
)

// DefaultPriority is the queue priority assigned when the caller passes 0.
// Lower dispatches first.
const DefaultPriority = 100

// Service coordinates entity writes with queue appends.
type Service struct {
	store *store.Store
}

// NewService creates a capture service over the device store.
func NewService(s *store.Store) *Service {
	return &Service{store: s}
}

// Create stores a new local record and queues its remote create atomically.
func (s *Service) Create(ctx context.Context, entityType string, fields json.RawMessage, priority int) (*types.Record, error) {
	if priority == 0 {
		priority = DefaultPriority
	}

	rec := &types.Record{
		LocalID:    ulid.Make().String(),
		EntityType: entityType,
		Fields:     fields,
		SyncStatus: types.SyncPending,
	}

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.PutRecordTx(ctx, tx, rec); err != nil {
			return err
		}
		_, err := s.store.EnqueueTx(ctx, tx, store.EnqueueParams{
			EntityType: entityType,
			RecordID:   rec.LocalID,
			Operation:  types.OpCreate,
			Payload:    fields,
			Priority:   priority,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("capture create: %w", err)
	}

	return rec, nil
}

// Update stores changed fields and queues the remote update atomically.
// When the record's Create is still queued and not in flight, the pending
// create's payload is refreshed instead of enqueuing a second item, so an
// offline edit burst collapses into one remote call.
func (s *Service) Update(ctx context.Context, entityType, localID string, fields json.RawMessage, priority int) (*types.Record, error) {
	if priority == 0 {
		priority = DefaultPriority
	}

	var rec *types.Record
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = s.store.GetRecordTx(ctx, tx, entityType, localID)
		if err != nil {
			return err
		}

		rec.Fields = fields
		rec.SyncStatus = types.SyncPending
		if err := s.store.PutRecordTx(ctx, tx, rec); err != nil {
			return err
		}

		pendingCreate, err := s.store.PendingCreateTx(ctx, tx, entityType, localID)
		if err != nil {
			return err
		}
		if pendingCreate != nil {
			return s.store.UpdatePayloadTx(ctx, tx, pendingCreate.ID, fields)
		}

		_, err = s.store.EnqueueTx(ctx, tx, store.EnqueueParams{
			EntityType: entityType,
			RecordID:   localID,
			Operation:  types.OpUpdate,
			Payload:    fields,
			Priority:   priority,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("capture update: %w", err)
	}

	return rec, nil
}

// Delete marks a record for deletion and queues the remote delete atomically.
// The record stays visible as pending_delete until its queue item completes.
//
// A record created and deleted while offline collapses to a no-op: the
// pending create (and any coalesced edits) are dropped and the record row is
// removed, with nothing enqueued.
func (s *Service) Delete(ctx context.Context, entityType, localID string, priority int) error {
	if priority == 0 {
		priority = DefaultPriority
	}

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.store.GetRecordTx(ctx, tx, entityType, localID); err != nil {
			return err
		}

		pendingCreate, err := s.store.PendingCreateTx(ctx, tx, entityType, localID)
		if err != nil {
			return err
		}
		if pendingCreate != nil {
			dropped, err := s.store.DeletePendingForRecordTx(ctx, tx, entityType, localID)
			if err != nil {
				return err
			}
			slog.Debug("collapsed offline create/delete",
				"component", "capture",
				"entity_type", entityType,
				"record_id", localID,
				"items_dropped", dropped,
			)
			return s.store.DeleteRecordTx(ctx, tx, entityType, localID)
		}

		if err := s.store.SetSyncStatusTx(ctx, tx, entityType, localID, types.SyncPendingDelete); err != nil {
			return err
		}
		_, err = s.store.EnqueueTx(ctx, tx, store.EnqueueParams{
			EntityType: entityType,
			RecordID:   localID,
			Operation:  types.OpDelete,
			Priority:   priority,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("capture delete: %w", err)
	}
	return nil
}

// Get returns a record for display. Records pending deletion are excluded
// from normal reads.
func (s *Service) Get(ctx context.Context, entityType, localID string) (*types.Record, error) {
	rec, err := s.store.GetRecord(ctx, entityType, localID)
	if err != nil {
		return nil, err
	}
	if rec.SyncStatus == types.SyncPendingDelete {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

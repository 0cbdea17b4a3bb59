// Package dispatch drains the durable mutation queue against the Remote API.
// A run claims bounded batches, replays each item sequentially, routes
// divergent responses through the conflict resolver, and records terminal or
// retry state per item. Store transactions stay short and are never held
// across a network call.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/fieldline/fieldsync/internal/remote"
	"github.com/fieldline/fieldsync/internal/resolve"
	"github.com/fieldline/fieldsync/internal/store"
	"github.com/fieldline/fieldsync/internal/types"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// ErrAuthRequired indicates the run was paused because credentials are
// invalid or expired. Remaining items stay pending without attempt penalty.
var ErrAuthRequired = errors.New("sync paused: re-authentication required")

// QueueStore is the queue contract the dispatcher needs.
type QueueStore interface {
	ClaimNextBatch(ctx context.Context, maxItems int) ([]types.QueueItem, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, backoffUntil time.Time) error
	MarkFailed(ctx context.Context, id string) error
	Release(id string)
}

// Repository is the entity repository contract the dispatcher needs.
type Repository interface {
	GetRecord(ctx context.Context, entityType, localID string) (*types.Record, error)
	ApplyRemoteSnapshot(ctx context.Context, entityType, localID string, remote types.RemoteRecord) error
	SetSyncStatus(ctx context.Context, entityType, localID string, status types.SyncStatus) error
	DeleteRecord(ctx context.Context, entityType, localID string) error
}

// RemoteAPI is the network peer contract the dispatcher needs.
type RemoteAPI interface {
	Connected() bool
	Create(ctx context.Context, entityType, localID, idempotencyKey string, payload json.RawMessage) (*types.RemoteRecord, error)
	Update(ctx context.Context, entityType, remoteID, idempotencyKey string, payload json.RawMessage) (*types.RemoteRecord, error)
	Delete(ctx context.Context, entityType, remoteID, idempotencyKey string) error
}

// Config bounds a dispatch run.
type Config struct {
	BatchSize   int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	CallTimeout time.Duration
}

// Stats summarizes one dispatch run.
type Stats struct {
	RunID     string        `json:"run_id"`
	Claimed   int           `json:"claimed"`
	Completed int           `json:"completed"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"-"`
}

// Dispatcher replays queued mutations against the Remote API.
type Dispatcher struct {
	queue  QueueStore
	repo   Repository
	remote RemoteAPI
	policy types.Policy
	cfg    Config
}

// New creates a Dispatcher. The policy comes from configuration; the core
// never hardcodes a resolution strategy.
func New(queue QueueStore, repo Repository, remoteAPI RemoteAPI, policy types.Policy, cfg Config) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	return &Dispatcher{
		queue:  queue,
		repo:   repo,
		remote: remoteAPI,
		policy: policy,
		cfg:    cfg,
	}
}

// Drain processes pending queue items until the queue is empty, the context
// is cancelled, or authentication fails. Cancellation finishes the current
// item's state transition before the run stops claiming.
func (d *Dispatcher) Drain(ctx context.Context) (Stats, error) {
	stats := Stats{RunID: uuid.NewString()}
	start := time.Now()
	defer func() { stats.Duration = time.Since(start) }()

	if !d.remote.Connected() {
		slog.Debug("dispatch skipped",
			"component", "dispatch",
			"run_id", stats.RunID,
			"reason", "offline",
		)
		return stats, remote.ErrOffline
	}

	for {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		batch, err := d.queue.ClaimNextBatch(ctx, d.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("claim batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		stats.Claimed += len(batch)

		for i, item := range batch {
			if err := d.processItem(ctx, &stats, item); err != nil {
				// Auth failure pauses the whole run: release the current and
				// remaining claims untouched so the next run retries them.
				for _, rest := range batch[i:] {
					d.queue.Release(rest.ID)
				}
				return stats, err
			}

			if ctx.Err() != nil {
				for _, rest := range batch[i+1:] {
					d.queue.Release(rest.ID)
				}
				return stats, ctx.Err()
			}
		}
	}

	slog.Info("dispatch run completed",
		"component", "dispatch",
		"run_id", stats.RunID,
		"claimed", stats.Claimed,
		"completed", stats.Completed,
		"retried", stats.Retried,
		"failed", stats.Failed,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	return stats, nil
}

// processItem dispatches one queue item and records its outcome. A non-nil
// return pauses the run; per-item failures are absorbed into stats so one
// item never blocks independent items in the same batch.
func (d *Dispatcher) processItem(ctx context.Context, stats *Stats, item types.QueueItem) error {
	// Pre-dispatch local snapshot: the resolver input must reflect the state
	// the payload was built from, re-read inside this run.
	rec, err := d.repo.GetRecord(ctx, item.EntityType, item.RecordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("queue item references missing record",
				"component", "dispatch",
				"item_id", item.ID,
				"entity_type", item.EntityType,
				"record_id", item.RecordID,
			)
			return d.failItem(ctx, stats, item)
		}
		d.queue.Release(item.ID)
		return fmt.Errorf("read record for item %s: %w", item.ID, err)
	}

	remoteRec, callErr := d.callRemote(ctx, item, rec)
	if callErr != nil {
		return d.handleDispatchError(ctx, stats, item, callErr)
	}

	return d.applySuccess(ctx, stats, item, rec, remoteRec)
}

// callRemote performs the network call for the item's operation.
// Returns a nil record for deletes.
func (d *Dispatcher) callRemote(ctx context.Context, item types.QueueItem, rec *types.Record) (*types.RemoteRecord, error) {
	callCtx := ctx
	if d.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
	}

	switch item.Operation {
	case types.OpCreate:
		return d.remote.Create(callCtx, item.EntityType, rec.LocalID, item.ID, item.Payload)
	case types.OpUpdate:
		if rec.RemoteID == "" {
			// The record's create has not succeeded yet; its item is ahead of
			// this one in queue order, so retry once it lands.
			return nil, fmt.Errorf("update before create confirmed: %w", remote.ErrDependencyNotReady)
		}
		return d.remote.Update(callCtx, item.EntityType, rec.RemoteID, item.ID, item.Payload)
	case types.OpDelete:
		if rec.RemoteID == "" {
			// Never created remotely; deleting locally is sufficient.
			return nil, nil
		}
		return nil, d.remote.Delete(callCtx, item.EntityType, rec.RemoteID, item.ID)
	default:
		return nil, &remote.ValidationError{Detail: fmt.Sprintf("unknown operation %q", item.Operation)}
	}
}

// handleDispatchError maps the error taxonomy onto queue item transitions.
func (d *Dispatcher) handleDispatchError(ctx context.Context, stats *Stats, item types.QueueItem, callErr error) error {
	var authErr *remote.AuthError
	if errors.As(callErr, &authErr) {
		// Pause the run, not just the item. The claim is released without an
		// attempt penalty; re-authentication is the collaborator's job.
		d.queue.Release(item.ID)
		slog.Warn("dispatch paused on auth failure",
			"component", "dispatch",
			"item_id", item.ID,
			"error", callErr,
		)
		return fmt.Errorf("%w: %s", ErrAuthRequired, authErr.Detail)
	}

	if remote.IsRetryable(callErr) {
		attempts := item.Attempts + 1
		if attempts >= d.cfg.MaxAttempts {
			slog.Warn("queue item failed after max attempts",
				"component", "dispatch",
				"item_id", item.ID,
				"entity_type", item.EntityType,
				"record_id", item.RecordID,
				"attempts", attempts,
				"error", callErr,
			)
			return d.failItem(ctx, stats, item)
		}

		backoffUntil := time.Now().UTC().Add(d.backoffFor(item.Attempts))
		if err := d.queue.MarkRetry(ctx, item.ID, backoffUntil); err != nil {
			return fmt.Errorf("mark retry for item %s: %w", item.ID, err)
		}
		stats.Retried++
		slog.Debug("queue item requeued",
			"component", "dispatch",
			"item_id", item.ID,
			"attempts", attempts,
			"backoff_until", backoffUntil,
			"error", callErr,
		)
		return nil
	}

	// Validation and other permanent rejections fail fast.
	slog.Warn("queue item rejected by server",
		"component", "dispatch",
		"item_id", item.ID,
		"entity_type", item.EntityType,
		"record_id", item.RecordID,
		"error", callErr,
	)
	return d.failItem(ctx, stats, item)
}

// failItem records a terminal failure: the item fails and the entity surfaces
// the failure to the user via its sync status.
func (d *Dispatcher) failItem(ctx context.Context, stats *Stats, item types.QueueItem) error {
	if err := d.queue.MarkFailed(ctx, item.ID); err != nil {
		return fmt.Errorf("mark failed for item %s: %w", item.ID, err)
	}
	if err := d.repo.SetSyncStatus(ctx, item.EntityType, item.RecordID, types.SyncFailed); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		slog.Error("failed to surface sync failure on record",
			"component", "dispatch",
			"item_id", item.ID,
			"record_id", item.RecordID,
			"error", err,
		)
	}
	stats.Failed++
	return nil
}

// applySuccess writes the confirmed remote state back to the repository,
// resolving conflicts when the server's record diverges from what was sent.
func (d *Dispatcher) applySuccess(ctx context.Context, stats *Stats, item types.QueueItem, rec *types.Record, remoteRec *types.RemoteRecord) error {
	if item.Operation == types.OpDelete {
		if err := d.repo.DeleteRecord(ctx, item.EntityType, item.RecordID); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			d.queue.Release(item.ID)
			return fmt.Errorf("purge deleted record %s: %w", item.RecordID, err)
		}
		if err := d.queue.MarkCompleted(ctx, item.ID); err != nil {
			return fmt.Errorf("mark completed for item %s: %w", item.ID, err)
		}
		stats.Completed++
		return nil
	}

	snapshot := *remoteRec
	if !jsonEqual(item.Payload, remoteRec.Fields) {
		// Server-side defaulting or a concurrent edit by another actor.
		merged, outcome, err := resolve.Resolve(*rec, remoteRec, d.policy)
		if err != nil {
			d.queue.Release(item.ID)
			return fmt.Errorf("resolve conflict for item %s: %w", item.ID, err)
		}
		snapshot.Fields = merged.Fields
		slog.Info("conflict resolved",
			"component", "dispatch",
			"item_id", item.ID,
			"entity_type", item.EntityType,
			"record_id", item.RecordID,
			"decision", outcome.Decision,
			"fields_from_source", outcome.FromSource,
			"fields_from_target", outcome.FromTarget,
		)
	}

	if err := d.repo.ApplyRemoteSnapshot(ctx, item.EntityType, item.RecordID, snapshot); err != nil {
		d.queue.Release(item.ID)
		return fmt.Errorf("apply remote snapshot for item %s: %w", item.ID, err)
	}
	if err := d.queue.MarkCompleted(ctx, item.ID); err != nil {
		return fmt.Errorf("mark completed for item %s: %w", item.ID, err)
	}
	stats.Completed++
	return nil
}

// backoffFor returns the delay before the next claim of an item that has
// already been attempted `attempts` times: base * 2^attempts with jitter,
// capped.
func (d *Dispatcher) backoffFor(attempts int) time.Duration {
	b := retry.NewExponential(d.cfg.BackoffBase)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(d.cfg.BackoffCap, b)

	var delay time.Duration
	for i := 0; i <= attempts; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

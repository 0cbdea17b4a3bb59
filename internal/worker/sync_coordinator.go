package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldline/fieldsync/internal/dispatch"
	"github.com/fieldline/fieldsync/internal/remote"
)

// Drainer runs one dispatch pass over the mutation queue.
// Implemented by dispatch.Dispatcher.
type Drainer interface {
	Drain(ctx context.Context) (dispatch.Stats, error)
}

// SyncCoordinator schedules periodic dispatch runs and exposes an idempotent
// manual trigger. At most one drain is active at a time: the run flag is the
// only state this component owns, and a trigger during an active run is
// reported as skipped rather than queued, since the next tick picks up
// remaining work.
type SyncCoordinator struct {
	dispatcher Drainer
	interval   time.Duration

	running atomic.Bool
	wake    chan struct{}

	mu         sync.Mutex
	lastSyncAt *time.Time
	lastError  string
}

// NewSyncCoordinator creates a coordinator that drains the queue every
// interval and on manual trigger.
func NewSyncCoordinator(dispatcher Drainer, interval time.Duration) *SyncCoordinator {
	return &SyncCoordinator{
		dispatcher: dispatcher,
		interval:   interval,
		wake:       make(chan struct{}, 1),
	}
}

// Run starts the coordinator loop. It blocks until ctx is cancelled.
// The queue is drained immediately on start to flush work accumulated while
// the agent was down, then on every tick or manual trigger.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("sync coordinator started",
		"component", "worker",
		"worker", "sync-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.drainOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync coordinator stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.drainOnce(ctx)
		case <-c.wake:
			c.drainOnce(ctx)
		}
	}
}

// TriggerNow requests an immediate drain. Returns false when a run is
// already active or already scheduled; the caller is told rather than queued.
func (c *SyncCoordinator) TriggerNow() bool {
	if c.running.Load() {
		return false
	}
	select {
	case c.wake <- struct{}{}:
		return true
	default:
		return false
	}
}

// Running reports whether a drain is currently active.
func (c *SyncCoordinator) Running() bool {
	return c.running.Load()
}

// Status returns the last completed run time and last error, for health
// reporting.
func (c *SyncCoordinator) Status() (lastSyncAt *time.Time, lastError string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSyncAt, c.lastError
}

// drainOnce runs a single dispatch pass, guarded by the run flag.
func (c *SyncCoordinator) drainOnce(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	defer c.running.Store(false)

	stats, err := c.dispatcher.Drain(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case err == nil:
		now := time.Now().UTC()
		c.lastSyncAt = &now
		c.lastError = ""
	case errors.Is(err, remote.ErrOffline):
		// Not an error: the device has no usable session. Queue items keep
		// their attempt counts; the next tick retries.
		slog.Debug("sync skipped while offline",
			"component", "worker",
			"worker", "sync-coordinator",
		)
	case errors.Is(err, dispatch.ErrAuthRequired):
		c.lastError = err.Error()
		slog.Warn("sync paused pending re-authentication",
			"component", "worker",
			"worker", "sync-coordinator",
			"run_id", stats.RunID,
			"completed", stats.Completed,
		)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutdown mid-run; the current item finished its state transition.
	default:
		c.lastError = err.Error()
		slog.Error("sync run failed",
			"component", "worker",
			"worker", "sync-coordinator",
			"run_id", stats.RunID,
			"error", err,
		)
	}
}

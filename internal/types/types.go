package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation identifies the kind of mutation a queue item carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// QueueStatus represents the lifecycle state of a queue item.
//
// InFlight is a process-local lease, never persisted: a restart always sees
// unfinished items as Pending again.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueInFlight  QueueStatus = "in_flight"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// SyncStatus represents the synchronization state of an entity record.
type SyncStatus string

const (
	SyncPending       SyncStatus = "pending"
	SyncSynced        SyncStatus = "synced"
	SyncFailed        SyncStatus = "failed"
	SyncPendingDelete SyncStatus = "pending_delete"
)

// QueueItem is one durable record of a pending mutation awaiting dispatch.
type QueueItem struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entity_type"`
	RecordID      string          `json:"record_id"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	Status        QueueStatus     `json:"status"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	BackoffUntil  *time.Time      `json:"backoff_until,omitempty"`
}

// LeaseKey identifies the logical record the item mutates. At most one item
// per lease key may be in flight at a time.
func (q QueueItem) LeaseKey() string {
	return q.EntityType + "/" + q.RecordID
}

// Record is a generic local entity: survey project, question, response or
// respondent. Domain fields are opaque to the sync core.
type Record struct {
	LocalID    string          `json:"local_id"`
	EntityType string          `json:"entity_type"`
	RemoteID   string          `json:"remote_id,omitempty"` // empty until first Create succeeds remotely
	Fields     json.RawMessage `json:"fields"`
	SyncStatus SyncStatus      `json:"sync_status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// RemoteRecord is the canonical server-side representation returned by the
// Remote API for accepted mutations.
type RemoteRecord struct {
	RemoteID  string          `json:"id"`
	ClientRef string          `json:"client_ref,omitempty"` // natural key echoed by the server
	Fields    json.RawMessage `json:"fields"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Strategy selects which side wins a field-level conflict by default.
// Source is the local record, target the remote one.
type Strategy string

const (
	SourceWins Strategy = "source_wins"
	TargetWins Strategy = "target_wins"
)

// FieldChoice overrides the default strategy for a single field.
type FieldChoice string

const (
	KeepSource FieldChoice = "keep_source"
	KeepTarget FieldChoice = "keep_target"
)

// Policy declares how divergent local/remote versions of a record merge.
type Policy struct {
	Default   Strategy               `json:"default" yaml:"default"`
	Overrides map[string]FieldChoice `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// Validate checks the policy for unknown strategies or field choices.
func (p Policy) Validate() error {
	switch p.Default {
	case SourceWins, TargetWins:
	default:
		return fmt.Errorf("unknown default strategy %q", p.Default)
	}
	for field, choice := range p.Overrides {
		switch choice {
		case KeepSource, KeepTarget:
		default:
			return fmt.Errorf("unknown field choice %q for field %q", choice, field)
		}
	}
	return nil
}

// QueueStats holds per-status queue counts for observability.
type QueueStats struct {
	Pending          int64      `json:"pending"`
	Completed        int64      `json:"completed"`
	Failed           int64      `json:"failed"`
	OldestPendingAge *float64   `json:"oldest_pending_age_seconds,omitempty"`
	AsOf             time.Time  `json:"as_of"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
}

// HealthResponse is the admin health check payload.
type HealthResponse struct {
	Status      string     `json:"status"`
	Version     string     `json:"version"`
	QueueDepth  int64      `json:"queue_depth"`
	SyncRunning bool       `json:"sync_running"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

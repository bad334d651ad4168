package models

import (
	"encoding/json"
	"time"
)

// Job represents a unit of deferred work in the job queue. Delivery is
// at-least-once; every handler must be idempotent or guarded by a
// version check.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"` // "pending", "running", "completed", "failed", "cancelled"
	UniqueID    string          `json:"unique_id,omitempty"`
	RunAt       time.Time       `json:"run_at"`                  // not before this instant; zero means immediately
	RepeatEvery int64           `json:"repeat_every,omitempty"`  // milliseconds; >0 re-enqueues after completion
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	DurationMS  int64           `json:"duration_ms"`
}

// Queue name constants
const (
	QueuePersistSnapshot = "persist-snapshot"
	QueueSettleHand      = "settle-hand"
	QueueArchiveHand     = "archive-hand"
	QueueNextHand        = "next-hand"
	QueuePlayerTimeout   = "player-timeout"
	QueuePurgeJobs       = "purge-jobs"
)

// Job status constants
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// PersistSnapshotPayload asks the persist worker to write the current
// hot snapshot for a table through to cold storage.
type PersistSnapshotPayload struct {
	TableID string `json:"table_id"`
	Version int64  `json:"version"`
}

// ArchiveHandPayload carries the completed snapshot for hand-history
// archival. The snapshot is embedded so archival does not race the next
// hand's writes to the state store.
type ArchiveHandPayload struct {
	TableID  string   `json:"table_id"`
	HandID   string   `json:"hand_id"`
	Snapshot Snapshot `json:"snapshot"`
}

// NextHandPayload schedules the auto-deal after a hand completes.
type NextHandPayload struct {
	TableID string `json:"table_id"`
}

// PlayerTimeoutPayload fires a TIMEOUT action if the table is still at
// ExpectedVersion when the timer elapses. A stale version means the
// player acted in time and the job drops silently.
type PlayerTimeoutPayload struct {
	TableID         string `json:"table_id"`
	PlayerID        string `json:"player_id"`
	Seat            int    `json:"seat"`
	ExpectedVersion int64  `json:"expected_version"`
}

// MarshalPayload encodes a job payload, panicking only on programmer
// error (all payload types are plain data).
func MarshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic("unmarshalable job payload: " + err.Error())
	}
	return b
}

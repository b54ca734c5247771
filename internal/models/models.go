// Package models provides data model definitions for the Driftline engine.
package models

import (
	"encoding/json"
	"time"
)

// Operation represents a mutation type replayed against the remote.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationUpsert Operation = "upsert"
)

// ItemStatus represents the status of a queued mutation.
type ItemStatus string

const (
	StatusPending  ItemStatus = "pending"
	StatusInFlight ItemStatus = "in_flight"
	StatusSynced   ItemStatus = "synced"
	StatusFailed   ItemStatus = "failed"
	StatusConflict ItemStatus = "conflict"
)

// QueueItem is the unit of durable work in the sync queue.
// Timestamps are unix milliseconds; ScheduledAt == 0 means "due now".
// Seq breaks FIFO ties between items created in the same millisecond.
type QueueItem struct {
	ID            string                 `json:"id"`
	Seq           int64                  `json:"seq,omitempty"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	Operation     Operation              `json:"operation"`
	Payload       json.RawMessage        `json:"payload,omitempty"`
	Status        ItemStatus             `json:"status"`
	Attempts      int                    `json:"attempts"`
	CreatedAt     int64                  `json:"created_at"`
	UpdatedAt     int64                  `json:"updated_at"`
	LastAttemptAt int64                  `json:"last_attempt_at,omitempty"`
	ScheduledAt   int64                  `json:"scheduled_at,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// CreatedAtTime returns CreatedAt as time.Time.
func (i *QueueItem) CreatedAtTime() time.Time {
	return time.UnixMilli(i.CreatedAt)
}

// Terminal reports whether the item has left the automatic retry cycle.
func (i *QueueItem) Terminal() bool {
	return i.Status == StatusSynced || i.Status == StatusFailed || i.Status == StatusConflict
}

// Eligible reports whether the item may be dispatched at the given time.
func (i *QueueItem) Eligible(now int64, maxAttempts int) bool {
	if i.Status != StatusPending {
		return false
	}
	if i.Attempts >= maxAttempts {
		return false
	}
	return i.ScheduledAt == 0 || i.ScheduledAt <= now
}

// ConflictResolution represents the lifecycle of a conflict record.
type ConflictResolution string

const (
	ResolutionUnresolved ConflictResolution = "unresolved"
	ResolutionResolved   ConflictResolution = "resolved"
	ResolutionDismissed  ConflictResolution = "dismissed"
)

// ConflictRecord is raised when the remote rejects a mutation because its
// version diverged from what the client believed. Either snapshot may be
// absent (a nil Remote means the record was deleted remotely).
type ConflictRecord struct {
	ID         string             `json:"id"`
	ItemID     string             `json:"item_id"`
	EntityType string             `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	Operation  Operation          `json:"operation"`
	Local      json.RawMessage    `json:"local,omitempty"`
	Remote     json.RawMessage    `json:"remote,omitempty"`
	Message    string             `json:"message,omitempty"`
	Resolution ConflictResolution `json:"resolution"`
	DetectedAt int64              `json:"detected_at"`
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// Snapshot is a read-only summary of queue state for UI polling.
type Snapshot struct {
	Items         []QueueItem `json:"items"`
	Pending       int         `json:"pending"`
	Failed        int         `json:"failed"`
	Conflicts     int         `json:"conflicts"`
	LastUpdatedAt int64       `json:"last_updated_at"`
}

package api

import "time"

// EventType identifies a run history event.
type EventType string

const (
	EventRunEnqueued  EventType = "run.enqueued"
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"

	EventStageCompleted EventType = "stage.completed"
	EventBlockFailed    EventType = "block.failed"
)

// RunEvent is a small append-only history record for audit/debugging.
type RunEvent struct {
	RunID      string
	At         time.Time
	Type       EventType
	WorkflowID string

	// Stage is the 1-based stage index, or 0 when not stage specific.
	Stage   int
	BlockID string

	// Keep this low-volume: an error message or a count, never payloads.
	Detail string
}

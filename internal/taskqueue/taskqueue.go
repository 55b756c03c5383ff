// Package taskqueue provides leased work queues that carry run requests from
// producers to workers.
//
// A dequeued task stays in the queue, invisible to other consumers, until the
// lease holder acks it, nacks it, or the lease expires. Expired leases make
// the task visible again so a crashed worker's run is picked up elsewhere.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/7ama2004/synapse/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeRun executes (or re-executes) a workflow run.
	TaskTypeRun TaskType = "run"
	// TaskTypeCancel requests cancellation of a run.
	TaskTypeCancel TaskType = "cancel"
)

// ErrTaskNotLeased is returned by Ack, Nack and RenewLease when the caller
// does not hold the lease on the task.
var ErrTaskNotLeased = errors.New("task not leased by owner")

// Task represents a unit of work for a worker.
type Task struct {
	ID   string
	Type TaskType

	RunID      string
	WorkflowID string
	UserID     string
	Inputs     map[string]any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time

	// Attempts counts failed deliveries so far.
	Attempts int
}

// RunRequest converts a run task into an engine request.
func (t Task) RunRequest() api.RunRequest {
	return api.RunRequest{
		RunID:      t.RunID,
		WorkflowID: t.WorkflowID,
		UserID:     t.UserID,
		Inputs:     t.Inputs,
	}
}

// Queue is a leased task queue.
type Queue interface {
	// Enqueue adds a task. An empty ID is replaced with a new UUID.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next visible task to owner for leaseTTL, blocking
	// until one is available or the context is cancelled.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a leased task after successful processing.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack releases the lease and makes the task visible again at notBefore
	// with the given attempt count.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error

	// RenewLease extends a lease held by owner.
	RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error

	// Len returns the number of tasks in the queue, leased or not.
	Len(ctx context.Context) (int, error)
}

// prepare fills in defaults before a task is stored.
func prepare(t Task, now time.Time) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Type == "" {
		t.Type = TaskTypeRun
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}

const defaultPollInterval = 100 * time.Millisecond

// poller waits between empty polls using a reusable timer.
type poller struct {
	tmr      *time.Timer
	interval time.Duration
}

func newPoller(interval time.Duration) *poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	// Initialize stopped; reset only when needed. Reset discards stale
	// expirations, so the channel never needs draining.
	tmr := time.NewTimer(interval)
	tmr.Stop()
	return &poller{tmr: tmr, interval: interval}
}

// wait blocks for one interval or until ctx is done, or wake fires.
func (p *poller) wait(ctx context.Context, wake <-chan struct{}) error {
	p.tmr.Reset(p.interval)
	select {
	case <-ctx.Done():
		p.tmr.Stop()
		return ctx.Err()
	case <-wake:
		p.tmr.Stop()
		return nil
	case <-p.tmr.C:
		return nil
	}
}

func (p *poller) stop() { p.tmr.Stop() }

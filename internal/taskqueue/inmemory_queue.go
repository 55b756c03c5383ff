package taskqueue

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	task         Task
	seq          uint64
	owner        string
	leaseExpires time.Time
}

func (e *memEntry) visible(now time.Time) bool {
	if now.Before(e.task.NotBefore) {
		return false
	}
	return e.owner == "" || !now.Before(e.leaseExpires)
}

// InMemoryQueue is a leased Queue kept in process memory.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	seq     uint64

	// wake is signalled (non-blocking) on every enqueue and nack.
	wake chan struct{}

	pollInterval time.Duration
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		entries:      make(map[string]*memEntry),
		wake:         make(chan struct{}, 1),
		pollInterval: 10 * time.Millisecond,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = prepare(t, time.Now())

	q.mu.Lock()
	q.seq++
	q.entries[t.ID] = &memEntry{task: t, seq: q.seq}
	q.mu.Unlock()

	q.notify()
	return nil
}

// next leases the oldest visible entry, ordered by NotBefore then insertion.
func (q *InMemoryQueue) next(owner string, leaseTTL time.Duration) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var best *memEntry
	for _, e := range q.entries {
		if !e.visible(now) {
			continue
		}
		if best == nil ||
			e.task.NotBefore.Before(best.task.NotBefore) ||
			(e.task.NotBefore.Equal(best.task.NotBefore) && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	best.owner = owner
	best.leaseExpires = now.Add(leaseTTL)

	t := best.task
	return &t
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	p := newPoller(q.pollInterval)
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t := q.next(owner, leaseTTL); t != nil {
			return t, nil
		}
		if err := p.wait(ctx, q.wake); err != nil {
			return nil, err
		}
	}
}

func (q *InMemoryQueue) leased(taskID, owner string) (*memEntry, error) {
	e, ok := q.entries[taskID]
	if !ok || e.owner != owner {
		return nil, ErrTaskNotLeased
	}
	return e, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.leased(taskID, owner); err != nil {
		return err
	}
	delete(q.entries, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	q.mu.Lock()
	e, err := q.leased(taskID, owner)
	if err == nil {
		e.owner = ""
		e.leaseExpires = time.Time{}
		e.task.NotBefore = notBefore
		e.task.Attempts = attempts
	}
	q.mu.Unlock()

	if err != nil {
		return err
	}
	q.notify()
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.leased(taskID, owner)
	if err != nil {
		return err
	}
	e.leaseExpires = time.Now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// SetPollInterval changes how often an idle Dequeue checks for due tasks.
// Call it before the queue is shared between goroutines.
func (q *InMemoryQueue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}

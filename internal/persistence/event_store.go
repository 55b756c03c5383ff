package persistence

import (
	"context"
	"sync"

	"github.com/7ama2004/synapse/pkg/api"
)

// EventStore is an append-only history store for run events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.RunEvent) error
	ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.RunEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	return nil, nil
}

// InMemoryEventStore keeps events in process memory.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]api.RunEvent
}

var _ EventStore = (*InMemoryEventStore)(nil)

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{events: make(map[string][]api.RunEvent)}
}

func (s *InMemoryEventStore) AppendEvent(ctx context.Context, ev api.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

func (s *InMemoryEventStore) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[runID]
	out := make([]api.RunEvent, len(evs))
	copy(out, evs)
	return out, nil
}

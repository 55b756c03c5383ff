package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/7ama2004/synapse/pkg/api"
)

type memLease struct {
	owner   string
	expires time.Time
}

// InMemoryStore is a simple, goroutine-safe implementation of
// DefinitionStore and ResultStore backed by maps.
//
// Results are deep-copied on the way in and out so callers can keep
// mutating their own values.
type InMemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]api.Definition
	results     map[string]*api.ExecutionResult
	cancels     map[string]time.Time
	leases      map[string]memLease
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]api.Definition),
		results:     make(map[string]*api.ExecutionResult),
		cancels:     make(map[string]time.Time),
		leases:      make(map[string]memLease),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ DefinitionStore = (*InMemoryStore)(nil)

var _ ResultStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveDefinition(ctx context.Context, def api.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.definitions[def.ID] = def
	return nil
}

func (s *InMemoryStore) GetDefinition(ctx context.Context, id string) (api.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return api.Definition{}, ErrDefinitionNotFound
	}
	return def, nil
}

func (s *InMemoryStore) ListDefinitions(ctx context.Context) ([]api.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.Definition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) UpsertResult(ctx context.Context, res *api.ExecutionResult) error {
	cp, err := cloneResult(res)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[res.RunID] = cp
	return nil
}

func (s *InMemoryStore) GetResult(ctx context.Context, runID string) (*api.ExecutionResult, error) {
	s.mu.RLock()
	res, ok := s.results[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrResultNotFound
	}
	return cloneResult(res)
}

func (s *InMemoryStore) ListResults(ctx context.Context, filter ResultFilter) ([]*api.ExecutionResult, error) {
	s.mu.RLock()
	var matched []*api.ExecutionResult
	for _, res := range s.results {
		if filter.matches(res) {
			matched = append(matched, res)
		}
	}
	s.mu.RUnlock()

	matched = sortAndPage(matched, filter)
	out := make([]*api.ExecutionResult, 0, len(matched))
	for _, res := range matched {
		cp, err := cloneResult(res)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *InMemoryStore) RequestCancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cancels[runID]; !ok {
		s.cancels[runID] = time.Now()
	}
	return nil
}

func (s *InMemoryStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.cancels[runID]
	return ok, nil
}

func (s *InMemoryStore) ClearCancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cancels, runID)
	return nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cur, ok := s.leases[runID]
	if ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	s.leases[runID] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[runID]
	if !ok || cur.owner != owner {
		return ErrLeaseNotHeld
	}
	cur.expires = time.Now().Add(ttl)
	s.leases[runID] = cur
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[runID]; ok && cur.owner == owner {
		delete(s.leases, runID)
	}
	return nil
}

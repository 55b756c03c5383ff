package persistence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/7ama2004/synapse/pkg/api"
)

var (
	// ErrDefinitionNotFound is returned when a workflow definition is not found.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrResultNotFound is returned when no result exists for a run id.
	ErrResultNotFound = errors.New("result not found")

	// ErrLeaseNotHeld is returned when renewing a lease owned by someone else
	// or already expired and taken over.
	ErrLeaseNotHeld = errors.New("run lease not held")
)

// DefinitionStore handles storage of workflow definitions.
type DefinitionStore interface {
	// SaveDefinition inserts or replaces the definition with def.ID.
	SaveDefinition(ctx context.Context, def api.Definition) error
	GetDefinition(ctx context.Context, id string) (api.Definition, error)
	// ListDefinitions returns all definitions ordered by ID.
	ListDefinitions(ctx context.Context) ([]api.Definition, error)
}

// ResultFilter is used to select results from the store.
// Empty string / zero values mean "no filter" for that field.
type ResultFilter struct {
	WorkflowID string
	UserID     string
	Status     api.Status
	Limit      int
	Offset     int
}

// ResultStore persists execution results keyed by run id, plus the
// cancellation flags and leases that coordinate workers on the same run.
type ResultStore interface {
	// UpsertResult inserts or replaces the result for res.RunID. Writing the
	// same run more than once is expected on retries.
	UpsertResult(ctx context.Context, res *api.ExecutionResult) error
	GetResult(ctx context.Context, runID string) (*api.ExecutionResult, error)
	// ListResults returns matching results ordered newest first by
	// CreatedAt, then by RunID.
	ListResults(ctx context.Context, filter ResultFilter) ([]*api.ExecutionResult, error)

	// RequestCancel records a cancellation request for a run. It is
	// idempotent and does not require the result to exist yet.
	RequestCancel(ctx context.Context, runID string) error
	CancelRequested(ctx context.Context, runID string) (bool, error)
	// ClearCancel removes a cancellation request, e.g. before a resume.
	ClearCancel(ctx context.Context, runID string) error

	// TryAcquireLease attempts to acquire (or re-acquire) the run lease.
	// If the run is leased by another owner and the lease has not expired,
	// it returns acquired=false, err=nil. A lease held by the same owner is
	// re-entrant.
	TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends a lease owned by owner, or returns ErrLeaseNotHeld.
	RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by owner. It is idempotent.
	ReleaseLease(ctx context.Context, runID, owner string) error
}

func (f ResultFilter) matches(res *api.ExecutionResult) bool {
	if f.WorkflowID != "" && res.WorkflowID != f.WorkflowID {
		return false
	}
	if f.UserID != "" && res.UserID != f.UserID {
		return false
	}
	if f.Status != "" && res.Status != f.Status {
		return false
	}
	return true
}

// sortAndPage orders results newest first and applies Offset/Limit. It is
// used by stores that cannot sort server-side.
func sortAndPage(results []*api.ExecutionResult, f ResultFilter) []*api.ExecutionResult {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.RunID < b.RunID
	})
	if f.Offset > 0 {
		if f.Offset >= len(results) {
			return []*api.ExecutionResult{}
		}
		results = results[f.Offset:]
	}
	if f.Limit > 0 && len(results) > f.Limit {
		results = results[:f.Limit]
	}
	return results
}

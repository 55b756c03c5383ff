package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/7ama2004/synapse/pkg/api"
)

// The contract below is shared by every ResultStore and DefinitionStore
// backend. Container-backed suites call the same helpers against a store
// reset in SetupTest.

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleResult(runID, workflowID, userID string, status api.Status, created time.Time) *api.ExecutionResult {
	return &api.ExecutionResult{
		RunID:      runID,
		WorkflowID: workflowID,
		UserID:     userID,
		Status:     status,
		Inputs:     map[string]any{"topic": "photosynthesis"},
		Outputs: map[string]api.BlockOutput{
			"summarize": {"summary": "plants convert light", "count": 3},
		},
		Blocks: map[string]api.BlockRecord{
			"summarize": {Status: api.StatusCompleted, StartedAt: created, FinishedAt: created.Add(time.Second)},
		},
		Progress:     100,
		CurrentStage: 2,
		StageCount:   2,
		Attempt:      1,
		CreatedAt:    created,
		StartedAt:    created,
	}
}

func sampleDefinition(id string) api.Definition {
	return api.Definition{
		ID:   id,
		Name: "Study notes " + id,
		Blocks: []api.Block{
			{ID: "in", Type: "input/text", Config: map[string]any{"text": "hello"}, Outputs: []string{"text"}},
			{ID: "sum", Type: "ai/summarize", Config: map[string]any{"maxLength": 200}, Inputs: []string{"text"}, Outputs: []string{"summary"}},
		},
		Connections: []api.Connection{
			{ID: "c1", Source: api.Endpoint{BlockID: "in", Port: "text"}, Target: api.Endpoint{BlockID: "sum", Port: "text"}},
		},
	}
}

func runIDs(results []*api.ExecutionResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.RunID)
	}
	return out
}

var resultCmpOpts = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) }),
}

func testResultRoundTrip(t *testing.T, s ResultStore) {
	ctx := context.Background()
	want := sampleResult("run-1", "wf-1", "user-1", api.StatusRunning, baseTime)

	require.NoError(t, s.UpsertResult(ctx, want))

	got, err := s.GetResult(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, resultCmpOpts...); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}

	// Upsert replaces the stored record.
	got.Status = api.StatusFailed
	got.Error = &api.RunError{Kind: api.KindHandlerExecution, BlockID: "summarize", Message: "boom"}
	require.NoError(t, s.UpsertResult(ctx, got))

	again, err := s.GetResult(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, again.Status)
	require.NotNil(t, again.Error)
	require.Equal(t, "boom", again.Error.Message)
	require.Equal(t, "summarize", again.Error.BlockID)
}

func testResultNotFound(t *testing.T, s ResultStore) {
	_, err := s.GetResult(context.Background(), "missing")
	if !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
}

func testListResults(t *testing.T, s ResultStore) {
	ctx := context.Background()
	fixtures := []*api.ExecutionResult{
		sampleResult("r1", "wf-A", "alice", api.StatusCompleted, baseTime.Add(1*time.Minute)),
		sampleResult("r2", "wf-A", "bob", api.StatusFailed, baseTime.Add(2*time.Minute)),
		sampleResult("r3", "wf-B", "alice", api.StatusCompleted, baseTime.Add(3*time.Minute)),
		sampleResult("r4", "wf-A", "alice", api.StatusRunning, baseTime.Add(4*time.Minute)),
	}
	for _, r := range fixtures {
		require.NoError(t, s.UpsertResult(ctx, r))
	}

	cases := []struct {
		name   string
		filter ResultFilter
		want   []string
	}{
		{"all newest first", ResultFilter{}, []string{"r4", "r3", "r2", "r1"}},
		{"by workflow", ResultFilter{WorkflowID: "wf-A"}, []string{"r4", "r2", "r1"}},
		{"by user", ResultFilter{UserID: "alice"}, []string{"r4", "r3", "r1"}},
		{"by status", ResultFilter{Status: api.StatusCompleted}, []string{"r3", "r1"}},
		{"workflow and user", ResultFilter{WorkflowID: "wf-A", UserID: "alice"}, []string{"r4", "r1"}},
		{"limit", ResultFilter{UserID: "alice", Limit: 2}, []string{"r4", "r3"}},
		{"offset", ResultFilter{UserID: "alice", Offset: 1}, []string{"r3", "r1"}},
		{"limit and offset", ResultFilter{Limit: 2, Offset: 1}, []string{"r3", "r2"}},
		{"offset past end", ResultFilter{Offset: 10}, []string{}},
		{"no match", ResultFilter{UserID: "carol"}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.ListResults(ctx, tc.filter)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, runIDs(got), cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("ListResults(%+v) mismatch (-want +got):\n%s", tc.filter, diff)
			}
		})
	}
}

func testCancelFlags(t *testing.T, s ResultStore) {
	ctx := context.Background()

	requested, err := s.CancelRequested(ctx, "run-c")
	require.NoError(t, err)
	require.False(t, requested)

	// Cancelling a run that has no result yet is allowed, and idempotent.
	require.NoError(t, s.RequestCancel(ctx, "run-c"))
	require.NoError(t, s.RequestCancel(ctx, "run-c"))

	requested, err = s.CancelRequested(ctx, "run-c")
	require.NoError(t, err)
	require.True(t, requested)

	require.NoError(t, s.ClearCancel(ctx, "run-c"))
	requested, err = s.CancelRequested(ctx, "run-c")
	require.NoError(t, err)
	require.False(t, requested)
}

func testLeaseAcquireRenewRelease(t *testing.T, s ResultStore) {
	ctx := context.Background()
	const ttl = 2 * time.Second

	acq, err := s.TryAcquireLease(ctx, "run-l", "owner1", ttl)
	require.NoError(t, err)
	require.True(t, acq, "expected owner1 to acquire")

	acq, err = s.TryAcquireLease(ctx, "run-l", "owner1", ttl)
	require.NoError(t, err)
	require.True(t, acq, "expected lease to be re-entrant for owner1")

	acq, err = s.TryAcquireLease(ctx, "run-l", "owner2", ttl)
	require.NoError(t, err)
	require.False(t, acq, "expected owner2 not to acquire while active")

	require.NoError(t, s.RenewLease(ctx, "run-l", "owner1", ttl))

	err = s.RenewLease(ctx, "run-l", "owner2", ttl)
	if !errors.Is(err, ErrLeaseNotHeld) {
		t.Fatalf("expected ErrLeaseNotHeld for owner2 renew, got %v", err)
	}

	// Releasing someone else's lease is a no-op.
	require.NoError(t, s.ReleaseLease(ctx, "run-l", "owner2"))
	acq, err = s.TryAcquireLease(ctx, "run-l", "owner2", ttl)
	require.NoError(t, err)
	require.False(t, acq)

	require.NoError(t, s.ReleaseLease(ctx, "run-l", "owner1"))
	require.NoError(t, s.ReleaseLease(ctx, "run-l", "owner1"))

	acq, err = s.TryAcquireLease(ctx, "run-l", "owner2", ttl)
	require.NoError(t, err)
	require.True(t, acq, "expected owner2 to acquire after release")
}

func testLeaseExpires(t *testing.T, s ResultStore) {
	ctx := context.Background()

	acq, err := s.TryAcquireLease(ctx, "run-e", "owner1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acq)

	time.Sleep(120 * time.Millisecond)

	acq, err = s.TryAcquireLease(ctx, "run-e", "owner2", time.Second)
	require.NoError(t, err)
	require.True(t, acq, "expected owner2 to acquire after expiry")

	err = s.RenewLease(ctx, "run-e", "owner1", time.Second)
	if !errors.Is(err, ErrLeaseNotHeld) {
		t.Fatalf("expected ErrLeaseNotHeld after takeover, got %v", err)
	}
}

func testLeaseConcurrentAcquireOnlyOne(t *testing.T, s ResultStore) {
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired []string
	)
	owners := []string{"owner1", "owner2", "owner3", "owner4"}
	for _, owner := range owners {
		wg.Add(1)
		go func(o string) {
			defer wg.Done()
			ok, err := s.TryAcquireLease(ctx, "run-x", o, 5*time.Second)
			if err != nil {
				return
			}
			if ok {
				mu.Lock()
				acquired = append(acquired, o)
				mu.Unlock()
			}
		}(owner)
	}
	wg.Wait()

	require.Len(t, acquired, 1, "expected exactly one acquirer, got %v", acquired)
}

func runResultStoreContract(t *testing.T, newStore func(t *testing.T) ResultStore) {
	t.Run("RoundTrip", func(t *testing.T) { testResultRoundTrip(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testResultNotFound(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testListResults(t, newStore(t)) })
	t.Run("Cancel", func(t *testing.T) { testCancelFlags(t, newStore(t)) })
	t.Run("LeaseAcquireRenewRelease", func(t *testing.T) { testLeaseAcquireRenewRelease(t, newStore(t)) })
	t.Run("LeaseExpires", func(t *testing.T) { testLeaseExpires(t, newStore(t)) })
	t.Run("LeaseConcurrent", func(t *testing.T) { testLeaseConcurrentAcquireOnlyOne(t, newStore(t)) })
}

func testDefinitions(t *testing.T, s DefinitionStore) {
	ctx := context.Background()

	_, err := s.GetDefinition(ctx, "missing")
	if !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("expected ErrDefinitionNotFound, got %v", err)
	}

	require.NoError(t, s.SaveDefinition(ctx, sampleDefinition("wf-b")))
	require.NoError(t, s.SaveDefinition(ctx, sampleDefinition("wf-a")))

	got, err := s.GetDefinition(ctx, "wf-a")
	require.NoError(t, err)
	if diff := cmp.Diff(sampleDefinition("wf-a"), got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("definition mismatch (-want +got):\n%s", diff)
	}

	updated := sampleDefinition("wf-a")
	updated.Name = "renamed"
	require.NoError(t, s.SaveDefinition(ctx, updated))

	all, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "wf-a", all[0].ID)
	require.Equal(t, "renamed", all[0].Name)
	require.Equal(t, "wf-b", all[1].ID)
}

func testEvents(t *testing.T, s EventStore) {
	ctx := context.Background()

	evs := []api.RunEvent{
		{RunID: "run-1", At: baseTime, Type: api.EventRunStarted, WorkflowID: "wf"},
		{RunID: "run-2", At: baseTime, Type: api.EventRunStarted, WorkflowID: "wf"},
		{RunID: "run-1", At: baseTime.Add(time.Second), Type: api.EventStageCompleted, WorkflowID: "wf", Stage: 1},
		{RunID: "run-1", At: baseTime.Add(2 * time.Second), Type: api.EventBlockFailed, WorkflowID: "wf", Stage: 2, BlockID: "sum", Detail: "boom"},
	}
	for _, ev := range evs {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	got, err := s.ListEvents(ctx, "run-1")
	require.NoError(t, err)
	want := []api.RunEvent{evs[0], evs[2], evs[3]}
	if diff := cmp.Diff(want, got, resultCmpOpts...); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	none, err := s.ListEvents(ctx, "nope")
	require.NoError(t, err)
	require.Empty(t, none)
}

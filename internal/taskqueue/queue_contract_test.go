package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The contract below is run against every Queue backend.

const testLease = 2 * time.Second

func dequeueWithin(t *testing.T, q Queue, owner string, lease, within time.Duration) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()

	task, err := q.Dequeue(ctx, owner, lease)
	require.NoError(t, err, "Dequeue(%s)", owner)
	require.NotNil(t, task)
	return task
}

func requireEmpty(t *testing.T, q Queue, within time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()

	task, err := q.Dequeue(ctx, "probe", testLease)
	if err == nil {
		t.Fatalf("expected no visible task, got %+v", task)
	}
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func testFIFOAndAck(t *testing.T, q Queue) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, q.Enqueue(ctx, Task{
			ID:         id,
			RunID:      "run-" + id,
			WorkflowID: "wf",
			UserID:     "alice",
			Inputs:     map[string]any{"topic": "cells", "n": i},
			EnqueuedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	var got []*Task
	for i := 0; i < 3; i++ {
		got = append(got, dequeueWithin(t, q, "w1", testLease, 2*time.Second))
	}
	require.Equal(t, "t1", got[0].ID)
	require.Equal(t, "t2", got[1].ID)
	require.Equal(t, "t3", got[2].ID)

	first := got[0]
	require.Equal(t, TaskTypeRun, first.Type)
	require.Equal(t, "run-t1", first.RunID)
	require.Equal(t, "alice", first.UserID)
	require.Equal(t, "cells", first.Inputs["topic"])
	req := first.RunRequest()
	require.Equal(t, "wf", req.WorkflowID)

	// Leased tasks still count until acked.
	n, err = q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for _, task := range got {
		require.NoError(t, q.Ack(ctx, task.ID, "w1"))
	}
	n, err = q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func testEnqueueAssignsID(t *testing.T, q Queue) {
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{RunID: "r"}))

	task := dequeueWithin(t, q, "w1", testLease, 2*time.Second)
	require.NotEmpty(t, task.ID)
	require.Equal(t, TaskTypeRun, task.Type)
	require.False(t, task.EnqueuedAt.IsZero())
}

func testLeaseHidesTask(t *testing.T, q Queue) {
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "only", RunID: "r"}))

	task := dequeueWithin(t, q, "w1", testLease, 2*time.Second)
	requireEmpty(t, q, 250*time.Millisecond)

	// Only the lease holder can ack, nack or renew.
	require.ErrorIs(t, q.Ack(ctx, task.ID, "w2"), ErrTaskNotLeased)
	require.ErrorIs(t, q.RenewLease(ctx, task.ID, "w2", testLease), ErrTaskNotLeased)
	require.ErrorIs(t, q.Nack(ctx, task.ID, "w2", time.Now(), 1), ErrTaskNotLeased)
	require.NoError(t, q.RenewLease(ctx, task.ID, "w1", testLease))
	require.NoError(t, q.Ack(ctx, task.ID, "w1"))

	// Acking twice is an error: the task is gone.
	err := q.Ack(ctx, task.ID, "w1")
	if !errors.Is(err, ErrTaskNotLeased) {
		t.Fatalf("expected ErrTaskNotLeased on double ack, got %v", err)
	}
}

func testLeaseExpiryRedelivers(t *testing.T, q Queue) {
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "crashy", RunID: "r"}))

	got1 := dequeueWithin(t, q, "w1", 100*time.Millisecond, 2*time.Second)
	time.Sleep(200 * time.Millisecond)

	got2 := dequeueWithin(t, q, "w2", testLease, 2*time.Second)
	require.Equal(t, got1.ID, got2.ID)

	// The original owner lost the lease.
	require.ErrorIs(t, q.Ack(ctx, got1.ID, "w1"), ErrTaskNotLeased)
	require.NoError(t, q.Ack(ctx, got2.ID, "w2"))
}

func testNackDelaysAndCountsAttempts(t *testing.T, q Queue) {
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "retry", RunID: "r"}))

	task := dequeueWithin(t, q, "w1", testLease, 2*time.Second)
	require.Equal(t, 0, task.Attempts)

	notBefore := time.Now().Add(300 * time.Millisecond)
	require.NoError(t, q.Nack(ctx, task.ID, "w1", notBefore, 1))

	requireEmpty(t, q, 100*time.Millisecond)

	again := dequeueWithin(t, q, "w2", testLease, 3*time.Second)
	require.Equal(t, "retry", again.ID)
	require.Equal(t, 1, again.Attempts)
	// Backends schedule with millisecond precision.
	require.False(t, time.Now().Add(5*time.Millisecond).Before(notBefore), "task delivered before NotBefore")
	require.NoError(t, q.Ack(ctx, again.ID, "w2"))
}

func testNotBeforeOnEnqueue(t *testing.T, q Queue) {
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "later", RunID: "r", NotBefore: time.Now().Add(300 * time.Millisecond)}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "now", RunID: "r"}))

	first := dequeueWithin(t, q, "w1", testLease, 2*time.Second)
	require.Equal(t, "now", first.ID)

	second := dequeueWithin(t, q, "w1", testLease, 3*time.Second)
	require.Equal(t, "later", second.ID)
}

func testConcurrentConsumersGetDistinctTasks(t *testing.T, q Queue) {
	ctx := context.Background()
	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(ctx, Task{RunID: "r"}))
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		owner := string(rune('a' + w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				dctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
				task, err := q.Dequeue(dctx, owner, testLease)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[task.ID]; dup {
					mu.Unlock()
					t.Errorf("task %s delivered to %s and %s", task.ID, prev, owner)
					return
				}
				seen[task.ID] = owner
				mu.Unlock()
				if err := q.Ack(ctx, task.ID, owner); err != nil {
					t.Errorf("ack %s: %v", task.ID, err)
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
}

func testDequeueHonorsContext(t *testing.T, q Queue) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := q.Dequeue(ctx, "w1", testLease)
	require.ErrorIs(t, err, context.Canceled)
}

func runQueueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("FIFOAndAck", func(t *testing.T) { testFIFOAndAck(t, newQueue(t)) })
	t.Run("EnqueueAssignsID", func(t *testing.T) { testEnqueueAssignsID(t, newQueue(t)) })
	t.Run("LeaseHidesTask", func(t *testing.T) { testLeaseHidesTask(t, newQueue(t)) })
	t.Run("LeaseExpiryRedelivers", func(t *testing.T) { testLeaseExpiryRedelivers(t, newQueue(t)) })
	t.Run("NackDelaysAndCountsAttempts", func(t *testing.T) { testNackDelaysAndCountsAttempts(t, newQueue(t)) })
	t.Run("NotBeforeOnEnqueue", func(t *testing.T) { testNotBeforeOnEnqueue(t, newQueue(t)) })
	t.Run("ConcurrentConsumers", func(t *testing.T) { testConcurrentConsumersGetDistinctTasks(t, newQueue(t)) })
	t.Run("DequeueHonorsContext", func(t *testing.T) { testDequeueHonorsContext(t, newQueue(t)) })
}

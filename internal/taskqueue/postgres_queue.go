package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS queue_tasks (
//	    seq              BIGSERIAL PRIMARY KEY,
//	    id               TEXT NOT NULL UNIQUE,
//	    payload          BYTEA NOT NULL,
//	    not_before       BIGINT NOT NULL,
//	    attempts         INTEGER NOT NULL DEFAULT 0,
//	    lease_owner      TEXT NOT NULL DEFAULT '',
//	    lease_expires_at BIGINT NOT NULL DEFAULT 0
//	);
//
// Visible tasks are claimed oldest first with FOR UPDATE SKIP LOCKED, so
// concurrent workers never block on each other's rows.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: defaultPollInterval}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq              BIGSERIAL PRIMARY KEY,
			id               TEXT NOT NULL UNIQUE,
			payload          BYTEA NOT NULL,
			not_before       BIGINT NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 0,
			lease_owner      TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_tasks_visible ON queue_tasks (not_before, seq);
	`)
	return err
}

// Enqueue inserts a task into the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, payload, not_before, attempts)
		VALUES ($1, $2, $3, $4)
	`, t.ID, data, t.NotBefore.UnixNano(), t.Attempts)
	return err
}

func (q *PostgresQueue) claim(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	now := time.Now()

	var (
		id        string
		payload   []byte
		notBefore int64
		attempts  int
	)
	err := q.db.QueryRowContext(ctx, `
		UPDATE queue_tasks
		SET lease_owner = $1, lease_expires_at = $2
		WHERE seq = (
			SELECT seq FROM queue_tasks
			WHERE not_before <= $3 AND (lease_owner = '' OR lease_expires_at <= $3)
			ORDER BY not_before, seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, payload, not_before, attempts
	`, owner, now.Add(leaseTTL).UnixNano(), now.UnixNano()).Scan(&id, &payload, &notBefore, &attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	t, err := DecodeTask(payload)
	if err != nil {
		return nil, fmt.Errorf("decode task %q failed: %w", id, err)
	}
	t.NotBefore = time.Unix(0, notBefore)
	t.Attempts = attempts
	return t, nil
}

// Dequeue blocks (with polling) until a task is available or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	p := newPoller(q.pollInterval)
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := q.claim(ctx, owner, leaseTTL)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		if err := p.wait(ctx, nil); err != nil {
			return nil, err
		}
	}
}

func (q *PostgresQueue) Ack(ctx context.Context, taskID, owner string) error {
	return affectedOrNotLeased(q.db.ExecContext(ctx,
		`DELETE FROM queue_tasks WHERE id = $1 AND lease_owner = $2`, taskID, owner))
}

func (q *PostgresQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	return affectedOrNotLeased(q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET lease_owner = '', lease_expires_at = 0, not_before = $1, attempts = $2
		WHERE id = $3 AND lease_owner = $4
	`, notBefore.UnixNano(), attempts, taskID, owner))
}

func (q *PostgresQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return affectedOrNotLeased(q.db.ExecContext(ctx, `
		UPDATE queue_tasks SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3
	`, time.Now().Add(leaseTTL).UnixNano(), taskID, owner))
}

// Len returns the number of queued tasks.
func (q *PostgresQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_tasks`).Scan(&n)
	return n, err
}

// SetPollInterval changes how often an idle Dequeue checks for due tasks.
// Call it before the queue is shared between goroutines.
func (q *PostgresQueue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}

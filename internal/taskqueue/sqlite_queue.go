package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteQueue is a persistent leased queue backed by SQLite.
//
// SQLite serializes writers, so claiming a task is a single
// UPDATE ... RETURNING over the oldest visible row.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the queue table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			payload BLOB NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_tasks_visible ON queue_tasks(not_before, seq);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, payload, not_before, attempts)
		VALUES (?, ?, ?, ?)`,
		t.ID, data, t.NotBefore.UnixNano(), t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) claim(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	now := time.Now()

	var (
		payload   []byte
		notBefore int64
		attempts  int
	)
	err := q.db.QueryRowContext(ctx, `
		UPDATE queue_tasks
		SET lease_owner = ?, lease_expires_at = ?
		WHERE seq = (
			SELECT seq FROM queue_tasks
			WHERE not_before <= ? AND (lease_owner = '' OR lease_expires_at <= ?)
			ORDER BY not_before, seq
			LIMIT 1
		)
		RETURNING payload, not_before, attempts`,
		owner, now.Add(leaseTTL).UnixNano(), now.UnixNano(), now.UnixNano(),
	).Scan(&payload, &notBefore, &attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	t, err := DecodeTask(payload)
	if err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	// Nack rewrites these columns but not the payload.
	t.NotBefore = time.Unix(0, notBefore)
	t.Attempts = attempts
	return t, nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
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

func affectedOrNotLeased(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotLeased
	}
	return nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, taskID, owner string) error {
	return affectedOrNotLeased(q.db.ExecContext(ctx,
		`DELETE FROM queue_tasks WHERE id = ? AND lease_owner = ?`, taskID, owner))
}

func (q *SQLiteQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	return affectedOrNotLeased(q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET lease_owner = '', lease_expires_at = 0, not_before = ?, attempts = ?
		WHERE id = ? AND lease_owner = ?`,
		notBefore.UnixNano(), attempts, taskID, owner))
}

func (q *SQLiteQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return affectedOrNotLeased(q.db.ExecContext(ctx, `
		UPDATE queue_tasks SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(leaseTTL).UnixNano(), taskID, owner))
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_tasks`).Scan(&n)
	return n, err
}

// SetPollInterval changes how often an idle Dequeue checks for due tasks.
// Call it before the queue is shared between goroutines.
func (q *SQLiteQueue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}

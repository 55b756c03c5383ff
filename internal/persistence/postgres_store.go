package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/7ama2004/synapse/pkg/api"
)

// PostgresResultStore is a ResultStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver, e.g.
// "github.com/jackc/pgx/v5/stdlib". The caller is responsible for:
//   - importing the driver for its side effects:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open("pgx", dsn).
type PostgresResultStore struct {
	db *sql.DB
}

// Ensure PostgresResultStore implements ResultStore.
var _ ResultStore = (*PostgresResultStore)(nil)

// NewPostgresResultStore initializes the required schema in the given
// database and returns a new PostgresResultStore.
func NewPostgresResultStore(db *sql.DB) (*PostgresResultStore, error) {
	s := &PostgresResultStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresResultStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS results (
			run_id      TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			user_id     TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			created_at  BIGINT NOT NULL,
			payload     BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_results_created ON results (created_at DESC, run_id);
		CREATE TABLE IF NOT EXISTS run_cancellations (
			run_id       TEXT PRIMARY KEY,
			requested_at BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_leases (
			run_id     TEXT PRIMARY KEY,
			owner      TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		);
	`)
	return err
}

func (s *PostgresResultStore) UpsertResult(ctx context.Context, res *api.ExecutionResult) error {
	payload, err := encodeResult(res)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (run_id, workflow_id, user_id, status, created_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE
		SET workflow_id = EXCLUDED.workflow_id,
		    user_id     = EXCLUDED.user_id,
		    status      = EXCLUDED.status,
		    created_at  = EXCLUDED.created_at,
		    payload     = EXCLUDED.payload
	`,
		res.RunID,
		res.WorkflowID,
		res.UserID,
		string(res.Status),
		res.CreatedAt.UnixNano(),
		payload,
	)
	return err
}

func (s *PostgresResultStore) GetResult(ctx context.Context, runID string) (*api.ExecutionResult, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM results WHERE run_id = $1`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return decodeResult(payload)
}

func (s *PostgresResultStore) ListResults(ctx context.Context, filter ResultFilter) ([]*api.ExecutionResult, error) {
	query := `SELECT payload FROM results`
	var args []any
	var clauses []string

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = "+arg(filter.WorkflowID))
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = "+arg(filter.UserID))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = "+arg(string(filter.Status)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*api.ExecutionResult{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		res, err := decodeResult(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *PostgresResultStore) RequestCancel(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_cancellations (run_id, requested_at) VALUES ($1, $2)
		ON CONFLICT (run_id) DO NOTHING`,
		runID, time.Now().UnixNano(),
	)
	return err
}

func (s *PostgresResultStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM run_cancellations WHERE run_id = $1)`, runID,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresResultStore) ClearCancel(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_cancellations WHERE run_id = $1`, runID)
	return err
}

func (s *PostgresResultStore) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_leases (run_id, owner, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE run_leases.owner = EXCLUDED.owner OR run_leases.expires_at <= $4`,
		runID, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresResultStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_leases SET expires_at = $1
		WHERE run_id = $2 AND owner = $3`,
		time.Now().Add(ttl).UnixNano(), runID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *PostgresResultStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_leases WHERE run_id = $1 AND owner = $2`, runID, owner)
	return err
}

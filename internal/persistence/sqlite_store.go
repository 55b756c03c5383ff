package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/7ama2004/synapse/pkg/api"
)

// SQLiteStore is a DefinitionStore and ResultStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Results are stored as gob payloads next to the columns used for
// filtering and ordering.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var _ DefinitionStore = (*SQLiteStore)(nil)

var _ ResultStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS results (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at DESC, run_id);
		CREATE TABLE IF NOT EXISTS run_cancellations (
			run_id TEXT PRIMARY KEY,
			requested_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_leases (
			run_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def api.Definition) error {
	payload, err := encodeDefinition(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO definitions (id, name, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, payload = excluded.payload`,
		def.ID, def.Name, payload,
	)
	return err
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string) (api.Definition, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM definitions WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Definition{}, ErrDefinitionNotFound
		}
		return api.Definition{}, err
	}
	return decodeDefinition(payload)
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]api.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM definitions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Definition
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		def, err := decodeDefinition(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertResult(ctx context.Context, res *api.ExecutionResult) error {
	payload, err := encodeResult(res)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (run_id, workflow_id, user_id, status, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			user_id = excluded.user_id,
			status = excluded.status,
			created_at = excluded.created_at,
			payload = excluded.payload`,
		res.RunID,
		res.WorkflowID,
		res.UserID,
		string(res.Status),
		res.CreatedAt.UnixNano(),
		payload,
	)
	return err
}

func (s *SQLiteStore) GetResult(ctx context.Context, runID string) (*api.ExecutionResult, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM results WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return decodeResult(payload)
}

func (s *SQLiteStore) ListResults(ctx context.Context, filter ResultFilter) ([]*api.ExecutionResult, error) {
	query := `SELECT payload FROM results`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id ASC"

	// SQLite needs a LIMIT before OFFSET; -1 means unbounded.
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := -1
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
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

func (s *SQLiteStore) RequestCancel(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_cancellations (run_id, requested_at) VALUES (?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		runID, time.Now().UnixNano(),
	)
	return err
}

func (s *SQLiteStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_cancellations WHERE run_id = ?`, runID).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) ClearCancel(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_cancellations WHERE run_id = ?`, runID)
	return err
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_leases (run_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE run_leases.owner = excluded.owner OR run_leases.expires_at <= ?`,
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

func (s *SQLiteStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_leases SET expires_at = ?
		WHERE run_id = ? AND owner = ?`,
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

func (s *SQLiteStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_leases WHERE run_id = ? AND owner = ?`, runID, owner)
	return err
}

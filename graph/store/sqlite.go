package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store.
//
// Single-file database with zero setup, suitable for development and
// single-process production runs that must survive crashes. Uses WAL mode
// so readers never block on the writer, and a busy timeout so concurrent
// branch writes queue instead of failing.
//
// Schema:
//   - run_checkpoints: (run_id, node_id, step) -> payload, write-once
//   - run_node_status: (run_id, node_id) -> status marker, last-writer-wins
//   - run_meta:        run_id -> run status + lease
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the schema. Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY churn between branch goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, node_id, step)
		)`,
		`CREATE TABLE IF NOT EXISTS run_node_status (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			output BLOB,
			failure TEXT NOT NULL DEFAULT '',
			wait_event TEXT NOT NULL DEFAULT '',
			wait_since TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS run_meta (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ckpt_run_node ON run_checkpoints(run_id, node_id, step)`,
		`CREATE INDEX IF NOT EXISTS idx_status_run ON run_node_status(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// PutCheckpoint inserts the snapshot inside a transaction that also checks
// step monotonicity, so concurrent readers never see a partial row and a
// stale step can never clobber newer progress.
func (s *SQLiteStore) PutCheckpoint(ctx context.Context, runID, nodeID string, step int, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(step) FROM run_checkpoints WHERE run_id = ? AND node_id = ?`,
		runID, nodeID).Scan(&latest)
	if err != nil {
		return fmt.Errorf("query latest step: %w", err)
	}
	if latest.Valid && step <= int(latest.Int64) {
		return ErrStaleCheckpoint
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_checkpoints (run_id, node_id, step, payload) VALUES (?, ?, ?, ?)`,
		runID, nodeID, step, payload)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, runID, nodeID string) (int, []byte, error) {
	var step int
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT step, payload FROM run_checkpoints
		 WHERE run_id = ? AND node_id = ? ORDER BY step DESC LIMIT 1`,
		runID, nodeID).Scan(&step, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return step, payload, nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, runID, nodeID string, output []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_node_status (run_id, node_id, status, output, failure, wait_event, wait_since, updated_at)
		 VALUES (?, ?, 'completed', ?, '', '', NULL, CURRENT_TIMESTAMP)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
			status = 'completed', output = excluded.output, failure = '',
			wait_event = '', wait_since = NULL, updated_at = CURRENT_TIMESTAMP`,
		runID, nodeID, output)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Completed(ctx context.Context, runID, nodeID string) ([]byte, error) {
	var output []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT output FROM run_node_status
		 WHERE run_id = ? AND node_id = ? AND status = 'completed'`,
		runID, nodeID).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query completed: %w", err)
	}
	return output, nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, runID, nodeID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_node_status (run_id, node_id, status, output, failure, wait_event, wait_since, updated_at)
		 VALUES (?, ?, 'failed', NULL, ?, '', NULL, CURRENT_TIMESTAMP)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
			status = 'failed', output = NULL, failure = excluded.failure,
			wait_event = '', wait_since = NULL, updated_at = CURRENT_TIMESTAMP`,
		runID, nodeID, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkWaiting(ctx context.Context, runID, nodeID, event string, since time.Time) error {
	// Keep the original wait_since when re-suspending on the same event.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_node_status (run_id, node_id, status, output, failure, wait_event, wait_since, updated_at)
		 VALUES (?, ?, 'waiting', NULL, '', ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
			status = 'waiting', output = NULL, failure = '',
			wait_event = excluded.wait_event,
			wait_since = CASE
				WHEN run_node_status.status = 'waiting' AND run_node_status.wait_event = excluded.wait_event
				THEN run_node_status.wait_since
				ELSE excluded.wait_since
			END,
			updated_at = CURRENT_TIMESTAMP`,
		runID, nodeID, event, since.UTC())
	if err != nil {
		return fmt.Errorf("mark waiting: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearStatus(ctx context.Context, runID, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_node_status WHERE run_id = ? AND node_id = ?`, runID, nodeID)
	if err != nil {
		return fmt.Errorf("clear status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) NodeStatuses(ctx context.Context, runID string) (map[string]NodeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, status, output, failure, wait_event, wait_since
		 FROM run_node_status WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]NodeState)
	for rows.Next() {
		var nodeID string
		var st NodeState
		var since sql.NullTime
		if err := rows.Scan(&nodeID, &st.Status, &st.Output, &st.Failure, &st.WaitEvent, &since); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		if since.Valid {
			st.WaitSince = since.Time
		}
		out[nodeID] = st
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var curOwner string
	var curExpires sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT lease_owner, lease_expires FROM run_meta WHERE run_id = ?`, runID).
		Scan(&curOwner, &curExpires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_meta (run_id, status, lease_owner, lease_expires) VALUES (?, '', ?, ?)`,
			runID, owner, now.Add(ttl))
		if err != nil {
			return fmt.Errorf("insert lease: %w", err)
		}
	case err != nil:
		return fmt.Errorf("query lease: %w", err)
	default:
		if curOwner != "" && curOwner != owner && curExpires.Valid && now.Before(curExpires.Time) {
			return ErrLeaseHeld
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE run_meta SET lease_owner = ?, lease_expires = ? WHERE run_id = ?`,
			owner, now.Add(ttl), runID)
		if err != nil {
			return fmt.Errorf("update lease: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_meta SET lease_owner = '', lease_expires = NULL
		 WHERE run_id = ? AND lease_owner = ?`, runID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetRunStatus(ctx context.Context, runID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_meta (run_id, status) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET status = excluded.status`,
		runID, status)
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RunStatus(ctx context.Context, runID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM run_meta WHERE run_id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && status == "") {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query run status: %w", err)
	}
	return status, nil
}

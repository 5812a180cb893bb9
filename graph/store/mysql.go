package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed Store for shared, long-lived deployments
// where several services read the same run history.
//
// The DSN must include parseTime=true so TIMESTAMP columns scan into
// time.Time, e.g.:
//
//	user:pass@tcp(localhost:3306)/runs?parseTime=true
//
// Schema mirrors SQLiteStore with MySQL types. Step monotonicity is
// enforced in a transaction with SELECT ... FOR UPDATE so concurrent
// writers to the same node (which the engine never schedules, but a
// misbehaving second process might) cannot interleave.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects, verifies the connection, and migrates the
// schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id VARCHAR(255) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			payload MEDIUMBLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, node_id, step)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS run_node_status (
			run_id VARCHAR(255) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			output MEDIUMBLOB,
			failure TEXT,
			wait_event VARCHAR(255) NOT NULL DEFAULT '',
			wait_since TIMESTAMP NULL DEFAULT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, node_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS run_meta (
			run_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT '',
			lease_owner VARCHAR(255) NOT NULL DEFAULT '',
			lease_expires TIMESTAMP NULL DEFAULT NULL,
			PRIMARY KEY (run_id)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysql migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *MySQLStore) Close() error { return s.db.Close() }

func (s *MySQLStore) PutCheckpoint(ctx context.Context, runID, nodeID string, step int, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(step) FROM run_checkpoints WHERE run_id = ? AND node_id = ? FOR UPDATE`,
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

func (s *MySQLStore) LatestCheckpoint(ctx context.Context, runID, nodeID string) (int, []byte, error) {
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

func (s *MySQLStore) MarkCompleted(ctx context.Context, runID, nodeID string, output []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_node_status (run_id, node_id, status, output, failure, wait_event, wait_since)
		 VALUES (?, ?, 'completed', ?, '', '', NULL)
		 ON DUPLICATE KEY UPDATE
			status = 'completed', output = VALUES(output), failure = '',
			wait_event = '', wait_since = NULL`,
		runID, nodeID, output)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (s *MySQLStore) Completed(ctx context.Context, runID, nodeID string) ([]byte, error) {
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

func (s *MySQLStore) MarkFailed(ctx context.Context, runID, nodeID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_node_status (run_id, node_id, status, output, failure, wait_event, wait_since)
		 VALUES (?, ?, 'failed', NULL, ?, '', NULL)
		 ON DUPLICATE KEY UPDATE
			status = 'failed', output = NULL, failure = VALUES(failure),
			wait_event = '', wait_since = NULL`,
		runID, nodeID, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *MySQLStore) MarkWaiting(ctx context.Context, runID, nodeID, event string, since time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_node_status (run_id, node_id, status, output, failure, wait_event, wait_since)
		 VALUES (?, ?, 'waiting', NULL, '', ?, ?)
		 ON DUPLICATE KEY UPDATE
			wait_since = IF(status = 'waiting' AND wait_event = VALUES(wait_event), wait_since, VALUES(wait_since)),
			status = 'waiting', output = NULL, failure = '',
			wait_event = VALUES(wait_event)`,
		runID, nodeID, event, since.UTC())
	if err != nil {
		return fmt.Errorf("mark waiting: %w", err)
	}
	return nil
}

func (s *MySQLStore) ClearStatus(ctx context.Context, runID, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_node_status WHERE run_id = ? AND node_id = ?`, runID, nodeID)
	if err != nil {
		return fmt.Errorf("clear status: %w", err)
	}
	return nil
}

func (s *MySQLStore) NodeStatuses(ctx context.Context, runID string) (map[string]NodeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, status, output, COALESCE(failure, ''), wait_event, wait_since
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

func (s *MySQLStore) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var curOwner string
	var curExpires sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT lease_owner, lease_expires FROM run_meta WHERE run_id = ? FOR UPDATE`, runID).
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

func (s *MySQLStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_meta SET lease_owner = '', lease_expires = NULL
		 WHERE run_id = ? AND lease_owner = ?`, runID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *MySQLStore) SetRunStatus(ctx context.Context, runID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_meta (run_id, status) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE status = VALUES(status)`,
		runID, status)
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	return nil
}

func (s *MySQLStore) RunStatus(ctx context.Context, runID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM run_meta WHERE run_id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query run status: %w", err)
	}
	if status == "" {
		return "", ErrNotFound
	}
	return status, nil
}

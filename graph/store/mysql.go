package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store[S] and Locker.
//
// Designed for deployments where several processes serve the same sessions:
// checkpoints live in one table and Lock uses MySQL named locks
// (GET_LOCK/RELEASE_LOCK), so a session is serialized across processes.
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type MySQLStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	opts   options
}

// NewMySQLStore creates a new MySQL-backed store.
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/moniagent
//	user:password@tcp(127.0.0.1:3306)/moniagent?parseTime=true
//
// Never hardcode credentials; read the DSN from configuration.
func NewMySQLStore[S any](dsn string, opts ...Option) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	store := &MySQLStore[S]{
		db:   db,
		opts: applyOptions(opts),
	}

	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (m *MySQLStore[S]) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS session_checkpoints (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			node_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			state JSON NOT NULL,
			interrupted TINYINT(1) NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL,
			INDEX idx_updated_at (updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`

	if _, err := m.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create session_checkpoints table: %w", err)
	}
	return nil
}

func (m *MySQLStore[S]) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Save writes the checkpoint for cp.RunID, replacing any previous one.
func (m *MySQLStore[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
		INSERT INTO session_checkpoints (run_id, node_id, step, state, interrupted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			node_id = VALUES(node_id),
			step = VALUES(step),
			state = VALUES(state),
			interrupted = VALUES(interrupted),
			updated_at = VALUES(updated_at)
	`

	_, err = m.db.ExecContext(ctx, query,
		cp.RunID, cp.NodeID, cp.Step, stateJSON, cp.Interrupted, m.opts.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint for runID, or ErrNotFound if it is missing or expired.
func (m *MySQLStore[S]) Load(ctx context.Context, runID string) (Checkpoint[S], error) {
	if err := m.checkOpen(); err != nil {
		return Checkpoint[S]{}, err
	}

	query := `
		SELECT node_id, step, state, interrupted, updated_at
		FROM session_checkpoints
		WHERE run_id = ?
	`

	var (
		cp        = Checkpoint[S]{RunID: runID}
		stateJSON []byte
		updatedAt int64
	)
	err := m.db.QueryRowContext(ctx, query, runID).Scan(&cp.NodeID, &cp.Step, &stateJSON, &cp.Interrupted, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint[S]{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp.UpdatedAt = time.UnixMilli(updatedAt)
	if m.opts.expired(cp.UpdatedAt) {
		return Checkpoint[S]{}, ErrNotFound
	}

	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return cp, nil
}

// Delete removes the checkpoint for runID.
func (m *MySQLStore[S]) Delete(ctx context.Context, runID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, "DELETE FROM session_checkpoints WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Sweep deletes expired checkpoints. It is a no-op without a TTL.
func (m *MySQLStore[S]) Sweep(ctx context.Context) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	if m.opts.ttl <= 0 {
		return 0, nil
	}

	cutoff := m.opts.now().Add(-m.opts.ttl).UnixMilli()
	res, err := m.db.ExecContext(ctx, "DELETE FROM session_checkpoints WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept checkpoints: %w", err)
	}
	return int(n), nil
}

// Lock acquires a MySQL named lock for key.
//
// Named locks belong to a connection, so the lock pins one pooled connection
// until unlock is called.
func (m *MySQLStore[S]) Lock(ctx context.Context, key string) (func(), error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection for lock: %w", err)
	}

	name := lockName(key)
	wait := int(m.opts.lockTTL / time.Second)
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := int(time.Until(deadline) / time.Second); remaining < wait {
			wait = remaining
		}
	}

	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, wait).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire lock for %s: timed out", key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_, _ = conn.ExecContext(context.Background(), "SELECT RELEASE_LOCK(?)", name)
			_ = conn.Close()
		})
	}, nil
}

// Close closes the database connection pool.
//
// Calling Close multiple times is safe (subsequent calls are no-ops).
func (m *MySQLStore[S]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore[S]) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Stats returns database connection pool statistics.
func (m *MySQLStore[S]) Stats() sql.DBStats {
	return m.db.Stats()
}

// lockName maps a key onto MySQL's 64 character lock name limit.
func lockName(key string) string {
	sum := sha1.Sum([]byte(key)) // #nosec G401 -- name derivation, not security
	return "moniagent_" + hex.EncodeToString(sum[:])
}

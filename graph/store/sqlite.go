package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store[S] and Locker.
//
// It keeps one row per run in a single-file database, so a run suspended by
// one process can be resumed by the next process that opens the same file.
//
// Features:
//   - Single file database (e.g., "./sessions.db") or ":memory:"
//   - Auto-migration on first use
//   - WAL mode for concurrent reads
//   - Optional TTL on checkpoints (see WithTTL and Sweep)
//
// Locks are leases in the session_locks table, so processes sharing the file
// exclude each other as well as goroutines in one process. A held lease is
// renewed until released; WithLockTTL bounds how long a crashed holder
// blocks the session.
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type SQLiteStore[S any] struct {
	local KeyedMutex

	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
	opts   options
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// Example:
//
//	st, err := store.NewSQLiteStore[MyState]("./sessions.db", store.WithTTL(24*time.Hour))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore[S any](path string, opts ...Option) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)    // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)    // Keep connection open (required for :memory:)
	db.SetConnMaxLifetime(0) // No max lifetime for SQLite

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	store := &SQLiteStore[S]{
		db:   db,
		path: path,
		opts: applyOptions(opts),
	}

	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore[S]) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS session_checkpoints (
			run_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			state TEXT NOT NULL,
			interrupted INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create session_checkpoints table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_updated_at ON session_checkpoints(updated_at)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_updated_at: %w", err)
	}

	locksTable := `
		CREATE TABLE IF NOT EXISTS session_locks (
			run_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, locksTable); err != nil {
		return fmt.Errorf("failed to create session_locks table: %w", err)
	}

	return nil
}

func (s *SQLiteStore[S]) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Save writes the checkpoint for cp.RunID, replacing any previous one.
func (s *SQLiteStore[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
		INSERT INTO session_checkpoints (run_id, node_id, step, state, interrupted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			node_id = excluded.node_id,
			step = excluded.step,
			state = excluded.state,
			interrupted = excluded.interrupted,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		cp.RunID, cp.NodeID, cp.Step, string(stateJSON), boolToInt(cp.Interrupted), s.opts.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// Load returns the checkpoint for runID, or ErrNotFound if it is missing or expired.
func (s *SQLiteStore[S]) Load(ctx context.Context, runID string) (Checkpoint[S], error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint[S]{}, err
	}

	query := `
		SELECT node_id, step, state, interrupted, updated_at
		FROM session_checkpoints
		WHERE run_id = ?
	`

	var (
		cp          = Checkpoint[S]{RunID: runID}
		stateJSON   string
		interrupted int
		updatedAt   int64
	)
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&cp.NodeID, &cp.Step, &stateJSON, &interrupted, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint[S]{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp.UpdatedAt = time.UnixMilli(updatedAt)
	if s.opts.expired(cp.UpdatedAt) {
		return Checkpoint[S]{}, ErrNotFound
	}

	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	cp.Interrupted = interrupted != 0

	return cp, nil
}

// Delete removes the checkpoint for runID.
func (s *SQLiteStore[S]) Delete(ctx context.Context, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_checkpoints WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Lock acquires the lease for key, polling until it is free, expired, or ctx
// is done.
func (s *SQLiteStore[S]) Lock(ctx context.Context, key string) (func(), error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	release, err := s.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	ticker := time.NewTicker(s.opts.lockWait)
	defer ticker.Stop()

	for {
		ok, err := s.acquireLease(ctx, key, token)
		if err != nil {
			release()
			return nil, err
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := keepAlive(s.opts.lockTTL, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE session_locks SET expires_at = ? WHERE run_id = ? AND token = ?",
			time.Now().Add(s.opts.lockTTL).UnixMilli(), key, token)
		return err
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = s.db.ExecContext(ctx, "DELETE FROM session_locks WHERE run_id = ? AND token = ?", key, token)
			release()
		})
	}, nil
}

// acquireLease takes the lease row for key when it is absent or expired.
func (s *SQLiteStore[S]) acquireLease(ctx context.Context, key, token string) (bool, error) {
	now := time.Now()
	query := `
		INSERT INTO session_locks (run_id, token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE session_locks.expires_at <= ?
	`
	res, err := s.db.ExecContext(ctx, query, key, token, now.Add(s.opts.lockTTL).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return n == 1, nil
}

// Sweep deletes expired checkpoints. It is a no-op without a TTL.
func (s *SQLiteStore[S]) Sweep(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if s.opts.ttl <= 0 {
		return 0, nil
	}

	cutoff := s.opts.now().Add(-s.opts.ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx, "DELETE FROM session_checkpoints WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept checkpoints: %w", err)
	}
	return int(n), nil
}

// Close closes the database connection.
//
// Calling Close multiple times is safe (subsequent calls are no-ops).
func (s *SQLiteStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore[S]) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore[S]) Path() string {
	return s.path
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

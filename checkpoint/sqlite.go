package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/calagent/core"
)

// SQLiteStore is a durable Store backed by a single SQLite database file.
// Thread state is serialized as JSON in one row per thread, which keeps the
// lossless round-trip guarantee trivial. WAL mode is enabled for concurrent
// readers. Leases are held in-process: the single-writer discipline covers
// one process, matching how the assistant runs.
type SQLiteStore struct {
	conn   *sql.DB
	path   string
	leases *leaseTable
}

// DefaultDBPath returns the conventional location of the checkpoint database.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "calagent", "threads.db")
}

// OpenSQLite opens (and migrates) a checkpoint database at the given path,
// creating parent directories as needed.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id         TEXT PRIMARY KEY,
			phase      TEXT NOT NULL,
			payload    BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLiteStore{conn: conn, path: path, leases: newLeaseTable()}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.conn.Close() }

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*core.Thread, error) {
	var payload []byte
	err := s.conn.QueryRowContext(ctx, "SELECT payload FROM threads WHERE id = ?", threadID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}

	var thread core.Thread
	if err := json.Unmarshal(payload, &thread); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", threadID, err)
	}
	return &thread, nil
}

// Save implements Store. It rejects writes to a leased thread.
func (s *SQLiteStore) Save(ctx context.Context, thread *core.Thread) error {
	if s.leases.busy(thread.ID) {
		return ErrThreadBusy
	}
	return s.put(ctx, thread)
}

// Acquire implements Store.
func (s *SQLiteStore) Acquire(_ context.Context, threadID string) (*Lease, error) {
	if !s.leases.acquire(threadID) {
		return nil, ErrThreadBusy
	}
	return &Lease{
		threadID: threadID,
		save:     s.put,
		release:  func() { s.leases.release(threadID) },
	}, nil
}

// List implements Lister, sorted by most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT payload FROM threads")
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		var thread core.Thread
		if err := json.Unmarshal(payload, &thread); err != nil {
			return nil, fmt.Errorf("decode thread row: %w", err)
		}
		out = append(out, Summary{
			ThreadID: thread.ID,
			Phase:    thread.Phase,
			Messages: len(thread.Messages),
			Updated:  thread.Updated,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	return out, nil
}

// Delete removes a thread checkpoint. Retention is an external concern; the
// orchestration core never calls this itself.
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	if s.leases.busy(threadID) {
		return ErrThreadBusy
	}
	_, err := s.conn.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", threadID)
	return err
}

func (s *SQLiteStore) put(ctx context.Context, thread *core.Thread) error {
	payload, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("encode thread %s: %w", thread.ID, err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO threads (id, phase, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		thread.ID, string(thread.Phase), payload, thread.Created, thread.Updated)
	if err != nil {
		return fmt.Errorf("save thread %s: %w", thread.ID, err)
	}
	return nil
}

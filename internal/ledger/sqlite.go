package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger (
	job        TEXT    NOT NULL,
	task_key   TEXT    NOT NULL,
	count      INTEGER NOT NULL DEFAULT 0,
	done       INTEGER NOT NULL DEFAULT 0,
	attempts   INTEGER NOT NULL DEFAULT 0,
	cursor     TEXT    NOT NULL DEFAULT '',
	updated_at TEXT    NOT NULL,
	PRIMARY KEY (job, task_key)
)`

// SQLite is a ledger stored as rows of a table, one row per (job, task key). Rows are
// upserted individually, so workers in separate processes can share a database as long
// as they write disjoint keys.
type SQLite struct {
	db  *sql.DB
	job string

	mu      sync.RWMutex
	entries map[string]Entry
}

// OpenSQLite opens (creating if needed) the database at path and loads job's rows.
func OpenSQLite(ctx context.Context, path, job string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if job == "" {
		return nil, fmt.Errorf("ledger job is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating ledger table: %w", err)
	}
	l := &SQLite{db: db, job: job, entries: make(map[string]Entry)}
	if err := l.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLite) load(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT task_key, count, done, attempts, cursor FROM ledger WHERE job = ?`, l.job)
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			e   Entry
		)
		if err := rows.Scan(&key, &e.Count, &e.Done, &e.Attempts, &e.Cursor); err != nil {
			return fmt.Errorf("scanning ledger row: %w", err)
		}
		l.entries[key] = e
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating ledger rows: %w", err)
	}
	return nil
}

// Get returns the entry for key as loaded or last written by this process.
func (l *SQLite) Get(key string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[key]
	return e, ok
}

// Done reports whether key is marked done.
func (l *SQLite) Done(key string) bool {
	e, ok := l.Get(key)
	return ok && e.Done
}

// Put upserts the row for key.
func (l *SQLite) Put(ctx context.Context, key string, entry Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger (job, task_key, count, done, attempts, cursor, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job, task_key) DO UPDATE SET
			count = excluded.count,
			done = excluded.done,
			attempts = excluded.attempts,
			cursor = excluded.cursor,
			updated_at = excluded.updated_at`,
		l.job, key, entry.Count, entry.Done, entry.Attempts, entry.Cursor, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("writing ledger row %s: %w", key, err)
	}
	l.mu.Lock()
	l.entries[key] = entry
	l.mu.Unlock()
	return nil
}

// Snapshot returns a copy of every entry of this job.
func (l *SQLite) Snapshot() map[string]Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.entries)
}

// Close closes the database.
func (l *SQLite) Close() error {
	return l.db.Close()
}

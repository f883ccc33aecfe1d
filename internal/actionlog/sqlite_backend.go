package actionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteOperationTimeout = 15 * time.Second

const sqliteLogSchema = `
CREATE TABLE IF NOT EXISTS action_log (
	namespace TEXT PRIMARY KEY,
	snapshot TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`

// SQLiteBackend stores the snapshot as one row of a local SQLite file.
type SQLiteBackend struct {
	path      string
	namespace string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteBackend{path: path, namespace: Namespace}, nil
}

type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *SQLiteBackend) Load() ([]QueuedAction, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	return loadSQLiteSnapshot(ctx, b.db, b.namespace)
}

func (b *SQLiteBackend) Save(actions []QueuedAction) error {
	_, err := b.Update(func([]QueuedAction) ([]QueuedAction, error) {
		return actions, nil
	})
	return err
}

// Update runs fn inside a BEGIN IMMEDIATE transaction so a concurrent
// writer on the same file waits on busy_timeout instead of racing.
func (b *SQLiteBackend) Update(fn UpdateFunc) ([]QueuedAction, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	current, err := loadSQLiteSnapshot(ctx, conn, b.namespace)
	if err != nil {
		return nil, err
	}
	next, err := fn(cloneActions(current))
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = []QueuedAction{}
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO action_log (namespace, snapshot, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT (namespace)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		b.namespace, string(payload)); err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, err
	}
	committed = true
	return cloneActions(next), nil
}

func loadSQLiteSnapshot(ctx context.Context, q sqlQueryer, namespace string) ([]QueuedAction, error) {
	var payload string
	err := q.QueryRowContext(ctx, "SELECT snapshot FROM action_log WHERE namespace = ?", namespace).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var actions []QueuedAction
	if err := json.Unmarshal([]byte(payload), &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

func (b *SQLiteBackend) Clear() error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	_, err := b.db.Exec("DELETE FROM action_log WHERE namespace = ?", b.namespace)
	return err
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := OpenSQLite(b.path)
		if err != nil {
			b.initErr = err
			return
		}
		if _, err := db.Exec(sqliteLogSchema); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

// OpenSQLite opens a modernc SQLite database with WAL and a busy timeout,
// creating parent directories as needed.
func OpenSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	// busy_timeout rides on the DSN so every pooled connection gets it.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return db, nil
}

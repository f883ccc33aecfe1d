package actionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresLogTableName     = "thrivesync_action_log"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores the snapshot as one row keyed by namespace.
type PostgresBackend struct {
	dsn       string
	tableName string
	namespace string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresLogTableName,
		namespace: Namespace,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Load() ([]QueuedAction, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE namespace = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.namespace).Scan(&payload)
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

func (b *PostgresBackend) Save(actions []QueuedAction) error {
	_, err := b.Update(func([]QueuedAction) ([]QueuedAction, error) {
		return actions, nil
	})
	return err
}

// Update locks the namespace row with SELECT ... FOR UPDATE for the
// duration of fn, seeding an empty row first so there is always one to lock.
func (b *PostgresBackend) Update(fn UpdateFunc) ([]QueuedAction, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	table := postgresQuoteIdentifier(b.tableName)
	seed := fmt.Sprintf(`
		INSERT INTO %s (namespace, snapshot, updated_at)
		VALUES ($1, '[]', NOW())
		ON CONFLICT (namespace) DO NOTHING`, table)
	if _, err := tx.ExecContext(ctx, seed, b.namespace); err != nil {
		return nil, err
	}
	var payload string
	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE namespace = $1 FOR UPDATE", table)
	if err := tx.QueryRowContext(ctx, query, b.namespace).Scan(&payload); err != nil {
		return nil, err
	}
	var current []QueuedAction
	if err := json.Unmarshal([]byte(payload), &current); err != nil {
		return nil, err
	}
	next, err := fn(cloneActions(current))
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = []QueuedAction{}
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	update := fmt.Sprintf("UPDATE %s SET snapshot = $2, updated_at = NOW() WHERE namespace = $1", table)
	if _, err := tx.ExecContext(ctx, update, b.namespace, string(encoded)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cloneActions(next), nil
}

func (b *PostgresBackend) Clear() error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE namespace = $1", postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, b.namespace)
	return err
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

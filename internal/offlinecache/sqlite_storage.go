package offlinecache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/thrivewellness/thrivesync/internal/actionlog"
)

const sqliteCacheSchema = `
CREATE TABLE IF NOT EXISTS cache_namespaces (
	namespace TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS cache_entries (
	namespace TEXT NOT NULL,
	url TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BLOB,
	stored_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (namespace, url)
)`

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := actionlog.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteCacheSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Open(namespace string) (Cache, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, ErrInvalidInput
	}
	if _, err := s.db.Exec("INSERT INTO cache_namespaces (namespace) VALUES (?) ON CONFLICT DO NOTHING", namespace); err != nil {
		return nil, err
	}
	return &sqliteCache{db: s.db, namespace: namespace}, nil
}

func (s *SQLiteStorage) Namespaces() ([]string, error) {
	rows, err := s.db.Query("SELECT namespace FROM cache_namespaces ORDER BY namespace")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) Delete(namespace string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.Exec("DELETE FROM cache_namespaces WHERE namespace = ?", namespace)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec("DELETE FROM cache_entries WHERE namespace = ?", namespace); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteCache struct {
	db        *sql.DB
	namespace string
}

func (c *sqliteCache) Match(url string) (*Response, bool, error) {
	var (
		status int
		header string
		body   []byte
	)
	err := c.db.QueryRow(
		"SELECT status, header, body FROM cache_entries WHERE namespace = ? AND url = ?",
		c.namespace, url,
	).Scan(&status, &header, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	resp := &Response{Status: status, Body: body}
	if header != "" {
		var h http.Header
		if err := json.Unmarshal([]byte(header), &h); err != nil {
			return nil, false, err
		}
		resp.Header = h
	}
	return resp, true, nil
}

func (c *sqliteCache) Put(url string, resp *Response) error {
	if resp == nil {
		return ErrInvalidInput
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(`
		INSERT INTO cache_namespaces (namespace) VALUES (?) ON CONFLICT DO NOTHING`, c.namespace)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(`
		INSERT INTO cache_entries (namespace, url, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT (namespace, url)
		DO UPDATE SET status = excluded.status, header = excluded.header, body = excluded.body, stored_at = excluded.stored_at`,
		c.namespace, url, resp.Status, string(header), resp.Body)
	return err
}

package offlinecache

import (
	"errors"
	"net/http"
	"path/filepath"
	"testing"
)

func exerciseStorage(t *testing.T, storage Storage) {
	t.Helper()
	v1, err := storage.Open("thrive-v1")
	if err != nil {
		t.Fatalf("open v1 failed: %v", err)
	}
	if _, ok, err := v1.Match("/"); err != nil || ok {
		t.Fatalf("expected empty cache, ok=%v err=%v", ok, err)
	}
	resp := &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:   []byte("<h1>Thrive</h1>"),
	}
	if err := v1.Put("/", resp); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	resp.Body[0] = 'X'
	got, ok, err := v1.Match("/")
	if err != nil || !ok {
		t.Fatalf("expected stored response, ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "<h1>Thrive</h1>" || got.Header.Get("Content-Type") != "text/html; charset=utf-8" {
		t.Fatalf("unexpected stored response %+v", got)
	}

	if err := v1.Put("/", &Response{Status: http.StatusOK, Body: []byte("replaced")}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _, _ = v1.Match("/")
	if string(got.Body) != "replaced" {
		t.Fatalf("expected overwrite, got %s", got.Body)
	}

	v2, err := storage.Open("thrive-v2")
	if err != nil {
		t.Fatalf("open v2 failed: %v", err)
	}
	if _, ok, _ := v2.Match("/"); ok {
		t.Fatalf("expected namespaces to be isolated")
	}
	names, err := storage.Namespaces()
	if err != nil || len(names) != 2 || names[0] != "thrive-v1" || names[1] != "thrive-v2" {
		t.Fatalf("unexpected namespaces %v err=%v", names, err)
	}

	deleted, err := storage.Delete("thrive-v1")
	if err != nil || !deleted {
		t.Fatalf("expected delete to succeed, deleted=%v err=%v", deleted, err)
	}
	deleted, err = storage.Delete("thrive-v1")
	if err != nil || deleted {
		t.Fatalf("expected second delete to report false, deleted=%v err=%v", deleted, err)
	}
	if _, ok, _ := v1.Match("/"); ok {
		t.Fatalf("expected deleted namespace entries to be gone")
	}
	if err := v1.Put("/x", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for nil response, got %v", err)
	}
}

func TestMemoryStorage(t *testing.T) {
	exerciseStorage(t, NewMemoryStorage())
}

func TestSQLiteStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	storage, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("open sqlite storage failed: %v", err)
	}
	exerciseStorage(t, storage)
	if err := storage.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	cache, _ := reopened.Open("thrive-v2")
	if err := cache.Put("/habits", &Response{Status: 200, Body: []byte("habits")}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	names, _ := reopened.Namespaces()
	if len(names) != 1 || names[0] != "thrive-v2" {
		t.Fatalf("expected persisted namespaces, got %v", names)
	}
}

func TestBuildStorageFromDSN(t *testing.T) {
	for _, dsn := range []string{"", "memory://", "mem://"} {
		storage, err := BuildStorageFromDSN(dsn)
		if err != nil {
			t.Fatalf("dsn %q failed: %v", dsn, err)
		}
		if _, ok := storage.(*MemoryStorage); !ok {
			t.Fatalf("dsn %q: expected memory storage, got %T", dsn, storage)
		}
	}
	storage, err := BuildStorageFromDSN("sqlite://" + filepath.Join(t.TempDir(), "c.db"))
	if err != nil {
		t.Fatalf("sqlite dsn failed: %v", err)
	}
	if _, ok := storage.(*SQLiteStorage); !ok {
		t.Fatalf("expected sqlite storage, got %T", storage)
	}
	_ = storage.Close()
	if _, err := BuildStorageFromDSN("redis://localhost"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

package actionlog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBuildBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory backend failed: %v", err)
	}
	if _, ok := backend.(*InMemoryBackend); !ok {
		t.Fatalf("expected in-memory backend, got %T", backend)
	}
}

func TestBuildBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue", "actions.json")
	backend, err := BuildBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file backend failed: %v", err)
	}
	fb, ok := backend.(*FileBackend)
	if !ok {
		t.Fatalf("expected file backend, got %T", backend)
	}
	if fb.Path() != path {
		t.Fatalf("expected path %s, got %s", path, fb.Path())
	}
}

func TestBuildBackendFromDSNBarePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	backend, err := BuildBackendFromDSN(path)
	if err != nil {
		t.Fatalf("build bare path backend failed: %v", err)
	}
	if _, ok := backend.(*FileBackend); !ok {
		t.Fatalf("expected file backend, got %T", backend)
	}
}

func TestBuildBackendFromDSNRejectsUnsupportedScheme(t *testing.T) {
	if _, err := BuildBackendFromDSN("redis://localhost:6379/0"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error, got %v", err)
	}
	if _, err := BuildBackendFromDSN("gopher://example"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisterBackendFactory(t *testing.T) {
	scheme := "actionlogtestcustom"
	called := false
	RegisterBackendFactory(scheme, func(dsn string) (Backend, error) {
		called = true
		return NewInMemoryBackend(), nil
	})
	backend, err := BuildBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if backend == nil || !called {
		t.Fatalf("expected registered factory to produce the backend")
	}
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.db")
	backend, err := BuildBackendFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatalf("build sqlite backend failed: %v", err)
	}
	defer backend.Close()

	actions := []QueuedAction{
		{ID: "a1", Kind: KindHabitToggle, Payload: json.RawMessage(`{"habitId":"42"}`), CreatedAt: time.Unix(100, 0).UTC()},
		{ID: "a2", Kind: KindSettingsUpdate, Payload: json.RawMessage(`{"theme":"dark"}`), CreatedAt: time.Unix(200, 0).UTC()},
	}
	if err := backend.Save(actions); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "a1" || loaded[1].ID != "a2" {
		t.Fatalf("unexpected loaded actions: %+v", loaded)
	}
	if err := backend.Save(actions[1:]); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	loaded, _ = backend.Load()
	if len(loaded) != 1 || loaded[0].ID != "a2" {
		t.Fatalf("expected snapshot overwrite, got %+v", loaded)
	}
	if err := backend.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	loaded, _ = backend.Load()
	if len(loaded) != 0 {
		t.Fatalf("expected empty snapshot after clear, got %+v", loaded)
	}
}

func TestPostgresBackendRoundTrip(t *testing.T) {
	dsn := os.Getenv("THRIVESYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("THRIVESYNC_TEST_POSTGRES_DSN not set")
	}
	backend, err := BuildBackendFromDSN(dsn)
	if err != nil {
		t.Fatalf("build postgres backend failed: %v", err)
	}
	defer backend.Close()
	if err := backend.Clear(); err != nil {
		t.Fatalf("initial clear failed: %v", err)
	}
	log := newTestLog(t, backend)
	first, _ := log.Append(KindHabitToggle, json.RawMessage(`{"habitId":"42"}`))
	_, _ = log.Append(KindProfileUpdate, json.RawMessage(`{"bio":"hi"}`))
	log.Remove(first.ID)

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Kind != KindProfileUpdate {
		t.Fatalf("unexpected postgres snapshot: %+v", loaded)
	}
	log.Clear()
}

func TestWatchReloadsOnExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	backend, _ := NewFileBackend(path)
	log := newTestLog(t, backend)
	if _, err := log.Append(KindHabitToggle, json.RawMessage(`{"habitId":"1"}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- log.Watch(ctx, func() { changed <- struct{}{} })
	}()
	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	other, _ := NewFileBackend(path)
	if err := other.Clear(); err != nil {
		t.Fatalf("external clear failed: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected watcher to reload after external clear")
	}
	if log.Len() != 0 {
		t.Fatalf("expected reloaded log to be empty, got %d", log.Len())
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}

func TestWatchPollsSQLiteForExternalAppends(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "thrivesync.db")
	backend, err := BuildBackendFromDSN(dsn)
	if err != nil {
		t.Fatalf("build sqlite backend failed: %v", err)
	}
	daemon, err := Open(Options{Backend: backend, PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("open daemon log failed: %v", err)
	}
	defer daemon.Close()

	ctx, cancel := context.WithCancel(context.Background())
	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- daemon.Watch(ctx, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	cli := openSharedLog(t, dsn, "cli")
	if _, err := cli.Append(KindHabitToggle, json.RawMessage(`{"habitId":"42"}`)); err != nil {
		t.Fatalf("cli append failed: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected watcher to pick up the cli append")
	}
	if daemon.Len() != 1 {
		t.Fatalf("expected daemon to see 1 pending action, got %d", daemon.Len())
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}

package actionlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the log whenever another process changes the shared
// backend, e.g. `thrivesync enqueue` while the daemon runs, and calls
// onChange after each reload that changed something. File backends are
// watched with fsnotify; other backends are polled. It blocks until ctx
// is done.
func (l *Log) Watch(ctx context.Context, onChange func()) error {
	fb, ok := l.backend.(*FileBackend)
	if !ok {
		return l.poll(ctx, onChange)
	}
	dir := filepath.Dir(fb.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(fb.Path())
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if fb.wroteCurrent() {
				continue
			}
			l.reloadAndNotify(onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logf("action log watcher error: %v", err)
		}
	}
}

func (l *Log) poll(ctx context.Context, onChange func()) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.reloadAndNotify(onChange)
		}
	}
}

func (l *Log) reloadAndNotify(onChange func()) {
	changed, err := l.Reload()
	if err != nil {
		l.logf("failed to reload pending actions after external change: %v", err)
		return
	}
	if !changed {
		return
	}
	l.logf("pending actions reloaded after external change (%d pending)", l.Len())
	if onChange != nil {
		onChange()
	}
}

package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultVersion     = "thrive-v1.0.0"
	DefaultOfflinePath = "/offline"
	BackgroundSyncTag  = "background-sync"
	BackgroundSyncPath = "/api/sync"
)

// DefaultShell is the application shell pre-populated on install.
var DefaultShell = []string{
	"/",
	"/dashboard",
	"/habits",
	"/library",
	"/analytics",
	"/achievements",
	"/bookmarks",
	"/offline",
	"/manifest.json",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
}

type Logger interface {
	Printf(format string, args ...any)
}

type WorkerOptions struct {
	Storage     Storage
	Network     Network
	Notifier    Notifier
	Opener      WindowOpener
	Version     string
	Shell       []string
	OfflinePath string
	// InstallConcurrency bounds parallel shell fetches during Install.
	InstallConcurrency int
	Logger             Logger
	Now                func() time.Time
}

// Worker is the offline proxy lifecycle: install pre-caches the shell,
// activate retires older generations and fetch answers cache-first.
type Worker struct {
	storage            Storage
	network            Network
	notifier           Notifier
	opener             WindowOpener
	version            string
	shell              []string
	offlinePath        string
	installConcurrency int
	logger             Logger
	now                func() time.Time

	mu        sync.RWMutex
	installed bool
	activated bool
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("cache storage is required")
	}
	if opts.Network == nil {
		return nil, fmt.Errorf("network is required")
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = DefaultVersion
	}
	shell := opts.Shell
	if shell == nil {
		shell = DefaultShell
	}
	offlinePath := strings.TrimSpace(opts.OfflinePath)
	if offlinePath == "" {
		offlinePath = DefaultOfflinePath
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Worker{
		storage:            opts.Storage,
		network:            opts.Network,
		notifier:           opts.Notifier,
		opener:             opts.Opener,
		version:            version,
		shell:              append([]string(nil), shell...),
		offlinePath:        offlinePath,
		installConcurrency: concurrency,
		logger:             opts.Logger,
		now:                now,
	}, nil
}

func (w *Worker) Version() string {
	return w.version
}

// Install fetches every shell URL and stores them under the current
// version. Nothing is stored unless every fetch succeeds.
func (w *Worker) Install(ctx context.Context) error {
	responses := make([]*Response, len(w.shell))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.installConcurrency)
	for i, u := range w.shell {
		i, u := i, u
		g.Go(func() error {
			resp, err := w.network.Fetch(gctx, Request{Method: http.MethodGet, URL: u})
			if err != nil {
				return fmt.Errorf("install %s: %w", u, err)
			}
			if !resp.OK() {
				return fmt.Errorf("install %s: unexpected status %d", u, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	cache, err := w.storage.Open(w.version)
	if err != nil {
		return err
	}
	for i, u := range w.shell {
		if err := cache.Put(u, responses[i]); err != nil {
			return fmt.Errorf("store %s: %w", u, err)
		}
	}
	w.mu.Lock()
	w.installed = true
	w.mu.Unlock()
	w.logf("opened cache %s with %d shell entries", w.version, len(w.shell))
	return nil
}

// Activate deletes every cache namespace other than the current version.
func (w *Worker) Activate(ctx context.Context) error {
	names, err := w.storage.Namespaces()
	if err != nil {
		return err
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if name == w.version {
			continue
		}
		if _, err := w.storage.Delete(name); err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
		w.logf("deleting old cache: %s", name)
	}
	w.mu.Lock()
	w.activated = true
	w.mu.Unlock()
	return nil
}

// Fetch answers from the current cache when possible and otherwise goes
// to the network. Runtime responses are never cached. When the network
// fails on a document navigation the cached offline page is served.
func (w *Worker) Fetch(ctx context.Context, req Request) (*Response, error) {
	cacheable := req.method() == http.MethodGet || req.method() == http.MethodHead
	if cacheable {
		if resp, ok := w.match(req.URL); ok {
			return resp, nil
		}
	}
	resp, err := w.network.Fetch(ctx, req)
	if err == nil {
		return resp, nil
	}
	if req.Document && !errors.Is(err, context.Canceled) {
		if offline, ok := w.match(w.offlinePath); ok {
			w.logf("network failed for %s, serving offline page: %v", req.URL, err)
			return offline, nil
		}
	}
	return nil, err
}

func (w *Worker) match(url string) (*Response, bool) {
	cache, err := w.storage.Open(w.version)
	if err != nil {
		w.logf("open cache %s failed: %v", w.version, err)
		return nil, false
	}
	resp, ok, err := cache.Match(url)
	if err != nil {
		w.logf("cache lookup %s failed: %v", url, err)
		return nil, false
	}
	return resp, ok
}

// BackgroundSync handles a deferred sync registration. Unknown tags are
// ignored; failures are logged and not returned.
func (w *Worker) BackgroundSync(ctx context.Context, tag string) {
	if tag != BackgroundSyncTag {
		return
	}
	resp, err := w.network.Fetch(ctx, Request{Method: http.MethodGet, URL: BackgroundSyncPath})
	if err != nil {
		w.logf("background sync failed: %v", err)
		return
	}
	if !resp.OK() {
		w.logf("background sync failed: status %d", resp.Status)
		return
	}
	w.logf("background sync completed: %s", strings.TrimSpace(string(resp.Body)))
}

type WorkerStatus struct {
	Version   string   `json:"version"`
	Installed bool     `json:"installed"`
	Activated bool     `json:"activated"`
	Caches    []string `json:"caches"`
}

func (w *Worker) Status() WorkerStatus {
	w.mu.RLock()
	status := WorkerStatus{Version: w.version, Installed: w.installed, Activated: w.activated}
	w.mu.RUnlock()
	names, err := w.storage.Namespaces()
	if err != nil {
		w.logf("list caches failed: %v", err)
	}
	if names == nil {
		names = []string{}
	}
	status.Caches = names
	return status
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

package actionlog

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildBackendFromDSN picks a snapshot backend from the DSN scheme. An
// empty DSN yields an in-memory backend.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path)
	case "memory", "mem", "inmem":
		return NewInMemoryBackend(), nil
	case "sqlite", "sqlite3":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "redis", "rediss", "mysql":
		return nil, fmt.Errorf("%w: action log backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported action log scheme: %s", scheme)
	}
}

// DSNPath extracts a filesystem path from file-like DSNs such as
// file:///var/lib/x.json, sqlite://relative.db or a bare path.
func DSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

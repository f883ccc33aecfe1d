package offlinecache

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/thrivewellness/thrivesync/internal/actionlog"
)

var ErrInvalidInput = errors.New("invalid input")

// Response is a complete stored HTTP response.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

func (r *Response) clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
}

// Write copies the response onto w.
func (r *Response) Write(w http.ResponseWriter) {
	for key, values := range r.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(r.Body)
}

// Cache is one versioned namespace of stored responses keyed by request URL.
type Cache interface {
	Match(url string) (*Response, bool, error)
	Put(url string, resp *Response) error
}

type Storage interface {
	Open(namespace string) (Cache, error)
	Namespaces() ([]string, error)
	Delete(namespace string) (bool, error)
	Close() error
}

type MemoryStorage struct {
	mu     sync.Mutex
	caches map[string]map[string]*Response
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: map[string]map[string]*Response{}}
}

func (s *MemoryStorage) Open(namespace string) (Cache, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[namespace]; !ok {
		s.caches[namespace] = map[string]*Response{}
	}
	return &memoryCache{storage: s, namespace: namespace}, nil
}

func (s *MemoryStorage) Namespaces() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.caches))
	for name := range s.caches {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStorage) Delete(namespace string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[namespace]; !ok {
		return false, nil
	}
	delete(s.caches, namespace)
	return true, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

type memoryCache struct {
	storage   *MemoryStorage
	namespace string
}

func (c *memoryCache) Match(url string) (*Response, bool, error) {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	entries, ok := c.storage.caches[c.namespace]
	if !ok {
		return nil, false, nil
	}
	resp, ok := entries[url]
	if !ok {
		return nil, false, nil
	}
	return resp.clone(), true, nil
}

func (c *memoryCache) Put(url string, resp *Response) error {
	if resp == nil {
		return ErrInvalidInput
	}
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	entries, ok := c.storage.caches[c.namespace]
	if !ok {
		// Deleted while a handle was still open; recreate like the browser does.
		entries = map[string]*Response{}
		c.storage.caches[c.namespace] = entries
	}
	entries[url] = resp.clone()
	return nil
}

// BuildStorageFromDSN selects cache storage: empty or memory:// keeps
// responses in process, sqlite://path persists them.
func BuildStorageFromDSN(dsn string) (Storage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStorage(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryStorage(), nil
	case "sqlite", "sqlite3":
		path, err := actionlog.DSNPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStorage(path)
	default:
		return nil, fmt.Errorf("unsupported cache storage scheme: %s", parsed.Scheme)
	}
}

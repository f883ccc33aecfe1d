package actionlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const recentWriteHistory = 16

type fileLogState struct {
	Namespace string         `json:"namespace"`
	Actions   []QueuedAction `json:"actions"`
}

// FileBackend keeps the snapshot in a JSON file replaced atomically on
// every save.
type FileBackend struct {
	path string

	mu           sync.Mutex
	recentWrites []string
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileBackend{path: filepath.Clean(path)}, nil
}

func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Load() ([]QueuedAction, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snapshot fileLogState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return snapshot.Actions, nil
}

func (b *FileBackend) Save(actions []QueuedAction) error {
	_, err := b.Update(func([]QueuedAction) ([]QueuedAction, error) {
		return actions, nil
	})
	return err
}

// Update holds an exclusive lock on <path>.lock across the read, fn and
// the atomic rename.
func (b *FileBackend) Update(fn UpdateFunc) ([]QueuedAction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	unlock, err := lockFile(b.lockPath())
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := b.Load()
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
	data, err := json.Marshal(fileLogState{Namespace: Namespace, Actions: next})
	if err != nil {
		return nil, err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return nil, err
	}
	b.rememberWriteLocked(hashBytes(data))
	return cloneActions(next), nil
}

func (b *FileBackend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	unlock, err := lockFile(b.lockPath())
	if err != nil {
		return err
	}
	defer unlock()
	err = os.Remove(b.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	b.rememberWriteLocked("")
	return nil
}

func (b *FileBackend) lockPath() string {
	return b.path + ".lock"
}

func (b *FileBackend) Close() error {
	return nil
}

// wroteCurrent reports whether the file on disk is one this backend wrote.
func (b *FileBackend) wroteCurrent() bool {
	data, err := os.ReadFile(b.path)
	current := ""
	if err == nil {
		current = hashBytes(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.recentWrites {
		if h == current {
			return true
		}
	}
	return false
}

func (b *FileBackend) rememberWriteLocked(hash string) {
	b.recentWrites = append(b.recentWrites, hash)
	if len(b.recentWrites) > recentWriteHistory {
		b.recentWrites = b.recentWrites[len(b.recentWrites)-recentWriteHistory:]
	}
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

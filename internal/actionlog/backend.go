package actionlog

import (
	"sync"
)

// Backend stores the whole action log as a single value. Update runs
// fn against the stored value and writes the result while holding the
// backend's lock or transaction, so processes sharing one store never
// overwrite each other's changes.
type Backend interface {
	Load() ([]QueuedAction, error)
	Save(actions []QueuedAction) error
	Update(fn UpdateFunc) ([]QueuedAction, error)
	Clear() error
	Close() error
}

type UpdateFunc func(current []QueuedAction) ([]QueuedAction, error)

type InMemoryBackend struct {
	mu       sync.Mutex
	snapshot []QueuedAction
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load() ([]QueuedAction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneActions(b.snapshot), nil
}

func (b *InMemoryBackend) Save(actions []QueuedAction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = cloneActions(actions)
	return nil
}

func (b *InMemoryBackend) Update(fn UpdateFunc) ([]QueuedAction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := fn(cloneActions(b.snapshot))
	if err != nil {
		return nil, err
	}
	b.snapshot = cloneActions(next)
	return cloneActions(next), nil
}

func (b *InMemoryBackend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = nil
	return nil
}

func (b *InMemoryBackend) Close() error {
	return nil
}

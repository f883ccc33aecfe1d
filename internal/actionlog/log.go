package actionlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Backend   Backend
	Validator *PayloadValidator
	Logger    Logger
	Now       func() time.Time
	NewID     IDGenerator
	// PollInterval is how often Watch reloads backends that cannot be
	// watched through the filesystem. Defaults to 2s.
	PollInterval time.Duration
}

// Log is the ordered record of actions awaiting remote acknowledgment.
// The backend is authoritative and may be shared with other processes:
// every change is a read-modify-write inside the backend and the
// in-memory slice mirrors the result. Appends the backend failed to store
// are held in unsaved and merged into the next successful write.
type Log struct {
	mu           sync.Mutex
	backend      Backend
	validator    *PayloadValidator
	logger       Logger
	now          func() time.Time
	newID        IDGenerator
	pollInterval time.Duration
	actions      []QueuedAction
	unsaved      map[string]QueuedAction
}

func Open(opts Options) (*Log, error) {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryBackend()
	}
	validator := opts.Validator
	if validator == nil {
		var err error
		validator, err = NewPayloadValidator()
		if err != nil {
			return nil, err
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = NewUUIDv7
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	l := &Log{
		backend:      backend,
		validator:    validator,
		logger:       opts.Logger,
		now:          now,
		newID:        newID,
		pollInterval: pollInterval,
		actions:      []QueuedAction{},
		unsaved:      map[string]QueuedAction{},
	}
	actions, err := backend.Load()
	if err != nil {
		l.logf("failed to load pending actions: %v", err)
	} else {
		l.actions = cloneActions(actions)
	}
	return l, nil
}

func (l *Log) Append(kind string, payload json.RawMessage) (QueuedAction, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return QueuedAction{}, fmt.Errorf("%w: action kind is required", ErrInvalidInput)
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return QueuedAction{}, fmt.Errorf("%w: payload is not valid json", ErrInvalidPayload)
	}
	if err := l.validator.Validate(kind, payload); err != nil {
		return QueuedAction{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	action := QueuedAction{
		ID:        l.newID(),
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: l.now().UTC(),
	}
	if !l.updateLocked(func(current []QueuedAction) []QueuedAction {
		return append(current, action.clone())
	}) {
		l.unsaved[action.ID] = action.clone()
	}
	return action.clone(), nil
}

// Remove drops the action with id from the log. Removing an id that is
// not present is a no-op.
func (l *Log) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.unsaved, id)
	l.updateLocked(func(current []QueuedAction) []QueuedAction {
		return removeAction(current, id)
	})
}

func (l *Log) All() []QueuedAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneActions(l.actions)
}

func (l *Log) Get(id string) (QueuedAction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, action := range l.actions {
		if action.ID == id {
			return action.clone(), true
		}
	}
	return QueuedAction{}, false
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actions)
}

// Clear drops every pending action. Only called on explicit user request.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = []QueuedAction{}
	l.unsaved = map[string]QueuedAction{}
	if err := l.backend.Clear(); err != nil {
		l.logf("failed to clear pending actions: %v", err)
	}
}

// Reload refreshes the in-memory log from the backend, keeping any
// appends that have not reached the backend yet. It reports whether
// anything changed.
func (l *Log) Reload() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	actions, err := l.backend.Load()
	if err != nil {
		return false, err
	}
	merged := mergeActions(actions, l.unsaved)
	if sameActions(l.actions, merged) {
		return false, nil
	}
	l.actions = merged
	return true, nil
}

func (l *Log) Close() error {
	return l.backend.Close()
}

// updateLocked applies change to the stored log, folding in unsaved
// appends, and mirrors the result. If the backend fails the change is
// applied to the in-memory copy only and false is returned.
func (l *Log) updateLocked(change func([]QueuedAction) []QueuedAction) bool {
	stored, err := l.backend.Update(func(current []QueuedAction) ([]QueuedAction, error) {
		return change(mergeActions(current, l.unsaved)), nil
	})
	if err != nil {
		l.logf("failed to save pending actions: %v", err)
		l.actions = change(cloneActions(l.actions))
		return false
	}
	l.unsaved = map[string]QueuedAction{}
	l.actions = stored
	return true
}

func (l *Log) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

func removeAction(actions []QueuedAction, id string) []QueuedAction {
	out := actions[:0]
	for _, action := range actions {
		if action.ID != id {
			out = append(out, action)
		}
	}
	return out
}

// mergeActions returns base plus every extra action whose id base lacks,
// ordered by creation time and then id.
func mergeActions(base []QueuedAction, extra map[string]QueuedAction) []QueuedAction {
	out := cloneActions(base)
	if len(extra) == 0 {
		return out
	}
	seen := make(map[string]struct{}, len(out))
	for _, action := range out {
		seen[action.ID] = struct{}{}
	}
	added := false
	for id, action := range extra {
		if _, ok := seen[id]; ok {
			continue
		}
		out = append(out, action.clone())
		added = true
	}
	if added {
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
	}
	return out
}

func sameActions(a, b []QueuedAction) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

package actionsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/thrivewellness/thrivesync/internal/actionlog"
	"github.com/thrivewellness/thrivesync/internal/connectivity"
)

type Logger interface {
	Printf(format string, args ...any)
}

// ActionLog is the subset of *actionlog.Log the dispatcher drives.
type ActionLog interface {
	Append(kind string, payload json.RawMessage) (actionlog.QueuedAction, error)
	Remove(id string)
	All() []actionlog.QueuedAction
	Len() int
	Clear()
}

// Connectivity is the subset of *connectivity.Monitor the dispatcher reads.
type Connectivity interface {
	IsOnline() bool
	OnChange(fn func(connectivity.Event)) func()
}

type Options struct {
	Log     ActionLog
	Client  BackendClient
	Monitor Connectivity
	Routes  map[string]Route
	Logger  Logger
	Now     func() time.Time

	DispatchTimeout    time.Duration
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	MaxUnknownAttempts int
	RetryInterval      time.Duration
}

type Result struct {
	Offline      bool      `json:"offline,omitempty"`
	Attempted    int       `json:"attempted"`
	Acknowledged int       `json:"acknowledged"`
	Failed       int       `json:"failed"`
	Deferred     int       `json:"deferred"`
	Dropped      int       `json:"dropped"`
	Remaining    int       `json:"remaining"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

type AttemptStatus struct {
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"nextAttempt"`
	LastError   string    `json:"lastError,omitempty"`
}

type Status struct {
	Online   bool                     `json:"online"`
	Pending  int                      `json:"pending"`
	InFlight string                   `json:"inFlight,omitempty"`
	LastSync *Result                  `json:"lastSync,omitempty"`
	Attempts map[string]AttemptStatus `json:"attempts"`
}

// Dispatcher replays queued actions against the backend one at a time, in
// log order. An action leaves the log only after the backend acknowledges
// it, so delivery is at-least-once.
type Dispatcher struct {
	log     ActionLog
	client  BackendClient
	monitor Connectivity
	routes  map[string]Route
	logger  Logger
	now     func() time.Time

	dispatchTimeout    time.Duration
	baseBackoff        time.Duration
	maxBackoff         time.Duration
	maxUnknownAttempts int
	retryInterval      time.Duration

	kick chan struct{}

	// syncMu serializes replay passes.
	syncMu sync.Mutex

	mu       sync.Mutex
	attempts map[string]AttemptStatus
	inFlight string
	lastSync *Result
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Log == nil {
		return nil, fmt.Errorf("action log is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("backend client is required")
	}
	routes := opts.Routes
	if routes == nil {
		routes = DefaultRoutes()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	d := &Dispatcher{
		log:                opts.Log,
		client:             opts.Client,
		monitor:            opts.Monitor,
		routes:             routes,
		logger:             opts.Logger,
		now:                now,
		dispatchTimeout:    opts.DispatchTimeout,
		baseBackoff:        opts.BaseBackoff,
		maxBackoff:         opts.MaxBackoff,
		maxUnknownAttempts: opts.MaxUnknownAttempts,
		retryInterval:      opts.RetryInterval,
		kick:               make(chan struct{}, 1),
		attempts:           map[string]AttemptStatus{},
	}
	if d.dispatchTimeout <= 0 {
		d.dispatchTimeout = 30 * time.Second
	}
	if d.baseBackoff <= 0 {
		d.baseBackoff = time.Second
	}
	if d.maxBackoff <= 0 {
		d.maxBackoff = 5 * time.Minute
	}
	if d.maxBackoff < d.baseBackoff {
		d.maxBackoff = d.baseBackoff
	}
	if d.maxUnknownAttempts <= 0 {
		d.maxUnknownAttempts = 3
	}
	if d.retryInterval <= 0 {
		d.retryInterval = 15 * time.Second
	}
	return d, nil
}

func (d *Dispatcher) online() bool {
	if d.monitor == nil {
		return true
	}
	return d.monitor.IsOnline()
}

// Enqueue records the action and, when online, schedules a replay pass.
func (d *Dispatcher) Enqueue(kind string, payload json.RawMessage) (actionlog.QueuedAction, error) {
	action, err := d.log.Append(kind, payload)
	if err != nil {
		return actionlog.QueuedAction{}, err
	}
	if d.online() {
		d.Kick()
	}
	return action, nil
}

// Kick asks Run for a replay pass. Multiple kicks before the pass starts
// collapse into one.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Dispatch sends one action to its mapped endpoint, bounded by the
// dispatch timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, action actionlog.QueuedAction) error {
	route, ok := d.routes[action.Kind]
	if !ok {
		return &UnknownKindError{Kind: action.Kind}
	}
	ctx, cancel := context.WithTimeout(ctx, d.dispatchTimeout)
	defer cancel()
	return d.client.Send(ctx, route, action.ID, action.Payload)
}

// SyncAll makes one ordered pass over the log. A failing action stays
// queued and the pass moves on to the next one. Actions still inside
// their backoff window are left for a later pass.
func (d *Dispatcher) SyncAll(ctx context.Context) (result Result) {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	result = Result{StartedAt: d.now()}
	defer func() {
		result.FinishedAt = d.now()
		result.Remaining = d.log.Len()
		d.mu.Lock()
		snapshot := result
		d.lastSync = &snapshot
		d.mu.Unlock()
	}()

	if !d.online() {
		result.Offline = true
		return result
	}
	actions := d.log.All()
	if len(actions) == 0 {
		return result
	}
	d.pruneAttempts(actions)
	d.logf("syncing pending actions: %d", len(actions))

	for _, action := range actions {
		if ctx.Err() != nil {
			break
		}
		state := d.attemptState(action.ID)
		if state.Attempts > 0 && d.now().Before(state.NextAttempt) {
			result.Deferred++
			continue
		}

		d.setInFlight(action.ID)
		result.Attempted++
		err := d.Dispatch(ctx, action)
		d.setInFlight("")

		if err == nil {
			d.log.Remove(action.ID)
			d.clearAttempt(action.ID)
			result.Acknowledged++
			d.logf("action synced successfully: %s (%s)", action.Kind, action.ID)
			continue
		}
		if ctx.Err() != nil {
			// Interrupted mid-flight; the action stays queued untouched.
			result.Attempted--
			break
		}

		var unknown *UnknownKindError
		if errors.As(err, &unknown) {
			state = d.recordFailure(action.ID, err)
			if state.Attempts >= d.maxUnknownAttempts {
				d.log.Remove(action.ID)
				d.clearAttempt(action.ID)
				result.Dropped++
				d.logf("warning: dropping action %s after %d attempts: %v", action.ID, state.Attempts, err)
				continue
			}
			result.Failed++
			d.logf("warning: %v (action %s, attempt %d/%d)", err, action.ID, state.Attempts, d.maxUnknownAttempts)
			continue
		}

		state = d.recordFailure(action.ID, err)
		result.Failed++
		d.logf("failed to sync action %s (%s), attempt %d, next retry in %s: %v",
			action.ID, action.Kind, state.Attempts, state.NextAttempt.Sub(d.now()).Round(time.Millisecond), err)
	}
	return result
}

// Run drives replay passes until ctx is done: on Kick, on every
// offline->online transition, and periodically while actions remain.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.monitor != nil {
		unsubscribe := d.monitor.OnChange(func(e connectivity.Event) {
			if e.Kind == connectivity.BecameOnline {
				d.resetBackoff()
				d.Kick()
			}
		})
		defer unsubscribe()
	}
	if d.online() && d.log.Len() > 0 {
		d.Kick()
	}
	ticker := time.NewTicker(d.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.kick:
			d.SyncAll(ctx)
		case <-ticker.C:
			if d.online() && d.log.Len() > 0 {
				d.SyncAll(ctx)
			}
		}
	}
}

// Clear drops every queued action and its retry bookkeeping. Only for
// explicit user requests.
func (d *Dispatcher) Clear() {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()
	d.log.Clear()
	d.mu.Lock()
	d.attempts = map[string]AttemptStatus{}
	d.mu.Unlock()
}

func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	attempts := make(map[string]AttemptStatus, len(d.attempts))
	for id, st := range d.attempts {
		attempts[id] = st
	}
	var last *Result
	if d.lastSync != nil {
		snapshot := *d.lastSync
		last = &snapshot
	}
	return Status{
		Online:   d.online(),
		Pending:  d.log.Len(),
		InFlight: d.inFlight,
		LastSync: last,
		Attempts: attempts,
	}
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	return delay
}

// retryDelay picks the wait before the next attempt: the server's
// Retry-After for 429/503, the longest backoff for requests the backend
// rejected outright, exponential backoff otherwise.
func (d *Dispatcher) retryDelay(attempts int, err error) time.Duration {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return d.backoff(attempts)
	}
	switch {
	case httpErr.RetryAfter > 0 && (httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode == http.StatusServiceUnavailable):
		return httpErr.RetryAfter
	case !httpErr.Retryable():
		return d.maxBackoff
	default:
		return d.backoff(attempts)
	}
}

func (d *Dispatcher) attemptState(id string) AttemptStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[id]
}

func (d *Dispatcher) recordFailure(id string, err error) AttemptStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.attempts[id]
	st.Attempts++
	st.NextAttempt = d.now().Add(d.retryDelay(st.Attempts, err))
	st.LastError = err.Error()
	d.attempts[id] = st
	return st
}

func (d *Dispatcher) clearAttempt(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attempts, id)
}

func (d *Dispatcher) pruneAttempts(actions []actionlog.QueuedAction) {
	live := make(map[string]struct{}, len(actions))
	for _, action := range actions {
		live[action.ID] = struct{}{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.attempts {
		if _, ok := live[id]; !ok {
			delete(d.attempts, id)
		}
	}
}

// resetBackoff makes every queued action eligible for the next pass while
// keeping attempt counts.
func (d *Dispatcher) resetBackoff() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, st := range d.attempts {
		st.NextAttempt = time.Time{}
		d.attempts[id] = st
	}
}

func (d *Dispatcher) setInFlight(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = id
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}

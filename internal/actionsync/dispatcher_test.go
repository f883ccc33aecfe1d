package actionsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/thrivewellness/thrivesync/internal/actionlog"
	"github.com/thrivewellness/thrivesync/internal/connectivity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentCall struct {
	Route    Route
	ActionID string
	Payload  string
}

type fakeClient struct {
	mu    sync.Mutex
	calls []sentCall
	fail  map[string]error
	block chan struct{}
}

func (c *fakeClient) Send(ctx context.Context, route Route, actionID string, payload json.RawMessage) error {
	c.mu.Lock()
	c.calls = append(c.calls, sentCall{Route: route, ActionID: actionID, Payload: string(payload)})
	err := c.fail[actionID]
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *fakeClient) setFailure(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail == nil {
		c.fail = map[string]error{}
	}
	if err == nil {
		delete(c.fail, id)
		return
	}
	c.fail[id] = err
}

func (c *fakeClient) sent() []sentCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentCall(nil), c.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	log        *actionlog.Log
	client     *fakeClient
	monitor    *connectivity.Monitor
	clock      *fakeClock
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	clock := newFakeClock()
	n := 0
	log, err := actionlog.Open(actionlog.Options{
		Now: clock.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("A%d", n)
		},
	})
	if err != nil {
		t.Fatalf("open log failed: %v", err)
	}
	monitor := connectivity.NewMonitor(context.Background(), connectivity.MonitorOptions{Initial: online})
	client := &fakeClient{}
	d, err := New(Options{
		Log:           log,
		Client:        client,
		Monitor:       monitor,
		Now:           clock.Now,
		BaseBackoff:   time.Second,
		MaxBackoff:    8 * time.Second,
		RetryInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}
	return &fixture{log: log, client: client, monitor: monitor, clock: clock, dispatcher: d}
}

func (f *fixture) enqueue(t *testing.T, kind, payload string) actionlog.QueuedAction {
	t.Helper()
	action, err := f.dispatcher.Enqueue(kind, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("enqueue %s failed: %v", kind, err)
	}
	return action
}

func TestSyncAllEmptyQueueMakesNoCalls(t *testing.T) {
	f := newFixture(t, true)
	result := f.dispatcher.SyncAll(context.Background())
	if result.Attempted != 0 || len(f.client.sent()) != 0 {
		t.Fatalf("expected no remote calls for empty queue, got %+v", result)
	}
}

func TestHabitToggleScenario(t *testing.T) {
	f := newFixture(t, false)
	f.enqueue(t, actionlog.KindHabitToggle, `{"habitId":"42"}`)
	if f.log.Len() != 1 {
		t.Fatalf("expected one queued action, got %d", f.log.Len())
	}
	if result := f.dispatcher.SyncAll(context.Background()); !result.Offline {
		t.Fatalf("expected offline pass to be skipped, got %+v", result)
	}
	if len(f.client.sent()) != 0 {
		t.Fatalf("expected no calls while offline")
	}

	f.monitor.Set(true)
	result := f.dispatcher.SyncAll(context.Background())
	calls := f.client.sent()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one remote call, got %d", len(calls))
	}
	if calls[0].Route.Path != "/api/habits/toggle" || calls[0].Route.Method != "POST" {
		t.Fatalf("unexpected route %+v", calls[0].Route)
	}
	if calls[0].Payload != `{"habitId":"42"}` {
		t.Fatalf("unexpected payload %s", calls[0].Payload)
	}
	if result.Acknowledged != 1 || f.log.Len() != 0 {
		t.Fatalf("expected acknowledged action to leave the log, result=%+v pending=%d", result, f.log.Len())
	}
}

func TestSyncAllPreservesOrderAndContinuesPastFailure(t *testing.T) {
	f := newFixture(t, false)
	a1 := f.enqueue(t, actionlog.KindHabitToggle, `{"habitId":"1"}`)
	a2 := f.enqueue(t, actionlog.KindProfileUpdate, `{"full_name":"Ada"}`)
	a3 := f.enqueue(t, actionlog.KindSettingsUpdate, `{"reminders":true}`)
	f.client.setFailure(a2.ID, &HTTPError{StatusCode: 503, Message: "unavailable"})

	f.monitor.Set(true)
	result := f.dispatcher.SyncAll(context.Background())

	calls := f.client.sent()
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	for i, want := range []string{a1.ID, a2.ID, a3.ID} {
		if calls[i].ActionID != want {
			t.Fatalf("call %d: expected %s, got %s", i, want, calls[i].ActionID)
		}
	}
	if result.Acknowledged != 2 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	pending := f.log.All()
	if len(pending) != 1 || pending[0].ID != a2.ID {
		t.Fatalf("expected only %s pending, got %+v", a2.ID, pending)
	}

	// A1 must not be retried; A2 waits out its backoff.
	f.dispatcher.SyncAll(context.Background())
	if got := len(f.client.sent()); got != 3 {
		t.Fatalf("expected no calls inside backoff window, got %d total", got)
	}
	f.clock.Advance(time.Second)
	f.client.setFailure(a2.ID, nil)
	result = f.dispatcher.SyncAll(context.Background())
	calls = f.client.sent()
	if len(calls) != 4 || calls[3].ActionID != a2.ID {
		t.Fatalf("expected retry of %s only, got %+v", a2.ID, calls)
	}
	if result.Acknowledged != 1 || f.log.Len() != 0 {
		t.Fatalf("expected retry to drain the log, result=%+v", result)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	f := newFixture(t, true)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := f.dispatcher.backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestFailedActionRecordsAttempts(t *testing.T) {
	f := newFixture(t, true)
	action := f.enqueue(t, actionlog.KindHabitToggle, `{"habitId":"9"}`)
	f.client.setFailure(action.ID, errors.New("connection refused"))

	for i := 0; i < 3; i++ {
		f.dispatcher.SyncAll(context.Background())
		f.clock.Advance(time.Minute)
	}
	status := f.dispatcher.Status()
	st, ok := status.Attempts[action.ID]
	if !ok || st.Attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %+v", status.Attempts)
	}
	if st.LastError != "connection refused" {
		t.Fatalf("unexpected last error %q", st.LastError)
	}
	if status.Pending != 1 {
		t.Fatalf("expected action to remain queued, got pending=%d", status.Pending)
	}
}

func TestUnknownKindDroppedAfterBoundedAttempts(t *testing.T) {
	f := newFixture(t, true)
	unknown := f.enqueue(t, "bookmark-add", `{"contentId":"7"}`)
	known := f.enqueue(t, actionlog.KindHabitToggle, `{"habitId":"3"}`)

	result := f.dispatcher.SyncAll(context.Background())
	if result.Failed != 1 || result.Acknowledged != 1 {
		t.Fatalf("unexpected first pass result %+v", result)
	}
	for _, call := range f.client.sent() {
		if call.ActionID == unknown.ID {
			t.Fatalf("unknown kind must never reach the backend")
		}
	}
	if _, ok := f.log.Get(unknown.ID); !ok {
		t.Fatalf("expected unknown action to stay queued after first attempt")
	}
	if _, ok := f.log.Get(known.ID); ok {
		t.Fatalf("expected known action to be acknowledged")
	}

	f.clock.Advance(time.Minute)
	f.dispatcher.SyncAll(context.Background())
	f.clock.Advance(time.Minute)
	result = f.dispatcher.SyncAll(context.Background())
	if result.Dropped != 1 {
		t.Fatalf("expected unknown action dropped on third attempt, got %+v", result)
	}
	if f.log.Len() != 0 {
		t.Fatalf("expected empty log after drop, got %d", f.log.Len())
	}
}

func TestInterruptedDispatchKeepsAction(t *testing.T) {
	f := newFixture(t, true)
	action := f.enqueue(t, actionlog.KindHabitToggle, `{"habitId":"5"}`)
	f.client.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- f.dispatcher.SyncAll(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(f.client.sent()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("dispatch never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	result := <-done
	if result.Attempted != 0 || result.Failed != 0 {
		t.Fatalf("expected interrupted pass to record nothing, got %+v", result)
	}
	if _, ok := f.log.Get(action.ID); !ok {
		t.Fatalf("expected interrupted action to stay queued")
	}
	if st := f.dispatcher.Status().Attempts[action.ID]; st.Attempts != 0 {
		t.Fatalf("expected no backoff for interrupted dispatch, got %+v", st)
	}

	f.client.block = nil
	f.dispatcher.SyncAll(context.Background())
	if f.log.Len() != 0 {
		t.Fatalf("expected retried action to be acknowledged")
	}
	if calls := f.client.sent(); len(calls) != 2 || calls[1].ActionID != action.ID {
		t.Fatalf("expected at-least-once redelivery, got %+v", calls)
	}
}

func TestDispatchTimeoutBoundsStalledCall(t *testing.T) {
	f := newFixture(t, true)
	f.dispatcher.dispatchTimeout = 20 * time.Millisecond
	f.client.block = make(chan struct{})
	defer close(f.client.block)
	action := f.enqueue(t, actionlog.KindHabitToggle, `{"habitId":"11"}`)
	err := f.dispatcher.Dispatch(context.Background(), action)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunReplaysOnReconnect(t *testing.T) {
	f := newFixture(t, false)
	f.enqueue(t, actionlog.KindHabitToggle, `{"habitId":"1"}`)
	f.enqueue(t, actionlog.KindHabitToggle, `{"habitId":"2"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	if len(f.client.sent()) != 0 {
		t.Fatalf("expected no replay while offline")
	}
	f.monitor.Set(true)

	deadline := time.After(2 * time.Second)
	for f.log.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("expected reconnect to drain queue, pending=%d", f.log.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	calls := f.client.sent()
	if len(calls) != 2 || calls[0].Payload != `{"habitId":"1"}` || calls[1].Payload != `{"habitId":"2"}` {
		t.Fatalf("unexpected replay order %+v", calls)
	}
}

func TestEnqueueWhileOnlineTriggersRun(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Run(ctx) }()

	f.enqueue(t, actionlog.KindSettingsUpdate, `{"theme":"light"}`)
	deadline := time.After(2 * time.Second)
	for f.log.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("expected enqueue to trigger immediate replay")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
	calls := f.client.sent()
	if len(calls) != 1 || calls[0].Route.Method != "PUT" || calls[0].Route.Path != "/api/user/settings" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestClearDropsQueueAndAttempts(t *testing.T) {
	f := newFixture(t, true)
	action := f.enqueue(t, actionlog.KindHabitToggle, `{"habitId":"1"}`)
	f.client.setFailure(action.ID, errors.New("boom"))
	f.dispatcher.SyncAll(context.Background())
	f.dispatcher.Clear()
	status := f.dispatcher.Status()
	if status.Pending != 0 || len(status.Attempts) != 0 {
		t.Fatalf("expected clear to reset state, got %+v", status)
	}
}

func TestNewRequiresLogAndClient(t *testing.T) {
	if _, err := New(Options{Client: &fakeClient{}}); err == nil {
		t.Fatalf("expected error without log")
	}
	log, _ := actionlog.Open(actionlog.Options{})
	if _, err := New(Options{Log: log}); err == nil {
		t.Fatalf("expected error without client")
	}
}

func TestRetryDelayFollowsBackendResponse(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"rate limited honours retry-after", &HTTPError{StatusCode: 429, RetryAfter: 30 * time.Second}, 30 * time.Second},
		{"unavailable honours retry-after", &HTTPError{StatusCode: 503, RetryAfter: 5 * time.Second}, 5 * time.Second},
		{"unavailable without hint backs off", &HTTPError{StatusCode: 503}, time.Second},
		{"bad request waits longest", &HTTPError{StatusCode: 400, Message: "invalid habit"}, 8 * time.Second},
		{"retry-after ignored for other statuses", &HTTPError{StatusCode: 500, RetryAfter: time.Minute}, time.Second},
		{"transport error backs off", errors.New("connection refused"), time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true)
			action := f.enqueue(t, actionlog.KindHabitToggle, `{"habitId":"42"}`)
			f.client.setFailure(action.ID, tc.err)

			f.dispatcher.SyncAll(context.Background())

			st := f.dispatcher.Status().Attempts[action.ID]
			if st.Attempts != 1 {
				t.Fatalf("expected 1 recorded attempt, got %d", st.Attempts)
			}
			if got := st.NextAttempt.Sub(f.clock.Now()); got != tc.want {
				t.Fatalf("expected next attempt in %s, got %s", tc.want, got)
			}
			if f.log.Len() != 1 {
				t.Fatalf("expected failed action to stay queued")
			}
		})
	}
}

func TestRateLimitedActionWaitsForRetryAfter(t *testing.T) {
	f := newFixture(t, true)
	action := f.enqueue(t, actionlog.KindHabitToggle, `{"habitId":"42"}`)
	f.client.setFailure(action.ID, &HTTPError{StatusCode: 429, RetryAfter: 20 * time.Second})
	f.dispatcher.SyncAll(context.Background())
	f.client.setFailure(action.ID, nil)

	f.clock.Advance(10 * time.Second)
	if res := f.dispatcher.SyncAll(context.Background()); res.Deferred != 1 || res.Attempted != 0 {
		t.Fatalf("expected action deferred inside retry-after window, got %+v", res)
	}
	f.clock.Advance(10 * time.Second)
	if res := f.dispatcher.SyncAll(context.Background()); res.Acknowledged != 1 {
		t.Fatalf("expected action replayed once retry-after elapsed, got %+v", res)
	}
	if f.log.Len() != 0 {
		t.Fatalf("expected log empty after acknowledgment")
	}
}

package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []EventKind
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.Kind)
}

func (r *eventRecorder) snapshot() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventKind(nil), r.events...)
}

func TestMonitorInitialStateFromProber(t *testing.T) {
	m := NewMonitor(context.Background(), MonitorOptions{
		Prober: ProberFunc(func(context.Context) bool { return false }),
	})
	if m.IsOnline() {
		t.Fatalf("expected initial state offline from prober")
	}
	m = NewMonitor(context.Background(), MonitorOptions{Initial: true})
	if !m.IsOnline() {
		t.Fatalf("expected initial state online from options")
	}
}

func TestMonitorEmitsOncePerTransition(t *testing.T) {
	m := NewMonitor(context.Background(), MonitorOptions{Initial: false})
	rec := &eventRecorder{}
	m.OnChange(rec.record)

	signals := []bool{false, true, true, true, false, false, true}
	for _, s := range signals {
		m.Set(s)
	}
	got := rec.snapshot()
	want := []EventKind{BecameOnline, BecameOffline, BecameOnline}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestMonitorUnsubscribe(t *testing.T) {
	m := NewMonitor(context.Background(), MonitorOptions{})
	rec := &eventRecorder{}
	cancel := m.OnChange(rec.record)
	m.Set(true)
	cancel()
	m.Set(false)
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("expected single event before unsubscribe, got %v", got)
	}
}

func TestMonitorRunProbesPeriodically(t *testing.T) {
	var reachable atomic.Bool
	m := NewMonitor(context.Background(), MonitorOptions{
		Prober:   ProberFunc(func(context.Context) bool { return reachable.Load() }),
		Interval: 10 * time.Millisecond,
	})
	online := make(chan struct{}, 1)
	m.OnChange(func(e Event) {
		if e.Kind == BecameOnline {
			select {
			case online <- struct{}{}:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	reachable.Store(true)
	select {
	case <-online:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected probe loop to detect online transition")
	}
	cancel()
	<-done
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	prober := NewHTTPProber(srv.URL, srv.Client())
	if !prober.Probe(context.Background()) {
		t.Fatalf("expected any http response to count as reachable")
	}
	srv.Close()
	if prober.Probe(context.Background()) {
		t.Fatalf("expected closed server to be unreachable")
	}
	if NewHTTPProber("", nil).Probe(context.Background()) {
		t.Fatalf("expected empty url to be unreachable")
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := ClampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := ClampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := ClampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredInterval(t *testing.T) {
	base := 10 * time.Second
	if got := JitteredInterval(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := JitteredInterval(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := JitteredInterval(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := JitteredInterval(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

package connectivity

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type EventKind int

const (
	BecameOnline EventKind = iota + 1
	BecameOffline
)

func (k EventKind) String() string {
	switch k {
	case BecameOnline:
		return "online"
	case BecameOffline:
		return "offline"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	At   time.Time
}

type Logger interface {
	Printf(format string, args ...any)
}

// Prober reports whether the backend is currently reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

type MonitorOptions struct {
	// Prober seeds the initial state and drives the periodic fallback
	// probe. When nil, Initial is used and only Set changes state.
	Prober   Prober
	Initial  bool
	Interval time.Duration
	Jitter   float64
	Logger   Logger
	Now      func() time.Time
}

// Monitor tracks reachability and notifies listeners once per transition.
type Monitor struct {
	prober   Prober
	interval time.Duration
	jitter   float64
	logger   Logger
	now      func() time.Time

	mu        sync.Mutex
	online    bool
	listeners map[int]func(Event)
	nextID    int

	// notifyMu keeps listener delivery in transition order.
	notifyMu sync.Mutex
}

func NewMonitor(ctx context.Context, opts MonitorOptions) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Monitor{
		prober:    opts.Prober,
		interval:  interval,
		jitter:    ClampJitterRatio(opts.Jitter),
		logger:    opts.Logger,
		now:       now,
		online:    opts.Initial,
		listeners: map[int]func(Event){},
	}
	if m.prober != nil {
		m.online = m.prober.Probe(ctx)
	}
	return m
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn for transition events and returns a function that
// unregisters it. fn runs on the goroutine that observed the transition.
func (m *Monitor) OnChange(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Set records a reachability signal. Listeners are notified only when the
// value differs from the current state; the return value reports that.
func (m *Monitor) Set(online bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	event := Event{Kind: BecameOffline, At: m.now()}
	if online {
		event.Kind = BecameOnline
	}
	listeners := make([]func(Event), 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	m.logf("connectivity changed: %s", event.Kind)
	for _, fn := range listeners {
		fn(event)
	}
	return true
}

// Run probes reachability at a jittered interval until ctx is done. It is
// only needed when the platform does not deliver transition events.
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil {
		<-ctx.Done()
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(JitteredInterval(m.interval, m.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.interval)
			online := m.prober.Probe(probeCtx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			m.Set(online)
			timer.Reset(JitteredInterval(m.interval, m.jitter, rng.Float64()))
		}
	}
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by ±jitterRatio using sample in [0,1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

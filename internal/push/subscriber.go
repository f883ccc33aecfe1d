package push

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/thrivewellness/thrivesync/internal/connectivity"
	"github.com/thrivewellness/thrivesync/internal/offlinecache"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Sink receives push payloads. *offlinecache.Worker satisfies it.
type Sink interface {
	HandlePush(ctx context.Context, data []byte) (offlinecache.Notification, error)
}

type SubscriberOptions struct {
	URL        string
	Token      string
	Sink       Sink
	HTTPClient *http.Client
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Jitter     float64
	ReadLimit  int64
	Logger     Logger
}

// Subscriber holds a websocket open to the push endpoint and hands every
// message to the sink, reconnecting with backoff until its context ends.
type Subscriber struct {
	url        string
	token      string
	sink       Sink
	httpClient *http.Client
	minBackoff time.Duration
	maxBackoff time.Duration
	jitter     float64
	readLimit  int64
	logger     Logger
}

func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	rawURL := strings.TrimSpace(opts.URL)
	if rawURL == "" {
		return nil, errors.New("push url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid push url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported push url scheme %q", parsed.Scheme)
	}
	if opts.Sink == nil {
		return nil, errors.New("push sink is required")
	}
	s := &Subscriber{
		url:        rawURL,
		token:      strings.TrimSpace(opts.Token),
		sink:       opts.Sink,
		httpClient: opts.HTTPClient,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		jitter:     connectivity.ClampJitterRatio(opts.Jitter),
		readLimit:  opts.ReadLimit,
		logger:     opts.Logger,
	}
	if s.minBackoff <= 0 {
		s.minBackoff = time.Second
	}
	if s.maxBackoff < s.minBackoff {
		s.maxBackoff = time.Minute
		if s.maxBackoff < s.minBackoff {
			s.maxBackoff = s.minBackoff
		}
	}
	if s.readLimit <= 0 {
		s.readLimit = 64 << 10
	}
	return s, nil
}

func (s *Subscriber) Run(ctx context.Context) error {
	delay := s.minBackoff
	for {
		delivered, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if delivered > 0 {
			delay = s.minBackoff
		}
		wait := connectivity.JitteredInterval(delay, s.jitter, rand.Float64())
		s.logf("push connection lost after %d messages, reconnecting in %s: %v", delivered, wait.Round(time.Millisecond), err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay *= 2
		if delay > s.maxBackoff {
			delay = s.maxBackoff
		}
	}
}

func (s *Subscriber) session(ctx context.Context) (int, error) {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return 0, fmt.Errorf("dial push endpoint: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(s.readLimit)
	s.logf("push connected: %s", s.url)

	delivered := 0
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return delivered, err
		}
		if _, err := s.sink.HandlePush(ctx, data); err != nil {
			s.logf("push notification failed: %v", err)
		}
		delivered++
	}
}

func (s *Subscriber) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

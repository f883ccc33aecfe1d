package offlinecache

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	NotificationTitle       = "Thrive"
	DefaultNotificationBody = "New notification from Thrive!"

	ActionExplore = "explore"
	ActionClose   = "close"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Notification struct {
	Title         string               `json:"title"`
	Body          string               `json:"body"`
	Icon          string               `json:"icon,omitempty"`
	Badge         string               `json:"badge,omitempty"`
	Vibrate       []int                `json:"vibrate,omitempty"`
	DateOfArrival time.Time            `json:"dateOfArrival"`
	PrimaryKey    int                  `json:"primaryKey"`
	Actions       []NotificationAction `json:"actions,omitempty"`
}

// Notifier shows a user-visible notification.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
}

// WindowOpener focuses or opens an application route.
type WindowOpener interface {
	OpenWindow(ctx context.Context, path string) error
}

// HandlePush renders a push payload as a notification. An empty payload
// gets the default body.
func (w *Worker) HandlePush(ctx context.Context, data []byte) (Notification, error) {
	body := string(data)
	if strings.TrimSpace(body) == "" {
		body = DefaultNotificationBody
	}
	n := Notification{
		Title:         NotificationTitle,
		Body:          body,
		Icon:          "/icons/icon-192x192.png",
		Badge:         "/icons/badge-72x72.png",
		Vibrate:       []int{100, 50, 100},
		DateOfArrival: w.now(),
		PrimaryKey:    1,
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "Open App", Icon: "/icons/checkmark.png"},
			{Action: ActionClose, Title: "Close", Icon: "/icons/xmark.png"},
		},
	}
	if w.notifier == nil {
		w.logf("push received without notifier: %s", body)
		return n, nil
	}
	return n, w.notifier.ShowNotification(ctx, n)
}

// HandleNotificationClick maps a click action to a route and opens it.
// It returns the opened path, or "" when the action only dismisses.
func (w *Worker) HandleNotificationClick(ctx context.Context, action string) (string, error) {
	path := ClickTarget(action)
	if path == "" {
		return "", nil
	}
	if w.opener == nil {
		return path, nil
	}
	return path, w.opener.OpenWindow(ctx, path)
}

// ClickTarget is the route opened for a notification click action.
func ClickTarget(action string) string {
	switch action {
	case ActionExplore:
		return "/dashboard"
	case ActionClose:
		return ""
	default:
		return "/"
	}
}

type FeedEntry struct {
	Kind         string        `json:"kind"`
	Notification *Notification `json:"notification,omitempty"`
	Path         string        `json:"path,omitempty"`
	At           time.Time     `json:"at"`
}

// Feed is a bounded in-process Notifier and WindowOpener. The daemon
// exposes it over the control API so a UI shell can render and act on it.
type Feed struct {
	mu      sync.Mutex
	limit   int
	entries []FeedEntry
	now     func() time.Time
	logger  Logger
}

func NewFeed(limit int, logger Logger) *Feed {
	if limit <= 0 {
		limit = 100
	}
	return &Feed{limit: limit, now: time.Now, logger: logger}
}

func (f *Feed) ShowNotification(_ context.Context, n Notification) error {
	f.append(FeedEntry{Kind: "notification", Notification: &n})
	if f.logger != nil {
		f.logger.Printf("notification: %s: %s", n.Title, n.Body)
	}
	return nil
}

func (f *Feed) OpenWindow(_ context.Context, path string) error {
	f.append(FeedEntry{Kind: "open_window", Path: path})
	if f.logger != nil {
		f.logger.Printf("open window: %s", path)
	}
	return nil
}

// Recent returns up to limit entries, newest last.
func (f *Feed) Recent(limit int) []FeedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	if limit > 0 && len(f.entries) > limit {
		start = len(f.entries) - limit
	}
	out := make([]FeedEntry, len(f.entries)-start)
	copy(out, f.entries[start:])
	return out
}

func (f *Feed) append(entry FeedEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.At = f.now().UTC()
	f.entries = append(f.entries, entry)
	if over := len(f.entries) - f.limit; over > 0 {
		f.entries = append([]FeedEntry(nil), f.entries[over:]...)
	}
}

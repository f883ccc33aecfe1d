package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thrivewellness/thrivesync/internal/actionlog"
	"github.com/thrivewellness/thrivesync/internal/actionsync"
	"github.com/thrivewellness/thrivesync/internal/offlinecache"
)

type ServerConfig struct {
	// JWTSecret enables bearer auth on /v1 routes. Empty leaves the API
	// open, which is only sensible on a loopback listener.
	JWTSecret       string
	PushSecret      string
	PushMaxSkew     time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type ActionLog interface {
	All() []actionlog.QueuedAction
	Get(id string) (actionlog.QueuedAction, bool)
	Remove(id string)
}

type Dispatcher interface {
	Enqueue(kind string, payload json.RawMessage) (actionlog.QueuedAction, error)
	SyncAll(ctx context.Context) actionsync.Result
	Clear()
	Status() actionsync.Status
}

type Connectivity interface {
	IsOnline() bool
	Set(online bool) bool
}

type Deps struct {
	Log        ActionLog
	Dispatcher Dispatcher
	Monitor    Connectivity
	Worker     *offlinecache.Worker
	Feed       *offlinecache.Feed
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	offline     http.Handler
	rateLimiter *rateLimiter
	pushMu      sync.Mutex
	pushSeen    map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.PushMaxSkew <= 0 {
		cfg.PushMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		deps:        deps,
		cfg:         cfg,
		rateLimiter: limiter,
		pushSeen:    map[string]time.Time{},
	}
	if deps.Worker != nil {
		s.offline = offlinecache.NewHandler(deps.Worker)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/v1/internal/push" && r.Method == http.MethodPost {
		s.handlePush(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if parts[0] != "v1" {
		if s.offline == nil {
			writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
			return
		}
		s.offline.ServeHTTP(w, r)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope = "status:read"
		route = "status"
	case len(parts) == 2 && parts[1] == "actions" && r.Method == http.MethodGet:
		requiredScope = "actions:read"
		route = "list_actions"
	case len(parts) == 2 && parts[1] == "actions" && r.Method == http.MethodPost:
		requiredScope = "actions:write"
		route = "enqueue_action"
	case len(parts) == 2 && parts[1] == "actions" && r.Method == http.MethodDelete:
		requiredScope = "actions:write"
		route = "clear_actions"
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodGet:
		requiredScope = "actions:read"
		route = "get_action"
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodDelete:
		requiredScope = "actions:write"
		route = "remove_action"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "sync"
	case len(parts) == 2 && parts[1] == "connectivity" && r.Method == http.MethodPut:
		requiredScope = "sync:trigger"
		route = "connectivity"
	case len(parts) == 2 && parts[1] == "background-sync" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "background_sync"
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodGet:
		requiredScope = "notifications:read"
		route = "notifications"
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "click" && r.Method == http.MethodPost:
		requiredScope = "notifications:write"
		route = "notification_click"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = fmt.Sprintf("corr_%d", time.Now().UnixNano())
	}
	subject := "local"
	if s.cfg.JWTSecret != "" {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		subject = claims.Subject
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "status":
		s.handleStatus(w, correlationID)
	case "list_actions":
		s.handleListActions(w, correlationID)
	case "enqueue_action":
		s.handleEnqueue(w, r, correlationID)
	case "clear_actions":
		s.handleClear(w, correlationID)
	case "get_action":
		s.handleGetAction(w, parts[2], correlationID)
	case "remove_action":
		s.handleRemoveAction(w, parts[2], correlationID)
	case "sync":
		s.handleSync(w, r, correlationID)
	case "connectivity":
		s.handleConnectivity(w, r, correlationID)
	case "background_sync":
		s.handleBackgroundSync(w, r, correlationID)
	case "notifications":
		s.handleNotifications(w, r, correlationID)
	case "notification_click":
		s.handleNotificationClick(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, correlationID string) {
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured", correlationID)
		return
	}
	resp := map[string]any{
		"sync": s.deps.Dispatcher.Status(),
	}
	if s.deps.Worker != nil {
		resp["cache"] = s.deps.Worker.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListActions(w http.ResponseWriter, correlationID string) {
	if s.deps.Log == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "action log not configured", correlationID)
		return
	}
	items := s.deps.Log.All()
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured", correlationID)
		return
	}
	var req struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	action, err := s.deps.Dispatcher.Enqueue(req.Kind, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, actionlog.ErrInvalidInput), errors.Is(err, actionlog.ErrInvalidPayload):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}

func (s *Server) handleClear(w http.ResponseWriter, correlationID string) {
	if s.deps.Dispatcher == nil || s.deps.Log == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured", correlationID)
		return
	}
	cleared := len(s.deps.Log.All())
	s.deps.Dispatcher.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleGetAction(w http.ResponseWriter, id, correlationID string) {
	if s.deps.Log == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "action log not configured", correlationID)
		return
	}
	action, ok := s.deps.Log.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "action not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleRemoveAction(w http.ResponseWriter, id, correlationID string) {
	if s.deps.Log == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "action log not configured", correlationID)
		return
	}
	if _, ok := s.deps.Log.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", "action not found", correlationID)
		return
	}
	s.deps.Log.Remove(id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "removed": true})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured", correlationID)
		return
	}
	result := s.deps.Dispatcher.SyncAll(r.Context())
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "connectivity monitor not configured", correlationID)
		return
	}
	var req struct {
		Online *bool `json:"online"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "online is required", correlationID)
		return
	}
	changed := s.deps.Monitor.Set(*req.Online)
	writeJSON(w, http.StatusOK, map[string]any{
		"online":  s.deps.Monitor.IsOnline(),
		"changed": changed,
	})
}

func (s *Server) handleBackgroundSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Worker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "offline cache not configured", correlationID)
		return
	}
	var req struct {
		Tag string `json:"tag"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Tag) == "" {
		req.Tag = offlinecache.BackgroundSyncTag
	}
	s.deps.Worker.BackgroundSync(r.Context(), req.Tag)
	writeJSON(w, http.StatusAccepted, map[string]any{"tag": req.Tag})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Feed == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "notification feed not configured", correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 1000)
	items := s.deps.Feed.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Worker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "offline cache not configured", correlationID)
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	path, err := s.deps.Worker.HandleNotificationClick(r.Context(), req.Action)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action": req.Action,
		"opened": path != "",
		"path":   path,
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.cfg.PushSecret == "" || s.deps.Worker == nil {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Thrive-Timestamp")
	signature := r.Header.Get("X-Thrive-Signature")
	if authErr := verifyPushSignature(s.cfg.PushSecret, timestamp, signature, body, now, s.cfg.PushMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markPushSeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "push replay detected", correlationID)
		return
	}
	n, err := s.deps.Worker.HandlePush(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markPushSeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	for seenKey, expiresAt := range s.pushSeen {
		if !now.Before(expiresAt) {
			delete(s.pushSeen, seenKey)
		}
	}
	if expiresAt, exists := s.pushSeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.pushSeen[key] = now.Add(s.cfg.PushMaxSkew)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

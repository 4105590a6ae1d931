// Package httpapi implements the shared callback server: one HTTP listener
// that multiplexes per-tenant callback routes, the signed internal event
// webhook, and the admin surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/issuerelay/internal/issuerelay"
)

// StatusSource reports orchestrator health for the admin endpoint.
type StatusSource interface {
	Status() issuerelay.OrchestratorStatus
}

// SessionLister exposes the session inventory for the admin endpoint.
type SessionLister interface {
	List() []issuerelay.Session
}

// EventSink receives events delivered over the internal webhook instead of
// the streaming connection.
type EventSink func(ctx context.Context, event issuerelay.InboundEvent)

type ServerConfig struct {
	Addr            string
	AdminToken      string
	WebhookSecret   string
	WebhookMaxSkew  time.Duration
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// CallbackServer is shared mutable infrastructure: tenants register and
// replace their callback routes at runtime while the listener keeps
// serving. Registration is last-wins on the exact method+path pair.
type CallbackServer struct {
	cfg      ServerConfig
	status   StatusSource
	sessions SessionLister
	sink     EventSink

	routeMu sync.RWMutex
	routes  map[string]http.Handler

	rateLimiter *rateLimiter

	replayMu   sync.Mutex
	replaySeen map[string]time.Time

	mu       sync.Mutex
	started  bool
	listener net.Listener
	server   *http.Server
	serveErr chan error
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

func NewCallbackServer(cfg ServerConfig, status StatusSource, sessions SessionLister, sink EventSink) *CallbackServer {
	if cfg.Addr == "" {
		cfg.Addr = ":8085"
	}
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &CallbackServer{
		cfg:         cfg,
		status:      status,
		sessions:    sessions,
		sink:        sink,
		routes:      map[string]http.Handler{},
		rateLimiter: limiter,
		replaySeen:  map[string]time.Time{},
	}
}

func routeKey(method, path string) string {
	return method + " " + path
}

// Register installs a handler for an exact method and path. Registering
// the same pair again replaces the previous handler. Safe to call while
// the server is running.
func (s *CallbackServer) Register(method, path string, handler http.Handler) {
	s.routeMu.Lock()
	s.routes[routeKey(method, path)] = handler
	s.routeMu.Unlock()
}

func (s *CallbackServer) RegisterFunc(method, path string, handler http.HandlerFunc) {
	s.Register(method, path, handler)
}

func (s *CallbackServer) Deregister(method, path string) {
	s.routeMu.Lock()
	delete(s.routes, routeKey(method, path))
	s.routeMu.Unlock()
}

// Start binds the listener and begins serving. Calling Start on a server
// that is already running is a no-op.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("callback listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveErr = make(chan error, 1)
	s.started = true
	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- err
		}
		close(s.serveErr)
	}()
	return nil
}

// Addr reports the bound address; useful when the configured address uses
// port 0.
func (s *CallbackServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests within the context deadline. Safe to call
// on a server that never started and safe to call more than once.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	serveErr := s.serveErr
	s.server = nil
	s.listener = nil
	s.started = false
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	if serveErr != nil {
		if err, ok := <-serveErr; ok && err != nil {
			return err
		}
	}
	return nil
}

func (s *CallbackServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/internal/events" && r.Method == http.MethodPost {
		s.handleInternalEvent(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/v1/admin/") {
		s.handleAdmin(w, r)
		return
	}

	s.routeMu.RLock()
	handler, ok := s.routes[routeKey(r.Method, r.URL.Path)]
	s.routeMu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	handler.ServeHTTP(w, r)
}

func (s *CallbackServer) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	switch {
	case r.URL.Path == "/v1/admin/status" && r.Method == http.MethodGet:
		if s.status == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "status source not configured")
			return
		}
		writeJSON(w, http.StatusOK, s.status.Status())
	case r.URL.Path == "/v1/admin/sessions" && r.Method == http.MethodGet:
		if s.sessions == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "session source not configured")
			return
		}
		sessions := s.sessions.List()
		writeJSON(w, http.StatusOK, struct {
			Count    int                  `json:"count"`
			Sessions []issuerelay.Session `json:"sessions"`
		}{Count: len(sessions), Sessions: sessions})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// handleInternalEvent accepts signed event submissions from trusted
// internal callers, mirroring what the streaming connection delivers.
func (s *CallbackServer) handleInternalEvent(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event sink not configured")
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Issuerelay-Timestamp")
	signature := r.Header.Get("X-Issuerelay-Signature")
	if authErr := verifyWebhookHMAC(s.cfg.WebhookSecret, timestamp, signature, body, now, s.cfg.WebhookMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if !s.markReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "request replay detected")
		return
	}

	var event issuerelay.InboundEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if event.Kind == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing event kind")
		return
	}
	s.sink(r.Context(), event)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *CallbackServer) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

// markReplaySeen records a timestamp+signature pair and rejects pairs seen
// inside the skew window. Expired entries are pruned on each call.
func (s *CallbackServer) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for seenKey, seenAt := range s.replaySeen {
		if now.Sub(seenAt) > s.cfg.WebhookMaxSkew {
			delete(s.replaySeen, seenKey)
		}
	}
	if _, ok := s.replaySeen[key]; ok {
		return false
	}
	s.replaySeen[key] = now
	return true
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for staleKey, stale := range l.entries {
		if now.After(stale.resetAt) {
			delete(l.entries, staleKey)
		}
	}
	entry, ok := l.entries[key]
	if !ok {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host + "|" + r.URL.Path
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

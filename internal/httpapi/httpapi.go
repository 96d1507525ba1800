// Package httpapi is the daemon's HTTP surface: the webhook ingress, the
// dashboard read API, and the mount point for the attach WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/markcallen/simplebot/internal/auth"
	"github.com/markcallen/simplebot/internal/daemon"
	"github.com/markcallen/simplebot/internal/limiter"
)

const (
	shutdownGrace = 5 * time.Second

	webhookRateLimit  = 10
	webhookRateWindow = time.Minute
)

// DashboardProvider supplies the read-only snapshot behind /api/*.
type DashboardProvider interface {
	Snapshot(ctx context.Context) daemon.Status
}

// WebhookHandler dispatches one webhook message. queued=true means the
// message was steered into a busy turn instead of answered.
type WebhookHandler func(ctx context.Context, message, session, source string) (response string, queued bool, err error)

// Server is the HTTP listener. Construct with NewServer, then Start.
type Server struct {
	verifier  *auth.Verifier
	provider  DashboardProvider
	webhook   WebhookHandler
	sessions  func() []string
	attach    http.Handler
	logger    *slog.Logger
	rate      *limiter.Keyed
	listen    string
	srv       *http.Server
}

// Options wires the server's collaborators. Attach and Webhook may be nil;
// the corresponding routes then report unavailable.
type Options struct {
	Listen   string
	Verifier *auth.Verifier
	Provider DashboardProvider
	Webhook  WebhookHandler
	// Sessions returns known session names for webhook validation. Nil skips
	// the check.
	Sessions func() []string
	Attach   http.Handler
	Logger   *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		verifier: opts.Verifier,
		provider: opts.Provider,
		webhook:  opts.Webhook,
		sessions: opts.Sessions,
		attach:   opts.Attach,
		logger:   opts.Logger,
		rate:     limiter.New(webhookRateLimit, webhookRateWindow),
		listen:   opts.Listen,
	}
	s.srv = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ping", s.authed(s.handlePing))
	mux.HandleFunc("GET /api/status", s.authed(s.handleStatus))
	mux.HandleFunc("GET /api/cron", s.authed(s.handleCron))
	mux.HandleFunc("GET /api/usage", s.authed(s.handleUsage))
	mux.HandleFunc("GET /api/activity", s.authed(s.handleActivity))
	mux.HandleFunc("GET /api/logs", s.authed(s.handleLogs))
	mux.HandleFunc("POST /api/webhook", s.authed(s.handleWebhook))
	if s.attach != nil {
		mux.Handle("/attach", s.attach)
	}
	return mux
}

// Start begins serving in the background. The returned channel yields the
// listener error, if any, after Stop or failure.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.listen)
		err := s.srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	return errCh
}

// Stop drains in-flight requests, hard-closing after the shutdown grace.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return s.srv.Close()
	}
	return nil
}

// authed enforces Authorization: Bearer <token> on an /api route.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || s.verifier.Verify(token) != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pong": true})
}

func (s *Server) snapshot(r *http.Request) (daemon.Status, bool) {
	if s.provider == nil {
		return daemon.Status{}, false
	}
	return s.provider.Snapshot(r.Context()), true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.snapshot(r)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "no provider"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	status, ok := s.snapshot(r)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "no provider"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": status.CronJobs})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	status, ok := s.snapshot(r)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "no provider"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"today": status.UsageToday, "week": status.UsageWeek})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	status, ok := s.snapshot(r)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "no provider"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": status.Activity})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	status, ok := s.snapshot(r)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "no provider"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": status.Logs})
}

type webhookRequest struct {
	Message string `json:"message"`
	Notify  string `json:"notify"`
	Source  string `json:"source"`
	Session string `json:"session"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhook == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "webhook handler not configured"})
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "message is required"})
		return
	}
	if req.Session != "" && s.sessions != nil && !containsString(s.sessions(), req.Session) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unknown session"})
		return
	}

	bucket := req.Source
	if bucket == "" {
		bucket = "webhook"
	}
	if !s.rate.Allow(bucket) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "rate limited"})
		return
	}

	response, queued, err := s.webhook(r.Context(), req.Message, req.Session, req.Source)
	if err != nil {
		s.logger.Error("webhook dispatch", "source", req.Source, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if queued {
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "queued": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "response": response})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

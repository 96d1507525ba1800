package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/markcallen/simplebot/internal/bridge"
	"github.com/markcallen/simplebot/internal/config"
)

// Heartbeat periodically feeds a checklist file to a session and routes
// non-empty responses to the configured notify room.
type Heartbeat struct {
	cfg    config.HeartbeatConfig
	daemon *Daemon
	logger *slog.Logger

	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat builds a heartbeat from config. Returns nil when disabled.
func NewHeartbeat(cfg config.HeartbeatConfig, d *Daemon, logger *slog.Logger) *Heartbeat {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		cfg:      cfg,
		daemon:   d,
		logger:   logger,
		interval: config.ParseDuration(cfg.Interval, 4*time.Hour),
		now:      time.Now,
	}
}

// Start begins ticking. Stop must be called to release the goroutine.
func (h *Heartbeat) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(ctx)
	h.logger.Info("heartbeat started", "interval", h.interval.String(), "active_hours", h.cfg.ActiveHours)
}

// Stop halts the ticker and waits for any in-flight tick to finish.
func (h *Heartbeat) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	if !h.withinActiveHours(h.now()) {
		return
	}

	sessionName := h.cfg.Session
	if sessionName == "" {
		sessionName = h.daemon.cfg.Sessions.Default
	}
	br, err := h.daemon.sessions.GetOrStart(ctx, sessionName)
	if err != nil {
		h.logger.Error("heartbeat session", "session", sessionName, "error", err)
		return
	}
	if br.Busy() {
		h.logger.Info("heartbeat skipped: session busy", "session", sessionName)
		return
	}

	checklist, err := os.ReadFile(h.cfg.ChecklistPath)
	if err != nil {
		h.logger.Error("heartbeat checklist", "path", h.cfg.ChecklistPath, "error", err)
		return
	}

	response, err := br.SendMessage(ctx, string(checklist), bridge.Callbacks{})
	if err != nil {
		h.logger.Error("heartbeat send", "session", sessionName, "error", err)
		return
	}
	if strings.TrimSpace(response) == "" || h.cfg.NotifyRoom == "" {
		return
	}
	h.daemon.reply(Origin{Platform: h.cfg.Platform, Channel: h.cfg.NotifyRoom}, response)
}

// withinActiveHours reports whether t falls inside the configured HH:MM-HH:MM
// window, inclusive on both ends. An empty window means always active.
func (h *Heartbeat) withinActiveHours(t time.Time) bool {
	if h.cfg.ActiveHours == "" {
		return true
	}
	var fromH, fromM, toH, toM int
	if _, err := fmt.Sscanf(h.cfg.ActiveHours, "%d:%d-%d:%d", &fromH, &fromM, &toH, &toM); err != nil {
		return true
	}
	cur := t.Hour()*60 + t.Minute()
	from := fromH*60 + fromM
	to := toH*60 + toM
	if from <= to {
		return cur >= from && cur <= to
	}
	// Window crosses midnight.
	return cur >= from || cur <= to
}

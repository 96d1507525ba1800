// Package daemon is the policy layer above the session pool: authorization,
// rate limiting, size caps, slash commands, steering, tool summaries, and
// response fan-out to the origin listener.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/markcallen/simplebot/internal/bridge"
	"github.com/markcallen/simplebot/internal/config"
	"github.com/markcallen/simplebot/internal/cron"
	"github.com/markcallen/simplebot/internal/limiter"
	"github.com/markcallen/simplebot/internal/logbuf"
	"github.com/markcallen/simplebot/internal/session"
	"github.com/markcallen/simplebot/internal/usage"
)

const (
	maxMessageLen = 4000
	rateLimit     = 10
	rateWindow    = time.Minute
)

// Daemon routes inbound messages through policy to the right bridge and fans
// responses back out to the origin listener.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	sessions *session.Manager
	rate     *limiter.Keyed
	usage    *usage.Tracker
	activity activityLog

	scheduler *cron.Scheduler
	logs      *logbuf.Buffer

	allowed   map[string]struct{}
	startedAt time.Time

	mu              sync.Mutex
	listeners       map[string]Listener
	lastInteraction time.Time

	// onFatal fires on an unexpected child exit; main wires it to a
	// daemon-wide shutdown with exit code 1.
	onFatal func(sessionName string, err error)
}

// New creates a Daemon. Wire listeners, scheduler and the log buffer before
// Start.
func New(cfg *config.Config, sessions *session.Manager, tracker *usage.Tracker, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		sessions:  sessions,
		rate:      limiter.New(rateLimit, rateWindow),
		usage:     tracker,
		allowed:   make(map[string]struct{}, len(cfg.Security.AllowedUsers)),
		startedAt: time.Now(),
		listeners: make(map[string]Listener),
	}
	for _, u := range cfg.Security.AllowedUsers {
		d.allowed[u] = struct{}{}
	}
	sessions.OnExit(d.handleSessionExit)
	return d
}

// AddListener registers a platform adapter and subscribes to its messages.
func (d *Daemon) AddListener(l Listener) {
	d.mu.Lock()
	d.listeners[l.Name()] = l
	d.mu.Unlock()
	l.OnMessage(func(msg IncomingMessage) {
		d.HandleMessage(context.Background(), msg)
	})
}

// SetScheduler attaches the cron scheduler for dashboard snapshots.
func (d *Daemon) SetScheduler(s *cron.Scheduler) { d.scheduler = s }

// SetLogBuffer attaches the process log ring for dashboard snapshots.
func (d *Daemon) SetLogBuffer(b *logbuf.Buffer) { d.logs = b }

// OnFatal registers the unexpected-child-exit hook.
func (d *Daemon) OnFatal(f func(sessionName string, err error)) { d.onFatal = f }

func (d *Daemon) listener(platform string) (Listener, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.listeners[platform]
	return l, ok
}

// ListenerCount returns the number of registered listeners.
func (d *Daemon) ListenerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

// LastInteraction returns the most recent accepted user interaction. The
// scheduler's grace window reads this through an injected callback.
func (d *Daemon) LastInteraction() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastInteraction
}

func (d *Daemon) recordInteraction() {
	d.mu.Lock()
	d.lastInteraction = time.Now()
	d.mu.Unlock()
}

func (d *Daemon) handleSessionExit(name string, err error) {
	d.logger.Error("agent child exited unexpectedly", "session", name, "error", err)
	if d.onFatal != nil {
		d.onFatal(name, err)
	}
}

// HandleMessage applies the pre-flight policy to one inbound message and
// dispatches it to the routed session's bridge.
func (d *Daemon) HandleMessage(ctx context.Context, msg IncomingMessage) {
	if _, ok := d.allowed[msg.Sender]; !ok {
		d.logger.Warn("unauthorized sender", "sender", msg.Sender, "platform", msg.Platform)
		return
	}
	if len(msg.Text) > maxMessageLen {
		d.logger.Warn("message dropped: too large", "sender", msg.Sender, "bytes", len(msg.Text))
		return
	}
	if !d.rate.Allow(msg.Sender) {
		d.logger.Warn("message dropped: rate limited", "sender", msg.Sender)
		return
	}

	d.recordInteraction()
	d.activity.record(msg)

	origin := Origin{Platform: msg.Platform, Channel: msg.Channel}

	if cmd, args, ok := parseSlashCommand(msg.Text); ok {
		d.handleSlash(ctx, cmd, args, msg, origin)
		return
	}

	sessionName := d.sessions.Resolve(msg.Platform, msg.Channel)
	br, err := d.sessions.GetOrStart(ctx, sessionName)
	if err != nil {
		d.logger.Error("get session", "session", sessionName, "error", err)
		d.reply(origin, "⚠️ Agent unavailable: "+err.Error())
		return
	}
	d.sessions.RecordActivity(sessionName)

	formatted := fmt.Sprintf("[%s %s] %s: %s", msg.Platform, msg.Channel, msg.Sender, msg.Text)

	if br.Busy() {
		// A turn is in flight; steer instead of queueing a second reply.
		if err := br.Steer(formatted); err != nil {
			d.logger.Error("steer", "session", sessionName, "error", err)
		}
		return
	}

	if l, ok := d.listener(msg.Platform); ok {
		if ts, ok := l.(TypingSender); ok {
			if err := ts.SendTyping(origin); err != nil {
				d.logger.Debug("send typing", "platform", msg.Platform, "error", err)
			}
		}
	}

	response, err := br.SendMessage(ctx, formatted, bridge.Callbacks{
		OnToolStart: func(ts bridge.ToolStart) {
			d.reply(origin, ToolSummary(ts.ToolName, ts.Args))
		},
	})
	if err != nil {
		d.logger.Error("send message", "session", sessionName, "error", err)
		return
	}
	if response != "" {
		d.reply(origin, response)
	}

	d.sampleUsage(ctx, sessionName, br)
}

// reply sends text through the origin's listener. Listener failures are
// logged and swallowed; a down listener must not break the daemon.
func (d *Daemon) reply(origin Origin, text string) {
	l, ok := d.listener(origin.Platform)
	if !ok {
		d.logger.Warn("no listener for reply", "platform", origin.Platform)
		return
	}
	if err := l.Send(origin, text); err != nil {
		d.logger.Error("listener send", "platform", origin.Platform, "error", err)
	}
}

// sampleUsage records a best-effort usage event after a completed turn.
func (d *Daemon) sampleUsage(ctx context.Context, sessionName string, br *bridge.Bridge) {
	if d.usage == nil {
		return
	}
	rpcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	data, err := br.Command(rpcCtx, bridge.RPCGetSessionStats, nil)
	if err != nil {
		d.logger.Debug("session stats", "session", sessionName, "error", err)
		return
	}
	var stats struct {
		Model         string  `json:"model"`
		InputTokens   int     `json:"inputTokens"`
		OutputTokens  int     `json:"outputTokens"`
		ContextTokens int     `json:"contextTokens"`
		Cost          float64 `json:"cost"`
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		return
	}
	compacted := d.usage.ObserveContext(sessionName, stats.ContextTokens)
	if err := d.usage.Record(usage.Event{
		Model:        stats.Model,
		InputTokens:  stats.InputTokens,
		OutputTokens: stats.OutputTokens,
		ContextSize:  stats.ContextTokens,
		Cost:         stats.Cost,
		Compaction:   compacted,
		SessionName:  sessionName,
	}); err != nil {
		d.logger.Error("record usage", "error", err)
	}
}

// HandleWebhook dispatches a webhook message to a session. It returns the
// agent's reply, or queued=true when the message was steered into a busy
// turn.
func (d *Daemon) HandleWebhook(ctx context.Context, message, sessionName, source string) (response string, queued bool, err error) {
	if sessionName == "" {
		sessionName = d.cfg.Sessions.Default
	}
	br, err := d.sessions.GetOrStart(ctx, sessionName)
	if err != nil {
		return "", false, err
	}
	d.sessions.RecordActivity(sessionName)
	d.recordInteraction()

	formatted := fmt.Sprintf("[webhook %s] %s", source, message)
	if source == "" {
		formatted = "[webhook] " + message
	}

	if br.Busy() {
		if err := br.Steer(formatted); err != nil {
			return "", false, err
		}
		return "", true, nil
	}

	response, err = br.SendMessage(ctx, formatted, bridge.Callbacks{})
	if err != nil {
		return "", false, err
	}
	return response, false, nil
}

// AttachRPC forwards an attach-client RPC to the default session's bridge.
func (d *Daemon) AttachRPC(ctx context.Context, rpcType string, params map[string]any) (any, error) {
	br, err := d.sessions.GetOrStart(ctx, d.cfg.Sessions.Default)
	if err != nil {
		return nil, err
	}
	data, err := br.Command(ctx, rpcType, params)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NotifyCron routes a cron prompt response to the notify target, falling back
// to the heartbeat notify room.
func (d *Daemon) NotifyCron(job, notify, response string) {
	if notify == "none" {
		return
	}
	room := notify
	platform := d.cfg.Heartbeat.Platform
	if room == "" {
		room = d.cfg.Heartbeat.NotifyRoom
	}
	if room == "" || platform == "" {
		d.logger.Info("cron response with no notify target", "job", job)
		return
	}
	d.reply(Origin{Platform: platform, Channel: room}, fmt.Sprintf("[%s] %s", job, response))
}

func parseSlashCommand(text string) (cmd, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	rest := text[1:]
	cmd, args, _ = strings.Cut(rest, " ")
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "abort", "compress", "new", "model", "reload":
		return cmd, strings.TrimSpace(args), true
	}
	// Unknown slash commands fall through as normal messages.
	return "", "", false
}

// Package session owns the named pool of bridges: lazy start, routing rules,
// idle shutdown, and the idle/starting/running/stopping state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markcallen/simplebot/internal/bridge"
	"github.com/markcallen/simplebot/internal/config"
)

// State is a session's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrStartTimeout   = errors.New("session start timed out")
)

// Factory constructs a Bridge for a session. The Manager calls Start on it.
type Factory func(name string, cfg config.SessionConfig) *bridge.Bridge

// EventHandler receives every bridge event tagged with its session name.
// Handlers run on the session's event pump goroutine and must not block.
type EventHandler func(session string, ev bridge.Event)

// ExitHandler is called when a session's child exits without StopSession.
type ExitHandler func(session string, err error)

type session struct {
	name         string
	cfg          config.SessionConfig
	state        State
	bridge       *bridge.Bridge
	waitCh       chan struct{} // closed when a starting/stopping transition completes
	startErr     error
	idleTimer    *time.Timer
	lastActivity time.Time
	cancelSub    func()
}

// Manager owns all sessions and their routing table.
type Manager struct {
	logger       *slog.Logger
	factory      Factory
	routes       []config.RouteConfig
	defaultName  string
	startTimeout time.Duration

	onEvent EventHandler
	onExit  ExitHandler

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a Manager for the configured sessions.
func NewManager(cfg config.SessionsConfig, factory Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:       logger,
		factory:      factory,
		routes:       cfg.Routes,
		defaultName:  cfg.Default,
		startTimeout: 30 * time.Second,
		sessions:     make(map[string]*session),
	}
	for name, sc := range cfg.Sessions {
		m.sessions[name] = &session{name: name, cfg: sc}
	}
	return m
}

// OnEvent registers the event fan-out handler. Call before any session starts.
func (m *Manager) OnEvent(h EventHandler) { m.onEvent = h }

// OnExit registers the unsolicited-exit handler. Call before any session starts.
func (m *Manager) OnExit(h ExitHandler) { m.onExit = h }

// Resolve walks the routing rules; the first rule whose specified platform
// and channel both match wins, otherwise the default session.
func (m *Manager) Resolve(platform, channel string) string {
	for _, r := range m.routes {
		if r.Platform != "" && r.Platform != platform {
			continue
		}
		if r.Channel != "" && r.Channel != channel {
			continue
		}
		return r.Session
	}
	return m.defaultName
}

// Names returns the configured session names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	return names
}

// Lookup returns the running bridge for a session, if any.
func (m *Manager) Lookup(name string) (*bridge.Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok || s.state != StateRunning {
		return nil, false
	}
	return s.bridge, true
}

// GetOrStart returns the session's bridge, starting the child if needed.
// Concurrent callers during a start suspend until the session is running or
// the start fails; the wait is bounded by the start timeout.
func (m *Manager) GetOrStart(ctx context.Context, name string) (*bridge.Bridge, error) {
	deadline := time.Now().Add(m.startTimeout)
	for {
		m.mu.Lock()
		s, ok := m.sessions[name]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrUnknownSession, name)
		}
		switch s.state {
		case StateRunning:
			m.touchLocked(s)
			br := s.bridge
			m.mu.Unlock()
			return br, nil

		case StateStarting, StateStopping:
			wait := s.waitCh
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Until(deadline)):
				return nil, fmt.Errorf("%w: %q", ErrStartTimeout, name)
			}

		case StateIdle:
			s.state = StateStarting
			s.waitCh = make(chan struct{})
			s.startErr = nil
			m.mu.Unlock()
			if err := m.startSession(s); err != nil {
				return nil, err
			}
		}
	}
}

// startSession runs outside the manager lock; the session is held in the
// starting state, so no other caller can race it.
func (m *Manager) startSession(s *session) error {
	br := m.factory(s.name, s.cfg)

	// Attach the bridge before Start so an early exit is never missed.
	m.mu.Lock()
	s.bridge = br
	m.mu.Unlock()

	ch, cancel := br.Subscribe(128)
	go m.pumpEvents(s.name, ch)

	if err := br.Start(); err != nil {
		cancel()
		m.mu.Lock()
		s.state = StateIdle
		s.bridge = nil
		s.startErr = err
		close(s.waitCh)
		m.mu.Unlock()
		return fmt.Errorf("start session %q: %w", s.name, err)
	}

	m.mu.Lock()
	s.cancelSub = cancel
	s.state = StateRunning
	m.touchLocked(s)
	close(s.waitCh)
	m.mu.Unlock()

	go m.watchExit(s.name, br)

	m.logger.Info("session started", "session", s.name)
	return nil
}

func (m *Manager) pumpEvents(name string, ch <-chan bridge.Event) {
	for ev := range ch {
		if m.onEvent != nil {
			m.onEvent(name, ev)
		}
	}
}

func (m *Manager) watchExit(name string, br *bridge.Bridge) {
	<-br.Exited()

	m.mu.Lock()
	s, ok := m.sessions[name]
	if !ok || s.bridge != br || s.state == StateStopping {
		// Intentional stop; StopSession owns the transition.
		m.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.bridge = nil
	if s.cancelSub != nil {
		s.cancelSub()
		s.cancelSub = nil
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	m.mu.Unlock()

	err := br.ExitErr()
	m.logger.Error("session exited unexpectedly", "session", name, "error", err)
	if m.onExit != nil {
		m.onExit(name, err)
	}
}

// StopSession stops a session's child. Idempotent for idle and stopping
// sessions.
func (m *Manager) StopSession(ctx context.Context, name string) error {
	m.mu.Lock()
	s, ok := m.sessions[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSession, name)
	}
	switch s.state {
	case StateIdle, StateStopping:
		m.mu.Unlock()
		return nil
	case StateStarting:
		wait := s.waitCh
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		return m.StopSession(ctx, name)
	}

	// Detach the event subscription first so the intentional stop does not
	// trigger unsolicited-exit handling.
	if s.cancelSub != nil {
		s.cancelSub()
		s.cancelSub = nil
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.state = StateStopping
	s.waitCh = make(chan struct{})
	br := s.bridge
	m.mu.Unlock()

	err := br.Stop()

	m.mu.Lock()
	s.state = StateIdle
	s.bridge = nil
	close(s.waitCh)
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("stop session %q: %w", name, err)
	}
	m.logger.Info("session stopped", "session", name)
	return nil
}

// StopAll stops every session concurrently. Per-session failures are logged,
// not returned.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := m.StopSession(ctx, name); err != nil {
				m.logger.Error("stop session", "session", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
}

// RecordActivity resets a session's idle timer. The daemon calls this on user
// traffic; GetOrStart records it implicitly.
func (m *Manager) RecordActivity(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[name]; ok && s.state == StateRunning {
		m.touchLocked(s)
	}
}

// LastActivity returns when the session last saw traffic.
func (m *Manager) LastActivity(name string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[name]; ok {
		return s.lastActivity
	}
	return time.Time{}
}

func (m *Manager) touchLocked(s *session) {
	s.lastActivity = time.Now()
	if s.cfg.IdleTimeoutMinutes <= 0 {
		return
	}
	d := time.Duration(s.cfg.IdleTimeoutMinutes) * time.Minute
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	name := s.name
	s.idleTimer = time.AfterFunc(d, func() { m.idleExpire(name, d) })
}

func (m *Manager) idleExpire(name string, d time.Duration) {
	m.mu.Lock()
	s, ok := m.sessions[name]
	if !ok || s.state != StateRunning || s.bridge == nil {
		m.mu.Unlock()
		return
	}
	if s.bridge.Busy() {
		// Mid-turn; check again after another full interval.
		s.idleTimer = time.AfterFunc(d, func() { m.idleExpire(name, d) })
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Info("session idle timeout", "session", name)
	if err := m.StopSession(context.Background(), name); err != nil {
		m.logger.Error("idle stop", "session", name, "error", err)
	}
}

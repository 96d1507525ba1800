package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	robcron "github.com/robfig/cron/v3"

	"github.com/markcallen/simplebot/internal/bridge"
)

const reloadDebounce = 300 * time.Millisecond

// Agent is the slice of the Bridge the step interpreter needs.
type Agent interface {
	Busy() bool
	Command(ctx context.Context, rpcType string, params map[string]any) (json.RawMessage, error)
	SendMessage(ctx context.Context, text string, cb bridge.Callbacks) (string, error)
}

// BridgeProvider resolves a session name to its agent, starting it if needed.
type BridgeProvider func(ctx context.Context, session string) (Agent, error)

// ResponseHandler receives non-empty prompt-step responses.
type ResponseHandler func(job, notify, response string)

// Options configures a Scheduler.
type Options struct {
	Dir            string
	DefaultGrace   time.Duration
	DefaultSession string
	Provider       BridgeProvider
	// LastInteraction reports the most recent user interaction. nil disables
	// the grace gate.
	LastInteraction func() time.Time
	OnResponse      ResponseHandler
	Logger          *slog.Logger
}

type scheduledJob struct {
	def   *JobDefinition
	entry robcron.EntryID // 0 when disabled
}

// Scheduler owns the cron directory: it schedules enabled jobs, hot-reloads
// on file changes, and runs step programs serialized against live traffic.
type Scheduler struct {
	opts   Options
	logger *slog.Logger
	cron   *robcron.Cron

	mu        sync.Mutex
	jobs      map[string]*scheduledJob
	debounce  map[string]*time.Timer
	executing bool
	closed    bool

	watcher *fsnotify.Watcher
	execWG  sync.WaitGroup
	watchWG sync.WaitGroup
}

// NewScheduler creates a Scheduler. Start must be called to begin.
func NewScheduler(opts Options) *Scheduler {
	if opts.DefaultGrace <= 0 {
		opts.DefaultGrace = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		opts:     opts,
		logger:   logger,
		cron:     robcron.New(robcron.WithParser(scheduleParser)),
		jobs:     make(map[string]*scheduledJob),
		debounce: make(map[string]*time.Timer),
	}
}

// Start loads every *.md job under the directory, schedules the enabled ones
// and begins watching for changes.
func (s *Scheduler) Start() error {
	if s.opts.Dir == "" {
		return fmt.Errorf("cron dir not configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	s.watcher = watcher
	if err := s.watchTree(s.opts.Dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("scan cron dir: %w", err)
	}

	s.watchWG.Add(1)
	go s.watchLoop()

	s.cron.Start()
	s.logger.Info("scheduler started", "dir", s.opts.Dir, "jobs", len(s.jobs))
	return nil
}

// Stop closes the watcher, stops every task, and waits for an in-flight
// execution to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, t := range s.debounce {
		t.Stop()
	}
	s.mu.Unlock()

	if s.watcher != nil {
		_ = s.watcher.Close()
		s.watchWG.Wait()
	}
	<-s.cron.Stop().Done()
	s.execWG.Wait()
}

// Jobs returns the currently loaded definitions, for the dashboard.
func (s *Scheduler) Jobs() []JobDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobDefinition, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j.def)
	}
	return out
}

func (s *Scheduler) loadJob(path string) {
	def, err := ParseJobFile(path, s.opts.Dir)
	if err != nil {
		s.logger.Error("parse cron job", "path", path, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if existing, ok := s.jobs[def.Name]; ok && existing.entry != 0 {
		s.cron.Remove(existing.entry)
	}

	job := &scheduledJob{def: def}
	if def.Enabled {
		d := def
		entry, err := s.cron.AddFunc(def.Schedule, func() { s.run(d) })
		if err != nil {
			s.logger.Error("schedule cron job", "job", def.Name, "error", err)
			return
		}
		job.entry = entry
	}
	s.jobs[def.Name] = job
	s.logger.Info("cron job loaded", "job", def.Name, "schedule", def.Schedule, "enabled", def.Enabled)
}

func (s *Scheduler) removeJob(path string) {
	name := jobName(path, s.opts.Dir)
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return
	}
	if job.entry != 0 {
		s.cron.Remove(job.entry)
	}
	delete(s.jobs, name)
	s.logger.Info("cron job removed", "job", name)
}

// watchTree adds root and every directory below it to the watcher and loads
// the *.md jobs it already contains. Also used when a new subdirectory shows
// up mid-run, so jobs moved in together with their directory are not missed.
func (s *Scheduler) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if werr := s.watcher.Add(path); werr != nil {
				s.logger.Error("watch cron dir", "dir", path, "error", werr)
			}
			return nil
		}
		if strings.HasSuffix(path, ".md") {
			s.loadJob(path)
		}
		return nil
	})
}

func (s *Scheduler) watchLoop() {
	defer s.watchWG.Done()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.watchTree(ev.Name); err != nil {
						s.logger.Error("watch new cron dir", "dir", ev.Name, "error", err)
					}
					continue
				}
			}
			if !strings.HasSuffix(ev.Name, ".md") {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				s.scheduleReload(ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("cron watcher", "error", err)
		}
	}
}

// scheduleReload coalesces change bursts per filename. Editors produce
// several events per save; only the last one within the debounce counts.
func (s *Scheduler) scheduleReload(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.debounce[path]; ok {
		t.Stop()
	}
	s.debounce[path] = time.AfterFunc(reloadDebounce, func() {
		s.mu.Lock()
		delete(s.debounce, path)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if _, err := os.Stat(path); err == nil {
			s.loadJob(path)
		} else {
			s.removeJob(path)
		}
	})
}

func (s *Scheduler) run(def *JobDefinition) {
	if s.opts.LastInteraction != nil {
		grace := s.opts.DefaultGrace
		if def.GracePeriodMs != nil {
			grace = time.Duration(*def.GracePeriodMs) * time.Millisecond
		}
		if last := s.opts.LastInteraction(); !last.IsZero() {
			if elapsed := time.Since(last); elapsed < grace {
				s.logger.Info("cron job skipped: user interaction grace", "job", def.Name, "elapsed", elapsed)
				return
			}
		}
	}

	s.mu.Lock()
	if s.executing {
		s.mu.Unlock()
		s.logger.Info("cron job skipped: another job executing", "job", def.Name)
		return
	}
	s.executing = true
	s.execWG.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.executing = false
		s.mu.Unlock()
		s.execWG.Done()
	}()

	sessionName := def.SessionName
	if sessionName == "" {
		sessionName = s.opts.DefaultSession
	}

	ctx := context.Background()
	agent, err := s.opts.Provider(ctx, sessionName)
	if err != nil {
		s.logger.Error("cron job: get session", "job", def.Name, "session", sessionName, "error", err)
		return
	}
	if agent.Busy() {
		s.logger.Info("cron job skipped: bridge busy", "job", def.Name)
		return
	}

	s.logger.Info("cron job running", "job", def.Name, "session", sessionName)
	for i, step := range def.Steps {
		if err := s.runStep(ctx, agent, def, step); err != nil {
			s.logger.Error("cron step failed", "job", def.Name, "step", step.Kind.String(), "index", i, "error", err)
			return
		}
	}
}

func (s *Scheduler) runStep(ctx context.Context, agent Agent, def *JobDefinition, step Step) error {
	switch step.Kind {
	case StepNewSession:
		_, err := agent.Command(ctx, bridge.RPCNewSession, nil)
		return err

	case StepCompact:
		_, err := agent.Command(ctx, bridge.RPCCompact, nil)
		return err

	case StepModel:
		data, err := agent.Command(ctx, bridge.RPCGetAvailableModels, nil)
		if err != nil {
			return err
		}
		models, err := bridge.ParseModels(data)
		if err != nil {
			return fmt.Errorf("parse models: %w", err)
		}
		m, ok := bridge.MatchModel(models, step.Model)
		if !ok {
			return fmt.Errorf("no model matches %q", step.Model)
		}
		_, err = agent.Command(ctx, bridge.RPCSetModel, map[string]any{"model": m.ID})
		return err

	case StepPrompt:
		response, err := agent.SendMessage(ctx, "[CRON:"+def.Name+"] "+def.Body, bridge.Callbacks{})
		if err != nil {
			return err
		}
		if response != "" && s.opts.OnResponse != nil {
			s.opts.OnResponse(def.Name, def.Notify, response)
		}
		return nil

	case StepReload:
		_, err := agent.Command(ctx, bridge.RPCPrompt, map[string]any{"message": "/reload-runtime"})
		return err

	default:
		return fmt.Errorf("unknown step kind %d", step.Kind)
	}
}

// RunJobNow executes a job immediately, bypassing the schedule but keeping
// the busy/executing gates. Used by tests and the dashboard.
func (s *Scheduler) RunJobNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	s.run(job.def)
	return nil
}

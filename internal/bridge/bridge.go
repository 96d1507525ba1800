// Package bridge supervises one agent child process and speaks its
// newline-delimited JSON protocol: request/response RPC on ids, an ordered
// event stream, and a FIFO queue of turn-scoped text responses.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// State is the bridge lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateExited
)

// Config describes the agent child command.
type Config struct {
	Command    string
	Args       []string
	WorkingDir string
	// StopGrace is the SIGTERM-to-SIGKILL window. Default 5s.
	StopGrace time.Duration
	// MaxQueuedTurns bounds the text-waiter queue. Default 32.
	MaxQueuedTurns int
}

// Callbacks receive intermediate turn progress. They are invoked from the
// stdout reader goroutine and must not block.
type Callbacks struct {
	OnToolStart func(ToolStart)
	OnText      func(delta string)
}

type rpcResult struct {
	data json.RawMessage
	err  error
}

type turnResult struct {
	text string
	err  error
}

type turn struct {
	ch  chan turnResult
	cb  Callbacks
	acc strings.Builder
}

// Bridge owns one agent child. At most one turn is in flight at a time; the
// head of the turn queue is the current turn.
type Bridge struct {
	cfg    Config
	logger *slog.Logger
	broker *Broker

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	mu       sync.Mutex
	state    State
	stopping bool
	cmd      *exec.Cmd
	pid      int
	pending  map[string]chan rpcResult
	turns    []*turn

	waitDone chan struct{}
	exitErr  error
}

// New creates a Bridge for the given command. Start must be called before use.
func New(cfg Config, logger *slog.Logger) *Bridge {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.MaxQueuedTurns <= 0 {
		cfg.MaxQueuedTurns = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:      cfg,
		logger:   logger,
		broker:   NewBroker(),
		pending:  make(map[string]chan rpcResult),
		waitDone: make(chan struct{}),
	}
}

// Start spawns the agent child with stdio pipes and attaches the stdout,
// stderr and exit handlers. A Bridge cannot be restarted after exit.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateRunning:
		return fmt.Errorf("bridge already started")
	case StateExited:
		return fmt.Errorf("%w: cannot restart", ErrExited)
	}

	cmd := exec.Command(b.cfg.Command, b.cfg.Args...)
	cmd.Dir = b.cfg.WorkingDir
	cmd.Env = os.Environ()
	// Own process group so stop() can signal the whole agent tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", b.cfg.Command, err)
	}

	b.cmd = cmd
	b.pid = cmd.Process.Pid
	b.stdin = stdin
	b.state = StateRunning

	var streamWG sync.WaitGroup
	streamWG.Add(2)
	go b.readStdout(stdout, &streamWG)
	go b.readStderr(stderr, &streamWG)
	go b.waitForExit(&streamWG)

	return nil
}

// SendMessage enqueues a turn and suspends until the matching agent_end (or a
// terminal error). Exactly one text response is delivered per accepted call,
// in enqueue order.
func (b *Bridge) SendMessage(ctx context.Context, text string, cb Callbacks) (string, error) {
	t := &turn{ch: make(chan turnResult, 1), cb: cb}

	b.mu.Lock()
	if err := b.runningLocked(); err != nil {
		b.mu.Unlock()
		return "", err
	}
	if len(b.turns) >= b.cfg.MaxQueuedTurns {
		b.mu.Unlock()
		return "", ErrOverloaded
	}
	b.turns = append(b.turns, t)
	b.mu.Unlock()

	if err := b.writeLine(map[string]any{
		"id":      uuid.NewString(),
		"type":    RPCFollowUp,
		"message": text,
	}); err != nil {
		b.removeTurn(t)
		return "", err
	}

	select {
	case res := <-t.ch:
		return res.text, res.err
	case <-ctx.Done():
		b.removeTurn(t)
		return "", ctx.Err()
	}
}

// Steer delivers text into the turn already in flight. No waiter is enqueued;
// the response stream of the current turn absorbs the steering input.
func (b *Bridge) Steer(text string) error {
	b.mu.Lock()
	if err := b.runningLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	return b.writeLine(map[string]any{
		"id":      uuid.NewString(),
		"type":    RPCFollowUp,
		"message": text,
	})
}

// Command performs a one-shot RPC and returns the response data.
func (b *Bridge) Command(ctx context.Context, rpcType string, params map[string]any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan rpcResult, 1)

	b.mu.Lock()
	if err := b.runningLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.pending[id] = ch
	b.mu.Unlock()

	msg := make(map[string]any, len(params)+2)
	for k, v := range params {
		msg[k] = v
	}
	msg["id"] = id
	msg["type"] = rpcType

	if err := b.writeLine(msg); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Stop terminates the child: SIGTERM, then SIGKILL after the stop grace.
// All outstanding RPCs and turns reject with ErrStopped.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	switch b.state {
	case StateIdle:
		b.mu.Unlock()
		return nil
	case StateExited:
		b.mu.Unlock()
		<-b.waitDone
		return nil
	}
	b.stopping = true
	pid := b.pid
	b.mu.Unlock()

	b.stdinMu.Lock()
	_ = b.stdin.Close()
	b.stdinMu.Unlock()

	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}

	select {
	case <-b.waitDone:
	case <-time.After(b.cfg.StopGrace):
		if pid > 0 {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
		<-b.waitDone
	}
	return nil
}

// Busy reports whether a turn is in flight or queued.
func (b *Bridge) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns) > 0
}

// State returns the lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Exited is closed once the child has exited and all waiters were rejected.
func (b *Bridge) Exited() <-chan struct{} {
	return b.waitDone
}

// ExitErr returns the child's exit error, valid after Exited is closed.
func (b *Bridge) ExitErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitErr
}

// Stopping reports whether Stop has been requested. Used by the session
// manager to distinguish intentional stops from unsolicited exits.
func (b *Bridge) Stopping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopping
}

// Subscribe returns an ordered view of every child event. Slow subscribers
// lose the newest events instead of blocking the stream.
func (b *Bridge) Subscribe(capacity int) (<-chan Event, func()) {
	return b.broker.Subscribe(capacity)
}

// DroppedEvents returns the count of events dropped on slow subscribers.
func (b *Bridge) DroppedEvents() uint64 {
	return b.broker.Dropped()
}

func (b *Bridge) runningLocked() error {
	switch b.state {
	case StateIdle:
		return ErrNotStarted
	case StateExited:
		return ErrExited
	}
	if b.stopping {
		return ErrStopped
	}
	return nil
}

func (b *Bridge) writeLine(msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal rpc: %w", err)
	}
	data = append(data, '\n')

	b.stdinMu.Lock()
	defer b.stdinMu.Unlock()
	if _, err := b.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (b *Bridge) removeTurn(t *turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, q := range b.turns {
		if q == t {
			b.turns = append(b.turns[:i], b.turns[i+1:]...)
			return
		}
	}
}

func (b *Bridge) readStdout(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	var framer Framer
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range framer.Push(buf[:n]) {
				ev, ok := ParseEvent(line)
				if !ok {
					// Non-JSON noise on stdout is dropped.
					continue
				}
				b.dispatch(ev)
				b.broker.Publish(ev)
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) readStderr(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	var framer Framer
	buf := make([]byte, 8*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range framer.Push(buf[:n]) {
				b.logger.Error("agent stderr", "line", string(line))
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch interprets one child event. Runs on the stdout reader goroutine,
// so per-bridge event handling is inherently serialized.
func (b *Bridge) dispatch(ev Event) {
	switch ev.Type {
	case EventTypeResponse:
		b.mu.Lock()
		ch, ok := b.pending[ev.ID]
		if ok {
			delete(b.pending, ev.ID)
		}
		b.mu.Unlock()
		if !ok {
			return
		}
		if ev.Success != nil && !*ev.Success {
			ch <- rpcResult{err: fmt.Errorf("%w: %s", ErrRPCFailed, ev.Error)}
			return
		}
		ch <- rpcResult{data: ev.Data}

	case EventTypeMessageUpdate:
		ame := ev.AssistantMessageEvent
		if ame == nil || ame.Type != "text_delta" {
			return
		}
		b.mu.Lock()
		var cb Callbacks
		if len(b.turns) > 0 {
			b.turns[0].acc.WriteString(ame.Delta)
			cb = b.turns[0].cb
		}
		b.mu.Unlock()
		if cb.OnText != nil {
			cb.OnText(ame.Delta)
		}

	case EventTypeToolExecutionStart:
		b.mu.Lock()
		var cb Callbacks
		if len(b.turns) > 0 {
			cb = b.turns[0].cb
		}
		b.mu.Unlock()
		if cb.OnToolStart != nil {
			cb.OnToolStart(ToolStart{ToolName: ev.ToolName, Args: ev.Args})
		}

	case EventTypeAgentEnd:
		b.mu.Lock()
		var t *turn
		if len(b.turns) > 0 {
			t = b.turns[0]
			b.turns = b.turns[1:]
		}
		b.mu.Unlock()
		if t != nil {
			t.ch <- turnResult{text: strings.TrimSpace(t.acc.String())}
		}
	}
}

func (b *Bridge) waitForExit(streamWG *sync.WaitGroup) {
	// Drain stdout/stderr before Wait closes the pipe read ends, so buffered
	// output is not lost on a fast exit.
	streamWG.Wait()
	err := b.cmd.Wait()

	b.mu.Lock()
	b.state = StateExited
	b.exitErr = err
	termErr := error(ErrExited)
	if b.stopping {
		termErr = ErrStopped
	}
	pending := b.pending
	b.pending = make(map[string]chan rpcResult)
	turns := b.turns
	b.turns = nil
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcResult{err: termErr}
	}
	for _, t := range turns {
		t.ch <- turnResult{err: termErr}
	}

	b.broker.Close()
	close(b.waitDone)
}

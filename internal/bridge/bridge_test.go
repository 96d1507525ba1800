package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// captureWriter records every line written to the child's stdin.
type captureWriter struct {
	mu    sync.Mutex
	lines []map[string]any
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			w.lines = append(w.lines, m)
		}
	}
	return len(p), nil
}

func (w *captureWriter) Close() error { return nil }

func (w *captureWriter) written() []map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]map[string]any(nil), w.lines...)
}

// newTestBridge returns a Bridge in running state with its stdin replaced by
// a capture writer, so protocol behavior can be driven through dispatch
// without a real child process.
func newTestBridge() (*Bridge, *captureWriter) {
	b := New(Config{Command: "true"}, nil)
	w := &captureWriter{}
	b.stdin = w
	b.state = StateRunning
	return b, w
}

func feed(b *Bridge, lines ...string) {
	for _, line := range lines {
		ev, ok := ParseEvent([]byte(line))
		if ok {
			b.dispatch(ev)
			b.broker.Publish(ev)
		}
	}
}

func TestSendMessageResolvesOnAgentEnd(t *testing.T) {
	b, w := newTestBridge()

	var tools []string
	var deltas []string
	done := make(chan struct{})
	var text string
	var sendErr error
	go func() {
		defer close(done)
		text, sendErr = b.SendMessage(context.Background(), "hey", Callbacks{
			OnToolStart: func(ts ToolStart) { tools = append(tools, ts.ToolName) },
			OnText:      func(d string) { deltas = append(deltas, d) },
		})
	}()

	waitBusy(t, b)

	feed(b,
		`{"type":"tool_execution_start","toolName":"read","args":{"path":"src/main.ts"}}`,
		`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"All tests "}}`,
		`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"pass!"}}`,
		`{"type":"agent_end"}`,
	)
	<-done

	if sendErr != nil {
		t.Fatalf("SendMessage: %v", sendErr)
	}
	if text != "All tests pass!" {
		t.Errorf("text = %q", text)
	}
	if len(tools) != 1 || tools[0] != "read" {
		t.Errorf("tools = %v", tools)
	}
	if len(deltas) != 2 {
		t.Errorf("deltas = %v", deltas)
	}
	if b.Busy() {
		t.Error("busy after agent_end")
	}

	lines := w.written()
	if len(lines) != 1 {
		t.Fatalf("wrote %d lines, want 1", len(lines))
	}
	if lines[0]["type"] != "follow_up" || lines[0]["message"] != "hey" {
		t.Errorf("follow_up = %v", lines[0])
	}
	if lines[0]["id"] == "" {
		t.Error("follow_up missing id")
	}
}

func TestSendMessageFIFO(t *testing.T) {
	b, _ := newTestBridge()

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	for _, msg := range []string{"first", "second"} {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			started <- struct{}{}
			text, err := b.SendMessage(context.Background(), msg, Callbacks{})
			if err != nil {
				t.Errorf("SendMessage(%s): %v", msg, err)
				return
			}
			mu.Lock()
			order = append(order, text)
			mu.Unlock()
		}(msg)
		<-started
		waitQueued(t, b, map[string]int{"first": 1, "second": 2}[msg])
	}

	feed(b,
		`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"r1"}}`,
		`{"type":"agent_end"}`,
		`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"r2"}}`,
		`{"type":"agent_end"}`,
	)
	wg.Wait()

	if len(order) != 2 || order[0] != "r1" || order[1] != "r2" {
		t.Errorf("order = %v, want [r1 r2]", order)
	}
}

func TestSendMessageOverloaded(t *testing.T) {
	b, _ := newTestBridge()
	b.cfg.MaxQueuedTurns = 1

	go b.SendMessage(context.Background(), "occupies queue", Callbacks{}) //nolint:errcheck
	waitBusy(t, b)

	_, err := b.SendMessage(context.Background(), "overflow", Callbacks{})
	if !errors.Is(err, ErrOverloaded) {
		t.Errorf("err = %v, want ErrOverloaded", err)
	}
}

func TestSteerWritesWithoutWaiter(t *testing.T) {
	b, w := newTestBridge()

	if err := b.Steer("[matrix #g] @w:a: hey"); err != nil {
		t.Fatalf("Steer: %v", err)
	}
	if b.Busy() {
		t.Error("steer enqueued a waiter")
	}
	lines := w.written()
	if len(lines) != 1 || lines[0]["message"] != "[matrix #g] @w:a: hey" {
		t.Errorf("written = %v", lines)
	}
}

func TestCommandMatchesResponseByID(t *testing.T) {
	b, w := newTestBridge()

	type result struct {
		data json.RawMessage
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		data, err := b.Command(context.Background(), RPCGetState, nil)
		resCh <- result{data, err}
	}()

	var id string
	deadline := time.After(2 * time.Second)
	for id == "" {
		select {
		case <-deadline:
			t.Fatal("rpc never written")
		default:
		}
		if lines := w.written(); len(lines) > 0 {
			id, _ = lines[0]["id"].(string)
		}
	}

	feed(b, `{"type":"response","id":"`+id+`","success":true,"data":{"model":{"name":"m"}}}`)
	res := <-resCh
	if res.err != nil {
		t.Fatalf("Command: %v", res.err)
	}
	if !strings.Contains(string(res.data), `"m"`) {
		t.Errorf("data = %s", res.data)
	}

	// A second response for the same id has no waiter left; must be ignored.
	feed(b, `{"type":"response","id":"`+id+`","success":true,"data":{}}`)
}

func TestCommandFailureResponse(t *testing.T) {
	b, w := newTestBridge()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Command(context.Background(), RPCCompact, map[string]any{"customInstructions": "keep"})
		errCh <- err
	}()

	var id string
	for id == "" {
		if lines := w.written(); len(lines) > 0 {
			id, _ = lines[0]["id"].(string)
		}
	}
	feed(b, `{"type":"response","id":"`+id+`","success":false,"error":"context too small"}`)

	err := <-errCh
	if !errors.Is(err, ErrRPCFailed) {
		t.Errorf("err = %v, want ErrRPCFailed", err)
	}
	if !strings.Contains(err.Error(), "context too small") {
		t.Errorf("err = %v, missing child error text", err)
	}
}

func TestUnknownResponseDropped(t *testing.T) {
	b, _ := newTestBridge()
	feed(b, `{"type":"response","id":"nobody","success":true}`) // must not panic
}

func TestAgentEndWithEmptyQueueDropped(t *testing.T) {
	b, _ := newTestBridge()
	feed(b, `{"type":"agent_end"}`) // must not panic
}

func TestEventsMirroredToSubscribers(t *testing.T) {
	b, _ := newTestBridge()
	ch, cancel := b.Subscribe(8)
	defer cancel()

	feed(b, `{"type":"agent_start"}`, `{"type":"tool_execution_start","toolName":"bash","args":{"command":"ls"}}`)

	first := <-ch
	if first.Type != "agent_start" {
		t.Errorf("first = %q", first.Type)
	}
	second := <-ch
	if second.Type != "tool_execution_start" || second.ToolName != "bash" {
		t.Errorf("second = %+v", second)
	}
}

func TestStartStopRealChild(t *testing.T) {
	b := New(Config{Command: "sh", Args: []string{"-c", "read x"}, StopGrace: 2 * time.Second}, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if b.State() != StateRunning {
		t.Fatalf("state = %v, want running", b.State())
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Command(context.Background(), RPCGetState, nil)
		errCh <- err
	}()
	// Give the rpc time to register before stopping.
	time.Sleep(50 * time.Millisecond)

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("pending rpc err = %v, want ErrStopped", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending rpc never rejected")
	}

	if b.State() != StateExited {
		t.Errorf("state = %v, want exited", b.State())
	}
	if err := b.Start(); err == nil {
		t.Error("Start after exit succeeded")
	}
	// Stop is idempotent after exit.
	if err := b.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestChildExitRejectsWaiters(t *testing.T) {
	b := New(Config{Command: "sh", Args: []string{"-c", "sleep 0.2"}}, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := b.SendMessage(context.Background(), "hello", Callbacks{})
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrExited) {
			t.Errorf("err = %v, want ErrExited", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never rejected")
	}

	<-b.Exited()
	if _, err := b.Command(context.Background(), RPCGetState, nil); !errors.Is(err, ErrExited) {
		t.Errorf("Command after exit = %v, want ErrExited", err)
	}
}

func waitBusy(t *testing.T, b *Bridge) {
	t.Helper()
	waitQueued(t, b, 1)
}

func waitQueued(t *testing.T, b *Bridge, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		queued := len(b.turns)
		b.mu.Unlock()
		if queued >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached %d", n)
}

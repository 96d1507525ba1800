package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/markcallen/simplebot/internal/bridge"
)

// fakeAgent records RPCs and messages in arrival order.
type fakeAgent struct {
	mu       sync.Mutex
	busy     bool
	calls    []string
	messages []string
	rpcData  map[string]string
	rpcErr   map[string]error
	reply    string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		rpcData: map[string]string{},
		rpcErr:  map[string]error{},
	}
}

func (a *fakeAgent) Busy() bool { return a.busy }

func (a *fakeAgent) Command(ctx context.Context, rpcType string, params map[string]any) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, rpcType)
	if err := a.rpcErr[rpcType]; err != nil {
		return nil, err
	}
	return json.RawMessage(a.rpcData[rpcType]), nil
}

func (a *fakeAgent) SendMessage(ctx context.Context, text string, cb bridge.Callbacks) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "send_message")
	a.messages = append(a.messages, text)
	return a.reply, nil
}

func newTestScheduler(t *testing.T, dir string, agent *fakeAgent, opts Options) *Scheduler {
	t.Helper()
	opts.Dir = dir
	opts.DefaultSession = "main"
	if opts.Provider == nil {
		opts.Provider = func(ctx context.Context, session string) (Agent, error) {
			return agent, nil
		}
	}
	return NewScheduler(opts)
}

func TestRunStepsInOrder(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "morning.md", `---
schedule: "* * * * *"
steps:
  - new-session
  - model: "haiku"
  - prompt
---
hello
`)
	agent := newFakeAgent()
	agent.rpcData[bridge.RPCGetAvailableModels] = `[{"id":"claude-haiku-4-5","name":"Claude Haiku","provider":"anthropic"}]`
	agent.reply = "done for today"

	var responses []string
	sched := newTestScheduler(t, dir, agent, Options{
		OnResponse: func(job, notify, response string) {
			responses = append(responses, job+"|"+response)
		},
	})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	if err := sched.RunJobNow("morning"); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}

	want := []string{
		bridge.RPCNewSession,
		bridge.RPCGetAvailableModels,
		bridge.RPCSetModel,
		"send_message",
	}
	if len(agent.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", agent.calls, want)
	}
	for i := range want {
		if agent.calls[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, agent.calls[i], want[i])
		}
	}
	if agent.messages[0] != "[CRON:morning] hello" {
		t.Errorf("prompt = %q", agent.messages[0])
	}
	if len(responses) != 1 || responses[0] != "morning|done for today" {
		t.Errorf("responses = %v", responses)
	}
}

func TestStepFailureAborts(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "j.md", `---
schedule: "* * * * *"
steps:
  - new-session
  - compact
---
`)
	agent := newFakeAgent()
	agent.rpcErr[bridge.RPCNewSession] = fmt.Errorf("child says no")

	sched := newTestScheduler(t, dir, agent, Options{})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	if err := sched.RunJobNow("j"); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}
	// compact never ran.
	if len(agent.calls) != 1 || agent.calls[0] != bridge.RPCNewSession {
		t.Errorf("calls = %v", agent.calls)
	}

	// The scheduler survives: the next run executes again.
	agent.rpcErr = map[string]error{}
	if err := sched.RunJobNow("j"); err != nil {
		t.Fatalf("second RunJobNow: %v", err)
	}
	if len(agent.calls) != 3 {
		t.Errorf("calls after recovery = %v", agent.calls)
	}
}

func TestModelStepNoMatchFails(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "j.md", `---
schedule: "* * * * *"
steps:
  - model: "gemini"
  - compact
---
`)
	agent := newFakeAgent()
	agent.rpcData[bridge.RPCGetAvailableModels] = `[{"id":"claude-opus-4"}]`

	sched := newTestScheduler(t, dir, agent, Options{})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	sched.RunJobNow("j") //nolint:errcheck
	for _, c := range agent.calls {
		if c == bridge.RPCCompact || c == bridge.RPCSetModel {
			t.Errorf("step after failed model match ran: %v", agent.calls)
		}
	}
}

func TestBusyBridgeSkips(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "j.md", `---
schedule: "* * * * *"
steps:
  - compact
---
`)
	agent := newFakeAgent()
	agent.busy = true

	sched := newTestScheduler(t, dir, agent, Options{})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	sched.RunJobNow("j") //nolint:errcheck
	if len(agent.calls) != 0 {
		t.Errorf("busy bridge still received %v", agent.calls)
	}
}

func TestGraceWindowSkips(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "j.md", `---
schedule: "* * * * *"
steps:
  - compact
---
`)
	agent := newFakeAgent()
	last := time.Now()
	sched := newTestScheduler(t, dir, agent, Options{
		DefaultGrace:    5 * time.Second,
		LastInteraction: func() time.Time { return last },
	})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	sched.RunJobNow("j") //nolint:errcheck
	if len(agent.calls) != 0 {
		t.Errorf("job ran inside grace window: %v", agent.calls)
	}

	last = time.Now().Add(-time.Minute)
	sched.RunJobNow("j") //nolint:errcheck
	if len(agent.calls) != 1 {
		t.Errorf("job did not run outside grace window: %v", agent.calls)
	}
}

func TestJobGraceOverride(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "j.md", `---
schedule: "* * * * *"
gracePeriodMs: 0
steps:
  - compact
---
`)
	agent := newFakeAgent()
	sched := newTestScheduler(t, dir, agent, Options{
		DefaultGrace:    time.Hour,
		LastInteraction: func() time.Time { return time.Now() },
	})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	sched.RunJobNow("j") //nolint:errcheck
	if len(agent.calls) != 1 {
		t.Errorf("zero-grace job skipped: %v", agent.calls)
	}
}

func TestDisabledJobNotScheduled(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "off.md", `---
schedule: "* * * * *"
enabled: false
steps:
  - compact
---
`)
	sched := newTestScheduler(t, dir, newFakeAgent(), Options{})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	jobs := sched.Jobs()
	if len(jobs) != 1 || jobs[0].Enabled {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestHotReloadAddAndRemove(t *testing.T) {
	dir := t.TempDir()
	agent := newFakeAgent()
	sched := newTestScheduler(t, dir, agent, Options{})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	path := writeJob(t, dir, "late.md", `---
schedule: "* * * * *"
steps:
  - compact
---
`)

	waitFor(t, 3*time.Second, func() bool { return len(sched.Jobs()) == 1 })

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(sched.Jobs()) == 0 })
}

func TestHotReloadNewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	agent := newFakeAgent()
	sched := newTestScheduler(t, dir, agent, Options{})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	sub := filepath.Join(dir, "weekly")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	writeJob(t, sub, "review.md", `---
schedule: "0 9 * * 1"
steps:
  - compact
---
`)

	waitFor(t, 3*time.Second, func() bool {
		for _, j := range sched.Jobs() {
			if j.Name == "weekly/review" {
				return true
			}
		}
		return false
	})
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

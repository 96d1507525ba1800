// Package usage tracks per-turn token and cost events in a bounded ring with
// an optional append-only JSONL mirror.
package usage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one usage sample.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	ContextSize  int       `json:"contextSize"`
	Cost         float64   `json:"cost"`
	Compaction   bool      `json:"compaction"`
	SessionName  string    `json:"sessionName,omitempty"`
}

// Buckets aggregates usage over a window.
type Buckets struct {
	Events       int     `json:"events"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Cost         float64 `json:"cost"`
	Compactions  int     `json:"compactions"`
}

// Tracker keeps the most recent events in a ring of fixed capacity and
// mirrors each append to a JSONL file when a path is configured.
type Tracker struct {
	mu    sync.Mutex
	buf   []Event
	cap   int
	head  int
	count int

	path      string
	retention time.Duration
	now       func() time.Time

	lastContext map[string]int // session -> last seen context size
}

// NewTracker creates a tracker with the given ring capacity. path may be
// empty to disable the JSONL mirror; retention bounds which mirrored events
// Load keeps.
func NewTracker(capacity int, path string, retention time.Duration) *Tracker {
	if capacity < 1 {
		capacity = 1000
	}
	return &Tracker{
		buf:         make([]Event, capacity),
		cap:         capacity,
		path:        path,
		retention:   retention,
		now:         time.Now,
		lastContext: make(map[string]int),
	}
}

// Record appends an event to the ring and the JSONL mirror.
func (t *Tracker) Record(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now().UTC()
	}

	t.mu.Lock()
	t.appendLocked(e)
	path := t.path
	t.mu.Unlock()

	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create usage dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open usage log: %w", err)
	}
	defer f.Close()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append usage log: %w", err)
	}
	return nil
}

// Load replays the JSONL mirror into the ring, dropping events older than the
// retention window and silently skipping malformed lines.
func (t *Tracker) Load() error {
	if t.path == "" {
		return nil
	}
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open usage log: %w", err)
	}
	defer f.Close()

	cutoff := t.now().Add(-t.retention)

	t.mu.Lock()
	defer t.mu.Unlock()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if t.retention > 0 && e.Timestamp.Before(cutoff) {
			continue
		}
		t.appendLocked(e)
	}
	return sc.Err()
}

func (t *Tracker) appendLocked(e Event) {
	if t.count < t.cap {
		t.buf[(t.head+t.count)%t.cap] = e
		t.count++
	} else {
		t.buf[t.head] = e
		t.head = (t.head + 1) % t.cap
	}
	if e.SessionName != "" && e.ContextSize > 0 {
		t.lastContext[e.SessionName] = e.ContextSize
	}
}

// Snapshot returns the buffered events, oldest first.
func (t *Tracker) Snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, 0, t.count)
	for i := 0; i < t.count; i++ {
		out = append(out, t.buf[(t.head+i)%t.cap])
	}
	return out
}

// Today aggregates events since local midnight.
func (t *Tracker) Today() Buckets {
	now := t.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return t.since(midnight)
}

// Week aggregates events from the last 7 days.
func (t *Tracker) Week() Buckets {
	return t.since(t.now().AddDate(0, 0, -7))
}

func (t *Tracker) since(cutoff time.Time) Buckets {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b Buckets
	for i := 0; i < t.count; i++ {
		e := t.buf[(t.head+i)%t.cap]
		if e.Timestamp.Before(cutoff) {
			continue
		}
		b.Events++
		b.InputTokens += e.InputTokens
		b.OutputTokens += e.OutputTokens
		b.Cost += e.Cost
		if e.Compaction {
			b.Compactions++
		}
	}
	return b
}

// DetectCompaction reports whether a context-size change from previous to
// current indicates a compaction: strictly below 70% of the previous size.
func DetectCompaction(previous, current int) bool {
	if previous <= 0 || current < 0 {
		return false
	}
	return float64(current) < 0.7*float64(previous)
}

// ObserveContext records the session's current context size and reports
// whether the change from the last observation was a compaction.
func (t *Tracker) ObserveContext(session string, contextSize int) bool {
	t.mu.Lock()
	prev := t.lastContext[session]
	t.lastContext[session] = contextSize
	t.mu.Unlock()
	return DetectCompaction(prev, contextSize)
}

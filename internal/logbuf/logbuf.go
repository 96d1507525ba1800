// Package logbuf keeps a bounded in-memory ring of recent log entries so the
// dashboard can show them without touching disk. It plugs into slog as a
// handler that tees every record into the ring.
package logbuf

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Buffer is a fixed-capacity FIFO of log entries. Appends past capacity evict
// the oldest entry.
type Buffer struct {
	mu    sync.Mutex
	buf   []Entry
	cap   int
	head  int
	count int
}

// NewBuffer creates a ring holding at most capacity entries.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 200
	}
	return &Buffer{
		buf: make([]Entry, capacity),
		cap: capacity,
	}
}

// Append adds an entry, evicting the oldest when full.
func (b *Buffer) Append(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count < b.cap {
		b.buf[(b.head+b.count)%b.cap] = e
		b.count++
		return
	}
	b.buf[b.head] = e
	b.head = (b.head + 1) % b.cap
}

// Snapshot returns a copy of the entries, oldest first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.buf[(b.head+i)%b.cap])
	}
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Handler is a slog.Handler that records every entry into a Buffer and then
// forwards to the next handler.
type Handler struct {
	next  slog.Handler
	buf   *Buffer
	attrs []slog.Attr
}

// NewHandler wraps next so every record also lands in buf.
func NewHandler(next slog.Handler, buf *Buffer) *Handler {
	return &Handler{next: next, buf: buf}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Timestamp: r.Time.UTC().Format(time.RFC3339Nano),
		Level:     levelString(r.Level),
		Message:   r.Message,
	}
	n := r.NumAttrs() + len(h.attrs)
	if n > 0 {
		e.Fields = make(map[string]any, n)
		for _, a := range h.attrs {
			e.Fields[a.Key] = a.Value.Resolve().Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			e.Fields[a.Key] = a.Value.Resolve().Any()
			return true
		})
	}
	h.buf.Append(e)
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{next: h.next.WithAttrs(attrs), buf: h.buf, attrs: merged}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), buf: h.buf, attrs: h.attrs}
}

func levelString(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	default:
		return "info"
	}
}

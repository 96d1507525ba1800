package logbuf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func TestBufferEvictsOldest(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 5; i++ {
		b.Append(Entry{Message: fmt.Sprintf("m%d", i)})
	}
	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	want := []string{"m2", "m3", "m4"}
	for i, e := range snap {
		if e.Message != want[i] {
			t.Errorf("snap[%d] = %q, want %q", i, e.Message, want[i])
		}
	}
}

func TestBufferSnapshotIsCopy(t *testing.T) {
	b := NewBuffer(2)
	b.Append(Entry{Message: "a"})
	snap := b.Snapshot()
	b.Append(Entry{Message: "b"})
	if len(snap) != 1 || snap[0].Message != "a" {
		t.Errorf("snapshot mutated by later append: %+v", snap)
	}
}

func TestHandlerCapturesAttrs(t *testing.T) {
	buf := NewBuffer(10)
	logger := slog.New(NewHandler(slog.NewJSONHandler(io.Discard, nil), buf))

	logger.Info("hello", "session", "main")
	logger.With("platform", "matrix").Error("boom", "code", 7)

	snap := buf.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len = %d, want 2", len(snap))
	}
	if snap[0].Level != "info" || snap[0].Message != "hello" {
		t.Errorf("first entry = %+v", snap[0])
	}
	if snap[0].Fields["session"] != "main" {
		t.Errorf("session field = %v", snap[0].Fields["session"])
	}
	if snap[1].Level != "error" {
		t.Errorf("second level = %q", snap[1].Level)
	}
	if snap[1].Fields["platform"] != "matrix" {
		t.Errorf("With attr not captured: %+v", snap[1].Fields)
	}
}

func TestHandlerRespectsLevel(t *testing.T) {
	buf := NewBuffer(10)
	h := NewHandler(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}), buf)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled")
	}
}

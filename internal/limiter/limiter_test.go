package limiter

import (
	"testing"
	"time"
)

func TestAllowUpToLimit(t *testing.T) {
	l := New(10, time.Minute)
	for i := 0; i < 10; i++ {
		if !l.Allow("@w:a") {
			t.Fatalf("call %d denied, want allowed", i+1)
		}
	}
	if l.Allow("@w:a") {
		t.Error("eleventh call allowed, want denied")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(2, time.Minute)
	l.Allow("a")
	l.Allow("a")
	if l.Allow("a") {
		t.Error("third for a allowed")
	}
	if !l.Allow("b") {
		t.Error("first for b denied")
	}
}

func TestWindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(10, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		if !l.Allow("s") {
			t.Fatalf("call %d denied", i+1)
		}
		now = now.Add(time.Second)
	}
	if l.Allow("s") {
		t.Error("over-limit call allowed")
	}

	// Advance past the first accepted timestamp; one slot frees up.
	now = now.Add(51 * time.Second)
	if !l.Allow("s") {
		t.Error("call after window slide denied")
	}
}

func TestDeniedAttemptsNotRecorded(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(2, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("s")
	l.Allow("s")
	for i := 0; i < 5; i++ {
		l.Allow("s") // denied, must not extend the window
	}
	if got := l.Recent("s"); got != 2 {
		t.Errorf("Recent = %d, want 2 (denied attempts recorded?)", got)
	}

	now = now.Add(61 * time.Second)
	if !l.Allow("s") {
		t.Error("denied attempts extended the window")
	}
}

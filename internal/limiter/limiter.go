// Package limiter implements the per-key sliding-window rate limit used for
// inbound chat traffic and webhook sources.
package limiter

import (
	"sync"
	"time"
)

// Keyed is a sliding-window limiter: at most Limit accepted events per Window
// for each key. Timestamps are recorded only for accepted events, so the
// window measures forwarded rate rather than attempt rate.
type Keyed struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	ttl    time.Duration
	now    func() time.Time
	keys   map[string][]time.Time
}

// New creates a limiter allowing limit events per window for each key.
func New(limit int, window time.Duration) *Keyed {
	return &Keyed{
		window: window,
		limit:  limit,
		ttl:    time.Hour,
		now:    time.Now,
		keys:   make(map[string][]time.Time),
	}
}

// Allow reports whether an event for key may proceed, recording it if so.
func (l *Keyed) Allow(key string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.keys[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.keys[key] = kept
		return false
	}

	l.keys[key] = append(kept, now)
	l.cleanupLocked(now)
	return true
}

// Recent returns how many accepted events for key fall inside the window.
func (l *Keyed) Recent(key string) int {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ts := range l.keys[key] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

func (l *Keyed) cleanupLocked(now time.Time) {
	cutoff := now.Add(-l.ttl)
	for key, stamps := range l.keys {
		if len(stamps) == 0 || stamps[len(stamps)-1].Before(cutoff) {
			delete(l.keys, key)
		}
	}
}

package daemon

import (
	"sync"
	"time"
)

const (
	activityCapacity = 50
	activityTextMax  = 120
)

// ActivityEntry is one inbound-message summary for the dashboard feed.
type ActivityEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Platform  string    `json:"platform"`
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
}

type activityLog struct {
	mu      sync.Mutex
	entries []ActivityEntry
}

func (a *activityLog) record(msg IncomingMessage) {
	e := ActivityEntry{
		Timestamp: time.Now().UTC(),
		Platform:  msg.Platform,
		Channel:   msg.Channel,
		Sender:    msg.Sender,
		Text:      truncateLine(msg.Text, activityTextMax),
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	if len(a.entries) > activityCapacity {
		a.entries = a.entries[len(a.entries)-activityCapacity:]
	}
}

func (a *activityLog) snapshot() []ActivityEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ActivityEntry(nil), a.entries...)
}

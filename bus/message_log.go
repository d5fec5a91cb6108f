package bus

import (
	"sync"
	"time"
)

// DefaultMaxLogSize bounds the message log when no size is configured.
const DefaultMaxLogSize = 1000

// Outcome describes how a logged message was settled.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCanceled  Outcome = "canceled"
)

// LogEntry records one message sent through the bus.
type LogEntry struct {
	MessageID string        `json:"message_id"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Type      MessageType   `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// messageLog is a fixed-capacity ring buffer. Once full, each append
// overwrites the oldest entry.
type messageLog struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func newMessageLog(capacity int) *messageLog {
	if capacity <= 0 {
		capacity = DefaultMaxLogSize
	}
	return &messageLog{entries: make([]LogEntry, capacity)}
}

func (l *messageLog) append(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// snapshot returns the buffered entries oldest first.
func (l *messageLog) snapshot() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]LogEntry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]LogEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

func (l *messageLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.full {
		return len(l.entries)
	}
	return l.next
}

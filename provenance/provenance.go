// Package provenance keeps the bounded, attributed activity feed: who did
// what, most recent first.
//
// The log is presentation-ordered by arrival, not causally ordered: the
// transport does not guarantee cross-channel ordering, so any Lamport seq
// on an entry is preserved verbatim for display and never used to reorder.
// That is a documented limitation, not a bug.
//
// The log is deliberately independent of the durable store — it audits the
// store, so it must not live in it. It holds at most Capacity entries and
// nothing older than MaxAge; both bounds are enforced on every Append.
package provenance

import (
	"strconv"
	"sync"
	"time"

	"github.com/basestate/runid/envelope"
)

// Action classifies what a provenance entry records.
type Action string

const (
	CreatedCollection Action = "created_collection"
	DeletedCollection Action = "deleted_collection"
	SavedCollection   Action = "saved_collection"
	AddedRequest      Action = "added_request"
	UpdatedRequest    Action = "updated_request"
	DeletedRequest    Action = "deleted_request"
	ExecutedRequest   Action = "executed_request"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case CreatedCollection, DeletedCollection, SavedCollection,
		AddedRequest, UpdatedRequest, DeletedRequest, ExecutedRequest:
		return true
	}
	return false
}

// Entry is one attributed action. ID is assigned by the log itself so
// entries stay uniquely addressable even when two envelopes carry the same
// timestamp.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     envelope.Actor `json:"actor"`
	Action    Action         `json:"action"`
	Target    string         `json:"target"`
	TargetID  string         `json:"target_id,omitempty"`
	Seq       *uint64        `json:"seq,omitempty"`
}

// Default bounds.
const (
	Capacity = 100
	MaxAge   = time.Hour
)

// Log is the bounded activity feed. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	entries  []Entry // newest first
	next     uint64
	capacity int
	maxAge   time.Duration
	now      func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithCapacity overrides the entry cap (default 100).
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithMaxAge overrides the age window (default 1h).
func WithMaxAge(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.maxAge = d
		}
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		capacity: Capacity,
		maxAge:   MaxAge,
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append records an entry, assigning the next monotonic id (as a decimal
// string). The id counter survives Prune and Clear; only Reset rewinds it.
// A zero Timestamp is stamped with the current time. Returns the stored
// entry.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	e.ID = strconv.FormatUint(l.next, 10)
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}

	l.entries = append(l.entries, Entry{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = e

	l.pruneLocked()
	if len(l.entries) > l.capacity {
		l.entries = l.entries[:l.capacity]
	}
	return e
}

// Prune drops entries older than the age window. Append calls this
// opportunistically; a timer may also call it.
func (l *Log) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
}

func (l *Log) pruneLocked() {
	cutoff := l.now().Add(-l.maxAge)
	// Entries are newest first, so everything from the first stale entry
	// on is stale too.
	for i, e := range l.entries {
		if e.Timestamp.Before(cutoff) {
			l.entries = l.entries[:i]
			return
		}
	}
}

// Clear empties the log unconditionally. The id counter is not reset.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Reset empties the log and rewinds the id counter. Test/debug only.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.next = 0
}

// Entries returns a newest-first snapshot.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the current entry count.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

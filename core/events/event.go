package events

import (
	"sync"

	"invoicechain/core/types"
)

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Carrier is implemented by events that wrap a canonical payload. The log
// stores the payload verbatim so indexers observe the exact record the
// engine produced.
type Carrier interface {
	Event() *types.Event
}

// Buffer stages events for an operation in flight. The node publishes the
// staged events together when the operation commits and discards them when
// it rolls back, so the log never shows records from a failed operation.
type Buffer struct {
	mu      sync.Mutex
	pending []Event
}

// NewBuffer returns an empty staging buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Emit stages the event.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, evt)
	b.mu.Unlock()
}

// FlushTo forwards every staged event to sink in emission order and empties
// the buffer.
func (b *Buffer) FlushTo(sink Emitter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	if sink == nil {
		return
	}
	for _, evt := range pending {
		sink.Emit(evt)
	}
}

// Reset discards every staged event.
func (b *Buffer) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

// Len reports the number of staged events.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Entry pairs a recorded event payload with its assigned sequence number.
type Entry struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Log is an in-memory, sequence-assigning emitter. Sequence numbers are
// monotonically increasing starting at 1 and never reused.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	next    int64
}

// NewLog returns an empty event log.
func NewLog() *Log {
	return &Log{next: 1}
}

// Emit records the event, assigning the next sequence number. Events that do
// not carry a payload are stored with their type only.
func (l *Log) Emit(evt Event) {
	if l == nil || evt == nil {
		return
	}
	entry := Entry{Type: evt.EventType(), Attributes: map[string]string{}}
	if carrier, ok := evt.(Carrier); ok {
		if payload := carrier.Event(); payload != nil {
			entry.Type = payload.Type
			for k, v := range payload.Attributes {
				entry.Attributes[k] = v
			}
		}
	}
	l.mu.Lock()
	entry.Sequence = l.next
	l.next++
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// List returns up to limit entries with sequence numbers greater than after.
// A non-positive limit returns all matching entries.
func (l *Log) List(after int64, limit int) []Entry {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0)
	for _, entry := range l.entries {
		if entry.Sequence <= after {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len reports the number of recorded entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

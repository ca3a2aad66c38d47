package buffer

import (
	"sync"

	"orafinite.ai/cli/internal/core/event"
)

// DefaultMaxEvents is the cap applied when no explicit limit is given.
const DefaultMaxEvents = 200

// EventBuffer is a bounded, newest-first collection of guard log events
// received from the push stream. It is owned by exactly one stream
// subscription; consumers read snapshots and never mutate the contents.
//
// The buffer performs no deduplication; where duplicate suppression is
// semantically required it is the caller's job (see the feed reconciler).
type EventBuffer struct {
	mu    sync.Mutex
	max   int
	items []event.GuardLogEvent
}

// New creates an event buffer capped at max entries. A non-positive max
// falls back to DefaultMaxEvents.
func New(max int) *EventBuffer {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &EventBuffer{max: max}
}

// Push prepends e so the newest event is always first, evicting the
// oldest entries beyond the cap.
func (b *EventBuffer) Push(e event.GuardLogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append([]event.GuardLogEvent{e}, b.items...)
	if len(b.items) > b.max {
		b.items = b.items[:b.max]
	}
}

// Snapshot returns a copy of the buffered events, newest first. The
// returned slice is owned by the caller.
func (b *EventBuffer) Snapshot() []event.GuardLogEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]event.GuardLogEvent, len(b.items))
	copy(out, b.items)
	return out
}

// Len reports the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Max reports the buffer cap.
func (b *EventBuffer) Max() int {
	return b.max
}

// Clear drops all buffered events.
func (b *EventBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = nil
}

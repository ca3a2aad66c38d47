package buffer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"orafinite.ai/cli/internal/core/event"
)

func guardEvent(id string) event.GuardLogEvent {
	return event.GuardLogEvent{ID: id, IsSafe: true, CreatedAt: "2026-08-01T00:00:00Z"}
}

// TestEventBuffer_Push_NewestFirst tests insertion order
func TestEventBuffer_Push_NewestFirst(t *testing.T) {
	b := New(10)

	b.Push(guardEvent("a"))
	b.Push(guardEvent("b"))
	b.Push(guardEvent("c"))

	snap := b.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "c", snap[0].ID, "Newest event should be first")
	assert.Equal(t, "b", snap[1].ID)
	assert.Equal(t, "a", snap[2].ID)
}

// TestEventBuffer_Push_EvictsBeyondCap tests the literal a,b,c,d scenario with cap 3
func TestEventBuffer_Push_EvictsBeyondCap(t *testing.T) {
	b := New(3)

	for _, id := range []string{"a", "b", "c", "d"} {
		b.Push(guardEvent(id))
	}

	snap := b.Snapshot()
	require.Len(t, snap, 3, "Buffer should hold exactly maxEvents entries")
	assert.Equal(t, "d", snap[0].ID)
	assert.Equal(t, "c", snap[1].ID)
	assert.Equal(t, "b", snap[2].ID)
}

// TestEventBuffer_DefaultCap tests the fallback cap
func TestEventBuffer_DefaultCap(t *testing.T) {
	b := New(0)
	assert.Equal(t, DefaultMaxEvents, b.Max(), "Non-positive cap should fall back to default")
}

// TestEventBuffer_Snapshot_IsCopy tests copy-on-read semantics
func TestEventBuffer_Snapshot_IsCopy(t *testing.T) {
	b := New(5)
	b.Push(guardEvent("a"))

	snap := b.Snapshot()
	snap[0].ID = "mutated"

	fresh := b.Snapshot()
	assert.Equal(t, "a", fresh[0].ID, "Mutating a snapshot should not affect the buffer")
}

// TestEventBuffer_Clear tests that clearing empties the buffer
func TestEventBuffer_Clear(t *testing.T) {
	b := New(5)
	b.Push(guardEvent("a"))
	b.Push(guardEvent("b"))

	b.Clear()

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Snapshot())
}

// TestEventBuffer_BoundedProperty verifies the bound holds for any
// sequence of maxEvents+k pushes and that the retained entries are the
// most recent pushes in order.
func TestEventBuffer_BoundedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 50).Draw(t, "max")
		extra := rapid.IntRange(1, 100).Draw(t, "extra")
		total := max + extra

		b := New(max)
		for i := 0; i < total; i++ {
			b.Push(guardEvent(fmt.Sprintf("evt-%d", i)))
		}

		snap := b.Snapshot()
		if len(snap) != max {
			t.Fatalf("expected exactly %d entries, got %d", max, len(snap))
		}
		for i := 0; i < max; i++ {
			want := fmt.Sprintf("evt-%d", total-1-i)
			if snap[i].ID != want {
				t.Fatalf("position %d: expected %s, got %s", i, want, snap[i].ID)
			}
		}
	})
}

package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationTracker_TrackAndResolve(t *testing.T) {
	tr := NewCorrelationTracker()

	id := NewCorrelationID()
	tr.Track(id, "item-1")
	assert.Equal(t, 1, tr.Pending())

	itemID, ok := tr.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, "item-1", itemID)
	assert.Equal(t, 0, tr.Pending())

	// Resolving twice fails: the second delivery is drift or a duplicate.
	_, ok = tr.Resolve(id)
	assert.False(t, ok)
}

func TestCorrelationTracker_UnknownIDIsNotResolved(t *testing.T) {
	tr := NewCorrelationTracker()
	_, ok := tr.Resolve("never-issued")
	assert.False(t, ok)
}

func TestCorrelationTracker_TrackIsIdempotent(t *testing.T) {
	tr := NewCorrelationTracker()
	id := NewCorrelationID()

	// The optimistic echo re-tracks the same id; still one pending entry.
	tr.Track(id, "item-1")
	tr.Track(id, "item-1")
	assert.Equal(t, 1, tr.Pending())

	tr.Track("", "item-1")
	assert.Equal(t, 1, tr.Pending())
}

func TestCorrelationTracker_DuplicateSuppression(t *testing.T) {
	tr := NewCorrelationTracker()
	id := NewCorrelationID()

	assert.False(t, tr.IsDuplicate("item-1", id))
	tr.MarkApplied("item-1", id)
	assert.True(t, tr.IsDuplicate("item-1", id))

	// A newer id for the same item is not a duplicate, and applying it
	// unblocks nothing retroactively.
	next := NewCorrelationID()
	assert.False(t, tr.IsDuplicate("item-1", next))
	tr.MarkApplied("item-1", next)
	assert.False(t, tr.IsDuplicate("item-1", id))

	// Per-item scoping: the same id on another item is not a duplicate.
	assert.False(t, tr.IsDuplicate("item-2", next))
}

func TestCorrelationTracker_Reset(t *testing.T) {
	tr := NewCorrelationTracker()
	id := NewCorrelationID()
	tr.Track(id, "item-1")
	tr.MarkApplied("item-1", id)

	tr.Reset()
	assert.Equal(t, 0, tr.Pending())
	assert.False(t, tr.IsDuplicate("item-1", id))
}

func TestNewCorrelationID_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewCorrelationID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

package pricing

import (
	"sync"

	"github.com/google/uuid"
)

// CorrelationTracker matches outbound recalculation requests to the update
// events the server eventually streams back. An update carrying an id the
// tracker never issued (or already resolved) is a drift signal; an update
// carrying the same id as the last one applied for its item is a duplicate
// delivery and must be dropped.
type CorrelationTracker struct {
	mu          sync.Mutex
	pending     map[string]string // correlation_id -> quote_item_id
	lastApplied map[string]string // quote_item_id -> correlation_id
}

// NewCorrelationTracker creates an empty tracker.
func NewCorrelationTracker() *CorrelationTracker {
	return &CorrelationTracker{
		pending:     make(map[string]string),
		lastApplied: make(map[string]string),
	}
}

// NewCorrelationID generates a fresh, process-unique correlation identifier.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Track records an outstanding correlation id for an item. Must be called
// before the request leaves the process. Tracking the same id again is a
// no-op, which also covers the server's optimistic echo of the id.
func (t *CorrelationTracker) Track(correlationID, itemID string) {
	if correlationID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[correlationID] = itemID
}

// Resolve closes an outstanding correlation id. It returns the item the id
// was issued for and whether the id was known; an unknown id is the caller's
// drift signal.
func (t *CorrelationTracker) Resolve(correlationID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	itemID, ok := t.pending[correlationID]
	if ok {
		delete(t.pending, correlationID)
	}
	return itemID, ok
}

// IsDuplicate reports whether an update for the item with this correlation
// id has already been applied.
func (t *CorrelationTracker) IsDuplicate(itemID, correlationID string) bool {
	if itemID == "" || correlationID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastApplied[itemID] == correlationID
}

// MarkApplied records the correlation id of the last update applied for an
// item, so at-least-once redeliveries can be suppressed.
func (t *CorrelationTracker) MarkApplied(itemID, correlationID string) {
	if itemID == "" || correlationID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastApplied[itemID] = correlationID
}

// Pending returns the number of outstanding correlation ids.
func (t *CorrelationTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Reset drops all tracked state.
func (t *CorrelationTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string]string)
	t.lastApplied = make(map[string]string)
}

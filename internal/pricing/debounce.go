package pricing

import (
	"sync"
	"time"
)

// DefaultDebounceWindow is the quiescence window used to coalesce rapid
// successive recalculation requests for the same item.
const DefaultDebounceWindow = 250 * time.Millisecond

// Debouncer schedules one delayed action per item id. Scheduling again for
// the same id cancels the previously scheduled action first, so a burst of
// edits collapses into a single run after the window of quiet.
type Debouncer struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewDebouncer creates an empty debouncer.
func NewDebouncer() *Debouncer {
	return &Debouncer{timers: make(map[string]*time.Timer)}
}

// Schedule cancels any pending action for itemID and schedules fn to run
// after delay. The cancel happens before the reschedule under one lock, so
// two concurrent schedules can never leave both timers armed.
func (d *Debouncer) Schedule(itemID string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if prev, ok := d.timers[itemID]; ok {
		prev.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		// Only the currently armed timer may fire the action; a stale timer
		// that lost the race to a reschedule must not.
		current := d.timers[itemID] == timer && !d.stopped
		if current {
			delete(d.timers, itemID)
		}
		d.mu.Unlock()
		if current {
			fn()
		}
	})
	d.timers[itemID] = timer
}

// Cancel drops any pending action for itemID.
func (d *Debouncer) Cancel(itemID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.timers[itemID]; ok {
		timer.Stop()
		delete(d.timers, itemID)
	}
}

// Stop cancels all pending actions and rejects any further scheduling.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
}

// PendingCount returns the number of items with an armed timer.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

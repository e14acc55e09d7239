package pricing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pricing_sync/internal/core"
	"pricing_sync/pkg/telemetry"

	"go.opentelemetry.io/otel/metric"
)

// Store is the canonical, observable pricing state container for one quote
// browsing session. It is the only component allowed to mutate item pricing
// state; transport, tracker and reconciler all act on it through the apply
// operations below. All mutation is serialized behind one mutex, so merges
// never interleave on the same item.
type Store struct {
	mu sync.RWMutex

	quoteID           string
	items             map[string]*ItemPricingState
	lastSubtotalDelta *decimal.Decimal
	driftDetected     bool
	reconciling       bool

	logger core.ILogger
	now    func() time.Time

	eventsApplied metric.Int64Counter
	mergeLatency  metric.Float64Histogram
}

// NewStore creates an empty store.
func NewStore(logger core.ILogger) *Store {
	meter := telemetry.GetMeter("pricing-store")
	eventsApplied, _ := meter.Int64Counter("pricing_events_applied_total",
		metric.WithDescription("Total number of pricing events folded into the store"))
	mergeLatency, _ := meter.Float64Histogram("pricing_merge_duration_seconds",
		metric.WithDescription("Time spent merging one pricing event into the store"))

	return &Store{
		items:         make(map[string]*ItemPricingState),
		logger:        logger.WithField("component", "pricing_store"),
		now:           time.Now,
		eventsApplied: eventsApplied,
		mergeLatency:  mergeLatency,
	}
}

// SetQuoteID records the currently joined quote.
func (s *Store) SetQuoteID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteID = id
}

// QuoteID returns the currently joined quote, empty if none.
func (s *Store) QuoteID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quoteID
}

// Reset clears all items, the quote association, the subtotal delta and the
// drift flag.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteID = ""
	s.items = make(map[string]*ItemPricingState)
	s.lastSubtotalDelta = nil
	s.driftDetected = false
}

// MarkDrift flags the store as diverged from server-authoritative pricing.
func (s *Store) MarkDrift() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driftDetected = true
}

// DriftDetected reports whether drift has been flagged and not yet repaired.
func (s *Store) DriftDetected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.driftDetected
}

// Reconciling reports whether a reconciliation is in flight.
func (s *Store) Reconciling() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconciling
}

// BeginReconcile acquires the single in-flight reconciliation slot. It
// returns false if another reconciliation is already running, in which case
// the caller must not proceed.
func (s *Store) BeginReconcile() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconciling {
		return false
	}
	s.reconciling = true
	return true
}

// EndReconcile releases the in-flight reconciliation slot.
func (s *Store) EndReconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciling = false
}

// ApplyPricingEvent folds one inbound event's patches into the owning item,
// creating the item lazily on first reference. Pricing version never
// regresses; latency, correlation id and last-updated are last-write-wins;
// a subtotal delta on the payload replaces the quote-level one.
func (s *Store) ApplyPricingEvent(evt *PricingEvent) {
	p := evt.Payload
	if p.QuoteItemID == "" {
		return
	}

	start := s.now()
	s.mu.Lock()
	item := s.itemLocked(p.QuoteItemID)
	item.Rows = MergeRows(item.Rows, p.MatrixPatches, p.Optimistic)
	if p.PricingVersion != nil && *p.PricingVersion > item.PricingVersion {
		item.PricingVersion = *p.PricingVersion
	}
	if p.LatencyMS != nil {
		v := *p.LatencyMS
		item.LatencyMS = &v
	}
	if evt.CorrelationID != "" {
		item.CorrelationID = evt.CorrelationID
	}
	item.LastUpdated = s.now()
	if p.SubtotalDelta != nil {
		v := *p.SubtotalDelta
		s.lastSubtotalDelta = &v
	}
	s.mu.Unlock()

	s.eventsApplied.Add(context.Background(), 1)
	s.mergeLatency.Record(context.Background(), time.Since(start).Seconds())
}

// ApplyLocalOptimistic marks the given quantities of an item as provisional
// before the recalculation request has even been emitted, so edits show up
// immediately.
func (s *Store) ApplyLocalOptimistic(itemID string, quantities []int) {
	if itemID == "" || len(quantities) == 0 {
		return
	}
	patches := make([]RowPatch, 0, len(quantities))
	for _, q := range quantities {
		patches = append(patches, RowPatch{Quantity: q, Status: StatusOptimistic})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.itemLocked(itemID)
	item.Rows = MergeRows(item.Rows, patches, true)
	item.LastUpdated = s.now()
}

// ApplyReconcileResults overwrites affected rows with the authoritative
// batch recalculation output. Results carrying a per-item error are skipped,
// leaving that item stale. Merges are non-optimistic. A successful apply
// clears the drift flag.
func (s *Store) ApplyReconcileResults(results []ReconcileResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		if r.Error != "" || r.QuoteItemID == "" {
			continue
		}
		item := s.itemLocked(r.QuoteItemID)
		item.Rows = MergeRows(item.Rows, r.MatrixPatches, false)
		if r.PricingVersion != nil && *r.PricingVersion > item.PricingVersion {
			item.PricingVersion = *r.PricingVersion
		}
		item.LastUpdated = s.now()
		if r.SubtotalDelta != nil {
			v := *r.SubtotalDelta
			s.lastSubtotalDelta = &v
		}
	}
	s.driftDetected = false
}

// HydrateFromSummary bulk-initializes items from a REST quote summary. Items
// with a non-empty pricing matrix get their row set replaced wholesale, not
// patch-merged, with rows confirmed unless individually marked optimistic
// and defaulted to status "ready". Items with no matrix are left untouched.
func (s *Store) HydrateFromSummary(items []SummaryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, si := range items {
		if si.ID == "" || len(si.PricingMatrix) == 0 {
			continue
		}
		rows := make([]PricingRow, 0, len(si.PricingMatrix))
		for _, r := range si.PricingMatrix {
			row := r.Clone()
			if row.Status == "" {
				row.Status = StatusReady
			}
			rows = append(rows, row)
		}
		sortRows(rows)

		item := s.itemLocked(si.ID)
		item.Rows = rows
		if si.PricingVersion != nil && *si.PricingVersion > item.PricingVersion {
			item.PricingVersion = *si.PricingVersion
		}
		item.LastUpdated = now
	}
}

// Item returns a deep copy of one item's state.
func (s *Store) Item(id string) (ItemPricingState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return ItemPricingState{}, false
	}
	return item.Clone(), true
}

// Items returns a deep copy of the full item map.
func (s *Store) Items() map[string]ItemPricingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ItemPricingState, len(s.items))
	for id, item := range s.items {
		out[id] = item.Clone()
	}
	return out
}

// ItemIDs returns the ids of all currently known items.
func (s *Store) ItemIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for id := range s.items {
		out = append(out, id)
	}
	return out
}

// LastSubtotalDelta returns the most recent observed change in order
// subtotal, nil if none was ever reported.
func (s *Store) LastSubtotalDelta() *decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSubtotalDelta == nil {
		return nil
	}
	v := *s.lastSubtotalDelta
	return &v
}

// Snapshot captures the quote-level state for session-scoped caching.
func (s *Store) Snapshot() *QuoteSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &QuoteSnapshot{
		QuoteID: s.quoteID,
		Items:   make(map[string]ItemPricingState, len(s.items)),
		TakenAt: s.now(),
	}
	for id, item := range s.items {
		snap.Items[id] = item.Clone()
	}
	if s.lastSubtotalDelta != nil {
		v := *s.lastSubtotalDelta
		snap.LastSubtotalDelta = &v
	}
	return snap
}

// Restore replaces the store's state with a previously taken snapshot. Used
// when resuming a browsing session; the restored state is provisional until
// the next hydration or event.
func (s *Store) Restore(snap *QuoteSnapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteID = snap.QuoteID
	s.items = make(map[string]*ItemPricingState, len(snap.Items))
	for id, item := range snap.Items {
		c := item.Clone()
		s.items[id] = &c
	}
	s.lastSubtotalDelta = nil
	if snap.LastSubtotalDelta != nil {
		v := *snap.LastSubtotalDelta
		s.lastSubtotalDelta = &v
	}
	s.driftDetected = false
}

func (s *Store) itemLocked(id string) *ItemPricingState {
	item, ok := s.items[id]
	if !ok {
		item = &ItemPricingState{QuoteItemID: id, Rows: []PricingRow{}}
		s.items[id] = item
	}
	return item
}

func sortRows(rows []PricingRow) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Quantity < rows[j].Quantity })
}

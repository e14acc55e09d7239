package pricing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pricing_sync/internal/core"
	"pricing_sync/pkg/apperrors"
	"pricing_sync/pkg/concurrency"
	"pricing_sync/pkg/telemetry"
	"pricing_sync/pkg/websocket"
)

// DriftReasonMissingCorrelation is reported when an update event arrives
// with a correlation id the tracker never issued.
const DriftReasonMissingCorrelation = "missing_correlation"

// TransportOptions configures a Transport.
type TransportOptions struct {
	// URL of the pricing websocket endpoint.
	URL string
	// DebounceWindow coalesces rapid recalc requests per item; zero means
	// DefaultDebounceWindow.
	DebounceWindow time.Duration
	// ReconnectWait is the fixed delay between reconnect attempts; zero
	// means websocket.DefaultReconnectWait.
	ReconnectWait time.Duration
	// PingInterval overrides the channel heartbeat interval; zero keeps
	// the client default, negative disables the heartbeat.
	PingInterval time.Duration
	// ApplyQueueCapacity bounds the inbound event queue; zero means 1024.
	ApplyQueueCapacity int
	// OnDrift, when set, receives drift reasons instead of triggering
	// automatic reconciliation.
	OnDrift func(reason string)
	// OnLatencySample receives server-reported recompute latencies.
	OnLatencySample func(ms float64)
	// AutoReconcile enables reconciliation on drift when OnDrift is unset.
	AutoReconcile bool
}

// Transport owns the persistent pricing channel: connect/reconnect
// lifecycle, quote subscription, debounced outbound recalculation requests,
// and inbound event dispatch into the store. Inbound events are applied on a
// single-worker pool so no two merges interleave, preserving per-item
// receipt order.
type Transport struct {
	ws         *websocket.Client
	store      *Store
	tracker    *CorrelationTracker
	reconciler core.IReconciler
	debounce   *Debouncer
	applyPool  *concurrency.WorkerPool
	logger     core.ILogger

	opts TransportOptions

	mu       sync.Mutex
	quoteID  string
	started  bool
	closed   bool
	geometry map[string]json.RawMessage
	dfm      map[string]json.RawMessage
}

// NewTransport creates a transport bound to a store and tracker. The
// reconciler may be nil, in which case drift is only reported through
// OnDrift (or dropped).
func NewTransport(store *Store, tracker *CorrelationTracker, reconciler core.IReconciler, opts TransportOptions, logger core.ILogger) *Transport {
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultDebounceWindow
	}

	t := &Transport{
		store:      store,
		tracker:    tracker,
		reconciler: reconciler,
		debounce:   NewDebouncer(),
		logger:     logger.WithField("component", "pricing_transport"),
		opts:       opts,
		geometry:   make(map[string]json.RawMessage),
		dfm:        make(map[string]json.RawMessage),
	}

	capacity := opts.ApplyQueueCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	// One worker: the serialization point for all inbound mutation.
	t.applyPool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "pricing_apply",
		MaxWorkers:  1,
		MaxCapacity: capacity,
	}, logger)

	t.ws = websocket.NewClient(opts.URL, t.handleFrame, logger)
	if opts.ReconnectWait > 0 {
		t.ws.SetReconnectWait(opts.ReconnectWait)
	}
	if opts.PingInterval != 0 {
		interval := opts.PingInterval
		if interval < 0 {
			interval = 0
		}
		t.ws.SetPingConfig(interval, 10*time.Second, 60*time.Second)
	}
	t.ws.SetOnConnected(t.onConnected)
	return t
}

// Connect establishes the channel and starts the reconnect loop. Safe to
// call more than once; only the first call starts the loop.
func (t *Transport) Connect() {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()
	t.ws.Start()
}

// Connected reports whether the channel is currently established.
func (t *Transport) Connected() bool {
	return t.ws.IsConnected()
}

// JoinQuote subscribes to a quote's pricing stream, connecting first if
// necessary. The subscription is re-sent automatically after a reconnect.
func (t *Transport) JoinQuote(quoteID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return apperrors.ErrTransportClosed
	}
	t.quoteID = quoteID
	t.mu.Unlock()

	t.store.SetQuoteID(quoteID)

	if !t.ws.IsConnected() {
		t.Connect()
		// The join is replayed by onConnected once the dial succeeds.
		return nil
	}
	return t.ws.Send(JoinQuoteCommand{QuoteID: quoteID})
}

// RecalcItem requests a server-side recomputation of one item. Quantities
// named by the config are patched to provisional immediately (best-effort;
// skipped when the config names none), and the outbound emission is
// debounced per item with a fresh correlation id attached at emit time.
func (t *Transport) RecalcItem(quoteID, itemID string, config PartConfig) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if quantities := config.Quantities(); len(quantities) > 0 {
		t.store.ApplyLocalOptimistic(itemID, quantities)
	}

	t.debounce.Schedule(itemID, t.opts.DebounceWindow, func() {
		correlationID := NewCorrelationID()
		t.tracker.Track(correlationID, itemID)
		cmd := RecalculateCommand{
			QuoteID:       quoteID,
			QuoteItemID:   itemID,
			Config:        config,
			CorrelationID: correlationID,
		}
		if err := t.ws.Send(cmd); err != nil {
			t.logger.Warn("Failed to emit recalculation request",
				"quote_item_id", itemID, "error", err)
			return
		}
		if m := telemetry.GetGlobalMetrics(); m.RecalcEmittedTotal != nil {
			m.RecalcEmittedTotal.Add(context.Background(), 1)
		}
	})
}

// Geometry returns a copy of the geometry side channel.
func (t *Transport) Geometry() map[string]json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copySide(t.geometry)
}

// Dfm returns a copy of the DFM side channel.
func (t *Transport) Dfm() map[string]json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copySide(t.dfm)
}

// Reset clears the quote association, all tracked correlations and the
// store. The channel itself stays up.
func (t *Transport) Reset() {
	t.mu.Lock()
	t.quoteID = ""
	t.geometry = make(map[string]json.RawMessage)
	t.dfm = make(map[string]json.RawMessage)
	t.mu.Unlock()
	t.tracker.Reset()
	t.store.Reset()
}

// Close cancels all pending debounce timers and severs the channel. No
// further mutation happens afterward.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.debounce.Stop()
	t.ws.Stop()
	t.applyPool.Stop()
}

func (t *Transport) onConnected() {
	t.mu.Lock()
	quoteID := t.quoteID
	t.mu.Unlock()
	if quoteID == "" {
		return
	}
	if err := t.ws.Send(JoinQuoteCommand{QuoteID: quoteID}); err != nil {
		t.logger.Warn("Failed to re-join quote after connect", "quote_id", quoteID, "error", err)
	}
}

// handleFrame decodes one raw channel frame and hands it to the apply pool.
func (t *Transport) handleFrame(frame []byte) {
	evt, err := DecodeEvent(frame)
	if err != nil {
		t.logger.Warn("Dropping malformed channel frame", "error", err)
		return
	}
	if evt == nil {
		return
	}
	if err := t.applyPool.Submit(func() { t.dispatch(evt) }); err != nil {
		t.logger.Error("Apply queue overflow, dropping event", "kind", evt.EventKind(), "error", err)
	}
}

// dispatch routes one decoded event. Runs on the apply pool's single worker.
func (t *Transport) dispatch(evt Event) {
	if m := telemetry.GetGlobalMetrics(); m.EventsReceivedTotal != nil {
		m.EventsReceivedTotal.Add(context.Background(), 1)
	}

	switch e := evt.(type) {
	case *PricingEvent:
		t.handlePricing(e)
	case *GeometryEvent:
		t.mu.Lock()
		// Last write wins per field.
		for k, v := range e.Data {
			t.geometry[k] = v
		}
		t.mu.Unlock()
	case *DfmEvent:
		t.mu.Lock()
		// Shallow merge.
		for k, v := range e.Data {
			t.dfm[k] = v
		}
		t.mu.Unlock()
	}
}

func (t *Transport) handlePricing(evt *PricingEvent) {
	itemID := evt.Payload.QuoteItemID
	correlationID := evt.CorrelationID

	if evt.IsUpdate() && t.tracker.IsDuplicate(itemID, correlationID) {
		t.logger.Debug("Dropping duplicate update event",
			"quote_item_id", itemID, "correlation_id", correlationID)
		if m := telemetry.GetGlobalMetrics(); m.DuplicatesDroppedTotal != nil {
			m.DuplicatesDroppedTotal.Add(context.Background(), 1)
		}
		return
	}

	// The server echoes the correlation id on its optimistic push; tracking
	// it here covers requests emitted from another tab of the same session.
	if evt.Kind == KindOptimistic && correlationID != "" {
		t.tracker.Track(correlationID, itemID)
	}

	if evt.IsUpdate() && correlationID != "" {
		if _, known := t.tracker.Resolve(correlationID); !known {
			t.onDrift(DriftReasonMissingCorrelation)
		}
	}

	if evt.Payload.LatencyMS != nil {
		if m := telemetry.GetGlobalMetrics(); m.UpdateLatencyMS != nil {
			m.UpdateLatencyMS.Record(context.Background(), *evt.Payload.LatencyMS)
		}
		if t.opts.OnLatencySample != nil {
			t.opts.OnLatencySample(*evt.Payload.LatencyMS)
		}
	}

	t.store.ApplyPricingEvent(evt)

	if evt.IsUpdate() && itemID != "" && correlationID != "" {
		t.tracker.MarkApplied(itemID, correlationID)
	}
}

// onDrift surfaces a drift signal: through the caller-supplied callback when
// present, otherwise by kicking off one automatic reconciliation for the
// joined quote.
func (t *Transport) onDrift(reason string) {
	t.logger.Warn("Pricing drift detected", "reason", reason)
	t.store.MarkDrift()
	if m := telemetry.GetGlobalMetrics(); m.DriftDetectedTotal != nil {
		m.DriftDetectedTotal.Add(context.Background(), 1)
	}

	if t.opts.OnDrift != nil {
		t.opts.OnDrift(reason)
		return
	}
	if !t.opts.AutoReconcile || t.reconciler == nil {
		return
	}
	// Fire and forget; the reconciler's in-flight guard collapses bursts.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := t.reconciler.ReconcileAll(ctx); err != nil {
			t.logger.Error("Automatic reconciliation failed", "error", err)
		}
	}()
}

func copySide(m map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = cloneRaw(v)
	}
	return out
}

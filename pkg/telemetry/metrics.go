package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricEventsReceivedTotal    = "pricing_sync_events_received_total"
	MetricDuplicatesDroppedTotal = "pricing_sync_duplicate_events_dropped_total"
	MetricDriftDetectedTotal     = "pricing_sync_drift_detected_total"
	MetricRecalcEmittedTotal     = "pricing_sync_recalc_requests_emitted_total"
	MetricReconcileAttemptsTotal = "pricing_sync_reconcile_attempts_total"
	MetricReconcileFailuresTotal = "pricing_sync_reconcile_failures_total"
	MetricUpdateLatencyMS        = "pricing_sync_update_latency_ms"
	MetricItemsTracked           = "pricing_sync_items_tracked"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	EventsReceivedTotal    metric.Int64Counter
	DuplicatesDroppedTotal metric.Int64Counter
	DriftDetectedTotal     metric.Int64Counter
	RecalcEmittedTotal     metric.Int64Counter
	ReconcileAttemptsTotal metric.Int64Counter
	ReconcileFailuresTotal metric.Int64Counter
	UpdateLatencyMS        metric.Float64Histogram
	ItemsTracked           metric.Int64ObservableGauge

	// State for the observable gauge, keyed by quote id
	mu           sync.RWMutex
	itemsTracked map[string]int64
	initialized  bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			itemsTracked: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.EventsReceivedTotal, err = meter.Int64Counter(MetricEventsReceivedTotal,
		metric.WithDescription("Total pricing channel events received")); err != nil {
		return err
	}
	if m.DuplicatesDroppedTotal, err = meter.Int64Counter(MetricDuplicatesDroppedTotal,
		metric.WithDescription("Update events dropped as at-least-once redeliveries")); err != nil {
		return err
	}
	if m.DriftDetectedTotal, err = meter.Int64Counter(MetricDriftDetectedTotal,
		metric.WithDescription("Drift signals observed (unknown correlation ids)")); err != nil {
		return err
	}
	if m.RecalcEmittedTotal, err = meter.Int64Counter(MetricRecalcEmittedTotal,
		metric.WithDescription("Debounced recalculation requests emitted")); err != nil {
		return err
	}
	if m.ReconcileAttemptsTotal, err = meter.Int64Counter(MetricReconcileAttemptsTotal,
		metric.WithDescription("Batch reconciliation HTTP attempts")); err != nil {
		return err
	}
	if m.ReconcileFailuresTotal, err = meter.Int64Counter(MetricReconcileFailuresTotal,
		metric.WithDescription("Batch reconciliations that exhausted all retries")); err != nil {
		return err
	}
	if m.UpdateLatencyMS, err = meter.Float64Histogram(MetricUpdateLatencyMS,
		metric.WithDescription("Server-reported pricing recompute latency in milliseconds")); err != nil {
		return err
	}
	if m.ItemsTracked, err = meter.Int64ObservableGauge(MetricItemsTracked,
		metric.WithDescription("Quote items currently tracked in the store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for quoteID, n := range m.itemsTracked {
				o.Observe(n, metric.WithAttributes(attribute.String("quote_id", quoteID)))
			}
			return nil
		})); err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// SetItemsTracked updates the tracked-items gauge for a quote
func (m *MetricsHolder) SetItemsTracked(quoteID string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if quoteID == "" {
		return
	}
	m.itemsTracked[quoteID] = n
}

// Initialized reports whether InitMetrics has run
func (m *MetricsHolder) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

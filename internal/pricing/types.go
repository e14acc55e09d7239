// Package pricing implements the realtime pricing synchronization core: the
// canonical per-quote-item pricing state, patch merging, correlation
// tracking, debounced recalculation requests, the websocket transport, and
// the REST drift-recovery reconciler.
package pricing

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Row status tags. Servers may send additional tags; these are the two the
// client acts on.
const (
	StatusOptimistic = "optimistic"
	StatusReady      = "ready"
)

// PricingRow is one price point for a specific order quantity. Quantity is
// the unique key within an item's row set. Monetary and lead time fields are
// nil until computed. Breakdown and Compliance are opaque server payloads
// passed through unmodified; a Compliance of literal JSON null is a real
// value (explicitly cleared), a nil slice means never set.
type PricingRow struct {
	Quantity     int              `json:"quantity"`
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`
	TotalPrice   *decimal.Decimal `json:"total_price,omitempty"`
	LeadTimeDays *int             `json:"lead_time_days,omitempty"`
	Breakdown    json.RawMessage  `json:"breakdown,omitempty"`
	Status       string           `json:"status,omitempty"`
	Optimistic   bool             `json:"optimistic,omitempty"`
	Compliance   json.RawMessage  `json:"compliance,omitempty"`
}

// Clone returns a deep copy of the row.
func (r PricingRow) Clone() PricingRow {
	out := r
	if r.UnitPrice != nil {
		v := *r.UnitPrice
		out.UnitPrice = &v
	}
	if r.TotalPrice != nil {
		v := *r.TotalPrice
		out.TotalPrice = &v
	}
	if r.LeadTimeDays != nil {
		v := *r.LeadTimeDays
		out.LeadTimeDays = &v
	}
	out.Breakdown = cloneRaw(r.Breakdown)
	out.Compliance = cloneRaw(r.Compliance)
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// RowPatch is a partial update to one row. A nil pointer (or nil RawMessage,
// or empty Status) means "field absent, keep the prior value". A Compliance
// of literal JSON null explicitly clears the prior snapshot.
type RowPatch struct {
	Quantity     int              `json:"quantity"`
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`
	TotalPrice   *decimal.Decimal `json:"total_price,omitempty"`
	LeadTimeDays *int             `json:"lead_time_days,omitempty"`
	Breakdown    json.RawMessage  `json:"breakdown,omitempty"`
	Status       string           `json:"status,omitempty"`
	Compliance   json.RawMessage  `json:"compliance,omitempty"`
}

// ItemPricingState holds all known rows for one quote line item. Rows are
// unique by quantity and kept in ascending quantity order. PricingVersion
// never decreases under any merge.
type ItemPricingState struct {
	QuoteItemID    string       `json:"quote_item_id"`
	PricingVersion int          `json:"pricing_version,omitempty"`
	Rows           []PricingRow `json:"rows"`
	LatencyMS      *float64     `json:"latency_ms,omitempty"`
	CorrelationID  string       `json:"correlation_id,omitempty"`
	LastUpdated    time.Time    `json:"last_updated,omitempty"`
}

// Clone returns a deep copy of the item state.
func (s ItemPricingState) Clone() ItemPricingState {
	out := s
	if s.LatencyMS != nil {
		v := *s.LatencyMS
		out.LatencyMS = &v
	}
	out.Rows = make([]PricingRow, len(s.Rows))
	for i, r := range s.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

// Event kinds carried on the channel.
const (
	KindOptimistic = "pricing:optimistic"
	KindUpdate     = "pricing:update"
	KindGeometry   = "geometry_event"
	KindDfm        = "dfm_event"
)

// Envelope is the wire form of an inbound channel event.
type Envelope struct {
	Kind          string          `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// PricingPayload is the payload of pricing:optimistic and pricing:update
// events.
type PricingPayload struct {
	QuoteItemID    string           `json:"quote_item_id"`
	MatrixPatches  []RowPatch       `json:"matrix_patches"`
	PricingVersion *int             `json:"pricing_version,omitempty"`
	Optimistic     bool             `json:"optimistic,omitempty"`
	SubtotalDelta  *decimal.Decimal `json:"subtotal_delta,omitempty"`
	LatencyMS      *float64         `json:"latency_ms,omitempty"`
}

// Event is the decoded form of one inbound channel event, a tagged union
// over the pricing, geometry and DFM kinds.
type Event interface {
	EventKind() string
}

// PricingEvent covers both pricing:optimistic and pricing:update.
type PricingEvent struct {
	Kind          string
	CorrelationID string
	Payload       PricingPayload
}

func (e *PricingEvent) EventKind() string { return e.Kind }

// IsUpdate reports whether the event is an authoritative update (as opposed
// to an optimistic server push).
func (e *PricingEvent) IsUpdate() bool { return e.Kind == KindUpdate }

// GeometryEvent is an opaque geometry analysis push, merged last-write-wins
// per field into a side channel.
type GeometryEvent struct {
	Data map[string]json.RawMessage
}

func (e *GeometryEvent) EventKind() string { return KindGeometry }

// DfmEvent is an opaque DFM analysis push, shallow-merged into a side
// channel.
type DfmEvent struct {
	Data map[string]json.RawMessage
}

func (e *DfmEvent) EventKind() string { return KindDfm }

// DecodeEvent parses a raw channel frame into a typed event. Unknown kinds
// yield (nil, nil) so callers can skip them without treating them as errors.
func DecodeEvent(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindOptimistic, KindUpdate:
		var payload PricingPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				return nil, err
			}
		}
		return &PricingEvent{Kind: env.Kind, CorrelationID: env.CorrelationID, Payload: payload}, nil
	case KindGeometry:
		data, err := decodeObject(env.Payload)
		if err != nil {
			return nil, err
		}
		return &GeometryEvent{Data: data}, nil
	case KindDfm:
		data, err := decodeObject(env.Payload)
		if err != nil {
			return nil, err
		}
		return &DfmEvent{Data: data}, nil
	default:
		return nil, nil
	}
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Outbound channel commands.

// JoinQuoteCommand subscribes the channel to a quote's pricing stream.
type JoinQuoteCommand struct {
	QuoteID string `json:"quote_id"`
}

// RecalculateCommand asks the pricing service to recompute one item.
type RecalculateCommand struct {
	QuoteID       string     `json:"quote_id"`
	QuoteItemID   string     `json:"quote_item_id"`
	Config        PartConfig `json:"config,omitempty"`
	CorrelationID string     `json:"correlation_id"`
}

// PartConfig is the opaque part configuration forwarded verbatim to the
// pricing service. The client only inspects it for quantity hints when
// applying the immediate optimistic patch.
type PartConfig map[string]interface{}

// Quantities extracts the order quantities named by the config, honoring
// both the "quantities" list and the single "selected_quantity" shapes.
func (c PartConfig) Quantities() []int {
	if c == nil {
		return nil
	}
	if raw, ok := c["quantities"]; ok {
		if list, ok := raw.([]interface{}); ok {
			out := make([]int, 0, len(list))
			for _, v := range list {
				if q, ok := asInt(v); ok && q > 0 {
					out = append(out, q)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	if raw, ok := c["selected_quantity"]; ok {
		if q, ok := asInt(raw); ok && q > 0 {
			return []int{q}
		}
	}
	return nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// SummaryItem is one line item of a REST-fetched quote summary, as passed to
// HydrateFromSummary.
type SummaryItem struct {
	ID             string       `json:"id"`
	PricingMatrix  []PricingRow `json:"pricing_matrix,omitempty"`
	PricingVersion *int         `json:"pricing_version,omitempty"`
}

// ReconcileRequest is the body of the batch recalculation POST.
type ReconcileRequest struct {
	QuoteID      string   `json:"quote_id"`
	QuoteItemIDs []string `json:"quote_item_ids"`
}

// ReconcileResult is one item's result in the batch recalculation response.
// A non-empty Error leaves that item stale without failing the batch.
type ReconcileResult struct {
	QuoteItemID    string           `json:"quote_item_id"`
	MatrixPatches  []RowPatch       `json:"matrix_patches"`
	PricingVersion *int             `json:"pricing_version,omitempty"`
	SubtotalDelta  *decimal.Decimal `json:"subtotal_delta,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// ReconcileResponse is the batch recalculation response envelope.
type ReconcileResponse struct {
	Results []ReconcileResult `json:"results"`
}

package pricing

import "sort"

// MergeRows folds a list of partial row patches into an existing row set and
// returns the full row set for the item, re-sorted ascending by quantity.
// The input slice is never mutated.
//
// Each patched field replaces the prior value only if present in the patch;
// absent fields retain what was there before. The optimistic flag is sticky:
// the result row is optimistic if the caller's optimistic flag is set, if
// the patch carries status "optimistic", or if the prior row was optimistic
// and the patch is silent on status. A patch that supplies a non-optimistic
// status in a non-optimistic merge call (a confirmed update or a
// reconciliation) clears the flag for that quantity.
//
// The operation is pure and idempotent: applying the identical patch set
// twice yields the same result as applying it once.
func MergeRows(existing []PricingRow, patches []RowPatch, optimistic bool) []PricingRow {
	byQty := make(map[int]PricingRow, len(existing)+len(patches))
	for _, r := range existing {
		byQty[r.Quantity] = r.Clone()
	}

	for _, p := range patches {
		prev, ok := byQty[p.Quantity]
		if !ok {
			prev = PricingRow{Quantity: p.Quantity}
		}
		next := prev
		next.Quantity = p.Quantity
		if p.UnitPrice != nil {
			v := *p.UnitPrice
			next.UnitPrice = &v
		}
		if p.TotalPrice != nil {
			v := *p.TotalPrice
			next.TotalPrice = &v
		}
		if p.LeadTimeDays != nil {
			v := *p.LeadTimeDays
			next.LeadTimeDays = &v
		}
		if p.Breakdown != nil {
			next.Breakdown = cloneRaw(p.Breakdown)
		}
		if p.Status != "" {
			next.Status = p.Status
		}
		// A present compliance patch replaces the prior snapshot even when
		// it is an explicit JSON null; an absent one retains it.
		if p.Compliance != nil {
			next.Compliance = cloneRaw(p.Compliance)
		}
		switch {
		case optimistic || p.Status == StatusOptimistic:
			next.Optimistic = true
		case p.Status != "":
			next.Optimistic = false
		default:
			next.Optimistic = prev.Optimistic
		}
		byQty[p.Quantity] = next
	}

	out := make([]PricingRow, 0, len(byQty))
	for _, r := range byQty {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Quantity < out[j].Quantity })
	return out
}

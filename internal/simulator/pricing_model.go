package simulator

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/shopspring/decimal"

	"pricing_sync/internal/pricing"
)

// basePrice derives a stable per-part base price from the item id so that
// repeated runs and parallel tests see the same numbers.
func basePrice(itemID string) decimal.Decimal {
	sum := sha256.Sum256([]byte(itemID))
	cents := 500 + binary.BigEndian.Uint16(sum[:2])%9500 // 5.00 .. 99.99
	return decimal.New(int64(cents), -2)
}

// PricePatches computes a full, confirmed pricing matrix for the item.
// Unit price decays with quantity along a simple volume discount curve,
// lead time grows with quantity.
func PricePatches(itemID string, quantities []int) []pricing.RowPatch {
	base := basePrice(itemID)
	patches := make([]pricing.RowPatch, 0, len(quantities))
	for _, q := range quantities {
		qty := decimal.NewFromInt(int64(q))
		// 2% off per doubling, capped at 30%.
		discount := decimal.NewFromFloat(0.02).Mul(log2Floor(q))
		if discount.GreaterThan(decimal.NewFromFloat(0.3)) {
			discount = decimal.NewFromFloat(0.3)
		}
		unit := base.Mul(decimal.NewFromInt(1).Sub(discount)).Round(2)
		total := unit.Mul(qty).Round(2)
		lead := 7 + q/50

		unitCopy, totalCopy, leadCopy := unit, total, lead
		patches = append(patches, pricing.RowPatch{
			Quantity:     q,
			UnitPrice:    &unitCopy,
			TotalPrice:   &totalCopy,
			LeadTimeDays: &leadCopy,
			Status:       pricing.StatusReady,
		})
	}
	return patches
}

func log2Floor(q int) decimal.Decimal {
	n := 0
	for v := q; v > 1; v >>= 1 {
		n++
	}
	return decimal.NewFromInt(int64(n))
}

package inventory

import "github.com/shopspring/decimal"

// Scale is the number of decimal places stored for quantities and costs.
const Scale = 4

func roundQty(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// weightedCost returns total/qty at storage precision, zero when qty is zero.
func weightedCost(total, qty decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return decimal.Zero
	}
	return total.DivRound(qty, Scale)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func (p *posting) createLot(ctx context.Context, input LotInput) (Lot, error) {
	input.LotNo = strings.TrimSpace(input.LotNo)
	if input.LotNo == "" {
		return Lot{}, invalidf("lot number required")
	}
	if input.MfgDate.IsZero() {
		return Lot{}, invalidf("lot %s requires a manufacturing date", input.LotNo)
	}
	if input.ExpDate != nil && !input.ExpDate.After(input.MfgDate) {
		return Lot{}, invalidf("lot %s must expire after its manufacturing date", input.LotNo)
	}
	v, err := p.variant(ctx, input.VariantID)
	if err != nil {
		return Lot{}, err
	}
	if !v.LotTracked {
		return Lot{}, invalidf("variant %d is not lot tracked", v.ID)
	}
	if err := p.warehouse(ctx, input.WarehouseID); err != nil {
		return Lot{}, err
	}
	lot := Lot{
		VariantID:   input.VariantID,
		WarehouseID: input.WarehouseID,
		LocationID:  input.LocationID,
		LotNo:       input.LotNo,
		MfgDate:     input.MfgDate,
		ExpDate:     input.ExpDate,
		QtyOnHand:   decimal.Zero,
		QtyReserved: decimal.Zero,
		Status:      LotStatusActive,
		CreatedAt:   p.now,
	}
	id, err := p.tx.InsertLot(ctx, lot)
	if err != nil {
		return Lot{}, err
	}
	lot.ID = id
	return lot, nil
}

// adjustLotQty applies a movement delta to its lot. Outbound deltas cannot
// consume quantity held by reservations.
func (p *posting) adjustLotQty(ctx context.Context, lot Lot, delta decimal.Decimal) (Lot, error) {
	next := roundQty(lot.QtyOnHand.Add(delta))
	if next.IsNegative() {
		return Lot{}, fmt.Errorf("%w: lot %s has %s, delta %s", ErrNegativeLotQty, lot.LotNo, lot.QtyOnHand, delta)
	}
	if delta.IsNegative() && next.LessThan(lot.QtyReserved) {
		return Lot{}, fmt.Errorf("%w: lot %s has %s free, need %s", ErrInsufficientLotStock, lot.LotNo, lot.QtyFree(), delta.Neg())
	}
	lot.QtyOnHand = next
	lot.Status = lotStatusFor(next)
	if err := p.tx.UpdateLot(ctx, lot); err != nil {
		return Lot{}, fmt.Errorf("update lot: %w", err)
	}
	return lot, nil
}

func (p *posting) holdLot(ctx context.Context, lotID int64, delta decimal.Decimal) error {
	if lotID == 0 {
		return nil
	}
	lot, err := p.tx.GetLot(ctx, lotID)
	if err != nil {
		return err
	}
	next := roundQty(lot.QtyReserved.Add(delta))
	if next.IsNegative() || next.GreaterThan(lot.QtyOnHand) {
		return fmt.Errorf("%w: lot %s reserved %s of %s, delta %s", ErrInsufficientLotStock, lot.LotNo, lot.QtyReserved, lot.QtyOnHand, delta)
	}
	lot.QtyReserved = next
	return p.tx.UpdateLot(ctx, lot)
}

func lotStatusFor(qty decimal.Decimal) LotStatus {
	if qty.IsZero() {
		return LotStatusDepleted
	}
	return LotStatusActive
}

// sortFEFO orders lots by expiry ascending with undated lots last, then by
// creation time and id.
func sortFEFO(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpDate == nil && b.ExpDate != nil:
			return false
		case a.ExpDate != nil && b.ExpDate == nil:
			return true
		case a.ExpDate != nil && b.ExpDate != nil && !a.ExpDate.Equal(*b.ExpDate):
			return a.ExpDate.Before(*b.ExpDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// SelectFEFO picks lots in FEFO order until qty is covered by free quantity.
// Expired lots are skipped when now is set.
func SelectFEFO(lots []Lot, qty decimal.Decimal, now time.Time) ([]LotPick, error) {
	if !qty.IsPositive() {
		return nil, invalidf("quantity must be positive")
	}
	ordered := append([]Lot(nil), lots...)
	sortFEFO(ordered)
	remaining := qty
	picks := []LotPick{}
	for _, lot := range ordered {
		if remaining.IsZero() {
			break
		}
		if !now.IsZero() && lot.ExpiredAt(now) {
			continue
		}
		free := lot.QtyFree()
		if !free.IsPositive() {
			continue
		}
		take := decimal.Min(free, remaining)
		picks = append(picks, LotPick{Lot: lot, QtyTaken: take})
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return nil, fmt.Errorf("%w: short by %s", ErrInsufficientLotStock, remaining)
	}
	return picks, nil
}

// ExpiredLots filters lots with stock whose expiry is before now.
func ExpiredLots(lots []Lot, now time.Time) []Lot {
	out := []Lot{}
	for _, lot := range lots {
		if lot.QtyOnHand.IsPositive() && lot.ExpiredAt(now) {
			out = append(out, lot)
		}
	}
	return out
}

// ExpiringLots filters lots with stock expiring within days of now.
func ExpiringLots(lots []Lot, now time.Time, days int) []Lot {
	out := []Lot{}
	for _, lot := range lots {
		if lot.QtyOnHand.IsPositive() && lot.ExpiringWithin(now, days) {
			out = append(out, lot)
		}
	}
	return out
}

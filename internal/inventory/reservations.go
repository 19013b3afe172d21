package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// allocate reserves stock for a sales order line. Lot-tracked variants are
// split across lots in FEFO order; other variants are held at the requested
// location or spread across locations with available stock.
func (p *posting) allocate(ctx context.Context, input AllocateInput) ([]Reservation, error) {
	qty := roundQty(input.Qty)
	if !qty.IsPositive() {
		return nil, invalidf("reserve quantity must be positive")
	}
	if input.SourceItemID == 0 {
		return nil, invalidf("source item required")
	}
	v, err := p.variant(ctx, input.VariantID)
	if err != nil {
		return nil, err
	}
	if err := p.warehouse(ctx, input.WarehouseID); err != nil {
		return nil, err
	}
	key := StockKey{VariantID: input.VariantID, WarehouseID: input.WarehouseID}
	agg, err := p.aggregate(ctx, key)
	if err != nil {
		return nil, err
	}
	if agg.QtyAvailable.LessThan(qty) {
		return nil, fmt.Errorf("%w: variant %d warehouse %d has %s available, need %s",
			ErrInsufficientStock, key.VariantID, key.WarehouseID, agg.QtyAvailable, qty)
	}

	type hold struct {
		location int64
		lot      int64
		qty      decimal.Decimal
	}
	var holds []hold
	if v.LotTracked {
		lots, err := p.tx.ListLots(ctx, key)
		if err != nil {
			return nil, err
		}
		if input.LocationID != 0 {
			filtered := lots[:0]
			for _, lot := range lots {
				if lot.LocationID == input.LocationID {
					filtered = append(filtered, lot)
				}
			}
			lots = filtered
		}
		picks, err := SelectFEFO(lots, qty, p.now)
		if err != nil {
			return nil, err
		}
		for _, pick := range picks {
			holds = append(holds, hold{location: pick.Lot.LocationID, lot: pick.Lot.ID, qty: pick.QtyTaken})
		}
	} else if input.LocationID != 0 {
		holds = append(holds, hold{location: input.LocationID, qty: qty})
	} else {
		balances, err := p.tx.ListBalances(ctx, key)
		if err != nil {
			return nil, err
		}
		remaining := qty
		for _, bal := range balances {
			if !remaining.IsPositive() {
				break
			}
			if !bal.QtyAvailable.IsPositive() {
				continue
			}
			take := decimal.Min(bal.QtyAvailable, remaining)
			holds = append(holds, hold{location: bal.LocationID, qty: take})
			remaining = remaining.Sub(take)
		}
		if remaining.IsPositive() {
			return nil, fmt.Errorf("%w: short by %s", ErrInsufficientStock, remaining)
		}
	}

	out := make([]Reservation, 0, len(holds))
	for _, h := range holds {
		bkey := BalanceKey{VariantID: key.VariantID, WarehouseID: key.WarehouseID, LocationID: h.location}
		if _, err := p.reserve(ctx, bkey, h.qty); err != nil {
			return nil, err
		}
		if err := p.holdLot(ctx, h.lot, h.qty); err != nil {
			return nil, err
		}
		res := Reservation{
			SourceItemID: input.SourceItemID,
			VariantID:    key.VariantID,
			WarehouseID:  key.WarehouseID,
			LocationID:   h.location,
			LotID:        h.lot,
			QtyReserved:  h.qty,
			QtyConsumed:  decimal.Zero,
			Status:       ReservationActive,
			ReservedAt:   p.now,
			ReservedBy:   input.UserID,
			UpdatedAt:    p.now,
		}
		id, err := p.tx.InsertReservation(ctx, res)
		if err != nil {
			return nil, fmt.Errorf("insert reservation: %w", err)
		}
		res.ID = id
		out = append(out, res)
	}
	return out, nil
}

func (p *posting) openReservation(ctx context.Context, id int64) (Reservation, error) {
	res, err := p.tx.GetReservation(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Reservation{}, fmt.Errorf("%w: reservation %d", ErrNotFound, id)
		}
		return Reservation{}, err
	}
	if !res.Status.Open() {
		return Reservation{}, fmt.Errorf("%w: reservation %d is %s", ErrReservationClosed, id, res.Status)
	}
	return res, nil
}

// releaseReservation returns the remaining quantity to available.
func (p *posting) releaseReservation(ctx context.Context, res Reservation) (Reservation, error) {
	remaining := res.QtyRemaining()
	if remaining.IsPositive() {
		if _, err := p.release(ctx, res.BalanceKey(), remaining); err != nil {
			return Reservation{}, err
		}
		if err := p.holdLot(ctx, res.LotID, remaining.Neg()); err != nil {
			return Reservation{}, err
		}
	}
	res.Status = ReservationReleased
	res.UpdatedAt = p.now
	if err := p.tx.UpdateReservation(ctx, res); err != nil {
		return Reservation{}, fmt.Errorf("update reservation: %w", err)
	}
	return res, nil
}

// consume ships qty against a reservation from the same location and lot.
func (p *posting) consume(ctx context.Context, res Reservation, qty decimal.Decimal, refID, note string) (Reservation, Movement, error) {
	qty = roundQty(qty)
	if !qty.IsPositive() {
		return Reservation{}, Movement{}, invalidf("ship quantity must be positive")
	}
	remaining := res.QtyRemaining()
	if qty.GreaterThan(remaining) {
		return Reservation{}, Movement{}, invalidf("reservation %d has %s remaining, cannot ship %s", res.ID, remaining, qty)
	}
	if _, err := p.release(ctx, res.BalanceKey(), qty); err != nil {
		return Reservation{}, Movement{}, err
	}
	if err := p.holdLot(ctx, res.LotID, qty.Neg()); err != nil {
		return Reservation{}, Movement{}, err
	}
	m, err := p.record(ctx, movementSpec{
		VariantID:   res.VariantID,
		WarehouseID: res.WarehouseID,
		LocationID:  res.LocationID,
		LotID:       res.LotID,
		QtyDelta:    qty.Neg(),
		RefType:     RefTypeShipment,
		RefID:       refID,
		Note:        note,
	})
	if err != nil {
		return Reservation{}, Movement{}, err
	}
	res.QtyConsumed = res.QtyConsumed.Add(qty)
	if res.QtyConsumed.Equal(res.QtyReserved) {
		res.Status = ReservationConsumed
	} else {
		res.Status = ReservationPartiallyConsumed
	}
	res.UpdatedAt = p.now
	if err := p.tx.UpdateReservation(ctx, res); err != nil {
		return Reservation{}, Movement{}, fmt.Errorf("update reservation: %w", err)
	}
	return res, m, nil
}

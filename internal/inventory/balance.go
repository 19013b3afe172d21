package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

func (p *posting) loadBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	bal, err := p.tx.GetBalance(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return emptyBalance(key), nil
	}
	return bal, err
}

func (p *posting) saveBalance(ctx context.Context, bal Balance) (Balance, error) {
	bal.QtyOnHand = roundQty(bal.QtyOnHand)
	bal.QtyReserved = roundQty(bal.QtyReserved)
	bal.QtyIncoming = roundQty(bal.QtyIncoming)
	bal.QtyAvailable = bal.QtyOnHand.Sub(bal.QtyReserved)
	bal.UpdatedAt = p.now
	if err := p.tx.UpsertBalance(ctx, bal); err != nil {
		return Balance{}, fmt.Errorf("upsert balance: %w", err)
	}
	return bal, nil
}

// applyDelta moves on-hand by delta. Outbound deltas may not push available
// below zero: reserved stock is only released through its reservation.
func (p *posting) applyDelta(ctx context.Context, key BalanceKey, delta decimal.Decimal, allowNegative bool) (Balance, error) {
	bal, err := p.loadBalance(ctx, key)
	if err != nil {
		return Balance{}, err
	}
	bal.QtyOnHand = bal.QtyOnHand.Add(delta)
	if delta.IsNegative() && !allowNegative && bal.QtyOnHand.Sub(bal.QtyReserved).IsNegative() {
		return Balance{}, fmt.Errorf("%w: variant %d warehouse %d location %d has %s available, need %s",
			ErrInsufficientStock, key.VariantID, key.WarehouseID, key.LocationID, bal.QtyOnHand.Sub(delta).Sub(bal.QtyReserved), delta.Neg())
	}
	return p.saveBalance(ctx, bal)
}

func (p *posting) reserve(ctx context.Context, key BalanceKey, qty decimal.Decimal) (Balance, error) {
	bal, err := p.loadBalance(ctx, key)
	if err != nil {
		return Balance{}, err
	}
	if bal.QtyAvailable.LessThan(qty) {
		return Balance{}, fmt.Errorf("%w: variant %d warehouse %d location %d has %s available, need %s",
			ErrInsufficientStock, key.VariantID, key.WarehouseID, key.LocationID, bal.QtyAvailable, qty)
	}
	bal.QtyReserved = bal.QtyReserved.Add(qty)
	return p.saveBalance(ctx, bal)
}

func (p *posting) release(ctx context.Context, key BalanceKey, qty decimal.Decimal) (Balance, error) {
	bal, err := p.loadBalance(ctx, key)
	if err != nil {
		return Balance{}, err
	}
	if bal.QtyReserved.LessThan(qty) {
		return Balance{}, invalidf("cannot release %s from %s reserved", qty, bal.QtyReserved)
	}
	bal.QtyReserved = bal.QtyReserved.Sub(qty)
	return p.saveBalance(ctx, bal)
}

func (p *posting) adjustIncoming(ctx context.Context, key BalanceKey, delta decimal.Decimal, floor bool) (Balance, error) {
	bal, err := p.loadBalance(ctx, key)
	if err != nil {
		return Balance{}, err
	}
	bal.QtyIncoming = bal.QtyIncoming.Add(delta)
	if bal.QtyIncoming.IsNegative() {
		if !floor {
			return Balance{}, invalidf("incoming quantity cannot be negative")
		}
		bal.QtyIncoming = decimal.Zero
	}
	return p.saveBalance(ctx, bal)
}

// aggregate sums every location of a (variant, warehouse).
func (p *posting) aggregate(ctx context.Context, key StockKey) (Balance, error) {
	balances, err := p.tx.ListBalances(ctx, key)
	if err != nil {
		return Balance{}, err
	}
	return sumBalances(key, balances), nil
}

func sumBalances(key StockKey, balances []Balance) Balance {
	agg := emptyBalance(BalanceKey{VariantID: key.VariantID, WarehouseID: key.WarehouseID})
	for _, b := range balances {
		agg.QtyOnHand = agg.QtyOnHand.Add(b.QtyOnHand)
		agg.QtyReserved = agg.QtyReserved.Add(b.QtyReserved)
		agg.QtyAvailable = agg.QtyAvailable.Add(b.QtyAvailable)
		agg.QtyIncoming = agg.QtyIncoming.Add(b.QtyIncoming)
		if b.UpdatedAt.After(agg.UpdatedAt) {
			agg.UpdatedAt = b.UpdatedAt
		}
	}
	return agg
}

package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReconcileReport is the result of recomputing one (variant, warehouse) from
// the ledger. It never carries corrections.
type ReconcileReport struct {
	VariantID   int64     `json:"variant_id"`
	WarehouseID int64     `json:"warehouse_id"`
	Balances    []Balance `json:"balances"`
	Findings    []Finding `json:"findings"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Consistent reports whether no finding was raised.
func (r ReconcileReport) Consistent() bool {
	return len(r.Findings) == 0
}

// Err returns an InconsistencyError when findings exist.
func (r ReconcileReport) Err() error {
	if r.Consistent() {
		return nil
	}
	return &InconsistencyError{Findings: r.Findings}
}

func reconcileKey(ctx context.Context, tx TxRepository, key StockKey, now time.Time) (ReconcileReport, error) {
	report := ReconcileReport{VariantID: key.VariantID, WarehouseID: key.WarehouseID, Findings: []Finding{}, CheckedAt: now}
	v, err := tx.GetVariant(ctx, key.VariantID)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("reconcile variant %d: %w", key.VariantID, err)
	}
	balances, err := tx.ListBalances(ctx, key)
	if err != nil {
		return ReconcileReport{}, err
	}
	movementKeys, err := tx.ListMovementKeys(ctx, key)
	if err != nil {
		return ReconcileReport{}, err
	}
	reservations, err := tx.ListOpenReservations(ctx, key)
	if err != nil {
		return ReconcileReport{}, err
	}

	byLocation := make(map[int64]Balance, len(balances))
	for _, b := range balances {
		byLocation[b.LocationID] = b
	}
	for _, mk := range movementKeys {
		if _, ok := byLocation[mk.LocationID]; !ok {
			byLocation[mk.LocationID] = emptyBalance(mk)
			balances = append(balances, emptyBalance(mk))
		}
	}
	reservedAt := make(map[int64]decimal.Decimal)
	reservedLot := make(map[int64]decimal.Decimal)
	for _, res := range reservations {
		reservedAt[res.LocationID] = reservedAt[res.LocationID].Add(res.QtyRemaining())
		if res.LotID != 0 {
			reservedLot[res.LotID] = reservedLot[res.LotID].Add(res.QtyRemaining())
		}
	}

	add := func(check, scope string, expected, actual decimal.Decimal) {
		if !expected.Equal(actual) {
			report.Findings = append(report.Findings, Finding{Check: check, Scope: scope, Expected: expected.String(), Actual: actual.String()})
		}
	}

	total := decimal.Zero
	for _, b := range balances {
		scope := fmt.Sprintf("variant=%d warehouse=%d location=%d", b.VariantID, b.WarehouseID, b.LocationID)
		sum, err := tx.SumMovements(ctx, b.Key())
		if err != nil {
			return ReconcileReport{}, err
		}
		add("on_hand", scope, sum, b.QtyOnHand)
		add("available", scope, b.QtyOnHand.Sub(b.QtyReserved), b.QtyAvailable)
		add("reserved", scope, reservedAt[b.LocationID], b.QtyReserved)
		total = total.Add(b.QtyOnHand)
	}
	report.Balances = balances

	stockScope := fmt.Sprintf("variant=%d warehouse=%d", key.VariantID, key.WarehouseID)
	if v.LotTracked {
		lots, err := tx.ListLots(ctx, key)
		if err != nil {
			return ReconcileReport{}, err
		}
		lotTotal := decimal.Zero
		for _, lot := range lots {
			lotScope := fmt.Sprintf("lot=%s", lot.LotNo)
			lotTotal = lotTotal.Add(lot.QtyOnHand)
			lotSum, err := tx.SumLotMovements(ctx, lot.ID)
			if err != nil {
				return ReconcileReport{}, err
			}
			add("lot_on_hand", lotScope, lotSum, lot.QtyOnHand)
			add("lot_reserved", lotScope, reservedLot[lot.ID], lot.QtyReserved)
			layers, err := tx.ListCostLayers(ctx, CostScope{VariantID: key.VariantID, WarehouseID: key.WarehouseID, LotID: lot.ID}, false)
			if err != nil {
				return ReconcileReport{}, err
			}
			add("cost_layers", lotScope, nonNegative(lot.QtyOnHand), sumRemaining(layers))
		}
		add("lot_total", stockScope, total, lotTotal)
	} else {
		layers, err := tx.ListCostLayers(ctx, CostScope{VariantID: key.VariantID, WarehouseID: key.WarehouseID}, false)
		if err != nil {
			return ReconcileReport{}, err
		}
		add("cost_layers", stockScope, nonNegative(total), sumRemaining(layers))
	}
	return report, nil
}

func sumRemaining(layers []CostLayer) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range layers {
		sum = sum.Add(l.QtyRemaining)
	}
	return sum
}

package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// costPlan is the outcome of consuming layers for one outbound movement,
// held until the movement id is known.
type costPlan struct {
	unitCost  decimal.Decimal
	total     decimal.Decimal
	layers    []CostLayer
	consumed  []LayerConsumption
	uncovered decimal.Decimal
}

// ConsumeLayers walks open layers oldest first and takes qty from them. It
// returns the updated layers, the per-layer consumption and the total cost.
func ConsumeLayers(layers []CostLayer, qty decimal.Decimal, now time.Time) ([]CostLayer, []LayerConsumption, decimal.Decimal, error) {
	remaining := qty
	total := decimal.Zero
	updated := []CostLayer{}
	consumed := []LayerConsumption{}
	for _, layer := range layers {
		if !remaining.IsPositive() {
			break
		}
		if !layer.QtyRemaining.IsPositive() {
			continue
		}
		take := decimal.Min(layer.QtyRemaining, remaining)
		layer.QtyRemaining = roundQty(layer.QtyRemaining.Sub(take))
		if layer.QtyRemaining.IsZero() {
			exhausted := now
			layer.ExhaustedAt = &exhausted
		}
		total = total.Add(take.Mul(layer.UnitCost))
		remaining = remaining.Sub(take)
		updated = append(updated, layer)
		consumed = append(consumed, LayerConsumption{LayerID: layer.ID, Qty: take, UnitCost: layer.UnitCost})
	}
	if remaining.IsPositive() {
		return nil, nil, decimal.Zero, fmt.Errorf("%w: short by %s", ErrInsufficientCostBasis, remaining)
	}
	return updated, consumed, total, nil
}

// planOutboundCost prices an outbound qty. Stock that exists is taken from
// layers; a shortfall allowed to go negative is priced at the last known cost.
func (p *posting) planOutboundCost(ctx context.Context, scope CostScope, qty, onHandBefore decimal.Decimal) (costPlan, error) {
	fromLayers := decimal.Min(qty, nonNegative(onHandBefore))
	plan := costPlan{uncovered: qty.Sub(fromLayers)}
	if fromLayers.IsPositive() {
		layers, err := p.tx.ListCostLayers(ctx, scope, false)
		if err != nil {
			return costPlan{}, err
		}
		updated, consumed, total, err := ConsumeLayers(layers, fromLayers, p.now)
		if err != nil {
			return costPlan{}, &InconsistencyError{Findings: []Finding{{
				Check:    "cost_layers",
				Scope:    scopeLabel(scope),
				Expected: fromLayers.String(),
				Actual:   err.Error(),
			}}}
		}
		plan.layers, plan.consumed, plan.total = updated, consumed, total
	}
	if plan.uncovered.IsPositive() {
		last, err := p.lastCost(ctx, scope)
		if err != nil {
			return costPlan{}, err
		}
		plan.total = plan.total.Add(plan.uncovered.Mul(last))
	}
	plan.unitCost = weightedCost(plan.total, qty)
	return plan, nil
}

func (p *posting) commitCostPlan(ctx context.Context, plan costPlan, movementID int64) error {
	for _, layer := range plan.layers {
		if err := p.tx.UpdateCostLayer(ctx, layer); err != nil {
			return fmt.Errorf("update cost layer: %w", err)
		}
	}
	if len(plan.consumed) == 0 {
		return nil
	}
	for i := range plan.consumed {
		plan.consumed[i].MovementID = movementID
	}
	return p.tx.InsertLayerConsumptions(ctx, plan.consumed)
}

// inboundCost returns the explicit unit cost or falls back to the last known.
func (p *posting) inboundCost(ctx context.Context, scope CostScope, cost decimal.NullDecimal) (decimal.Decimal, error) {
	if cost.Valid {
		return roundQty(cost.Decimal), nil
	}
	return p.lastCost(ctx, scope)
}

func (p *posting) lastCost(ctx context.Context, scope CostScope) (decimal.Decimal, error) {
	layer, err := p.tx.LastCostLayer(ctx, scope)
	if errors.Is(err, ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return layer.UnitCost, nil
}

// addLayer opens a layer for an inbound movement. When the scope was negative
// the deficit is covered first and only the excess becomes a layer.
func (p *posting) addLayer(ctx context.Context, scope CostScope, m Movement, onHandBefore decimal.Decimal) error {
	qty := m.QtyDelta
	if onHandBefore.IsNegative() {
		qty = qty.Add(onHandBefore)
	}
	if !qty.IsPositive() {
		return nil
	}
	layer := CostLayer{
		VariantID:    scope.VariantID,
		WarehouseID:  scope.WarehouseID,
		LotID:        scope.LotID,
		MovementID:   m.ID,
		QtyReceived:  qty,
		QtyRemaining: qty,
		UnitCost:     m.UnitCost.Decimal,
		ReceivedAt:   m.CreatedAt,
	}
	if _, err := p.tx.InsertCostLayer(ctx, layer); err != nil {
		return fmt.Errorf("insert cost layer: %w", err)
	}
	return nil
}

func scopeLabel(scope CostScope) string {
	if scope.LotID == 0 {
		return fmt.Sprintf("variant=%d warehouse=%d", scope.VariantID, scope.WarehouseID)
	}
	return fmt.Sprintf("variant=%d warehouse=%d lot=%d", scope.VariantID, scope.WarehouseID, scope.LotID)
}

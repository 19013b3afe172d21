package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// posting carries the state of one business document while it is applied.
// All components (ledger, balances, lots, costing, reservations) run through it
// so every write of the document shares the same transaction.
type posting struct {
	tx       TxRepository
	opID     uuid.UUID
	now      time.Time
	userID   int64
	variants map[int64]Variant
	checked  map[int64]bool
	recorded []Movement
}

func newPosting(tx TxRepository, now time.Time, userID int64) *posting {
	return &posting{
		tx:       tx,
		opID:     uuid.New(),
		now:      now,
		userID:   userID,
		variants: make(map[int64]Variant),
		checked:  make(map[int64]bool),
	}
}

// movementSpec is the ledger input before identifiers and costs are resolved.
type movementSpec struct {
	VariantID     int64
	WarehouseID   int64
	LocationID    int64
	LotID         int64
	QtyDelta      decimal.Decimal
	UOMID         int64
	UnitCost      decimal.NullDecimal
	RefType       RefType
	RefID         string
	Note          string
	AllowNegative bool
	// KeepLayers values the movement at FIFO cost but leaves the scope's
	// layers as they are. Set on both legs of a transfer that stays inside
	// one cost scope.
	KeepLayers bool
}

func (p *posting) variant(ctx context.Context, id int64) (Variant, error) {
	if v, ok := p.variants[id]; ok {
		return v, nil
	}
	if id == 0 {
		return Variant{}, invalidf("variant required")
	}
	v, err := p.tx.GetVariant(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Variant{}, invalidf("unknown variant %d", id)
		}
		return Variant{}, err
	}
	p.variants[id] = v
	return v, nil
}

func (p *posting) warehouse(ctx context.Context, id int64) error {
	if p.checked[id] {
		return nil
	}
	if id == 0 {
		return invalidf("warehouse required")
	}
	ok, err := p.tx.WarehouseExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return invalidf("unknown warehouse %d", id)
	}
	p.checked[id] = true
	return nil
}

// resolve validates a spec and fills defaults from the catalog and lot.
func (p *posting) resolve(ctx context.Context, spec *movementSpec) (Variant, *Lot, error) {
	spec.QtyDelta = roundQty(spec.QtyDelta)
	if spec.QtyDelta.IsZero() {
		return Variant{}, nil, invalidf("qty delta must be non zero")
	}
	if !spec.RefType.Valid() {
		return Variant{}, nil, invalidf("unknown ref type %q", spec.RefType)
	}
	if spec.RefID == "" {
		return Variant{}, nil, invalidf("ref id required")
	}
	if spec.UnitCost.Valid && spec.UnitCost.Decimal.IsNegative() {
		return Variant{}, nil, invalidf("unit cost must be >= 0")
	}
	v, err := p.variant(ctx, spec.VariantID)
	if err != nil {
		return Variant{}, nil, err
	}
	if err := p.warehouse(ctx, spec.WarehouseID); err != nil {
		return Variant{}, nil, err
	}
	if spec.UOMID == 0 {
		spec.UOMID = v.BaseUOMID
	}
	if !v.LotTracked {
		if spec.LotID != 0 {
			return Variant{}, nil, invalidf("variant %d is not lot tracked", v.ID)
		}
		return v, nil, nil
	}
	if spec.LotID == 0 {
		return Variant{}, nil, invalidf("variant %d requires a lot", v.ID)
	}
	lot, err := p.tx.GetLot(ctx, spec.LotID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Variant{}, nil, invalidf("unknown lot %d", spec.LotID)
		}
		return Variant{}, nil, err
	}
	if lot.VariantID != spec.VariantID || lot.WarehouseID != spec.WarehouseID {
		return Variant{}, nil, invalidf("lot %s does not belong to variant %d at warehouse %d", lot.LotNo, spec.VariantID, spec.WarehouseID)
	}
	if spec.LocationID == 0 {
		spec.LocationID = lot.LocationID
	} else if spec.LocationID != lot.LocationID {
		return Variant{}, nil, invalidf("lot %s is stored at location %d", lot.LotNo, lot.LocationID)
	}
	return v, &lot, nil
}

// record appends one movement and applies it to every projection.
func (p *posting) record(ctx context.Context, spec movementSpec) (Movement, error) {
	_, lot, err := p.resolve(ctx, &spec)
	if err != nil {
		return Movement{}, err
	}
	key := BalanceKey{VariantID: spec.VariantID, WarehouseID: spec.WarehouseID, LocationID: spec.LocationID}
	scope := CostScope{VariantID: spec.VariantID, WarehouseID: spec.WarehouseID, LotID: spec.LotID}

	scopeOnHand, err := p.scopeOnHand(ctx, scope, lot)
	if err != nil {
		return Movement{}, err
	}

	m := Movement{
		OperationID: p.opID,
		VariantID:   spec.VariantID,
		WarehouseID: spec.WarehouseID,
		LocationID:  spec.LocationID,
		LotID:       spec.LotID,
		QtyDelta:    spec.QtyDelta,
		UOMID:       spec.UOMID,
		RefType:     spec.RefType,
		RefID:       spec.RefID,
		UserID:      p.userID,
		Note:        spec.Note,
		CreatedAt:   p.now,
	}

	if _, err := p.applyDelta(ctx, key, spec.QtyDelta, spec.AllowNegative); err != nil {
		return Movement{}, err
	}
	if lot != nil {
		if _, err := p.adjustLotQty(ctx, *lot, spec.QtyDelta); err != nil {
			return Movement{}, err
		}
	}

	var plan costPlan
	if m.Inbound() {
		cost, err := p.inboundCost(ctx, scope, spec.UnitCost)
		if err != nil {
			return Movement{}, err
		}
		m.UnitCost = decimal.NewNullDecimal(cost)
	} else {
		plan, err = p.planOutboundCost(ctx, scope, spec.QtyDelta.Neg(), scopeOnHand)
		if err != nil {
			return Movement{}, err
		}
		m.UnitCost = decimal.NewNullDecimal(plan.unitCost)
	}

	id, err := p.tx.InsertMovement(ctx, m)
	if err != nil {
		return Movement{}, fmt.Errorf("insert movement: %w", err)
	}
	m.ID = id

	switch {
	case spec.KeepLayers:
	case m.Inbound():
		if err := p.addLayer(ctx, scope, m, scopeOnHand); err != nil {
			return Movement{}, err
		}
	default:
		if err := p.commitCostPlan(ctx, plan, m.ID); err != nil {
			return Movement{}, err
		}
	}

	p.recorded = append(p.recorded, m)
	return m, nil
}

// scopeOnHand returns the on-hand quantity of a cost scope before the movement.
func (p *posting) scopeOnHand(ctx context.Context, scope CostScope, lot *Lot) (decimal.Decimal, error) {
	if lot != nil {
		return lot.QtyOnHand, nil
	}
	agg, err := p.aggregate(ctx, StockKey{VariantID: scope.VariantID, WarehouseID: scope.WarehouseID})
	if err != nil {
		return decimal.Zero, err
	}
	return agg.QtyOnHand, nil
}

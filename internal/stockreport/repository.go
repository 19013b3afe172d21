package stockreport

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository runs the read-only report queries.
type Repository interface {
	LowStock(ctx context.Context, filter LowStockFilter) ([]LowStockRow, error)
	ValuationRows(ctx context.Context, warehouseID int64) ([]ValuationRow, error)
	LotsExpiringBefore(ctx context.Context, before time.Time, warehouseID int64) ([]ExpiringLotRow, error)
}

// PGRepository reads reports from the ledger projections in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// LowStock sums the location rows of every (variant, warehouse).
func (r *PGRepository) LowStock(ctx context.Context, filter LowStockFilter) ([]LowStockRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT variant_id, warehouse_id, SUM(qty_on_hand), SUM(qty_reserved), SUM(qty_available), SUM(qty_incoming)
FROM stock_balances
WHERE ($1::bigint IS NULL OR warehouse_id=$1)
GROUP BY variant_id, warehouse_id
HAVING SUM(qty_available) < $2
ORDER BY SUM(qty_available) ASC, variant_id, warehouse_id`, nullID(filter.WarehouseID), filter.Threshold)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (LowStockRow, error) {
		var out LowStockRow
		err := row.Scan(&out.VariantID, &out.WarehouseID, &out.QtyOnHand, &out.QtyReserved, &out.QtyAvailable, &out.QtyIncoming)
		return out, err
	})
}

// ValuationRows sums remaining layer quantity and value per cost scope.
func (r *PGRepository) ValuationRows(ctx context.Context, warehouseID int64) ([]ValuationRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT variant_id, warehouse_id, lot_id, SUM(qty_remaining), SUM(qty_remaining * unit_cost)
FROM cost_layers
WHERE qty_remaining > 0 AND ($1::bigint IS NULL OR warehouse_id=$1)
GROUP BY variant_id, warehouse_id, lot_id
ORDER BY variant_id, warehouse_id, lot_id`, nullID(warehouseID))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ValuationRow, error) {
		var out ValuationRow
		var qty, value decimal.Decimal
		err := row.Scan(&out.VariantID, &out.WarehouseID, &out.LotID, &qty, &value)
		out.Qty, out.Value = qty, value
		return out, err
	})
}

// LotsExpiringBefore lists lots with stock whose expiry is before the cutoff.
func (r *PGRepository) LotsExpiringBefore(ctx context.Context, before time.Time, warehouseID int64) ([]ExpiringLotRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, lot_no, variant_id, warehouse_id, exp_date, qty_on_hand
FROM inventory_lots
WHERE qty_on_hand > 0 AND exp_date IS NOT NULL AND exp_date < $1 AND ($2::bigint IS NULL OR warehouse_id=$2)
ORDER BY exp_date, created_at, id`, before, nullID(warehouseID))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ExpiringLotRow, error) {
		var out ExpiringLotRow
		err := row.Scan(&out.LotID, &out.LotNo, &out.VariantID, &out.WarehouseID, &out.ExpDate, &out.QtyOnHand)
		return out, err
	})
}

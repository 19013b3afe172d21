package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-inventory/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the statements the engine runs inside one transaction.
type TxRepository interface {
	LockStockKeys(ctx context.Context, keys []StockKey) error

	GetVariant(ctx context.Context, id int64) (Variant, error)
	WarehouseExists(ctx context.Context, id int64) (bool, error)

	InsertMovement(ctx context.Context, m Movement) (int64, error)
	SumMovements(ctx context.Context, key BalanceKey) (decimal.Decimal, error)
	SumLotMovements(ctx context.Context, lotID int64) (decimal.Decimal, error)
	ListMovements(ctx context.Context, filter StockCardFilter) ([]Movement, error)
	ListMovementKeys(ctx context.Context, key StockKey) ([]BalanceKey, error)
	ListStockKeys(ctx context.Context) ([]StockKey, error)

	GetBalance(ctx context.Context, key BalanceKey) (Balance, error)
	ListBalances(ctx context.Context, key StockKey) ([]Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error

	InsertLot(ctx context.Context, lot Lot) (int64, error)
	GetLot(ctx context.Context, id int64) (Lot, error)
	UpdateLot(ctx context.Context, lot Lot) error
	ListLots(ctx context.Context, key StockKey) ([]Lot, error)
	ListLotsExpiringBefore(ctx context.Context, before time.Time) ([]Lot, error)

	InsertCostLayer(ctx context.Context, layer CostLayer) (int64, error)
	ListCostLayers(ctx context.Context, scope CostScope, includeExhausted bool) ([]CostLayer, error)
	LastCostLayer(ctx context.Context, scope CostScope) (CostLayer, error)
	UpdateCostLayer(ctx context.Context, layer CostLayer) error
	InsertLayerConsumptions(ctx context.Context, consumptions []LayerConsumption) error

	InsertReservation(ctx context.Context, r Reservation) (int64, error)
	GetReservation(ctx context.Context, id int64) (Reservation, error)
	ListReservationsByItem(ctx context.Context, sourceItemID int64) ([]Reservation, error)
	ListOpenReservations(ctx context.Context, key StockKey) ([]Reservation, error)
	UpdateReservation(ctx context.Context, r Reservation) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.run(ctx, db.PostingTx, fn)
}

// View executes the callback inside a read-only repeatable-read transaction.
func (r *Repository) View(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.run(ctx, db.ReadTx, fn)
}

func (r *Repository) run(ctx context.Context, opts pgx.TxOptions, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("inventory repository not initialised")
	}
	err := db.WithTxOptions(ctx, r.pool, opts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	return mapPgError(err)
}

// mapPgError turns contention failures into ErrConcurrencyConflict.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := db.Contention(err); ok {
		return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Message)
	}
	return err
}

// LockStockKeys serialises writers per (variant, warehouse). Every writer bumps
// the row version, so a transaction whose snapshot predates a concurrent
// commit on the same key fails with a serialization error instead of
// reading stale projections.
func (r *txRepository) LockStockKeys(ctx context.Context, keys []StockKey) error {
	sorted := sortedKeys(keys)
	for _, key := range sorted {
		if _, err := r.tx.Exec(ctx, `INSERT INTO stock_locks (variant_id, warehouse_id, version) VALUES ($1,$2,0)
ON CONFLICT (variant_id, warehouse_id) DO NOTHING`, key.VariantID, key.WarehouseID); err != nil {
			return err
		}
		var version int64
		if err := r.tx.QueryRow(ctx, `SELECT version FROM stock_locks WHERE variant_id=$1 AND warehouse_id=$2 FOR UPDATE`, key.VariantID, key.WarehouseID).Scan(&version); err != nil {
			return err
		}
		if _, err := r.tx.Exec(ctx, `UPDATE stock_locks SET version=$3, locked_at=NOW() WHERE variant_id=$1 AND warehouse_id=$2`, key.VariantID, key.WarehouseID, version+1); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) GetVariant(ctx context.Context, id int64) (Variant, error) {
	var v Variant
	err := r.tx.QueryRow(ctx, `SELECT id, base_uom_id, lot_tracked FROM product_variants WHERE id=$1`, id).Scan(&v.ID, &v.BaseUOMID, &v.LotTracked)
	if errors.Is(err, pgx.ErrNoRows) {
		return Variant{}, ErrNotFound
	}
	return v, err
}

func (r *txRepository) WarehouseExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM warehouses WHERE id=$1)`, id).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (operation_id, variant_id, warehouse_id, location_id, lot_id, qty_delta, uom_id, unit_cost, ref_type, ref_id, user_id, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		m.OperationID, m.VariantID, m.WarehouseID, m.LocationID, nullInt(m.LotID), m.QtyDelta, m.UOMID, m.UnitCost, string(m.RefType), m.RefID, nullInt(m.UserID), m.Note, m.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) SumMovements(ctx context.Context, key BalanceKey) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(qty_delta), 0) FROM stock_movements WHERE variant_id=$1 AND warehouse_id=$2 AND location_id=$3`,
		key.VariantID, key.WarehouseID, key.LocationID).Scan(&sum)
	return sum, err
}

func (r *txRepository) SumLotMovements(ctx context.Context, lotID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(qty_delta), 0) FROM stock_movements WHERE lot_id=$1`, lotID).Scan(&sum)
	return sum, err
}

func (r *txRepository) ListMovements(ctx context.Context, filter StockCardFilter) ([]Movement, error) {
	// negative limit reads the whole history
	var limit any = filter.Limit
	switch {
	case filter.Limit == 0:
		limit = 200
	case filter.Limit < 0:
		limit = nil
	}
	var location any
	if filter.LocationID != nil {
		location = *filter.LocationID
	}
	rows, err := r.tx.Query(ctx, `SELECT id, operation_id, variant_id, warehouse_id, location_id, COALESCE(lot_id, 0), qty_delta, uom_id, unit_cost, ref_type, ref_id, COALESCE(user_id, 0), note, created_at
FROM stock_movements
WHERE variant_id=$1 AND warehouse_id=$2 AND ($3::bigint IS NULL OR location_id=$3)
  AND created_at BETWEEN COALESCE($4, '-infinity'::timestamptz) AND COALESCE($5, 'infinity'::timestamptz)
ORDER BY created_at ASC, id ASC
LIMIT $6`, filter.VariantID, filter.WarehouseID, location, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		var m Movement
		var refType string
		if err := rows.Scan(&m.ID, &m.OperationID, &m.VariantID, &m.WarehouseID, &m.LocationID, &m.LotID, &m.QtyDelta, &m.UOMID, &m.UnitCost, &refType, &m.RefID, &m.UserID, &m.Note, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.RefType = RefType(refType)
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (r *txRepository) ListMovementKeys(ctx context.Context, key StockKey) ([]BalanceKey, error) {
	rows, err := r.tx.Query(ctx, `SELECT DISTINCT location_id FROM stock_movements WHERE variant_id=$1 AND warehouse_id=$2 ORDER BY location_id`, key.VariantID, key.WarehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []BalanceKey{}
	for rows.Next() {
		var location int64
		if err := rows.Scan(&location); err != nil {
			return nil, err
		}
		keys = append(keys, BalanceKey{VariantID: key.VariantID, WarehouseID: key.WarehouseID, LocationID: location})
	}
	return keys, rows.Err()
}

func (r *txRepository) ListStockKeys(ctx context.Context) ([]StockKey, error) {
	rows, err := r.tx.Query(ctx, `SELECT variant_id, warehouse_id FROM stock_balances
UNION SELECT variant_id, warehouse_id FROM stock_movements
ORDER BY 1, 2`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []StockKey{}
	for rows.Next() {
		var key StockKey
		if err := rows.Scan(&key.VariantID, &key.WarehouseID); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

const balanceColumns = `variant_id, warehouse_id, location_id, qty_on_hand, qty_reserved, qty_available, qty_incoming, updated_at`

func scanBalance(row pgx.Row) (Balance, error) {
	var b Balance
	err := row.Scan(&b.VariantID, &b.WarehouseID, &b.LocationID, &b.QtyOnHand, &b.QtyReserved, &b.QtyAvailable, &b.QtyIncoming, &b.UpdatedAt)
	return b, err
}

func (r *txRepository) GetBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	bal, err := scanBalance(r.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM stock_balances WHERE variant_id=$1 AND warehouse_id=$2 AND location_id=$3`,
		key.VariantID, key.WarehouseID, key.LocationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return emptyBalance(key), ErrNotFound
	}
	return bal, err
}

func (r *txRepository) ListBalances(ctx context.Context, key StockKey) ([]Balance, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+balanceColumns+` FROM stock_balances WHERE variant_id=$1 AND warehouse_id=$2 ORDER BY location_id`, key.VariantID, key.WarehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	balances := []Balance{}
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (r *txRepository) UpsertBalance(ctx context.Context, b Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_balances (variant_id, warehouse_id, location_id, qty_on_hand, qty_reserved, qty_available, qty_incoming, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (variant_id, warehouse_id, location_id) DO UPDATE SET qty_on_hand=EXCLUDED.qty_on_hand, qty_reserved=EXCLUDED.qty_reserved,
  qty_available=EXCLUDED.qty_available, qty_incoming=EXCLUDED.qty_incoming, updated_at=NOW()`,
		b.VariantID, b.WarehouseID, b.LocationID, b.QtyOnHand, b.QtyReserved, b.QtyAvailable, b.QtyIncoming)
	return err
}

const lotColumns = `id, variant_id, warehouse_id, location_id, lot_no, mfg_date, exp_date, qty_on_hand, qty_reserved, status, created_at`

func scanLot(row pgx.Row) (Lot, error) {
	var l Lot
	var status string
	err := row.Scan(&l.ID, &l.VariantID, &l.WarehouseID, &l.LocationID, &l.LotNo, &l.MfgDate, &l.ExpDate, &l.QtyOnHand, &l.QtyReserved, &status, &l.CreatedAt)
	l.Status = LotStatus(status)
	return l, err
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_lots (variant_id, warehouse_id, location_id, lot_no, mfg_date, exp_date, qty_on_hand, qty_reserved, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		lot.VariantID, lot.WarehouseID, lot.LocationID, lot.LotNo, lot.MfgDate, lot.ExpDate, lot.QtyOnHand, lot.QtyReserved, string(lot.Status), lot.CreatedAt).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return 0, fmt.Errorf("%w: %s", ErrDuplicateLot, lot.LotNo)
			case "23514":
				return 0, fmt.Errorf("%w: lot %s: %s", ErrInvalidMovement, lot.LotNo, pgErr.ConstraintName)
			}
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) GetLot(ctx context.Context, id int64) (Lot, error) {
	lot, err := scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM inventory_lots WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, ErrNotFound
	}
	return lot, err
}

func (r *txRepository) UpdateLot(ctx context.Context, lot Lot) error {
	_, err := r.tx.Exec(ctx, `UPDATE inventory_lots SET qty_on_hand=$2, qty_reserved=$3, status=$4 WHERE id=$1`, lot.ID, lot.QtyOnHand, lot.QtyReserved, string(lot.Status))
	return err
}

func (r *txRepository) ListLots(ctx context.Context, key StockKey) ([]Lot, error) {
	return r.queryLots(ctx, `SELECT `+lotColumns+` FROM inventory_lots WHERE variant_id=$1 AND warehouse_id=$2
ORDER BY exp_date ASC NULLS LAST, created_at ASC, id ASC`, key.VariantID, key.WarehouseID)
}

func (r *txRepository) ListLotsExpiringBefore(ctx context.Context, before time.Time) ([]Lot, error) {
	return r.queryLots(ctx, `SELECT `+lotColumns+` FROM inventory_lots WHERE qty_on_hand > 0 AND exp_date IS NOT NULL AND exp_date < $1
ORDER BY exp_date ASC, created_at ASC, id ASC`, before)
}

func (r *txRepository) queryLots(ctx context.Context, sql string, args ...any) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lots := []Lot{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

const layerColumns = `id, variant_id, warehouse_id, lot_id, movement_id, qty_received, qty_remaining, unit_cost, received_at, exhausted_at`

func scanLayer(row pgx.Row) (CostLayer, error) {
	var l CostLayer
	err := row.Scan(&l.ID, &l.VariantID, &l.WarehouseID, &l.LotID, &l.MovementID, &l.QtyReceived, &l.QtyRemaining, &l.UnitCost, &l.ReceivedAt, &l.ExhaustedAt)
	return l, err
}

func (r *txRepository) InsertCostLayer(ctx context.Context, layer CostLayer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO cost_layers (variant_id, warehouse_id, lot_id, movement_id, qty_received, qty_remaining, unit_cost, received_at, exhausted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		layer.VariantID, layer.WarehouseID, layer.LotID, layer.MovementID, layer.QtyReceived, layer.QtyRemaining, layer.UnitCost, layer.ReceivedAt, layer.ExhaustedAt).Scan(&id)
	return id, err
}

func (r *txRepository) ListCostLayers(ctx context.Context, scope CostScope, includeExhausted bool) ([]CostLayer, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+layerColumns+` FROM cost_layers
WHERE variant_id=$1 AND warehouse_id=$2 AND lot_id=$3 AND ($4 OR exhausted_at IS NULL)
ORDER BY received_at ASC, id ASC`, scope.VariantID, scope.WarehouseID, scope.LotID, includeExhausted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	layers := []CostLayer{}
	for rows.Next() {
		layer, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

func (r *txRepository) LastCostLayer(ctx context.Context, scope CostScope) (CostLayer, error) {
	layer, err := scanLayer(r.tx.QueryRow(ctx, `SELECT `+layerColumns+` FROM cost_layers
WHERE variant_id=$1 AND warehouse_id=$2 AND lot_id=$3 ORDER BY received_at DESC, id DESC LIMIT 1`, scope.VariantID, scope.WarehouseID, scope.LotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return CostLayer{}, ErrNotFound
	}
	return layer, err
}

func (r *txRepository) UpdateCostLayer(ctx context.Context, layer CostLayer) error {
	_, err := r.tx.Exec(ctx, `UPDATE cost_layers SET qty_remaining=$2, exhausted_at=$3 WHERE id=$1`, layer.ID, layer.QtyRemaining, layer.ExhaustedAt)
	return err
}

func (r *txRepository) InsertLayerConsumptions(ctx context.Context, consumptions []LayerConsumption) error {
	for _, c := range consumptions {
		if _, err := r.tx.Exec(ctx, `INSERT INTO cost_layer_consumptions (layer_id, movement_id, qty, unit_cost) VALUES ($1,$2,$3,$4)`,
			c.LayerID, c.MovementID, c.Qty, c.UnitCost); err != nil {
			return err
		}
	}
	return nil
}

const reservationColumns = `id, source_item_id, variant_id, warehouse_id, location_id, lot_id, qty_reserved, qty_consumed, status, reserved_at, COALESCE(reserved_by, 0), updated_at`

func scanReservation(row pgx.Row) (Reservation, error) {
	var res Reservation
	var status string
	err := row.Scan(&res.ID, &res.SourceItemID, &res.VariantID, &res.WarehouseID, &res.LocationID, &res.LotID, &res.QtyReserved, &res.QtyConsumed, &status, &res.ReservedAt, &res.ReservedBy, &res.UpdatedAt)
	res.Status = ReservationStatus(status)
	return res, err
}

func (r *txRepository) InsertReservation(ctx context.Context, res Reservation) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_reservations (source_item_id, variant_id, warehouse_id, location_id, lot_id, qty_reserved, qty_consumed, status, reserved_at, reserved_by, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$9) RETURNING id`,
		res.SourceItemID, res.VariantID, res.WarehouseID, res.LocationID, res.LotID, res.QtyReserved, res.QtyConsumed, string(res.Status), res.ReservedAt, nullInt(res.ReservedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) GetReservation(ctx context.Context, id int64) (Reservation, error) {
	res, err := scanReservation(r.tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	return res, err
}

func (r *txRepository) ListReservationsByItem(ctx context.Context, sourceItemID int64) ([]Reservation, error) {
	return r.queryReservations(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE source_item_id=$1 ORDER BY id`, sourceItemID)
}

func (r *txRepository) ListOpenReservations(ctx context.Context, key StockKey) ([]Reservation, error) {
	return r.queryReservations(ctx, `SELECT `+reservationColumns+` FROM stock_reservations
WHERE variant_id=$1 AND warehouse_id=$2 AND status IN ('active','partially_consumed') ORDER BY id`, key.VariantID, key.WarehouseID)
}

func (r *txRepository) queryReservations(ctx context.Context, sql string, args ...any) ([]Reservation, error) {
	rows, err := r.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Reservation{}
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *txRepository) UpdateReservation(ctx context.Context, res Reservation) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_reservations SET qty_consumed=$2, status=$3, updated_at=$4 WHERE id=$1`, res.ID, res.QtyConsumed, string(res.Status), res.UpdatedAt)
	return err
}

func sortedKeys(keys []StockKey) []StockKey {
	seen := make(map[StockKey]struct{}, len(keys))
	out := make([]StockKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VariantID == out[j].VariantID {
			return out[i].WarehouseID < out[j].WarehouseID
		}
		return out[i].VariantID < out[j].VariantID
	})
	return out
}

func emptyBalance(key BalanceKey) Balance {
	return Balance{
		VariantID:    key.VariantID,
		WarehouseID:  key.WarehouseID,
		LocationID:   key.LocationID,
		QtyOnHand:    decimal.Zero,
		QtyReserved:  decimal.Zero,
		QtyAvailable: decimal.Zero,
		QtyIncoming:  decimal.Zero,
	}
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

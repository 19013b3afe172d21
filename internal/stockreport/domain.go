package stockreport

import (
	"time"

	"github.com/shopspring/decimal"
)

// LowStockFilter selects balances whose available quantity is below Threshold.
type LowStockFilter struct {
	WarehouseID int64           `json:"warehouse_id,omitempty"`
	Threshold   decimal.Decimal `json:"threshold"`
}

// LowStockRow is one warehouse-level balance under the threshold.
type LowStockRow struct {
	VariantID    int64           `json:"variant_id"`
	WarehouseID  int64           `json:"warehouse_id"`
	QtyOnHand    decimal.Decimal `json:"qty_on_hand"`
	QtyReserved  decimal.Decimal `json:"qty_reserved"`
	QtyAvailable decimal.Decimal `json:"qty_available"`
	QtyIncoming  decimal.Decimal `json:"qty_incoming"`
}

// ValuationRow is the FIFO value left in one cost scope.
type ValuationRow struct {
	VariantID   int64           `json:"variant_id"`
	WarehouseID int64           `json:"warehouse_id"`
	LotID       int64           `json:"lot_id"`
	Qty         decimal.Decimal `json:"qty"`
	Value       decimal.Decimal `json:"value"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
}

// Valuation is the inventory value summed over open cost layers.
type Valuation struct {
	WarehouseID int64           `json:"warehouse_id,omitempty"`
	Rows        []ValuationRow  `json:"rows"`
	TotalQty    decimal.Decimal `json:"total_qty"`
	TotalValue  decimal.Decimal `json:"total_value"`
	AsOf        time.Time       `json:"as_of"`
}

// ExpiringLotRow is a lot with stock that expires inside the window.
type ExpiringLotRow struct {
	LotID       int64           `json:"lot_id"`
	LotNo       string          `json:"lot_no"`
	VariantID   int64           `json:"variant_id"`
	WarehouseID int64           `json:"warehouse_id"`
	ExpDate     time.Time       `json:"exp_date"`
	QtyOnHand   decimal.Decimal `json:"qty_on_hand"`
	DaysLeft    int             `json:"days_left"`
}

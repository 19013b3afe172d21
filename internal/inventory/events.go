package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdjustmentPostedEvent describes a committed adjustment or count variance.
type AdjustmentPostedEvent struct {
	OperationID uuid.UUID       `json:"operation_id"`
	Code        string          `json:"code"`
	RefType     RefType         `json:"ref_type"`
	VariantID   int64           `json:"variant_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Qty         decimal.Decimal `json:"qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	PostedAt    time.Time       `json:"posted_at"`
}

// ShipmentPostedEvent describes a committed shipment with its FIFO cost.
type ShipmentPostedEvent struct {
	OperationID uuid.UUID           `json:"operation_id"`
	Code        string              `json:"code"`
	Lines       []ShipmentEventLine `json:"lines"`
	Partial     bool                `json:"partial"`
	PostedAt    time.Time           `json:"posted_at"`
}

// ShipmentEventLine is one shipped sales order line.
type ShipmentEventLine struct {
	SourceItemID int64           `json:"source_item_id"`
	VariantID    int64           `json:"variant_id"`
	WarehouseID  int64           `json:"warehouse_id"`
	Qty          decimal.Decimal `json:"qty"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
}

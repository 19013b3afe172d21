package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RefType enumerates the business documents a movement can reference.
type RefType string

const (
	// RefTypePO references a purchase order.
	RefTypePO RefType = "PO"
	// RefTypeGRN references a goods receipt note.
	RefTypeGRN RefType = "GRN"
	// RefTypeSO references a sales order.
	RefTypeSO RefType = "SO"
	// RefTypeShipment references an outbound shipment.
	RefTypeShipment RefType = "SHIPMENT"
	// RefTypeAdjustment references a manual or count adjustment.
	RefTypeAdjustment RefType = "ADJUSTMENT"
	// RefTypeTransfer references an inter-warehouse transfer.
	RefTypeTransfer RefType = "TRANSFER"
	// RefTypeCount references a stock count document.
	RefTypeCount RefType = "COUNT"
)

// Valid reports whether the ref type belongs to the enum.
func (t RefType) Valid() bool {
	switch t {
	case RefTypePO, RefTypeGRN, RefTypeSO, RefTypeShipment, RefTypeAdjustment, RefTypeTransfer, RefTypeCount:
		return true
	}
	return false
}

// Movement is one immutable signed quantity change in the ledger.
type Movement struct {
	ID          int64               `json:"id"`
	OperationID uuid.UUID           `json:"operation_id"`
	VariantID   int64               `json:"variant_id"`
	WarehouseID int64               `json:"warehouse_id"`
	LocationID  int64               `json:"location_id"`
	LotID       int64               `json:"lot_id"`
	QtyDelta    decimal.Decimal     `json:"qty_delta"`
	UOMID       int64               `json:"uom_id"`
	UnitCost    decimal.NullDecimal `json:"unit_cost"`
	RefType     RefType             `json:"ref_type"`
	RefID       string              `json:"ref_id"`
	UserID      int64               `json:"user_id"`
	Note        string              `json:"note"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Inbound reports whether the movement increases stock.
func (m Movement) Inbound() bool {
	return m.QtyDelta.IsPositive()
}

// StockKey identifies the serialisation scope of the write path.
type StockKey struct {
	VariantID   int64 `json:"variant_id"`
	WarehouseID int64 `json:"warehouse_id"`
}

// BalanceKey identifies one balance projection row.
type BalanceKey struct {
	VariantID   int64 `json:"variant_id"`
	WarehouseID int64 `json:"warehouse_id"`
	LocationID  int64 `json:"location_id"`
}

// StockKey returns the lock scope of the balance row.
func (k BalanceKey) StockKey() StockKey {
	return StockKey{VariantID: k.VariantID, WarehouseID: k.WarehouseID}
}

// Balance is the denormalised per-location projection of the ledger.
type Balance struct {
	VariantID    int64           `json:"variant_id"`
	WarehouseID  int64           `json:"warehouse_id"`
	LocationID   int64           `json:"location_id"`
	QtyOnHand    decimal.Decimal `json:"qty_on_hand"`
	QtyReserved  decimal.Decimal `json:"qty_reserved"`
	QtyAvailable decimal.Decimal `json:"qty_available"`
	QtyIncoming  decimal.Decimal `json:"qty_incoming"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Key returns the balance identity.
func (b Balance) Key() BalanceKey {
	return BalanceKey{VariantID: b.VariantID, WarehouseID: b.WarehouseID, LocationID: b.LocationID}
}

// LotStatus tracks the soft lifecycle of a lot.
type LotStatus string

const (
	// LotStatusActive marks a lot that still carries stock or may receive more.
	LotStatusActive LotStatus = "active"
	// LotStatusDepleted marks a lot whose on-hand quantity reached zero.
	LotStatusDepleted LotStatus = "depleted"
)

// Lot is a tracked batch of a variant.
type Lot struct {
	ID          int64           `json:"id"`
	VariantID   int64           `json:"variant_id"`
	WarehouseID int64           `json:"warehouse_id"`
	LocationID  int64           `json:"location_id"`
	LotNo       string          `json:"lot_no"`
	MfgDate     time.Time       `json:"mfg_date"`
	ExpDate     *time.Time      `json:"exp_date"`
	QtyOnHand   decimal.Decimal `json:"qty_on_hand"`
	QtyReserved decimal.Decimal `json:"qty_reserved"`
	Status      LotStatus       `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// QtyFree is the lot quantity not promised to a reservation.
func (l Lot) QtyFree() decimal.Decimal {
	return l.QtyOnHand.Sub(l.QtyReserved)
}

// ExpiredAt reports whether the lot is past its expiry date at now.
func (l Lot) ExpiredAt(now time.Time) bool {
	return l.ExpDate != nil && l.ExpDate.Before(now)
}

// ExpiringWithin reports whether the lot expires in (now, now+days].
func (l Lot) ExpiringWithin(now time.Time, days int) bool {
	if l.ExpDate == nil || !l.ExpDate.After(now) {
		return false
	}
	return !l.ExpDate.After(now.AddDate(0, 0, days))
}

// LotPick is one step of a FEFO selection.
type LotPick struct {
	Lot      Lot             `json:"lot"`
	QtyTaken decimal.Decimal `json:"qty_taken"`
}

// ReservationStatus is the reservation state machine.
type ReservationStatus string

const (
	ReservationActive            ReservationStatus = "active"
	ReservationPartiallyConsumed ReservationStatus = "partially_consumed"
	ReservationConsumed          ReservationStatus = "consumed"
	ReservationReleased          ReservationStatus = "released"
)

// Open reports whether the reservation can still be consumed or released.
func (s ReservationStatus) Open() bool {
	return s == ReservationActive || s == ReservationPartiallyConsumed
}

// Reservation holds stock against a sales order line.
type Reservation struct {
	ID           int64             `json:"id"`
	SourceItemID int64             `json:"source_item_id"`
	VariantID    int64             `json:"variant_id"`
	WarehouseID  int64             `json:"warehouse_id"`
	LocationID   int64             `json:"location_id"`
	LotID        int64             `json:"lot_id"`
	QtyReserved  decimal.Decimal   `json:"qty_reserved"`
	QtyConsumed  decimal.Decimal   `json:"qty_consumed"`
	Status       ReservationStatus `json:"status"`
	ReservedAt   time.Time         `json:"reserved_at"`
	ReservedBy   int64             `json:"reserved_by"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// QtyRemaining is the still-held quantity.
func (r Reservation) QtyRemaining() decimal.Decimal {
	if !r.Status.Open() {
		return decimal.Zero
	}
	return r.QtyReserved.Sub(r.QtyConsumed)
}

// BalanceKey returns the balance row the reservation is held against.
func (r Reservation) BalanceKey() BalanceKey {
	return BalanceKey{VariantID: r.VariantID, WarehouseID: r.WarehouseID, LocationID: r.LocationID}
}

// CostLayer is one FIFO receipt layer.
type CostLayer struct {
	ID           int64           `json:"id"`
	VariantID    int64           `json:"variant_id"`
	WarehouseID  int64           `json:"warehouse_id"`
	LotID        int64           `json:"lot_id"`
	MovementID   int64           `json:"movement_id"`
	QtyReceived  decimal.Decimal `json:"qty_received"`
	QtyRemaining decimal.Decimal `json:"qty_remaining"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	ReceivedAt   time.Time       `json:"received_at"`
	ExhaustedAt  *time.Time      `json:"exhausted_at"`
}

// LayerConsumption records how much of a layer an outbound movement used.
type LayerConsumption struct {
	LayerID    int64           `json:"layer_id"`
	MovementID int64           `json:"movement_id"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

// CostScope identifies the queue of layers consumed together.
type CostScope struct {
	VariantID   int64 `json:"variant_id"`
	WarehouseID int64 `json:"warehouse_id"`
	LotID       int64 `json:"lot_id"`
}

// Variant is the catalog data the ledger needs.
type Variant struct {
	ID         int64 `json:"id"`
	BaseUOMID  int64 `json:"base_uom_id"`
	LotTracked bool  `json:"lot_tracked"`
}

// StockCardEntry is a movement with the running balance of its key.
type StockCardEntry struct {
	MovementID int64               `json:"movement_id"`
	RefType    RefType             `json:"ref_type"`
	RefID      string              `json:"ref_id"`
	LotID      int64               `json:"lot_id"`
	QtyIn      decimal.Decimal     `json:"qty_in"`
	QtyOut     decimal.Decimal     `json:"qty_out"`
	BalanceQty decimal.Decimal     `json:"balance_qty"`
	UnitCost   decimal.NullDecimal `json:"unit_cost"`
	Note       string              `json:"note"`
	CreatedAt  time.Time           `json:"created_at"`
}

// StockCardFilter filters card entries.
type StockCardFilter struct {
	VariantID   int64     `json:"variant_id"`
	WarehouseID int64     `json:"warehouse_id"`
	LocationID  *int64    `json:"location_id"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Limit       int       `json:"limit"`
}

// ReceiptLine is one received line of a goods receipt.
type ReceiptLine struct {
	VariantID  int64               `json:"variant_id"`
	LocationID int64               `json:"location_id"`
	LotID      int64               `json:"lot_id"`
	NewLot     *LotInput           `json:"new_lot"`
	Qty        decimal.Decimal     `json:"qty"`
	UOMID      int64               `json:"uom_id"`
	UnitCost   decimal.NullDecimal `json:"unit_cost"`
}

// ReceiptInput posts a multi-line goods receipt.
type ReceiptInput struct {
	Code        string        `json:"code"`
	WarehouseID int64         `json:"warehouse_id"`
	PORef       string        `json:"po_ref"`
	UserID      int64         `json:"user_id"`
	Note        string        `json:"note"`
	Lines       []ReceiptLine `json:"lines"`
}

// LotInput creates a lot.
type LotInput struct {
	VariantID   int64      `json:"variant_id"`
	WarehouseID int64      `json:"warehouse_id"`
	LocationID  int64      `json:"location_id"`
	LotNo       string     `json:"lot_no"`
	MfgDate     time.Time  `json:"mfg_date"`
	ExpDate     *time.Time `json:"exp_date"`
}

// IncomingInput books expected inbound quantity from a purchase order.
type IncomingInput struct {
	PORef       string          `json:"po_ref"`
	VariantID   int64           `json:"variant_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Qty         decimal.Decimal `json:"qty"`
	UserID      int64           `json:"user_id"`
}

// AdjustmentInput posts a signed correction.
type AdjustmentInput struct {
	Code          string              `json:"code"`
	VariantID     int64               `json:"variant_id"`
	WarehouseID   int64               `json:"warehouse_id"`
	LocationID    int64               `json:"location_id"`
	LotID         int64               `json:"lot_id"`
	Qty           decimal.Decimal     `json:"qty"`
	UOMID         int64               `json:"uom_id"`
	UnitCost      decimal.NullDecimal `json:"unit_cost"`
	AllowNegative bool                `json:"allow_negative"`
	UserID        int64               `json:"user_id"`
	Note          string              `json:"note"`
}

// TransferInput moves stock between warehouses.
type TransferInput struct {
	Code           string          `json:"code"`
	VariantID      int64           `json:"variant_id"`
	Qty            decimal.Decimal `json:"qty"`
	SrcWarehouseID int64           `json:"src_warehouse_id"`
	SrcLocationID  int64           `json:"src_location_id"`
	SrcLotID       int64           `json:"src_lot_id"`
	DstWarehouseID int64           `json:"dst_warehouse_id"`
	DstLocationID  int64           `json:"dst_location_id"`
	DstLotID       int64           `json:"dst_lot_id"`
	UserID         int64           `json:"user_id"`
	Note           string          `json:"note"`
}

// CountLine is one counted key.
type CountLine struct {
	VariantID  int64           `json:"variant_id"`
	LocationID int64           `json:"location_id"`
	LotID      int64           `json:"lot_id"`
	CountedQty decimal.Decimal `json:"counted_qty"`
}

// CountInput posts a stock count.
type CountInput struct {
	Code        string      `json:"code"`
	WarehouseID int64       `json:"warehouse_id"`
	UserID      int64       `json:"user_id"`
	Note        string      `json:"note"`
	Lines       []CountLine `json:"lines"`
}

// CountResultLine reports the variance posted for a counted key.
type CountResultLine struct {
	CountLine
	ExpectedQty decimal.Decimal `json:"expected_qty"`
	Variance    decimal.Decimal `json:"variance"`
	MovementID  int64           `json:"movement_id"`
}

// CountResult is the outcome of a posted stock count.
type CountResult struct {
	OperationID uuid.UUID         `json:"operation_id"`
	Lines       []CountResultLine `json:"lines"`
}

// AllocateInput reserves stock for a sales order line.
type AllocateInput struct {
	SourceItemID int64           `json:"source_item_id"`
	VariantID    int64           `json:"variant_id"`
	WarehouseID  int64           `json:"warehouse_id"`
	LocationID   int64           `json:"location_id"`
	Qty          decimal.Decimal `json:"qty"`
	UserID       int64           `json:"user_id"`
}

// ReleaseInput cancels a reservation.
type ReleaseInput struct {
	ReservationID int64 `json:"reservation_id"`
	UserID        int64 `json:"user_id"`
}

// ShipmentLine ships against the reservations of a sales order line. When the
// line has no open reservation and names a variant and warehouse, stock is
// allocated and shipped in the same transaction.
type ShipmentLine struct {
	SourceItemID  int64           `json:"source_item_id"`
	ReservationID int64           `json:"reservation_id"`
	VariantID     int64           `json:"variant_id"`
	WarehouseID   int64           `json:"warehouse_id"`
	LocationID    int64           `json:"location_id"`
	Qty           decimal.Decimal `json:"qty"`
}

// ShipmentInput posts a multi-line shipment.
type ShipmentInput struct {
	Code            string         `json:"code"`
	UserID          int64          `json:"user_id"`
	Partial         bool           `json:"partial"`
	ReleaseShortage bool           `json:"release_shortage"`
	Note            string         `json:"note"`
	Lines           []ShipmentLine `json:"lines"`
}

// ShipmentResultLine describes how one shipment line was fulfilled.
type ShipmentResultLine struct {
	SourceItemID int64           `json:"source_item_id"`
	Qty          decimal.Decimal `json:"qty"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	MovementIDs  []int64         `json:"movement_ids"`
	Reservations []Reservation   `json:"reservations"`
}

// ShipmentResult is the outcome of a posted shipment.
type ShipmentResult struct {
	OperationID uuid.UUID            `json:"operation_id"`
	Lines       []ShipmentResultLine `json:"lines"`
	Warnings    []string             `json:"warnings"`
}

// PostingResult is the outcome of a posted document.
type PostingResult struct {
	OperationID uuid.UUID  `json:"operation_id"`
	Movements   []Movement `json:"movements"`
}

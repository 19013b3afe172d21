package inventory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-inventory/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-inventory/internal/shared"
)

// AuditTrailReader lists the audit entries of a posted document.
type AuditTrailReader interface {
	ListForEntity(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error)
}

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	trail     AuditTrailReader
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// WithAuditTrail exposes document audit history through the handler.
func (h *Handler) WithAuditTrail(trail AuditTrailReader) *Handler {
	h.trail = trail
	return h
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.handleReceipt)
	r.Post("/incoming", h.handleIncoming)
	r.Post("/adjustments", h.handleAdjustment)
	r.Post("/transfers", h.handleTransfer)
	r.Post("/counts", h.handleCount)
	r.Post("/shipments", h.handleShipment)

	r.Route("/lots", func(r chi.Router) {
		r.Get("/", h.handleListLots)
		r.Post("/", h.handleCreateLot)
		r.Get("/select", h.handleSelectLots)
		r.Get("/expired", h.handleExpiredLots)
		r.Get("/expiring", h.handleExpiringLots)
	})
	r.Route("/reservations", func(r chi.Router) {
		r.Get("/", h.handleListReservations)
		r.Post("/", h.handleAllocate)
		r.Get("/{id}", h.handleGetReservation)
		r.Post("/{id}/release", h.handleRelease)
		r.Post("/{id}/consume", h.handleConsume)
	})

	r.Get("/balances", h.handleBalance)
	r.Get("/balances/locations", h.handleListBalances)
	r.Get("/stock-card", h.handleStockCard)
	r.Get("/cost-layers", h.handleCostLayers)
	r.Get("/reconcile", h.handleReconcile)
	r.Get("/documents/{ref}/audit", h.handleDocumentAudit)
}

type lotRequest struct {
	VariantID   int64      `json:"variant_id"`
	WarehouseID int64      `json:"warehouse_id"`
	LocationID  int64      `json:"location_id"`
	LotNo       string     `json:"lot_no" validate:"required,max=64"`
	MfgDate     time.Time  `json:"mfg_date" validate:"required"`
	ExpDate     *time.Time `json:"exp_date"`
}

func (l lotRequest) input() LotInput {
	return LotInput{VariantID: l.VariantID, WarehouseID: l.WarehouseID, LocationID: l.LocationID, LotNo: l.LotNo, MfgDate: l.MfgDate, ExpDate: l.ExpDate}
}

type receiptLineRequest struct {
	VariantID  int64            `json:"variant_id" validate:"required"`
	LocationID int64            `json:"location_id"`
	LotID      int64            `json:"lot_id"`
	NewLot     *lotRequest      `json:"new_lot"`
	Qty        decimal.Decimal  `json:"qty"`
	UOMID      int64            `json:"uom_id"`
	UnitCost   *decimal.Decimal `json:"unit_cost"`
}

type receiptRequest struct {
	Code        string               `json:"code" validate:"max=64"`
	WarehouseID int64                `json:"warehouse_id" validate:"required"`
	PORef       string               `json:"po_ref" validate:"max=64"`
	Note        string               `json:"note"`
	Lines       []receiptLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type incomingRequest struct {
	PORef       string          `json:"po_ref" validate:"required"`
	VariantID   int64           `json:"variant_id" validate:"required"`
	WarehouseID int64           `json:"warehouse_id" validate:"required"`
	Qty         decimal.Decimal `json:"qty"`
}

type adjustmentRequest struct {
	Code          string           `json:"code" validate:"max=64"`
	VariantID     int64            `json:"variant_id" validate:"required"`
	WarehouseID   int64            `json:"warehouse_id" validate:"required"`
	LocationID    int64            `json:"location_id"`
	LotID         int64            `json:"lot_id"`
	Qty           decimal.Decimal  `json:"qty"`
	UOMID         int64            `json:"uom_id"`
	UnitCost      *decimal.Decimal `json:"unit_cost"`
	AllowNegative bool             `json:"allow_negative"`
	Note          string           `json:"note"`
}

type transferRequest struct {
	Code           string          `json:"code" validate:"max=64"`
	VariantID      int64           `json:"variant_id" validate:"required"`
	Qty            decimal.Decimal `json:"qty"`
	SrcWarehouseID int64           `json:"src_warehouse_id" validate:"required"`
	SrcLocationID  int64           `json:"src_location_id"`
	SrcLotID       int64           `json:"src_lot_id"`
	DstWarehouseID int64           `json:"dst_warehouse_id" validate:"required"`
	DstLocationID  int64           `json:"dst_location_id"`
	DstLotID       int64           `json:"dst_lot_id"`
	Note           string          `json:"note"`
}

type countLineRequest struct {
	VariantID  int64           `json:"variant_id" validate:"required"`
	LocationID int64           `json:"location_id"`
	LotID      int64           `json:"lot_id"`
	CountedQty decimal.Decimal `json:"counted_qty"`
}

type countRequest struct {
	Code        string             `json:"code" validate:"max=64"`
	WarehouseID int64              `json:"warehouse_id" validate:"required"`
	Note        string             `json:"note"`
	Lines       []countLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type allocateRequest struct {
	SourceItemID int64           `json:"source_item_id" validate:"required"`
	VariantID    int64           `json:"variant_id" validate:"required"`
	WarehouseID  int64           `json:"warehouse_id" validate:"required"`
	LocationID   int64           `json:"location_id"`
	Qty          decimal.Decimal `json:"qty"`
}

type consumeRequest struct {
	Code string          `json:"code" validate:"max=64"`
	Qty  decimal.Decimal `json:"qty"`
}

type shipmentLineRequest struct {
	SourceItemID  int64           `json:"source_item_id"`
	ReservationID int64           `json:"reservation_id"`
	VariantID     int64           `json:"variant_id"`
	WarehouseID   int64           `json:"warehouse_id"`
	LocationID    int64           `json:"location_id"`
	Qty           decimal.Decimal `json:"qty"`
}

type shipmentRequest struct {
	Code            string                `json:"code" validate:"max=64"`
	Partial         bool                  `json:"partial"`
	ReleaseShortage bool                  `json:"release_shortage"`
	Note            string                `json:"note"`
	Lines           []shipmentLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func optionalCost(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	input := ReceiptInput{Code: req.Code, WarehouseID: req.WarehouseID, PORef: req.PORef, Note: req.Note, UserID: actorID(r)}
	for _, line := range req.Lines {
		rl := ReceiptLine{VariantID: line.VariantID, LocationID: line.LocationID, LotID: line.LotID, Qty: line.Qty, UOMID: line.UOMID, UnitCost: optionalCost(line.UnitCost)}
		if line.NewLot != nil {
			li := line.NewLot.input()
			rl.NewLot = &li
		}
		input.Lines = append(input.Lines, rl)
	}
	result, err := h.service.PostReceipt(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.logger.Info("receipt posted", slog.String("operation_id", result.OperationID.String()), slog.Int("movements", len(result.Movements)))
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleIncoming(w http.ResponseWriter, r *http.Request) {
	var req incomingRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	bal, err := h.service.ExpectIncoming(r.Context(), IncomingInput{PORef: req.PORef, VariantID: req.VariantID, WarehouseID: req.WarehouseID, Qty: req.Qty, UserID: actorID(r)})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	m, err := h.service.PostAdjustment(r.Context(), AdjustmentInput{
		Code:          req.Code,
		VariantID:     req.VariantID,
		WarehouseID:   req.WarehouseID,
		LocationID:    req.LocationID,
		LotID:         req.LotID,
		Qty:           req.Qty,
		UOMID:         req.UOMID,
		UnitCost:      optionalCost(req.UnitCost),
		AllowNegative: req.AllowNegative,
		UserID:        actorID(r),
		Note:          req.Note,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	result, err := h.service.PostTransfer(r.Context(), TransferInput{
		Code:           req.Code,
		VariantID:      req.VariantID,
		Qty:            req.Qty,
		SrcWarehouseID: req.SrcWarehouseID,
		SrcLocationID:  req.SrcLocationID,
		SrcLotID:       req.SrcLotID,
		DstWarehouseID: req.DstWarehouseID,
		DstLocationID:  req.DstLocationID,
		DstLotID:       req.DstLotID,
		UserID:         actorID(r),
		Note:           req.Note,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	var req countRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	input := CountInput{Code: req.Code, WarehouseID: req.WarehouseID, Note: req.Note, UserID: actorID(r)}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, CountLine(line))
	}
	result, err := h.service.PostCount(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleShipment(w http.ResponseWriter, r *http.Request) {
	var req shipmentRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	input := ShipmentInput{Code: req.Code, Partial: req.Partial, ReleaseShortage: req.ReleaseShortage, Note: req.Note, UserID: actorID(r)}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, ShipmentLine(line))
	}
	result, err := h.service.PostShipment(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if len(result.Warnings) > 0 {
		h.logger.Warn("partial shipment posted", slog.String("operation_id", result.OperationID.String()), slog.Any("warnings", result.Warnings))
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	var req lotRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	lot, err := h.service.CreateLot(r.Context(), req.input())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lot)
}

func (h *Handler) handleListLots(w http.ResponseWriter, r *http.Request) {
	variantID, warehouseID, ok := h.stockKeyParams(w, r)
	if !ok {
		return
	}
	lots, err := h.service.ListLots(r.Context(), variantID, warehouseID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lots)
}

func (h *Handler) handleSelectLots(w http.ResponseWriter, r *http.Request) {
	variantID, warehouseID, ok := h.stockKeyParams(w, r)
	if !ok {
		return
	}
	qty, err := decimal.NewFromString(r.URL.Query().Get("qty"))
	if err != nil {
		h.respondError(w, r, invalidf("qty must be a decimal"))
		return
	}
	picks, err := h.service.SelectLots(r.Context(), variantID, warehouseID, qty)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(picks))
	for _, p := range picks {
		out = append(out, map[string]any{"lot": p.Lot, "qty_taken": p.QtyTaken})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleExpiredLots(w http.ResponseWriter, r *http.Request) {
	at, err := timeParam(r, "at")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	lots, err := h.service.ExpiredLots(r.Context(), at)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lots)
}

func (h *Handler) handleExpiringLots(w http.ResponseWriter, r *http.Request) {
	at, err := timeParam(r, "at")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil {
			h.respondError(w, r, invalidf("days must be an integer"))
			return
		}
	}
	lots, err := h.service.ExpiringLots(r.Context(), at, days)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lots)
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	out, err := h.service.Allocate(r.Context(), AllocateInput{
		SourceItemID: req.SourceItemID,
		VariantID:    req.VariantID,
		WarehouseID:  req.WarehouseID,
		LocationID:   req.LocationID,
		Qty:          req.Qty,
		UserID:       actorID(r),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) handleListReservations(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(r.URL.Query().Get("source_item_id"), 10, 64)
	if err != nil {
		h.respondError(w, r, invalidf("source_item_id required"))
		return
	}
	out, err := h.service.ListReservations(r.Context(), itemID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	res, err := h.service.GetReservation(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	res, err := h.service.Release(r.Context(), ReleaseInput{ReservationID: id, UserID: actorID(r)})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	var req consumeRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	res, m, err := h.service.ConsumeReservation(r.Context(), id, req.Qty, req.Code, actorID(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reservation": res, "movement": m})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	variantID, warehouseID, ok := h.stockKeyParams(w, r)
	if !ok {
		return
	}
	var location *int64
	if raw := r.URL.Query().Get("location_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(w, r, invalidf("location_id must be an integer"))
			return
		}
		location = &id
	}
	bal, err := h.service.GetBalance(r.Context(), variantID, warehouseID, location)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) handleListBalances(w http.ResponseWriter, r *http.Request) {
	variantID, warehouseID, ok := h.stockKeyParams(w, r)
	if !ok {
		return
	}
	balances, err := h.service.ListBalances(r.Context(), variantID, warehouseID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balances)
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	variantID, warehouseID, ok := h.stockKeyParams(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := StockCardFilter{VariantID: variantID, WarehouseID: warehouseID, Limit: 500}
	if raw := q.Get("location_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(w, r, invalidf("location_id must be an integer"))
			return
		}
		filter.LocationID = &id
	}
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.respondError(w, r, invalidf("from must be YYYY-MM-DD"))
			return
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.respondError(w, r, invalidf("to must be YYYY-MM-DD"))
			return
		}
		// end of day
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	entries, err := h.service.StockCard(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.logger.Info("got stock card",
		slog.Int("count", len(entries)),
		slog.Int64("warehouse_id", warehouseID),
		slog.Int64("variant_id", variantID))
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) handleCostLayers(w http.ResponseWriter, r *http.Request) {
	variantID, warehouseID, ok := h.stockKeyParams(w, r)
	if !ok {
		return
	}
	scope := CostScope{VariantID: variantID, WarehouseID: warehouseID}
	if raw := r.URL.Query().Get("lot_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(w, r, invalidf("lot_id must be an integer"))
			return
		}
		scope.LotID = id
	}
	layers, err := h.service.ListCostLayers(r.Context(), scope, r.URL.Query().Get("all") == "1")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, layers)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	variantID, warehouseID, ok := h.stockKeyParams(w, r)
	if !ok {
		return
	}
	report, err := h.service.Reconcile(r.Context(), variantID, warehouseID)
	if err != nil && !errors.Is(err, ErrLedgerInconsistency) {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.Consistent() {
		status = http.StatusConflict
	}
	httpx.JSON(w, status, report)
}

func (h *Handler) handleDocumentAudit(w http.ResponseWriter, r *http.Request) {
	if h.trail == nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "audit trail not available")
		return
	}
	ref := chi.URLParam(r, "ref")
	logs, err := h.trail.ListForEntity(r.Context(), auditEntity, ref)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if logs == nil {
		logs = []shared.AuditLog{}
	}
	httpx.JSON(w, http.StatusOK, logs)
}

type inconsistencyProblem struct {
	httpx.ProblemDetail
	Findings []Finding `json:"findings"`
}

// respondError maps ledger errors onto RFC7807 responses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var inc *InconsistencyError
	switch {
	case errors.As(err, &inc):
		h.logger.Error("ledger inconsistency", slog.String("path", r.URL.Path), slog.Bool("integrity_incident", true), slog.Any("error", err))
		httpx.JSON(w, http.StatusInternalServerError, inconsistencyProblem{
			ProblemDetail: httpx.ProblemDetail{Title: "Ledger Inconsistency", Status: http.StatusInternalServerError, Detail: ErrLedgerInconsistency.Error()},
			Findings:      inc.Findings,
		})
	case errors.Is(err, ErrInvalidMovement):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Movement", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateLot):
		httpx.Problem(w, http.StatusConflict, "Duplicate Lot", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Already Posted", err.Error())
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Concurrency Conflict", err.Error())
	case errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrInsufficientLotStock),
		errors.Is(err, ErrNegativeLotQty),
		errors.Is(err, ErrReservationClosed):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Rejected", err.Error())
	default:
		if !errors.Is(err, httpx.ErrValidation) {
			h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func (h *Handler) stockKeyParams(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	q := r.URL.Query()
	variantID, err := strconv.ParseInt(q.Get("variant_id"), 10, 64)
	if err != nil || variantID == 0 {
		h.respondError(w, r, invalidf("variant_id required"))
		return 0, 0, false
	}
	warehouseID, err := strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	if err != nil || warehouseID == 0 {
		h.respondError(w, r, invalidf("warehouse_id required"))
		return 0, 0, false
	}
	return variantID, warehouseID, true
}

func (h *Handler) idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		h.respondError(w, r, invalidf("invalid id"))
		return 0, false
	}
	return id, true
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, invalidf("%s must be YYYY-MM-DD", name)
	}
	return t, nil
}

// actorID reads the acting user forwarded by the gateway.
func actorID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get("X-Actor-ID"), 10, 64)
	return id
}

package stockreport

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-inventory/internal/platform/httpx"
)

// Handler serves the read-only inventory reports.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the report handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers report endpoints. Valuation scans every open layer and
// gets its own per-client limit.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(10, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "report rate limit exceeded")
		}),
	)

	r.Get("/low-stock", h.handleLowStock)
	r.Get("/expiring", h.handleExpiring)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Get("/valuation", h.handleValuation)
	})
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	warehouseID, ok := h.warehouseParam(w, r)
	if !ok {
		return
	}
	threshold := decimal.Zero
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "threshold must be a number")
			return
		}
		threshold = v
	}
	rows, err := h.service.LowStock(r.Context(), LowStockFilter{WarehouseID: warehouseID, Threshold: threshold})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) handleValuation(w http.ResponseWriter, r *http.Request) {
	warehouseID, ok := h.warehouseParam(w, r)
	if !ok {
		return
	}
	valuation, err := h.service.Valuation(r.Context(), warehouseID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, valuation)
}

func (h *Handler) handleExpiring(w http.ResponseWriter, r *http.Request) {
	warehouseID, ok := h.warehouseParam(w, r)
	if !ok {
		return
	}
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "days must be a non-negative integer")
			return
		}
		days = v
	}
	rows, err := h.service.Expiring(r.Context(), days, warehouseID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) warehouseParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("warehouse_id")
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "warehouse_id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrInvalidFilter) {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", err.Error())
		return
	}
	h.logger.Error("report request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}

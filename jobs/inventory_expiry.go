package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-inventory/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-inventory/internal/jobs"
)

// ExpiryReader lists lots by expiry.
type ExpiryReader interface {
	ExpiredLots(ctx context.Context, now time.Time) ([]inventory.Lot, error)
	ExpiringLots(ctx context.Context, now time.Time, days int) ([]inventory.Lot, error)
}

// ExpiryScanJob logs lots that expired or will expire inside the window.
type ExpiryScanJob struct {
	Lots    ExpiryReader
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewExpiryScanJob initialises the expiry scan handler.
func NewExpiryScanJob(lots ExpiryReader, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpiryScanJob {
	return &ExpiryScanJob{
		Lots:    lots,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the scan.
func (j *ExpiryScanJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Lots == nil {
		return errors.New("expiry scan: handler not configured")
	}
	var payload ExpiryScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track("inventory_expiry_scan")
	defer func() {
		err = tracker.End(err)
	}()

	now := time.Now().UTC()
	if j.clock != nil {
		now = j.clock()
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskInventoryExpiryScan))

	expired, err := j.Lots.ExpiredLots(ctx, now)
	if err != nil {
		return err
	}
	expiring, err := j.Lots.ExpiringLots(ctx, now, payload.WindowDays)
	if err != nil {
		return err
	}

	for _, lot := range expired {
		logger.Warn("lot expired with stock on hand", lotAttrs(lot)...)
	}
	for _, lot := range expiring {
		logger.Info("lot expiring soon", lotAttrs(lot)...)
	}
	j.Metrics.SetExpiringLots(len(expired), len(expiring))
	logger.Info("completed expiry scan", slog.Int("expired", len(expired)), slog.Int("expiring", len(expiring)))
	return nil
}

func lotAttrs(lot inventory.Lot) []any {
	attrs := []any{
		slog.Int64("lot_id", lot.ID),
		slog.String("lot_no", lot.LotNo),
		slog.Int64("variant_id", lot.VariantID),
		slog.Int64("warehouse_id", lot.WarehouseID),
		slog.String("qty_on_hand", lot.QtyOnHand.String()),
	}
	if lot.ExpDate != nil {
		attrs = append(attrs, slog.Time("exp_date", *lot.ExpDate))
	}
	return attrs
}

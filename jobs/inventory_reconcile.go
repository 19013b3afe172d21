package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-inventory/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-inventory/internal/jobs"
	"github.com/odyssey-erp/odyssey-inventory/internal/shared"
)

// Reconciler is the part of the inventory service the reconcile job drives.
type Reconciler interface {
	Reconcile(ctx context.Context, variantID, warehouseID int64) (inventory.ReconcileReport, error)
	ReconcileAll(ctx context.Context, concurrency int) ([]inventory.ReconcileReport, error)
}

// ReconcileJob recomputes projections from the ledger. Drift is reported as an
// integrity incident and never corrected, so a run with findings is not retried.
type ReconcileJob struct {
	Reconciler  Reconciler
	Redis       *redis.Client
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Concurrency int
	LockTTL     time.Duration
	clock       func() time.Time
}

// NewReconcileJob initialises the reconcile handler.
func NewReconcileJob(reconciler Reconciler, client *redis.Client, logger *slog.Logger, metrics *jobmetrics.Metrics, concurrency int) *ReconcileJob {
	return &ReconcileJob{
		Reconciler:  reconciler,
		Redis:       client,
		Logger:      logger,
		Metrics:     metrics,
		Concurrency: concurrency,
		LockTTL:     time.Hour,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one reconcile run.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Reconciler == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if (payload.VariantID == 0) != (payload.WarehouseID == 0) {
		return asynq.SkipRetry
	}

	start := j.now()
	tracker := j.Metrics.Track("inventory_reconcile")
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger()
	release, acquired, err := j.lock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Info("reconcile already running, skipping")
		return nil
	}
	defer release()

	var reports []inventory.ReconcileReport
	if payload.VariantID != 0 {
		var report inventory.ReconcileReport
		report, err = j.Reconciler.Reconcile(ctx, payload.VariantID, payload.WarehouseID)
		reports = []inventory.ReconcileReport{report}
	} else {
		reports, err = j.Reconciler.ReconcileAll(ctx, j.Concurrency)
	}
	if err != nil && !errors.Is(err, inventory.ErrLedgerInconsistency) {
		logger.Error("reconcile failed", slog.Any("error", err))
		return err
	}

	inconsistent := 0
	for _, report := range reports {
		if report.Consistent() {
			continue
		}
		inconsistent++
		counts := make(map[string]int)
		for _, f := range report.Findings {
			counts[f.Check]++
			logger.Error("ledger drift detected",
				slog.Bool("integrity_incident", true),
				slog.Int64("variant_id", report.VariantID),
				slog.Int64("warehouse_id", report.WarehouseID),
				slog.String("check", f.Check),
				slog.String("scope", f.Scope),
				slog.String("expected", f.Expected),
				slog.String("actual", f.Actual),
			)
		}
		for check, n := range counts {
			j.Metrics.AddInconsistencies(check, n)
		}
	}

	logger.Info("completed reconcile",
		slog.Int("keys", len(reports)),
		slog.Int("inconsistent", inconsistent),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return nil
}

// lock takes the cluster-wide reconcile lock. Without redis the run is unguarded.
func (j *ReconcileJob) lock(ctx context.Context) (func(), bool, error) {
	if j.Redis == nil {
		return func() {}, true, nil
	}
	key := shared.InventoryReconcileLockKey()
	ttl := j.LockTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	ok, err := j.Redis.SetNX(ctx, key, j.now().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := j.Redis.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
			j.logger().Warn("release reconcile lock", slog.Any("error", err))
		}
	}, true, nil
}

func (j *ReconcileJob) now() time.Time {
	if j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock()
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default().With(slog.String("job", TaskInventoryReconcile))
	}
	return j.Logger.With(slog.String("job", TaskInventoryReconcile))
}

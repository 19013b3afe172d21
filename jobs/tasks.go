package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueEvents carries inventory integration events.
	QueueEvents = "events"

	// TaskInventoryReconcile recomputes projections from the ledger and reports drift.
	TaskInventoryReconcile = "inventory:reconcile"
	// TaskInventoryExpiryScan reports expired and soon-to-expire lots.
	TaskInventoryExpiryScan = "inventory:expiry-scan"
	// TaskIdempotencySweep removes stale document idempotency keys.
	TaskIdempotencySweep = "inventory:idempotency-sweep"
	// TaskInventoryAdjustmentPosted delivers a committed adjustment to consumers.
	TaskInventoryAdjustmentPosted = "inventory:adjustment-posted"
	// TaskInventoryShipmentPosted delivers a committed shipment to consumers.
	TaskInventoryShipmentPosted = "inventory:shipment-posted"
)

// ReconcilePayload scopes a reconcile run. Zero ids mean every known key.
type ReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	VariantID    int64     `json:"variant_id,omitempty"`
	WarehouseID  int64     `json:"warehouse_id,omitempty"`
}

// ExpiryScanPayload configures an expiry scan. Zero days uses the service window.
type ExpiryScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	WindowDays   int       `json:"window_days,omitempty"`
}

// IdempotencySweepPayload configures the retention of idempotency keys.
type IdempotencySweepPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewReconcileTask constructs an Asynq task for the reconcile sweep.
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3), asynq.Timeout(time.Hour)), nil
}

// NewExpiryScanTask constructs an Asynq task for the expiry scan.
func NewExpiryScanTask(payload ExpiryScanPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryExpiryScan, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencySweepTask constructs an Asynq task that prunes idempotency keys.
func NewIdempotencySweepTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencySweepPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencySweep, body, asynq.Queue(QueueDefault)), nil
}

// NewTaskByName builds a maintenance task from its type name with an empty
// payload, as used by manual triggers.
func NewTaskByName(name string, now time.Time) (*asynq.Task, bool, error) {
	switch name {
	case TaskInventoryReconcile:
		task, err := NewReconcileTask(ReconcilePayload{ScheduledFor: now})
		return task, true, err
	case TaskInventoryExpiryScan:
		task, err := NewExpiryScanTask(ExpiryScanPayload{ScheduledFor: now})
		return task, true, err
	case TaskIdempotencySweep:
		task, err := NewIdempotencySweepTask(0)
		return task, true, err
	}
	return nil, false, nil
}

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-inventory/internal/inventory"
)

// Enqueuer submits tasks. *asynq.Client satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EventPublisher forwards committed inventory events to the events queue.
type EventPublisher struct {
	queue Enqueuer
}

// NewEventPublisher constructs the publisher.
func NewEventPublisher(queue Enqueuer) *EventPublisher {
	return &EventPublisher{queue: queue}
}

var _ inventory.IntegrationHandler = (*EventPublisher)(nil)

// HandleInventoryAdjustmentPosted enqueues the adjustment event.
func (p *EventPublisher) HandleInventoryAdjustmentPosted(ctx context.Context, evt inventory.AdjustmentPostedEvent) error {
	return p.publish(ctx, TaskInventoryAdjustmentPosted, evt.OperationID.String(), evt)
}

// HandleInventoryShipmentPosted enqueues the shipment event.
func (p *EventPublisher) HandleInventoryShipmentPosted(ctx context.Context, evt inventory.ShipmentPostedEvent) error {
	return p.publish(ctx, TaskInventoryShipmentPosted, evt.OperationID.String(), evt)
}

func (p *EventPublisher) publish(ctx context.Context, taskType, operationID string, evt any) error {
	if p == nil || p.queue == nil {
		return nil
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskType, body, asynq.Queue(QueueEvents), asynq.TaskID(taskType+":"+operationID))
	if _, err := p.queue.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

// EventLogHandler consumes inventory events on the worker side.
type EventLogHandler struct {
	Logger *slog.Logger
}

// HandleAdjustmentPosted processes TaskInventoryAdjustmentPosted tasks.
func (h EventLogHandler) HandleAdjustmentPosted(ctx context.Context, t *asynq.Task) error {
	var evt inventory.AdjustmentPostedEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return asynq.SkipRetry
	}
	h.logger().Info("inventory adjustment posted",
		slog.String("operation_id", evt.OperationID.String()),
		slog.String("code", evt.Code),
		slog.String("ref_type", string(evt.RefType)),
		slog.Int64("variant_id", evt.VariantID),
		slog.Int64("warehouse_id", evt.WarehouseID),
		slog.String("qty", evt.Qty.String()),
		slog.String("unit_cost", evt.UnitCost.String()),
	)
	return nil
}

// HandleShipmentPosted processes TaskInventoryShipmentPosted tasks.
func (h EventLogHandler) HandleShipmentPosted(ctx context.Context, t *asynq.Task) error {
	var evt inventory.ShipmentPostedEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return asynq.SkipRetry
	}
	for _, line := range evt.Lines {
		h.logger().Info("inventory shipment posted",
			slog.String("operation_id", evt.OperationID.String()),
			slog.String("code", evt.Code),
			slog.Bool("partial", evt.Partial),
			slog.Int64("source_item_id", line.SourceItemID),
			slog.String("qty", line.Qty.String()),
			slog.String("cogs", line.Qty.Mul(line.UnitCost).StringFixed(4)),
		)
	}
	return nil
}

func (h EventLogHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

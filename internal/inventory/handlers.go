package inventory

import "context"

// IntegrationHandler receives inventory events after commit.
type IntegrationHandler interface {
	HandleInventoryAdjustmentPosted(ctx context.Context, evt AdjustmentPostedEvent) error
	HandleInventoryShipmentPosted(ctx context.Context, evt ShipmentPostedEvent) error
}

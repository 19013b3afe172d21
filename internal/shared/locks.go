package shared

// InventoryReconcileLockKey guards the nightly reconcile sweep so only one
// worker runs it at a time.
func InventoryReconcileLockKey() string {
	return "inventory:reconcile:lock"
}

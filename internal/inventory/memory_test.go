package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memoryState struct {
	variants     map[int64]Variant
	warehouses   map[int64]bool
	movements    []Movement
	balances     map[BalanceKey]Balance
	lots         map[int64]Lot
	layers       map[int64]CostLayer
	consumptions []LayerConsumption
	reservations map[int64]Reservation
	locks        map[StockKey]int64
	nextID       int64
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		variants:     make(map[int64]Variant, len(s.variants)),
		warehouses:   make(map[int64]bool, len(s.warehouses)),
		movements:    append([]Movement(nil), s.movements...),
		balances:     make(map[BalanceKey]Balance, len(s.balances)),
		lots:         make(map[int64]Lot, len(s.lots)),
		layers:       make(map[int64]CostLayer, len(s.layers)),
		consumptions: append([]LayerConsumption(nil), s.consumptions...),
		reservations: make(map[int64]Reservation, len(s.reservations)),
		locks:        make(map[StockKey]int64, len(s.locks)),
		nextID:       s.nextID,
	}
	for k, v := range s.variants {
		c.variants[k] = v
	}
	for k, v := range s.warehouses {
		c.warehouses[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.lots {
		c.lots[k] = v
	}
	for k, v := range s.layers {
		c.layers[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.locks {
		c.locks[k] = v
	}
	return c
}

// memoryRepo runs one transaction at a time on a copy of the state and only
// publishes the copy on success.
type memoryRepo struct {
	mu       sync.Mutex
	state    *memoryState
	failNext int
	attempts int
}

type memoryTx struct {
	s *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: &memoryState{
		variants:     map[int64]Variant{},
		warehouses:   map[int64]bool{},
		balances:     map[BalanceKey]Balance{},
		lots:         map[int64]Lot{},
		layers:       map[int64]CostLayer{},
		reservations: map[int64]Reservation{},
		locks:        map[StockKey]int64{},
	}}
}

func (r *memoryRepo) addVariant(v Variant) {
	r.state.variants[v.ID] = v
}

func (r *memoryRepo) addWarehouse(id int64) {
	r.state.warehouses[id] = true
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failNext > 0 {
		r.failNext--
		return fmt.Errorf("%w: injected", ErrConcurrencyConflict)
	}
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{s: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) View(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	snapshot := r.state.clone()
	r.mu.Unlock()
	return fn(ctx, &memoryTx{s: snapshot})
}

func (tx *memoryTx) id() int64 {
	tx.s.nextID++
	return tx.s.nextID
}

func (tx *memoryTx) LockStockKeys(ctx context.Context, keys []StockKey) error {
	for _, k := range sortedKeys(keys) {
		tx.s.locks[k]++
	}
	return nil
}

func (tx *memoryTx) GetVariant(ctx context.Context, id int64) (Variant, error) {
	v, ok := tx.s.variants[id]
	if !ok {
		return Variant{}, ErrNotFound
	}
	return v, nil
}

func (tx *memoryTx) WarehouseExists(ctx context.Context, id int64) (bool, error) {
	return tx.s.warehouses[id], nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	m.ID = tx.id()
	tx.s.movements = append(tx.s.movements, m)
	return m.ID, nil
}

func (tx *memoryTx) SumMovements(ctx context.Context, key BalanceKey) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, m := range tx.s.movements {
		if m.VariantID == key.VariantID && m.WarehouseID == key.WarehouseID && m.LocationID == key.LocationID {
			sum = sum.Add(m.QtyDelta)
		}
	}
	return sum, nil
}

func (tx *memoryTx) SumLotMovements(ctx context.Context, lotID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, m := range tx.s.movements {
		if m.LotID == lotID {
			sum = sum.Add(m.QtyDelta)
		}
	}
	return sum, nil
}

func (tx *memoryTx) ListMovements(ctx context.Context, filter StockCardFilter) ([]Movement, error) {
	out := []Movement{}
	for _, m := range tx.s.movements {
		if m.VariantID != filter.VariantID || m.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.LocationID != nil && m.LocationID != *filter.LocationID {
			continue
		}
		if !filter.From.IsZero() && m.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && m.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	limit := filter.Limit
	if limit == 0 {
		limit = 200
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tx *memoryTx) ListMovementKeys(ctx context.Context, key StockKey) ([]BalanceKey, error) {
	seen := map[int64]bool{}
	out := []BalanceKey{}
	for _, m := range tx.s.movements {
		if m.VariantID == key.VariantID && m.WarehouseID == key.WarehouseID && !seen[m.LocationID] {
			seen[m.LocationID] = true
			out = append(out, BalanceKey{VariantID: key.VariantID, WarehouseID: key.WarehouseID, LocationID: m.LocationID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationID < out[j].LocationID })
	return out, nil
}

func (tx *memoryTx) ListStockKeys(ctx context.Context) ([]StockKey, error) {
	keys := []StockKey{}
	for k := range tx.s.balances {
		keys = append(keys, k.StockKey())
	}
	for _, m := range tx.s.movements {
		keys = append(keys, StockKey{VariantID: m.VariantID, WarehouseID: m.WarehouseID})
	}
	return sortedKeys(keys), nil
}

func (tx *memoryTx) GetBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	b, ok := tx.s.balances[key]
	if !ok {
		return emptyBalance(key), ErrNotFound
	}
	return b, nil
}

func (tx *memoryTx) ListBalances(ctx context.Context, key StockKey) ([]Balance, error) {
	out := []Balance{}
	for k, b := range tx.s.balances {
		if k.StockKey() == key {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationID < out[j].LocationID })
	return out, nil
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, balance Balance) error {
	tx.s.balances[balance.Key()] = balance
	return nil
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	for _, l := range tx.s.lots {
		if l.VariantID == lot.VariantID && l.LotNo == lot.LotNo {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateLot, lot.LotNo)
		}
	}
	lot.ID = tx.id()
	tx.s.lots[lot.ID] = lot
	return lot.ID, nil
}

func (tx *memoryTx) GetLot(ctx context.Context, id int64) (Lot, error) {
	l, ok := tx.s.lots[id]
	if !ok {
		return Lot{}, ErrNotFound
	}
	return l, nil
}

func (tx *memoryTx) UpdateLot(ctx context.Context, lot Lot) error {
	cur, ok := tx.s.lots[lot.ID]
	if !ok {
		return ErrNotFound
	}
	cur.QtyOnHand = lot.QtyOnHand
	cur.QtyReserved = lot.QtyReserved
	cur.Status = lot.Status
	tx.s.lots[lot.ID] = cur
	return nil
}

func (tx *memoryTx) ListLots(ctx context.Context, key StockKey) ([]Lot, error) {
	out := []Lot{}
	for _, l := range tx.s.lots {
		if l.VariantID == key.VariantID && l.WarehouseID == key.WarehouseID {
			out = append(out, l)
		}
	}
	sortFEFO(out)
	return out, nil
}

func (tx *memoryTx) ListLotsExpiringBefore(ctx context.Context, before time.Time) ([]Lot, error) {
	out := []Lot{}
	for _, l := range tx.s.lots {
		if l.QtyOnHand.IsPositive() && l.ExpDate != nil && l.ExpDate.Before(before) {
			out = append(out, l)
		}
	}
	sortFEFO(out)
	return out, nil
}

func (tx *memoryTx) InsertCostLayer(ctx context.Context, layer CostLayer) (int64, error) {
	layer.ID = tx.id()
	tx.s.layers[layer.ID] = layer
	return layer.ID, nil
}

func (tx *memoryTx) scopeLayers(scope CostScope) []CostLayer {
	out := []CostLayer{}
	for _, l := range tx.s.layers {
		if l.VariantID == scope.VariantID && l.WarehouseID == scope.WarehouseID && l.LotID == scope.LotID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (tx *memoryTx) ListCostLayers(ctx context.Context, scope CostScope, includeExhausted bool) ([]CostLayer, error) {
	out := []CostLayer{}
	for _, l := range tx.scopeLayers(scope) {
		if includeExhausted || l.ExhaustedAt == nil {
			out = append(out, l)
		}
	}
	return out, nil
}

func (tx *memoryTx) LastCostLayer(ctx context.Context, scope CostScope) (CostLayer, error) {
	layers := tx.scopeLayers(scope)
	if len(layers) == 0 {
		return CostLayer{}, ErrNotFound
	}
	return layers[len(layers)-1], nil
}

func (tx *memoryTx) UpdateCostLayer(ctx context.Context, layer CostLayer) error {
	cur, ok := tx.s.layers[layer.ID]
	if !ok {
		return ErrNotFound
	}
	cur.QtyRemaining = layer.QtyRemaining
	cur.ExhaustedAt = layer.ExhaustedAt
	tx.s.layers[layer.ID] = cur
	return nil
}

func (tx *memoryTx) InsertLayerConsumptions(ctx context.Context, consumptions []LayerConsumption) error {
	tx.s.consumptions = append(tx.s.consumptions, consumptions...)
	return nil
}

func (tx *memoryTx) InsertReservation(ctx context.Context, r Reservation) (int64, error) {
	r.ID = tx.id()
	tx.s.reservations[r.ID] = r
	return r.ID, nil
}

func (tx *memoryTx) GetReservation(ctx context.Context, id int64) (Reservation, error) {
	r, ok := tx.s.reservations[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return r, nil
}

func (tx *memoryTx) sortedReservations(keep func(Reservation) bool) []Reservation {
	out := []Reservation{}
	for _, r := range tx.s.reservations {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (tx *memoryTx) ListReservationsByItem(ctx context.Context, sourceItemID int64) ([]Reservation, error) {
	return tx.sortedReservations(func(r Reservation) bool { return r.SourceItemID == sourceItemID }), nil
}

func (tx *memoryTx) ListOpenReservations(ctx context.Context, key StockKey) ([]Reservation, error) {
	return tx.sortedReservations(func(r Reservation) bool {
		return r.VariantID == key.VariantID && r.WarehouseID == key.WarehouseID && r.Status.Open()
	}), nil
}

func (tx *memoryTx) UpdateReservation(ctx context.Context, r Reservation) error {
	if _, ok := tx.s.reservations[r.ID]; !ok {
		return ErrNotFound
	}
	tx.s.reservations[r.ID] = r
	return nil
}

// tickingClock advances one second per call so ordering by time is stable.
func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

package stockreport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidFilter marks a report request that cannot be served.
var ErrInvalidFilter = errors.New("stockreport: invalid filter")

// Service builds inventory reports on top of the cache.
type Service struct {
	repo       Repository
	cache      *Cache
	expiryDays int
	now        func() time.Time
}

// NewService wires a Repository with a Cache helper. A nil cache disables caching.
func NewService(repo Repository, cache *Cache, expiryDays int) *Service {
	if expiryDays <= 0 {
		expiryDays = 30
	}
	return &Service{repo: repo, cache: cache, expiryDays: expiryDays, now: func() time.Time { return time.Now().UTC() }}
}

// LowStock lists balances whose available quantity is under the threshold.
func (s *Service) LowStock(ctx context.Context, filter LowStockFilter) ([]LowStockRow, error) {
	if filter.Threshold.IsNegative() {
		return nil, fmt.Errorf("%w: threshold cannot be negative", ErrInvalidFilter)
	}
	var rows []LowStockRow
	err := s.cached(ctx, &rows, func(ctx context.Context) (any, error) {
		out, err := s.repo.LowStock(ctx, filter)
		if out == nil {
			out = []LowStockRow{}
		}
		return out, err
	}, "stockreport", "low_stock", idToken(filter.WarehouseID), filter.Threshold.String())
	return rows, err
}

// Valuation sums remaining FIFO layers at their unit costs.
func (s *Service) Valuation(ctx context.Context, warehouseID int64) (Valuation, error) {
	var out Valuation
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		rows, err := s.repo.ValuationRows(ctx, warehouseID)
		if err != nil {
			return Valuation{}, err
		}
		v := Valuation{WarehouseID: warehouseID, Rows: []ValuationRow{}, TotalQty: decimal.Zero, TotalValue: decimal.Zero, AsOf: s.now()}
		for _, row := range rows {
			row.Value = row.Value.Round(4)
			if row.Qty.IsPositive() {
				row.AvgCost = row.Value.DivRound(row.Qty, 4)
			}
			v.TotalQty = v.TotalQty.Add(row.Qty)
			v.TotalValue = v.TotalValue.Add(row.Value)
			v.Rows = append(v.Rows, row)
		}
		return v, nil
	}, "stockreport", "valuation", idToken(warehouseID))
	return out, err
}

// Expiring lists lots with stock expiring within days. Expired lots are
// included with a negative DaysLeft. A non-positive days uses the default window.
func (s *Service) Expiring(ctx context.Context, days int, warehouseID int64) ([]ExpiringLotRow, error) {
	if days <= 0 {
		days = s.expiryDays
	}
	now := s.now()
	day := now.Format("2006-01-02")
	var rows []ExpiringLotRow
	err := s.cached(ctx, &rows, func(ctx context.Context) (any, error) {
		out, err := s.repo.LotsExpiringBefore(ctx, now.AddDate(0, 0, days).Add(time.Nanosecond), warehouseID)
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i].DaysLeft = int(math.Floor(out[i].ExpDate.Sub(now).Hours() / 24))
		}
		if out == nil {
			out = []ExpiringLotRow{}
		}
		return out, nil
	}, "stockreport", "expiring", idToken(warehouseID), strconv.Itoa(days), day)
	return rows, err
}

func (s *Service) cached(ctx context.Context, dest any, loader func(context.Context) (any, error), parts ...string) error {
	key, err := s.cache.BuildKey(ctx, parts...)
	if err != nil {
		return err
	}
	return s.cache.FetchJSON(ctx, key, dest, loader)
}

func idToken(id int64) string {
	if id == 0 {
		return "all"
	}
	return strconv.FormatInt(id, 10)
}

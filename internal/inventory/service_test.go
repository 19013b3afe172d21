package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-inventory/internal/shared"
)

const (
	plainVariant = int64(1)
	lotVariant   = int64(2)
	mainWH       = int64(1)
	otherWH      = int64(2)
)

var testStart = time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...func(*ServiceConfig)) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	repo.addVariant(Variant{ID: plainVariant, BaseUOMID: 1})
	repo.addVariant(Variant{ID: lotVariant, BaseUOMID: 1, LotTracked: true})
	repo.addWarehouse(mainWH)
	repo.addWarehouse(otherWH)
	cfg := ServiceConfig{MaxRetries: 3, Clock: tickingClock(testStart)}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewService(repo, nil, nil, cfg, nil), repo
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cost(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func receive(t *testing.T, svc *Service, warehouse int64, lines ...ReceiptLine) PostingResult {
	t.Helper()
	res, err := svc.PostReceipt(context.Background(), ReceiptInput{WarehouseID: warehouse, Lines: lines})
	require.NoError(t, err)
	return res
}

func TestFIFOWeightedCost(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("10"), UnitCost: cost("5")})
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("10"), UnitCost: cost("7")})

	m, err := svc.PostAdjustment(ctx, AdjustmentInput{VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("-15")})
	require.NoError(t, err)
	requireDec(t, "5.6667", m.UnitCost.Decimal)
	requireDec(t, "5.67", m.UnitCost.Decimal.Round(2))

	layers, err := svc.ListCostLayers(ctx, CostScope{VariantID: plainVariant, WarehouseID: mainWH}, false)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	requireDec(t, "5", layers[0].QtyRemaining)
	requireDec(t, "7", layers[0].UnitCost)

	all, err := svc.ListCostLayers(ctx, CostScope{VariantID: plainVariant, WarehouseID: mainWH}, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotNil(t, all[0].ExhaustedAt)
}

func TestTwoLotShipmentScenario(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	receive(t, svc, mainWH,
		ReceiptLine{VariantID: lotVariant, Qty: dec("100"), UnitCost: cost("10"),
			NewLot: &LotInput{LotNo: "L1", MfgDate: *date(2024, 6, 1), ExpDate: date(2025, 6, 1)}},
		ReceiptLine{VariantID: lotVariant, Qty: dec("50"), UnitCost: cost("12"),
			NewLot: &LotInput{LotNo: "L2", MfgDate: *date(2024, 6, 1), ExpDate: date(2025, 5, 1)}},
	)
	bal, err := svc.GetBalance(ctx, lotVariant, mainWH, nil)
	require.NoError(t, err)
	requireDec(t, "150", bal.QtyOnHand)

	reservations, err := svc.Allocate(ctx, AllocateInput{SourceItemID: 1, VariantID: lotVariant, WarehouseID: mainWH, Qty: dec("120")})
	require.NoError(t, err)
	require.Len(t, reservations, 2)
	requireDec(t, "50", reservations[0].QtyReserved)
	requireDec(t, "70", reservations[1].QtyReserved)

	bal, err = svc.GetBalance(ctx, lotVariant, mainWH, nil)
	require.NoError(t, err)
	requireDec(t, "30", bal.QtyAvailable)

	result, err := svc.PostShipment(ctx, ShipmentInput{Code: "SHP-1", Lines: []ShipmentLine{{SourceItemID: 1, Qty: dec("120")}}})
	require.NoError(t, err)
	require.Empty(t, result.Warnings)
	require.Len(t, result.Lines, 1)
	requireDec(t, "10.83", result.Lines[0].UnitCost.Round(2))
	require.Len(t, result.Lines[0].MovementIDs, 2)

	bal, err = svc.GetBalance(ctx, lotVariant, mainWH, nil)
	require.NoError(t, err)
	requireDec(t, "30", bal.QtyOnHand)
	requireDec(t, "0", bal.QtyReserved)
	requireDec(t, "30", bal.QtyAvailable)

	lots, err := svc.ListLots(ctx, lotVariant, mainWH)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	require.Equal(t, "L2", lots[0].LotNo)
	requireDec(t, "0", lots[0].QtyOnHand)
	require.Equal(t, LotStatusDepleted, lots[0].Status)
	require.Equal(t, "L1", lots[1].LotNo)
	requireDec(t, "30", lots[1].QtyOnHand)

	for _, r := range reservations {
		got, err := svc.GetReservation(ctx, r.ID)
		require.NoError(t, err)
		require.Equal(t, ReservationConsumed, got.Status)
	}

	report, err := svc.Reconcile(ctx, lotVariant, mainWH)
	require.NoError(t, err)
	require.True(t, report.Consistent())
}

func TestSelectLotsFEFO(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	receive(t, svc, mainWH,
		ReceiptLine{VariantID: lotVariant, Qty: dec("1"), UnitCost: cost("1"), NewLot: &LotInput{LotNo: "NULL", MfgDate: *date(2024, 1, 1)}},
		ReceiptLine{VariantID: lotVariant, Qty: dec("1"), UnitCost: cost("1"), NewLot: &LotInput{LotNo: "MAR", MfgDate: *date(2024, 1, 1), ExpDate: date(2025, 3, 1)}},
		ReceiptLine{VariantID: lotVariant, Qty: dec("1"), UnitCost: cost("1"), NewLot: &LotInput{LotNo: "JAN", MfgDate: *date(2024, 1, 1), ExpDate: date(2025, 1, 1)}},
	)

	picks, err := svc.SelectLots(ctx, lotVariant, mainWH, dec("1"))
	require.NoError(t, err)
	require.Len(t, picks, 1)
	require.Equal(t, "JAN", picks[0].Lot.LotNo)

	picks, err = svc.SelectLots(ctx, lotVariant, mainWH, dec("3"))
	require.NoError(t, err)
	require.Equal(t, []string{"JAN", "MAR", "NULL"}, []string{picks[0].Lot.LotNo, picks[1].Lot.LotNo, picks[2].Lot.LotNo})

	_, err = svc.SelectLots(ctx, lotVariant, mainWH, dec("4"))
	require.ErrorIs(t, err, ErrInsufficientLotStock)
}

func TestExpiredLotsInSelectionAndAllocation(t *testing.T) {
	now := testStart
	svc, _ := newTestService(t, func(cfg *ServiceConfig) {
		cfg.Clock = func() time.Time { return now }
	})
	ctx := context.Background()
	receive(t, svc, mainWH,
		ReceiptLine{VariantID: lotVariant, Qty: dec("1"), UnitCost: cost("1"), NewLot: &LotInput{LotNo: "NULL", MfgDate: *date(2024, 1, 1)}},
		ReceiptLine{VariantID: lotVariant, Qty: dec("1"), UnitCost: cost("1"), NewLot: &LotInput{LotNo: "JAN", MfgDate: *date(2024, 1, 1), ExpDate: date(2025, 1, 1)}},
	)
	now = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	picks, err := svc.SelectLots(ctx, lotVariant, mainWH, dec("1"))
	require.NoError(t, err)
	require.Len(t, picks, 1)
	require.Equal(t, "JAN", picks[0].Lot.LotNo)

	picks, err = svc.SelectLots(ctx, lotVariant, mainWH, dec("2"))
	require.NoError(t, err)
	require.Equal(t, []string{"JAN", "NULL"}, []string{picks[0].Lot.LotNo, picks[1].Lot.LotNo})

	reservations, err := svc.Allocate(ctx, AllocateInput{SourceItemID: 1, VariantID: lotVariant, WarehouseID: mainWH, Qty: dec("1")})
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	lots, err := svc.ListLots(ctx, lotVariant, mainWH)
	require.NoError(t, err)
	byID := map[int64]string{}
	for _, l := range lots {
		byID[l.ID] = l.LotNo
	}
	require.Equal(t, "NULL", byID[reservations[0].LotID])
}

func TestConcurrentShipmentsOnlyOneSucceeds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("10"), UnitCost: cost("2")})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.PostShipment(ctx, ShipmentInput{Lines: []ShipmentLine{{
				SourceItemID: int64(100 + i),
				VariantID:    plainVariant,
				WarehouseID:  mainWH,
				Qty:          dec("10"),
			}}})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrInsufficientStock)
	}
	require.Equal(t, 1, succeeded)

	bal, err := svc.GetBalance(ctx, plainVariant, mainWH, nil)
	require.NoError(t, err)
	requireDec(t, "0", bal.QtyOnHand)
	requireDec(t, "0", bal.QtyReserved)
}

func TestConcurrentAllocationsNeverOverbook(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("10"), UnitCost: cost("2")})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Allocate(ctx, AllocateInput{SourceItemID: int64(i + 1), VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("3")})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, ErrInsufficientStock)
		}
	}
	require.Equal(t, 3, ok)
	bal, err := svc.GetBalance(ctx, plainVariant, mainWH, nil)
	require.NoError(t, err)
	requireDec(t, "9", bal.QtyReserved)
	requireDec(t, "1", bal.QtyAvailable)
}

func TestOutboundRejectedWithoutStock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.PostAdjustment(ctx, AdjustmentInput{VariantID: plainVariant, WarehouseID: otherWH, Qty: dec("-5")})
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = svc.GetBalance(ctx, plainVariant, otherWH, nil)
	require.ErrorIs(t, err, ErrNotFound)
	cards, err := svc.StockCard(ctx, StockCardFilter{VariantID: plainVariant, WarehouseID: otherWH})
	require.NoError(t, err)
	require.Empty(t, cards)
}

func TestAllowNegativeBackfillsDeficit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.PostAdjustment(ctx, AdjustmentInput{VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("-5"), AllowNegative: true})
	require.NoError(t, err)
	bal, err := svc.GetBalance(ctx, plainVariant, mainWH, nil)
	require.NoError(t, err)
	requireDec(t, "-5", bal.QtyOnHand)

	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("8"), UnitCost: cost("4")})
	layers, err := svc.ListCostLayers(ctx, CostScope{VariantID: plainVariant, WarehouseID: mainWH}, false)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	requireDec(t, "3", layers[0].QtyRemaining)

	report, err := svc.Reconcile(ctx, plainVariant, mainWH)
	require.NoError(t, err)
	require.True(t, report.Consistent())
}

func TestRetriesConcurrencyConflict(t *testing.T) {
	svc, repo := newTestService(t)
	repo.failNext = 2

	_, err := svc.PostAdjustment(context.Background(), AdjustmentInput{VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("5"), UnitCost: cost("1")})
	require.NoError(t, err)
	require.Equal(t, 3, repo.attempts)
}

func TestRetriesAreBounded(t *testing.T) {
	svc, repo := newTestService(t, func(cfg *ServiceConfig) { cfg.MaxRetries = 1 })
	repo.failNext = 5

	_, err := svc.PostAdjustment(context.Background(), AdjustmentInput{VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("5")})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.Equal(t, 2, repo.attempts)
}

func TestShortShipmentNeedsPartialFlag(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("10"), UnitCost: cost("3")})
	res, err := svc.Allocate(ctx, AllocateInput{SourceItemID: 7, VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("10")})
	require.NoError(t, err)
	require.Len(t, res, 1)

	_, err = svc.PostShipment(ctx, ShipmentInput{Lines: []ShipmentLine{{SourceItemID: 7, Qty: dec("6")}}})
	require.ErrorIs(t, err, ErrInvalidMovement)
	bal, err := svc.GetBalance(ctx, plainVariant, mainWH, nil)
	require.NoError(t, err)
	requireDec(t, "10", bal.QtyReserved)

	out, err := svc.PostShipment(ctx, ShipmentInput{Partial: true, Lines: []ShipmentLine{{SourceItemID: 7, Qty: dec("6")}}})
	require.NoError(t, err)
	require.Len(t, out.Warnings, 1)
	got, err := svc.GetReservation(ctx, res[0].ID)
	require.NoError(t, err)
	require.Equal(t, ReservationPartiallyConsumed, got.Status)
	requireDec(t, "4", got.QtyRemaining())

	bal, err = svc.GetBalance(ctx, plainVariant, mainWH, nil)
	require.NoError(t, err)
	requireDec(t, "4", bal.QtyOnHand)
	requireDec(t, "4", bal.QtyReserved)
	requireDec(t, "0", bal.QtyAvailable)

	out, err = svc.PostShipment(ctx, ShipmentInput{Partial: true, ReleaseShortage: true, Lines: []ShipmentLine{{SourceItemID: 7, Qty: dec("1")}}})
	require.NoError(t, err)
	require.Len(t, out.Warnings, 1)
	got, err = svc.GetReservation(ctx, res[0].ID)
	require.NoError(t, err)
	require.Equal(t, ReservationReleased, got.Status)

	bal, err = svc.GetBalance(ctx, plainVariant, mainWH, nil)
	require.NoError(t, err)
	requireDec(t, "3", bal.QtyOnHand)
	requireDec(t, "0", bal.QtyReserved)
	requireDec(t, "3", bal.QtyAvailable)

	_, err = svc.PostShipment(ctx, ShipmentInput{Lines: []ShipmentLine{{SourceItemID: 7, Qty: dec("1")}}})
	require.ErrorIs(t, err, ErrInvalidMovement)
}

func TestReleaseReturnsStockOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("5"), UnitCost: cost("1")})
	res, err := svc.Allocate(ctx, AllocateInput{SourceItemID: 3, VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("4")})
	require.NoError(t, err)

	released, err := svc.Release(ctx, ReleaseInput{ReservationID: res[0].ID})
	require.NoError(t, err)
	require.Equal(t, ReservationReleased, released.Status)
	bal, err := svc.GetBalance(ctx, plainVariant, mainWH, nil)
	require.NoError(t, err)
	requireDec(t, "5", bal.QtyAvailable)

	_, err = svc.Release(ctx, ReleaseInput{ReservationID: res[0].ID})
	require.ErrorIs(t, err, ErrReservationClosed)
	_, _, err = svc.ConsumeReservation(ctx, res[0].ID, dec("1"), "", 0)
	require.ErrorIs(t, err, ErrReservationClosed)
}

func TestConsumeReservationPostsShipment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("5"), UnitCost: cost("2.5")})
	res, err := svc.Allocate(ctx, AllocateInput{SourceItemID: 4, VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("5")})
	require.NoError(t, err)

	updated, m, err := svc.ConsumeReservation(ctx, res[0].ID, dec("5"), "SHP-9", 0)
	require.NoError(t, err)
	require.Equal(t, ReservationConsumed, updated.Status)
	require.Equal(t, RefTypeShipment, m.RefType)
	require.Equal(t, "SHP-9", m.RefID)
	requireDec(t, "-5", m.QtyDelta)
	requireDec(t, "2.5", m.UnitCost.Decimal)
}

func TestTransferCarriesCost(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("10"), UnitCost: cost("5")})

	result, err := svc.PostTransfer(ctx, TransferInput{Code: "TRF-1", VariantID: plainVariant, Qty: dec("4"), SrcWarehouseID: mainWH, DstWarehouseID: otherWH})
	require.NoError(t, err)
	require.Len(t, result.Movements, 2)
	require.Equal(t, result.Movements[0].RefID, result.Movements[1].RefID)
	require.Equal(t, result.Movements[0].OperationID, result.Movements[1].OperationID)
	requireDec(t, "5", result.Movements[1].UnitCost.Decimal)

	src, err := svc.GetBalance(ctx, plainVariant, mainWH, nil)
	require.NoError(t, err)
	requireDec(t, "6", src.QtyOnHand)
	dst, err := svc.GetBalance(ctx, plainVariant, otherWH, nil)
	require.NoError(t, err)
	requireDec(t, "4", dst.QtyOnHand)

	layers, err := svc.ListCostLayers(ctx, CostScope{VariantID: plainVariant, WarehouseID: otherWH}, false)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	requireDec(t, "4", layers[0].QtyRemaining)
	requireDec(t, "5", layers[0].UnitCost)

	_, err = svc.PostTransfer(ctx, TransferInput{VariantID: plainVariant, Qty: dec("1"), SrcWarehouseID: mainWH, DstWarehouseID: mainWH})
	require.ErrorIs(t, err, ErrInvalidMovement)
}

func TestTransferWithinWarehouseKeepsLayerOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, LocationID: 1, Qty: dec("10"), UnitCost: cost("5")})
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, LocationID: 1, Qty: dec("10"), UnitCost: cost("7")})

	result, err := svc.PostTransfer(ctx, TransferInput{Code: "TRF-BIN", VariantID: plainVariant, Qty: dec("10"),
		SrcWarehouseID: mainWH, SrcLocationID: 1, DstWarehouseID: mainWH, DstLocationID: 2})
	require.NoError(t, err)
	require.Len(t, result.Movements, 2)
	requireDec(t, "5", result.Movements[0].UnitCost.Decimal)
	requireDec(t, "5", result.Movements[1].UnitCost.Decimal)

	scope := CostScope{VariantID: plainVariant, WarehouseID: mainWH}
	layers, err := svc.ListCostLayers(ctx, scope, false)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	requireDec(t, "5", layers[0].UnitCost)
	requireDec(t, "10", layers[0].QtyRemaining)
	requireDec(t, "7", layers[1].UnitCost)
	requireDec(t, "10", layers[1].QtyRemaining)

	loc1, loc2 := int64(1), int64(2)
	src, err := svc.GetBalance(ctx, plainVariant, mainWH, &loc1)
	require.NoError(t, err)
	requireDec(t, "10", src.QtyOnHand)
	dst, err := svc.GetBalance(ctx, plainVariant, mainWH, &loc2)
	require.NoError(t, err)
	requireDec(t, "10", dst.QtyOnHand)

	issue, err := svc.PostAdjustment(ctx, AdjustmentInput{VariantID: plainVariant, WarehouseID: mainWH, LocationID: 2, Qty: dec("-10")})
	require.NoError(t, err)
	requireDec(t, "5", issue.UnitCost.Decimal)

	layers, err = svc.ListCostLayers(ctx, scope, false)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	requireDec(t, "7", layers[0].UnitCost)

	report, err := svc.Reconcile(ctx, plainVariant, mainWH)
	require.NoError(t, err)
	require.True(t, report.Consistent())
}

func TestTransferBetweenLotsMovesLayers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res := receive(t, svc, mainWH,
		ReceiptLine{VariantID: lotVariant, Qty: dec("5"), UnitCost: cost("3"), NewLot: &LotInput{LotNo: "A", MfgDate: testStart}},
		ReceiptLine{VariantID: lotVariant, Qty: dec("5"), UnitCost: cost("9"), NewLot: &LotInput{LotNo: "B", MfgDate: testStart}},
	)
	lotA, lotB := res.Movements[0].LotID, res.Movements[1].LotID
	require.NotEqual(t, lotA, lotB)

	result, err := svc.PostTransfer(ctx, TransferInput{VariantID: lotVariant, Qty: dec("2"),
		SrcWarehouseID: mainWH, SrcLotID: lotA, DstWarehouseID: mainWH, DstLotID: lotB})
	require.NoError(t, err)
	requireDec(t, "3", result.Movements[1].UnitCost.Decimal)

	layersA, err := svc.ListCostLayers(ctx, CostScope{VariantID: lotVariant, WarehouseID: mainWH, LotID: lotA}, false)
	require.NoError(t, err)
	require.Len(t, layersA, 1)
	requireDec(t, "3", layersA[0].QtyRemaining)

	layersB, err := svc.ListCostLayers(ctx, CostScope{VariantID: lotVariant, WarehouseID: mainWH, LotID: lotB}, false)
	require.NoError(t, err)
	require.Len(t, layersB, 2)
	requireDec(t, "9", layersB[0].UnitCost)
	requireDec(t, "3", layersB[1].UnitCost)
	requireDec(t, "2", layersB[1].QtyRemaining)

	issue, err := svc.PostAdjustment(ctx, AdjustmentInput{VariantID: lotVariant, WarehouseID: mainWH, LotID: lotB, Qty: dec("-6")})
	require.NoError(t, err)
	requireDec(t, "8", issue.UnitCost.Decimal)

	report, err := svc.Reconcile(ctx, lotVariant, mainWH)
	require.NoError(t, err)
	require.True(t, report.Consistent())
}

func TestCountPostsVarianceAsAdjustment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("10"), UnitCost: cost("1")})

	result, err := svc.PostCount(ctx, CountInput{Code: "CNT-1", WarehouseID: mainWH, Lines: []CountLine{{VariantID: plainVariant, CountedQty: dec("7")}}})
	require.NoError(t, err)
	require.Len(t, result.Lines, 1)
	requireDec(t, "10", result.Lines[0].ExpectedQty)
	requireDec(t, "-3", result.Lines[0].Variance)
	require.NotZero(t, result.Lines[0].MovementID)

	cards, err := svc.StockCard(ctx, StockCardFilter{VariantID: plainVariant, WarehouseID: mainWH})
	require.NoError(t, err)
	last := cards[len(cards)-1]
	require.Equal(t, RefTypeAdjustment, last.RefType)
	require.Equal(t, "CNT-1", last.RefID)
	requireDec(t, "7", last.BalanceQty)

	again, err := svc.PostCount(ctx, CountInput{WarehouseID: mainWH, Lines: []CountLine{{VariantID: plainVariant, CountedQty: dec("7")}}})
	require.NoError(t, err)
	require.Zero(t, again.Lines[0].MovementID)
	requireDec(t, "0", again.Lines[0].Variance)
}

func TestCreateLotRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateLot(ctx, LotInput{VariantID: lotVariant, WarehouseID: mainWH, LotNo: "L-9", MfgDate: testStart})
	require.NoError(t, err)
	_, err = svc.CreateLot(ctx, LotInput{VariantID: lotVariant, WarehouseID: mainWH, LotNo: "L-9", MfgDate: testStart})
	require.ErrorIs(t, err, ErrDuplicateLot)
	_, err = svc.CreateLot(ctx, LotInput{VariantID: lotVariant, WarehouseID: otherWH, LotNo: "L-9", MfgDate: testStart})
	require.ErrorIs(t, err, ErrDuplicateLot)

	_, err = svc.CreateLot(ctx, LotInput{VariantID: plainVariant, WarehouseID: mainWH, LotNo: "X", MfgDate: testStart})
	require.ErrorIs(t, err, ErrInvalidMovement)
	_, err = svc.CreateLot(ctx, LotInput{VariantID: lotVariant, WarehouseID: mainWH, LotNo: "BAD", MfgDate: testStart, ExpDate: date(2020, 1, 1)})
	require.ErrorIs(t, err, ErrInvalidMovement)
	sameDay := testStart
	_, err = svc.CreateLot(ctx, LotInput{VariantID: lotVariant, WarehouseID: mainWH, LotNo: "SAME", MfgDate: testStart, ExpDate: &sameDay})
	require.ErrorIs(t, err, ErrInvalidMovement)
}

func TestLotTrackingEnforced(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.PostAdjustment(ctx, AdjustmentInput{VariantID: lotVariant, WarehouseID: mainWH, Qty: dec("1")})
	require.ErrorIs(t, err, ErrInvalidMovement)

	lot, err := svc.CreateLot(ctx, LotInput{VariantID: lotVariant, WarehouseID: mainWH, LotNo: "A", MfgDate: testStart})
	require.NoError(t, err)
	_, err = svc.PostAdjustment(ctx, AdjustmentInput{VariantID: plainVariant, WarehouseID: mainWH, LotID: lot.ID, Qty: dec("1")})
	require.ErrorIs(t, err, ErrInvalidMovement)

	_, err = svc.PostAdjustment(ctx, AdjustmentInput{VariantID: lotVariant, WarehouseID: mainWH, LotID: lot.ID, Qty: dec("2"), UnitCost: cost("1")})
	require.NoError(t, err)
	_, err = svc.PostAdjustment(ctx, AdjustmentInput{VariantID: lotVariant, WarehouseID: mainWH, LotID: lot.ID, Qty: dec("-3"), AllowNegative: true})
	require.ErrorIs(t, err, ErrNegativeLotQty)
}

func TestMultiLineReceiptIsAtomic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.PostReceipt(ctx, ReceiptInput{WarehouseID: mainWH, Lines: []ReceiptLine{
		{VariantID: plainVariant, Qty: dec("5"), UnitCost: cost("1")},
		{VariantID: 99, Qty: dec("5"), UnitCost: cost("1")},
	}})
	require.ErrorIs(t, err, ErrInvalidMovement)

	_, err = svc.GetBalance(ctx, plainVariant, mainWH, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReconcileIsReadOnlyAndIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("8"), UnitCost: cost("2"), LocationID: 4})
	_, err := svc.Allocate(ctx, AllocateInput{SourceItemID: 1, VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("3")})
	require.NoError(t, err)

	first, err := svc.Reconcile(ctx, plainVariant, mainWH)
	require.NoError(t, err)
	second, err := svc.Reconcile(ctx, plainVariant, mainWH)
	require.NoError(t, err)
	require.Equal(t, first.Balances, second.Balances)
	require.Equal(t, first.Findings, second.Findings)

	reports, err := svc.ReconcileAll(ctx, 2)
	require.NoError(t, err)
	require.Len(t, reports, 1)
}

func TestReconcileReportsDriftWithoutCorrecting(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("10"), UnitCost: cost("1")})

	key := BalanceKey{VariantID: plainVariant, WarehouseID: mainWH}
	tampered := repo.state.balances[key]
	tampered.QtyOnHand = dec("11")
	tampered.QtyAvailable = dec("11")
	repo.state.balances[key] = tampered

	report, err := svc.Reconcile(ctx, plainVariant, mainWH)
	require.ErrorIs(t, err, ErrLedgerInconsistency)
	var inc *InconsistencyError
	require.True(t, errors.As(err, &inc))
	checks := map[string]bool{}
	for _, f := range report.Findings {
		checks[f.Check] = true
	}
	require.True(t, checks["on_hand"])

	bal, err := svc.GetBalance(ctx, plainVariant, mainWH, nil)
	require.NoError(t, err)
	requireDec(t, "11", bal.QtyOnHand)

	_, err = svc.ReconcileAll(ctx, 4)
	require.ErrorIs(t, err, ErrLedgerInconsistency)
}

func TestReconcileReportsLotDrift(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	res := receive(t, svc, mainWH,
		ReceiptLine{VariantID: lotVariant, Qty: dec("4"), UnitCost: cost("1"), NewLot: &LotInput{LotNo: "A", MfgDate: testStart}},
		ReceiptLine{VariantID: lotVariant, Qty: dec("6"), UnitCost: cost("1"), NewLot: &LotInput{LotNo: "B", MfgDate: testStart}},
	)
	lotA, lotB := res.Movements[0].LotID, res.Movements[1].LotID

	// shift one unit between lots: the lot total still matches the balance
	a := repo.state.lots[lotA]
	a.QtyOnHand = dec("5")
	repo.state.lots[lotA] = a
	b := repo.state.lots[lotB]
	b.QtyOnHand = dec("5")
	repo.state.lots[lotB] = b

	report, err := svc.Reconcile(ctx, lotVariant, mainWH)
	require.ErrorIs(t, err, ErrLedgerInconsistency)
	drift := map[string]Finding{}
	for _, f := range report.Findings {
		if f.Check == "lot_on_hand" {
			drift[f.Scope] = f
		}
	}
	require.Len(t, drift, 2)
	require.Equal(t, "4", drift["lot=A"].Expected)
	require.Equal(t, "5", drift["lot=A"].Actual)
	require.Equal(t, "6", drift["lot=B"].Expected)
	for _, f := range report.Findings {
		require.NotEqual(t, "lot_total", f.Check)
	}
}

func TestIncomingFollowsPurchaseOrders(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	bal, err := svc.ExpectIncoming(ctx, IncomingInput{PORef: "PO-1", VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("20")})
	require.NoError(t, err)
	requireDec(t, "20", bal.QtyIncoming)

	_, err = svc.PostReceipt(ctx, ReceiptInput{WarehouseID: mainWH, PORef: "PO-1", Lines: []ReceiptLine{{VariantID: plainVariant, Qty: dec("15"), UnitCost: cost("1")}}})
	require.NoError(t, err)
	loc := int64(0)
	bal, err = svc.GetBalance(ctx, plainVariant, mainWH, &loc)
	require.NoError(t, err)
	requireDec(t, "5", bal.QtyIncoming)
	requireDec(t, "15", bal.QtyOnHand)

	_, err = svc.ExpectIncoming(ctx, IncomingInput{PORef: "PO-1", VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("-10")})
	require.ErrorIs(t, err, ErrInvalidMovement)
}

func TestInboundWithoutCostUsesLastKnown(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("2"), UnitCost: cost("9")})

	m, err := svc.PostAdjustment(ctx, AdjustmentInput{VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("1")})
	require.NoError(t, err)
	requireDec(t, "9", m.UnitCost.Decimal)
}

func TestStockCardRunningBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH, ReceiptLine{VariantID: plainVariant, Qty: dec("10"), UnitCost: cost("1")})
	_, err := svc.PostAdjustment(ctx, AdjustmentInput{VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("-3")})
	require.NoError(t, err)
	_, err = svc.PostAdjustment(ctx, AdjustmentInput{VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("1")})
	require.NoError(t, err)

	cards, err := svc.StockCard(ctx, StockCardFilter{VariantID: plainVariant, WarehouseID: mainWH})
	require.NoError(t, err)
	require.Len(t, cards, 3)
	requireDec(t, "10", cards[0].BalanceQty)
	requireDec(t, "3", cards[1].QtyOut)
	requireDec(t, "7", cards[1].BalanceQty)
	requireDec(t, "8", cards[2].BalanceQty)

	from := cards[1].CreatedAt
	tail, err := svc.StockCard(ctx, StockCardFilter{VariantID: plainVariant, WarehouseID: mainWH, From: from})
	require.NoError(t, err)
	require.Len(t, tail, 2)
	requireDec(t, "7", tail[0].BalanceQty)
}

func TestExpiryQueries(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	receive(t, svc, mainWH,
		ReceiptLine{VariantID: lotVariant, Qty: dec("1"), UnitCost: cost("1"), NewLot: &LotInput{LotNo: "OLD", MfgDate: *date(2024, 1, 1), ExpDate: date(2024, 11, 1)}},
		ReceiptLine{VariantID: lotVariant, Qty: dec("1"), UnitCost: cost("1"), NewLot: &LotInput{LotNo: "SOON", MfgDate: *date(2024, 1, 1), ExpDate: date(2024, 12, 20)}},
		ReceiptLine{VariantID: lotVariant, Qty: dec("1"), UnitCost: cost("1"), NewLot: &LotInput{LotNo: "LATER", MfgDate: *date(2024, 1, 1), ExpDate: date(2025, 6, 1)}},
	)

	expired, err := svc.ExpiredLots(ctx, testStart)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "OLD", expired[0].LotNo)

	expiring, err := svc.ExpiringLots(ctx, testStart, 30)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	require.Equal(t, "SOON", expiring[0].LotNo)

	// expired lots are never allocated
	_, err = svc.Allocate(ctx, AllocateInput{SourceItemID: 1, VariantID: lotVariant, WarehouseID: mainWH, Qty: dec("3")})
	require.ErrorIs(t, err, ErrInsufficientLotStock)
}

type recordingIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (r *recordingIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	r.keys[key] = true
	return nil
}

func (r *recordingIdempotency) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
	return nil
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (r *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	r.logs = append(r.logs, log)
	return nil
}

func (r *recordingAudit) ListForEntity(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error) {
	var out []shared.AuditLog
	for _, log := range r.logs {
		if log.Entity == entity && log.EntityID == entityID {
			out = append(out, log)
		}
	}
	return out, nil
}

type recordingIntegration struct {
	adjustments []AdjustmentPostedEvent
	shipments   []ShipmentPostedEvent
}

func (r *recordingIntegration) HandleInventoryAdjustmentPosted(ctx context.Context, evt AdjustmentPostedEvent) error {
	r.adjustments = append(r.adjustments, evt)
	return nil
}

func (r *recordingIntegration) HandleInventoryShipmentPosted(ctx context.Context, evt ShipmentPostedEvent) error {
	r.shipments = append(r.shipments, evt)
	return nil
}

func TestDocumentsPostOnceAndNotifyCollaborators(t *testing.T) {
	repo := newMemoryRepo()
	repo.addVariant(Variant{ID: plainVariant, BaseUOMID: 1})
	repo.addWarehouse(mainWH)
	idem := &recordingIdempotency{keys: map[string]bool{}}
	audit := &recordingAudit{}
	integration := &recordingIntegration{}
	svc := NewService(repo, audit, idem, ServiceConfig{Clock: tickingClock(testStart)}, integration)
	ctx := context.Background()

	_, err := svc.PostAdjustment(ctx, AdjustmentInput{Code: "ADJ-1", VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("5"), UnitCost: cost("2")})
	require.NoError(t, err)
	_, err = svc.PostAdjustment(ctx, AdjustmentInput{Code: "ADJ-1", VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("5"), UnitCost: cost("2")})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	_, err = svc.PostAdjustment(ctx, AdjustmentInput{Code: "ADJ-2", VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("-50")})
	require.ErrorIs(t, err, ErrInsufficientStock)
	_, err = svc.PostAdjustment(ctx, AdjustmentInput{Code: "ADJ-2", VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("-1")})
	require.NoError(t, err)

	_, err = svc.PostShipment(ctx, ShipmentInput{Code: "SHP-1", Lines: []ShipmentLine{{SourceItemID: 9, VariantID: plainVariant, WarehouseID: mainWH, Qty: dec("2")}}})
	require.NoError(t, err)

	require.Len(t, integration.adjustments, 2)
	require.Equal(t, "ADJ-1", integration.adjustments[0].Code)
	require.Len(t, integration.shipments, 1)
	requireDec(t, "2", integration.shipments[0].Lines[0].UnitCost)
	require.Len(t, audit.logs, 3)
	require.Equal(t, "inventory:shipment", audit.logs[2].Action)
}

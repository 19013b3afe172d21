package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-inventory/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	View(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

const auditEntity = "inventory_doc"

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards documents from being posted twice.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ChangeNotifier is told after every committed write so read caches can be dropped.
type ChangeNotifier interface {
	Invalidate(ctx context.Context) error
}

// MetricsRecorder receives ledger operation metrics.
type MetricsRecorder interface {
	ObserveOperation(op string, elapsed time.Duration, err error)
	RecordRetry(op string)
	RecordInconsistency(check string)
}

// Service coordinates inventory operations.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	integration IntegrationHandler
	notifier    ChangeNotifier
	metrics     MetricsRecorder
	logger      *slog.Logger
	maxRetries  int
	expiryDays  int
	now         func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	MaxRetries       int
	ExpiryWindowDays int
	Logger           *slog.Logger
	Metrics          MetricsRecorder
	Notifier         ChangeNotifier
	Clock            func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig, integration IntegrationHandler) *Service {
	svc := &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		integration: integration,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		maxRetries:  cfg.MaxRetries,
		expiryDays:  cfg.ExpiryWindowDays,
		now:         cfg.Clock,
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.maxRetries < 0 {
		svc.maxRetries = 0
	}
	if svc.expiryDays <= 0 {
		svc.expiryDays = 30
	}
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC() }
	}
	return svc
}

// lock serialises the posting against concurrent writers of the same keys.
func (p *posting) lock(ctx context.Context, keys ...StockKey) error {
	return p.tx.LockStockKeys(ctx, keys)
}

// write runs fn in a transaction and re-runs the whole of it on conflict.
func (s *Service) write(ctx context.Context, op string, userID int64, fn func(context.Context, *posting) error) (*posting, error) {
	start := time.Now()
	var p *posting
	var err error
	for attempt := 0; ; attempt++ {
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			p = newPosting(tx, s.now(), userID)
			return fn(ctx, p)
		})
		if err == nil || !Retryable(err) || attempt >= s.maxRetries {
			break
		}
		if s.metrics != nil {
			s.metrics.RecordRetry(op)
		}
		s.logger.Warn("inventory conflict, retrying", slog.String("op", op), slog.Int("attempt", attempt+1), slog.Any("error", err))
		if werr := sleepBackoff(ctx, attempt); werr != nil {
			err = werr
			break
		}
	}
	s.observe(op, start, err)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) view(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return s.repo.View(ctx, fn)
}

func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Duration(attempt+1) * 10 * time.Millisecond
	jitter := time.Duration(rand.Int64N(int64(10 * time.Millisecond)))
	t := time.NewTimer(base + jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, time.Since(start), err)
	}
	var inc *InconsistencyError
	if errors.As(err, &inc) {
		for _, f := range inc.Findings {
			if s.metrics != nil {
				s.metrics.RecordInconsistency(f.Check)
			}
		}
		s.logger.Error("ledger inconsistency", slog.String("op", op), slog.Bool("integrity_incident", true), slog.Any("findings", inc.Findings))
	}
}

// claim reserves the idempotency key of a document. The returned func undoes
// the claim when posting fails.
func (s *Service) claim(ctx context.Context, refType RefType, code string) (func(), error) {
	noop := func() {}
	if s.idempotency == nil || code == "" {
		return noop, nil
	}
	key := fmt.Sprintf("%s:%s", refType, code)
	if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
		return noop, err
	}
	return func() { _ = s.idempotency.Delete(ctx, key) }, nil
}

func (s *Service) committed(ctx context.Context, actorID int64, action, entityID string, meta map[string]any) {
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "inventory:" + action,
			Entity:   auditEntity,
			EntityID: entityID,
			Meta:     meta,
			At:       s.now(),
		}); err != nil {
			s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Invalidate(ctx); err != nil {
			s.logger.Warn("report cache invalidate failed", slog.Any("error", err))
		}
	}
}

func documentCode(prefix, code string, now time.Time) string {
	if code = strings.TrimSpace(code); code != "" {
		return code
	}
	return fmt.Sprintf("%s-%d", prefix, now.UnixNano())
}

// PostReceipt posts a goods receipt. Lots named inline are created in the
// same transaction.
func (s *Service) PostReceipt(ctx context.Context, input ReceiptInput) (PostingResult, error) {
	if input.WarehouseID == 0 {
		return PostingResult{}, invalidf("warehouse required")
	}
	if len(input.Lines) == 0 {
		return PostingResult{}, invalidf("receipt requires at least one line")
	}
	keys := make([]StockKey, 0, len(input.Lines))
	for i, line := range input.Lines {
		if !roundQty(line.Qty).IsPositive() {
			return PostingResult{}, invalidf("line %d: quantity must be positive", i+1)
		}
		if line.LotID != 0 && line.NewLot != nil {
			return PostingResult{}, invalidf("line %d: give either a lot id or a new lot", i+1)
		}
		keys = append(keys, StockKey{VariantID: line.VariantID, WarehouseID: input.WarehouseID})
	}
	code := documentCode("GRN", input.Code, s.now())
	undo, err := s.claim(ctx, RefTypeGRN, input.Code)
	if err != nil {
		return PostingResult{}, err
	}
	p, err := s.write(ctx, "receipt", input.UserID, func(ctx context.Context, p *posting) error {
		if err := p.lock(ctx, keys...); err != nil {
			return err
		}
		for i, line := range input.Lines {
			lotID, location := line.LotID, line.LocationID
			if line.NewLot != nil {
				li := *line.NewLot
				li.VariantID = line.VariantID
				li.WarehouseID = input.WarehouseID
				if li.LocationID == 0 {
					li.LocationID = line.LocationID
				}
				lot, err := p.createLot(ctx, li)
				if err != nil {
					return fmt.Errorf("line %d: %w", i+1, err)
				}
				lotID, location = lot.ID, lot.LocationID
			}
			if _, err := p.record(ctx, movementSpec{
				VariantID:   line.VariantID,
				WarehouseID: input.WarehouseID,
				LocationID:  location,
				LotID:       lotID,
				QtyDelta:    line.Qty,
				UOMID:       line.UOMID,
				UnitCost:    line.UnitCost,
				RefType:     RefTypeGRN,
				RefID:       code,
				Note:        input.Note,
			}); err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			if input.PORef != "" {
				key := BalanceKey{VariantID: line.VariantID, WarehouseID: input.WarehouseID}
				if _, err := p.adjustIncoming(ctx, key, roundQty(line.Qty).Neg(), true); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		undo()
		return PostingResult{}, err
	}
	s.committed(ctx, input.UserID, "receipt", code, map[string]any{
		"warehouse_id": input.WarehouseID,
		"po_ref":       input.PORef,
		"lines":        len(input.Lines),
	})
	return PostingResult{OperationID: p.opID, Movements: p.recorded}, nil
}

// ExpectIncoming books (positive) or cancels (negative) purchase order
// quantity that is expected to arrive.
func (s *Service) ExpectIncoming(ctx context.Context, input IncomingInput) (Balance, error) {
	qty := roundQty(input.Qty)
	if qty.IsZero() {
		return Balance{}, invalidf("incoming quantity must be non zero")
	}
	if strings.TrimSpace(input.PORef) == "" {
		return Balance{}, invalidf("purchase order reference required")
	}
	var bal Balance
	_, err := s.write(ctx, "incoming", input.UserID, func(ctx context.Context, p *posting) error {
		if _, err := p.variant(ctx, input.VariantID); err != nil {
			return err
		}
		if err := p.warehouse(ctx, input.WarehouseID); err != nil {
			return err
		}
		if err := p.lock(ctx, StockKey{VariantID: input.VariantID, WarehouseID: input.WarehouseID}); err != nil {
			return err
		}
		var err error
		bal, err = p.adjustIncoming(ctx, BalanceKey{VariantID: input.VariantID, WarehouseID: input.WarehouseID}, qty, false)
		return err
	})
	if err != nil {
		return Balance{}, err
	}
	s.committed(ctx, input.UserID, "incoming", input.PORef, map[string]any{
		"variant_id":   input.VariantID,
		"warehouse_id": input.WarehouseID,
		"qty":          qty.String(),
	})
	return bal, nil
}

// PostAdjustment posts a signed correction.
func (s *Service) PostAdjustment(ctx context.Context, input AdjustmentInput) (Movement, error) {
	if roundQty(input.Qty).IsZero() {
		return Movement{}, invalidf("adjustment quantity must be non zero")
	}
	code := documentCode("ADJ", input.Code, s.now())
	undo, err := s.claim(ctx, RefTypeAdjustment, input.Code)
	if err != nil {
		return Movement{}, err
	}
	var m Movement
	p, err := s.write(ctx, "adjustment", input.UserID, func(ctx context.Context, p *posting) error {
		if err := p.lock(ctx, StockKey{VariantID: input.VariantID, WarehouseID: input.WarehouseID}); err != nil {
			return err
		}
		var err error
		m, err = p.record(ctx, movementSpec{
			VariantID:     input.VariantID,
			WarehouseID:   input.WarehouseID,
			LocationID:    input.LocationID,
			LotID:         input.LotID,
			QtyDelta:      input.Qty,
			UOMID:         input.UOMID,
			UnitCost:      input.UnitCost,
			RefType:       RefTypeAdjustment,
			RefID:         code,
			Note:          input.Note,
			AllowNegative: input.AllowNegative,
		})
		return err
	})
	if err != nil {
		undo()
		return Movement{}, err
	}
	s.committed(ctx, input.UserID, "adjustment", code, map[string]any{
		"variant_id":   input.VariantID,
		"warehouse_id": input.WarehouseID,
		"qty":          m.QtyDelta.String(),
		"note":         input.Note,
	})
	s.publishAdjustment(ctx, p, code)
	return m, nil
}

func (s *Service) publishAdjustment(ctx context.Context, p *posting, code string) {
	if s.integration == nil {
		return
	}
	for _, m := range p.recorded {
		evt := AdjustmentPostedEvent{
			OperationID: p.opID,
			Code:        code,
			RefType:     m.RefType,
			VariantID:   m.VariantID,
			WarehouseID: m.WarehouseID,
			Qty:         m.QtyDelta,
			UnitCost:    m.UnitCost.Decimal,
			PostedAt:    m.CreatedAt,
		}
		if err := s.integration.HandleInventoryAdjustmentPosted(ctx, evt); err != nil {
			s.logger.Error("publish adjustment event", slog.String("code", code), slog.Any("error", err))
		}
	}
}

// PostTransfer moves stock with an outbound at the source and an inbound at
// the destination carrying the outbound FIFO cost.
func (s *Service) PostTransfer(ctx context.Context, input TransferInput) (PostingResult, error) {
	qty := roundQty(input.Qty)
	if !qty.IsPositive() {
		return PostingResult{}, invalidf("transfer quantity must be positive")
	}
	if input.SrcWarehouseID == 0 || input.DstWarehouseID == 0 {
		return PostingResult{}, invalidf("source and destination warehouse required")
	}
	if input.SrcWarehouseID == input.DstWarehouseID && input.SrcLocationID == input.DstLocationID && input.SrcLotID == input.DstLotID {
		return PostingResult{}, invalidf("source and destination must differ")
	}
	// A move between locations of one warehouse (same lot) does not change
	// the cost scope, so its layers keep their receipt order.
	sameScope := input.SrcWarehouseID == input.DstWarehouseID && input.SrcLotID == input.DstLotID
	code := documentCode("TRF", input.Code, s.now())
	undo, err := s.claim(ctx, RefTypeTransfer, input.Code)
	if err != nil {
		return PostingResult{}, err
	}
	p, err := s.write(ctx, "transfer", input.UserID, func(ctx context.Context, p *posting) error {
		if err := p.lock(ctx,
			StockKey{VariantID: input.VariantID, WarehouseID: input.SrcWarehouseID},
			StockKey{VariantID: input.VariantID, WarehouseID: input.DstWarehouseID},
		); err != nil {
			return err
		}
		out, err := p.record(ctx, movementSpec{
			VariantID:   input.VariantID,
			WarehouseID: input.SrcWarehouseID,
			LocationID:  input.SrcLocationID,
			LotID:       input.SrcLotID,
			QtyDelta:    qty.Neg(),
			RefType:     RefTypeTransfer,
			RefID:       code,
			Note:        strings.TrimSpace(fmt.Sprintf("transfer to %d %s", input.DstWarehouseID, input.Note)),
			KeepLayers:  sameScope,
		})
		if err != nil {
			return err
		}
		_, err = p.record(ctx, movementSpec{
			VariantID:   input.VariantID,
			WarehouseID: input.DstWarehouseID,
			LocationID:  input.DstLocationID,
			LotID:       input.DstLotID,
			QtyDelta:    qty,
			UnitCost:    out.UnitCost,
			RefType:     RefTypeTransfer,
			RefID:       code,
			Note:        strings.TrimSpace(fmt.Sprintf("transfer from %d %s", input.SrcWarehouseID, input.Note)),
			KeepLayers:  sameScope,
		})
		return err
	})
	if err != nil {
		undo()
		return PostingResult{}, err
	}
	s.committed(ctx, input.UserID, "transfer", code, map[string]any{
		"variant_id": input.VariantID,
		"src":        input.SrcWarehouseID,
		"dst":        input.DstWarehouseID,
		"qty":        qty.String(),
	})
	return PostingResult{OperationID: p.opID, Movements: p.recorded}, nil
}

// PostCount compares counted quantities with the ledger under lock and posts
// each variance as an adjustment.
func (s *Service) PostCount(ctx context.Context, input CountInput) (CountResult, error) {
	if input.WarehouseID == 0 {
		return CountResult{}, invalidf("warehouse required")
	}
	if len(input.Lines) == 0 {
		return CountResult{}, invalidf("count requires at least one line")
	}
	keys := make([]StockKey, 0, len(input.Lines))
	for i, line := range input.Lines {
		if line.CountedQty.IsNegative() {
			return CountResult{}, invalidf("line %d: counted quantity cannot be negative", i+1)
		}
		keys = append(keys, StockKey{VariantID: line.VariantID, WarehouseID: input.WarehouseID})
	}
	code := documentCode("CNT", input.Code, s.now())
	undo, err := s.claim(ctx, RefTypeCount, input.Code)
	if err != nil {
		return CountResult{}, err
	}
	var lines []CountResultLine
	p, err := s.write(ctx, "count", input.UserID, func(ctx context.Context, p *posting) error {
		if err := p.lock(ctx, keys...); err != nil {
			return err
		}
		lines = make([]CountResultLine, 0, len(input.Lines))
		for i, line := range input.Lines {
			expected, err := p.countedExpectation(ctx, input.WarehouseID, line)
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			counted := roundQty(line.CountedQty)
			result := CountResultLine{CountLine: line, ExpectedQty: expected, Variance: counted.Sub(expected)}
			if !result.Variance.IsZero() {
				note := "stock count variance"
				if input.Note != "" {
					note = note + ": " + input.Note
				}
				m, err := p.record(ctx, movementSpec{
					VariantID:   line.VariantID,
					WarehouseID: input.WarehouseID,
					LocationID:  line.LocationID,
					LotID:       line.LotID,
					QtyDelta:    result.Variance,
					RefType:     RefTypeAdjustment,
					RefID:       code,
					Note:        note,
				})
				if err != nil {
					return fmt.Errorf("line %d: %w", i+1, err)
				}
				result.MovementID = m.ID
			}
			lines = append(lines, result)
		}
		return nil
	})
	if err != nil {
		undo()
		return CountResult{}, err
	}
	s.committed(ctx, input.UserID, "count", code, map[string]any{
		"warehouse_id": input.WarehouseID,
		"lines":        len(lines),
		"variances":    len(p.recorded),
	})
	s.publishAdjustment(ctx, p, code)
	return CountResult{OperationID: p.opID, Lines: lines}, nil
}

func (p *posting) countedExpectation(ctx context.Context, warehouseID int64, line CountLine) (decimal.Decimal, error) {
	if line.LotID != 0 {
		lot, err := p.tx.GetLot(ctx, line.LotID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return decimal.Zero, invalidf("unknown lot %d", line.LotID)
			}
			return decimal.Zero, err
		}
		if lot.VariantID != line.VariantID || lot.WarehouseID != warehouseID {
			return decimal.Zero, invalidf("lot %s does not belong to variant %d at warehouse %d", lot.LotNo, line.VariantID, warehouseID)
		}
		return lot.QtyOnHand, nil
	}
	bal, err := p.loadBalance(ctx, BalanceKey{VariantID: line.VariantID, WarehouseID: warehouseID, LocationID: line.LocationID})
	if err != nil {
		return decimal.Zero, err
	}
	return bal.QtyOnHand, nil
}

// CreateLot registers a lot with zero quantity.
func (s *Service) CreateLot(ctx context.Context, input LotInput) (Lot, error) {
	var lot Lot
	_, err := s.write(ctx, "create_lot", 0, func(ctx context.Context, p *posting) error {
		if err := p.lock(ctx, StockKey{VariantID: input.VariantID, WarehouseID: input.WarehouseID}); err != nil {
			return err
		}
		var err error
		lot, err = p.createLot(ctx, input)
		return err
	})
	if err != nil {
		return Lot{}, err
	}
	s.committed(ctx, 0, "lot", lot.LotNo, map[string]any{"variant_id": lot.VariantID, "warehouse_id": lot.WarehouseID})
	return lot, nil
}

// Allocate reserves stock for a sales order line.
func (s *Service) Allocate(ctx context.Context, input AllocateInput) ([]Reservation, error) {
	var out []Reservation
	_, err := s.write(ctx, "allocate", input.UserID, func(ctx context.Context, p *posting) error {
		if err := p.lock(ctx, StockKey{VariantID: input.VariantID, WarehouseID: input.WarehouseID}); err != nil {
			return err
		}
		var err error
		out, err = p.allocate(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, input.UserID, "allocate", fmt.Sprintf("so_item:%d", input.SourceItemID), map[string]any{
		"variant_id":   input.VariantID,
		"warehouse_id": input.WarehouseID,
		"qty":          roundQty(input.Qty).String(),
		"reservations": len(out),
	})
	return out, nil
}

// Release cancels an open reservation.
func (s *Service) Release(ctx context.Context, input ReleaseInput) (Reservation, error) {
	var res Reservation
	_, err := s.write(ctx, "release", input.UserID, func(ctx context.Context, p *posting) error {
		current, err := p.openReservation(ctx, input.ReservationID)
		if err != nil {
			return err
		}
		if err := p.lock(ctx, current.BalanceKey().StockKey()); err != nil {
			return err
		}
		res, err = p.releaseReservation(ctx, current)
		return err
	})
	if err != nil {
		return Reservation{}, err
	}
	s.committed(ctx, input.UserID, "release", fmt.Sprintf("reservation:%d", res.ID), map[string]any{"source_item_id": res.SourceItemID})
	return res, nil
}

// ConsumeReservation ships qty against one reservation.
func (s *Service) ConsumeReservation(ctx context.Context, reservationID int64, qty decimal.Decimal, code string, userID int64) (Reservation, Movement, error) {
	ref := documentCode("SHP", code, s.now())
	undo, err := s.claim(ctx, RefTypeShipment, code)
	if err != nil {
		return Reservation{}, Movement{}, err
	}
	var res Reservation
	var m Movement
	_, err = s.write(ctx, "consume", userID, func(ctx context.Context, p *posting) error {
		current, err := p.openReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if err := p.lock(ctx, current.BalanceKey().StockKey()); err != nil {
			return err
		}
		res, m, err = p.consume(ctx, current, qty, ref, "")
		return err
	})
	if err != nil {
		undo()
		return Reservation{}, Movement{}, err
	}
	s.committed(ctx, userID, "shipment", ref, map[string]any{"reservation_id": reservationID, "qty": m.QtyDelta.Neg().String()})
	return res, m, nil
}

// PostShipment consumes reservations for every line of a shipment. A short
// shipment is only accepted when Partial is set and is reported as warnings.
func (s *Service) PostShipment(ctx context.Context, input ShipmentInput) (ShipmentResult, error) {
	if len(input.Lines) == 0 {
		return ShipmentResult{}, invalidf("shipment requires at least one line")
	}
	for i, line := range input.Lines {
		if !roundQty(line.Qty).IsPositive() {
			return ShipmentResult{}, invalidf("line %d: quantity must be positive", i+1)
		}
		if line.SourceItemID == 0 && line.ReservationID == 0 {
			return ShipmentResult{}, invalidf("line %d: source item or reservation required", i+1)
		}
	}
	code := documentCode("SHP", input.Code, s.now())
	undo, err := s.claim(ctx, RefTypeShipment, input.Code)
	if err != nil {
		return ShipmentResult{}, err
	}
	var result ShipmentResult
	p, err := s.write(ctx, "shipment", input.UserID, func(ctx context.Context, p *posting) error {
		result = ShipmentResult{}
		candidates := make([][]Reservation, len(input.Lines))
		var keys []StockKey
		for i, line := range input.Lines {
			open, err := p.shipmentCandidates(ctx, line)
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			candidates[i] = open
			for _, res := range open {
				keys = append(keys, res.BalanceKey().StockKey())
			}
			if len(open) == 0 && line.VariantID != 0 {
				keys = append(keys, StockKey{VariantID: line.VariantID, WarehouseID: line.WarehouseID})
			}
		}
		if err := p.lock(ctx, keys...); err != nil {
			return err
		}
		latest := map[int64]Reservation{}
		for i, line := range input.Lines {
			qty := roundQty(line.Qty)
			open := candidates[i]
			if len(open) == 0 {
				if line.VariantID == 0 {
					return invalidf("line %d: no open reservation for item %d", i+1, line.SourceItemID)
				}
				allocated, err := p.allocate(ctx, AllocateInput{
					SourceItemID: line.SourceItemID,
					VariantID:    line.VariantID,
					WarehouseID:  line.WarehouseID,
					LocationID:   line.LocationID,
					Qty:          qty,
					UserID:       input.UserID,
				})
				if err != nil {
					return fmt.Errorf("line %d: %w", i+1, err)
				}
				open = allocated
			}
			lineResult, warning, err := p.shipLine(ctx, line, qty, open, latest, input, code)
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			result.Lines = append(result.Lines, lineResult)
			if warning != "" {
				result.Warnings = append(result.Warnings, warning)
			}
		}
		return nil
	})
	if err != nil {
		undo()
		return ShipmentResult{}, err
	}
	result.OperationID = p.opID
	s.committed(ctx, input.UserID, "shipment", code, map[string]any{
		"lines":    len(result.Lines),
		"partial":  len(result.Warnings) > 0,
		"warnings": result.Warnings,
	})
	s.publishShipment(ctx, code, input.Partial, result)
	return result, nil
}

func (p *posting) shipmentCandidates(ctx context.Context, line ShipmentLine) ([]Reservation, error) {
	if line.ReservationID != 0 {
		res, err := p.openReservation(ctx, line.ReservationID)
		if err != nil {
			return nil, err
		}
		if line.SourceItemID != 0 && res.SourceItemID != line.SourceItemID {
			return nil, invalidf("reservation %d belongs to item %d", res.ID, res.SourceItemID)
		}
		return []Reservation{res}, nil
	}
	all, err := p.tx.ListReservationsByItem(ctx, line.SourceItemID)
	if err != nil {
		return nil, err
	}
	open := make([]Reservation, 0, len(all))
	for _, res := range all {
		if res.Status.Open() {
			open = append(open, res)
		}
	}
	return open, nil
}

func (p *posting) shipLine(ctx context.Context, line ShipmentLine, qty decimal.Decimal, open []Reservation, latest map[int64]Reservation, input ShipmentInput, code string) (ShipmentResultLine, string, error) {
	for i, res := range open {
		if cur, ok := latest[res.ID]; ok {
			open[i] = cur
		}
	}
	held := decimal.Zero
	for _, res := range open {
		held = held.Add(res.QtyRemaining())
	}
	if qty.GreaterThan(held) {
		return ShipmentResultLine{}, "", invalidf("shipping %s exceeds reserved %s", qty, held)
	}
	short := held.Sub(qty)
	if short.IsPositive() && !input.Partial {
		return ShipmentResultLine{}, "", invalidf("shipping %s of %s reserved requires a partial shipment", qty, held)
	}
	out := ShipmentResultLine{SourceItemID: line.SourceItemID, Qty: qty}
	remaining := qty
	total := decimal.Zero
	for _, res := range open {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(res.QtyRemaining(), remaining)
		if !take.IsPositive() {
			continue
		}
		updated, m, err := p.consume(ctx, res, take, code, input.Note)
		if err != nil {
			return ShipmentResultLine{}, "", err
		}
		latest[updated.ID] = updated
		remaining = remaining.Sub(take)
		total = total.Add(take.Mul(m.UnitCost.Decimal))
		out.MovementIDs = append(out.MovementIDs, m.ID)
		out.Reservations = append(out.Reservations, updated)
		if out.SourceItemID == 0 {
			out.SourceItemID = updated.SourceItemID
		}
	}
	out.UnitCost = weightedCost(total, qty)
	if !short.IsPositive() {
		return out, "", nil
	}
	warning := fmt.Sprintf("item %d: shipped %s of %s reserved", out.SourceItemID, qty, held)
	if input.ReleaseShortage {
		for _, res := range open {
			if cur, ok := latest[res.ID]; ok {
				res = cur
			}
			if !res.Status.Open() {
				continue
			}
			released, err := p.releaseReservation(ctx, res)
			if err != nil {
				return ShipmentResultLine{}, "", err
			}
			latest[released.ID] = released
			out.Reservations = append(out.Reservations, released)
		}
		warning += ", remainder released"
	}
	return out, warning, nil
}

func (s *Service) publishShipment(ctx context.Context, code string, partial bool, result ShipmentResult) {
	if s.integration == nil {
		return
	}
	evt := ShipmentPostedEvent{OperationID: result.OperationID, Code: code, Partial: partial, PostedAt: s.now()}
	for _, line := range result.Lines {
		el := ShipmentEventLine{SourceItemID: line.SourceItemID, Qty: line.Qty, UnitCost: line.UnitCost}
		if len(line.Reservations) > 0 {
			el.VariantID = line.Reservations[0].VariantID
			el.WarehouseID = line.Reservations[0].WarehouseID
		}
		evt.Lines = append(evt.Lines, el)
	}
	if err := s.integration.HandleInventoryShipmentPosted(ctx, evt); err != nil {
		s.logger.Error("publish shipment event", slog.String("code", code), slog.Any("error", err))
	}
}

// GetBalance returns one location balance, or the sum over locations when
// location is nil.
func (s *Service) GetBalance(ctx context.Context, variantID, warehouseID int64, location *int64) (Balance, error) {
	var bal Balance
	err := s.view(ctx, func(ctx context.Context, tx TxRepository) error {
		if location != nil {
			var err error
			bal, err = tx.GetBalance(ctx, BalanceKey{VariantID: variantID, WarehouseID: warehouseID, LocationID: *location})
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: balance variant %d warehouse %d location %d", ErrNotFound, variantID, warehouseID, *location)
			}
			return err
		}
		key := StockKey{VariantID: variantID, WarehouseID: warehouseID}
		balances, err := tx.ListBalances(ctx, key)
		if err != nil {
			return err
		}
		if len(balances) == 0 {
			return fmt.Errorf("%w: balance variant %d warehouse %d", ErrNotFound, variantID, warehouseID)
		}
		bal = sumBalances(key, balances)
		return nil
	})
	return bal, err
}

// ListBalances returns every location balance of a (variant, warehouse).
func (s *Service) ListBalances(ctx context.Context, variantID, warehouseID int64) ([]Balance, error) {
	var out []Balance
	err := s.view(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListBalances(ctx, StockKey{VariantID: variantID, WarehouseID: warehouseID})
		return err
	})
	return out, err
}

// StockCard lists movements of a key with the running balance.
func (s *Service) StockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if filter.WarehouseID == 0 || filter.VariantID == 0 {
		return nil, invalidf("warehouse and variant required")
	}
	var entries []StockCardEntry
	err := s.view(ctx, func(ctx context.Context, tx TxRepository) error {
		opening := decimal.Zero
		if !filter.From.IsZero() {
			prior := filter
			prior.From = time.Time{}
			prior.To = filter.From.Add(-time.Nanosecond)
			prior.Limit = -1
			history, err := tx.ListMovements(ctx, prior)
			if err != nil {
				return err
			}
			for _, m := range history {
				opening = opening.Add(m.QtyDelta)
			}
		}
		movements, err := tx.ListMovements(ctx, filter)
		if err != nil {
			return err
		}
		entries = buildStockCard(opening, movements)
		return nil
	})
	return entries, err
}

func buildStockCard(opening decimal.Decimal, movements []Movement) []StockCardEntry {
	running := opening
	entries := make([]StockCardEntry, 0, len(movements))
	for _, m := range movements {
		running = running.Add(m.QtyDelta)
		entry := StockCardEntry{
			MovementID: m.ID,
			RefType:    m.RefType,
			RefID:      m.RefID,
			LotID:      m.LotID,
			QtyIn:      decimal.Zero,
			QtyOut:     decimal.Zero,
			BalanceQty: running,
			UnitCost:   m.UnitCost,
			Note:       m.Note,
			CreatedAt:  m.CreatedAt,
		}
		if m.Inbound() {
			entry.QtyIn = m.QtyDelta
		} else {
			entry.QtyOut = m.QtyDelta.Neg()
		}
		entries = append(entries, entry)
	}
	return entries
}

// ListLots returns the lots of a (variant, warehouse) in FEFO order.
func (s *Service) ListLots(ctx context.Context, variantID, warehouseID int64) ([]Lot, error) {
	var lots []Lot
	err := s.view(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lots, err = tx.ListLots(ctx, StockKey{VariantID: variantID, WarehouseID: warehouseID})
		return err
	})
	return lots, err
}

// SelectLots previews the FEFO lots that would cover qty. Expired lots are
// ordered first by their expiry date like any other; Allocate is the path
// that skips them.
func (s *Service) SelectLots(ctx context.Context, variantID, warehouseID int64, qty decimal.Decimal) ([]LotPick, error) {
	lots, err := s.ListLots(ctx, variantID, warehouseID)
	if err != nil {
		return nil, err
	}
	return SelectFEFO(lots, roundQty(qty), time.Time{})
}

// ExpiredLots lists lots with stock past their expiry date at now.
func (s *Service) ExpiredLots(ctx context.Context, now time.Time) ([]Lot, error) {
	var lots []Lot
	err := s.view(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lots, err = tx.ListLotsExpiringBefore(ctx, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ExpiredLots(lots, now), nil
}

// ExpiringLots lists lots with stock expiring within days of now. A
// non-positive days uses the configured window.
func (s *Service) ExpiringLots(ctx context.Context, now time.Time, days int) ([]Lot, error) {
	if days <= 0 {
		days = s.expiryDays
	}
	var lots []Lot
	err := s.view(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lots, err = tx.ListLotsExpiringBefore(ctx, now.AddDate(0, 0, days).Add(time.Nanosecond))
		return err
	})
	if err != nil {
		return nil, err
	}
	return ExpiringLots(lots, now, days), nil
}

// ListCostLayers lists the FIFO layers of a cost scope.
func (s *Service) ListCostLayers(ctx context.Context, scope CostScope, includeExhausted bool) ([]CostLayer, error) {
	var layers []CostLayer
	err := s.view(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		layers, err = tx.ListCostLayers(ctx, scope, includeExhausted)
		return err
	})
	return layers, err
}

// GetReservation loads a reservation.
func (s *Service) GetReservation(ctx context.Context, id int64) (Reservation, error) {
	var res Reservation
	err := s.view(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		res, err = tx.GetReservation(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: reservation %d", ErrNotFound, id)
		}
		return err
	})
	return res, err
}

// ListReservations lists every reservation of a sales order line.
func (s *Service) ListReservations(ctx context.Context, sourceItemID int64) ([]Reservation, error) {
	var out []Reservation
	err := s.view(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListReservationsByItem(ctx, sourceItemID)
		return err
	})
	return out, err
}

// Reconcile recomputes a (variant, warehouse) from the ledger. It never
// writes. Findings are returned in the report and as an InconsistencyError.
func (s *Service) Reconcile(ctx context.Context, variantID, warehouseID int64) (ReconcileReport, error) {
	start := time.Now()
	var report ReconcileReport
	err := s.view(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		report, err = reconcileKey(ctx, tx, StockKey{VariantID: variantID, WarehouseID: warehouseID}, s.now())
		return err
	})
	if err == nil {
		err = report.Err()
	}
	s.observe("reconcile", start, err)
	return report, err
}

// ReconcileAll reconciles every known key with at most concurrency workers.
// Reports of inconsistent keys are returned together with an
// InconsistencyError holding all findings.
func (s *Service) ReconcileAll(ctx context.Context, concurrency int) ([]ReconcileReport, error) {
	var keys []StockKey
	if err := s.view(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		keys, err = tx.ListStockKeys(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	reports := make([]ReconcileReport, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, key := range keys {
		g.Go(func() error {
			report, err := s.Reconcile(gctx, key.VariantID, key.WarehouseID)
			if err != nil && !errors.Is(err, ErrLedgerInconsistency) {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var findings []Finding
	for _, r := range reports {
		findings = append(findings, r.Findings...)
	}
	if len(findings) > 0 {
		return reports, &InconsistencyError{Findings: findings}
	}
	return reports, nil
}

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/calendar"
	"agrimarket/internal/core/id"
	"agrimarket/internal/core/tx"
	"agrimarket/internal/core/types"
	"agrimarket/internal/domain/ledger"
	"agrimarket/internal/domain/product"
	"agrimarket/pkg/logger"
	"agrimarket/pkg/metrics"
)

var tracer = otel.Tracer("agrimarket/lifecycle")

// Sweep kinds.
const (
	KindExpirySweep    = "expiry_sweep"
	KindSoldOutCatchUp = "sold_out_catch_up"
)

// errNotEligible marks a product that a sweep listed but that no longer
// qualifies once locked.
var errNotEligible = errors.New("product no longer eligible")

// Service closes batches.
type Service struct {
	products  product.Repository
	entries   ledger.Repository
	history   HistoryRepository
	sales     SalesReader
	txManager tx.Manager
	cal       *calendar.Calendar
}

// NewService creates a new lifecycle service.
func NewService(
	products product.Repository,
	entries ledger.Repository,
	history HistoryRepository,
	sales SalesReader,
	txManager tx.Manager,
	cal *calendar.Calendar,
) *Service {
	return &Service{
		products:  products,
		entries:   entries,
		history:   history,
		sales:     sales,
		txManager: txManager,
		cal:       cal,
	}
}

var _ ledger.DepletionHandler = (*Service)(nil)

// CloseResult is the history row written and the product after reset.
type CloseResult struct {
	History *BatchHistory
	Product *product.Product
}

// ResetForNewBatch closes the current cycle of a product and opens the next one.
//
// History insert and product reset commit together. A product without a
// warehouse entry date has no open cycle, so a repeated call fails with
// BATCH_NOT_OPEN and writes nothing.
func (s *Service) ResetForNewBatch(ctx context.Context, productID id.ID, reason CompletionReason) (*CloseResult, error) {
	if id.IsNil(productID) {
		return nil, apperror.NewValidation("product_id is required")
	}
	if !reason.Valid() {
		return nil, apperror.NewValidation(fmt.Sprintf("unknown completion reason %q", reason))
	}
	return s.reset(ctx, productID, reason, nil)
}

// OnDepleted closes a product the ledger just drove to zero. A product that
// is already closed, or that was restocked in the meantime, is left alone.
func (s *Service) OnDepleted(ctx context.Context, productID id.ID) error {
	_, err := s.reset(ctx, productID, ReasonSoldOut, nil)
	if err == nil || isNotEligible(err) {
		return nil
	}
	return err
}

func (s *Service) reset(ctx context.Context, productID id.ID, reason CompletionReason, guard func(*product.Product, calendar.Day) error) (*CloseResult, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.reset", trace.WithAttributes(
		attribute.String("product.id", productID.String()),
		attribute.String("reason", string(reason)),
	))
	defer span.End()

	now := s.cal.Now()
	today := s.cal.Today()

	var res CloseResult
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		p, err := s.products.GetForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(p, today); err != nil {
				return err
			}
		}
		if err := checkPreconditions(p, reason); err != nil {
			return err
		}

		h, err := s.snapshot(ctx, p, reason, now, today)
		if err != nil {
			return err
		}
		if err := s.history.Insert(ctx, h); err != nil {
			return fmt.Errorf("insert batch history: %w", err)
		}

		reset, applied, err := s.products.ResetBatch(ctx, p.ID, p.BatchNumber)
		if err != nil {
			return fmt.Errorf("reset product: %w", err)
		}
		if !applied {
			return apperror.NewConflict("The batch changed while it was being closed").
				WithDetail("product_id", p.ID.String()).
				WithDetail("batch", p.BatchNumber)
		}

		res = CloseResult{History: h, Product: reset}
		return nil
	})

	outcome := metrics.OutcomeOK
	if err != nil {
		span.RecordError(err)
		outcome = metrics.OutcomeError
		if isNotEligible(err) {
			outcome = metrics.OutcomeSkipped
		}
	}
	metrics.BatchClosures.WithLabelValues(string(reason), outcome).Inc()
	if err != nil {
		return nil, apperror.Normalize("reset batch", err)
	}

	logger.Info(ctx, "batch closed",
		"product_id", productID,
		"batch", res.History.BatchNumber,
		"reason", reason,
		"sold", res.History.SoldQuantity,
		"discarded", res.History.DiscardedQuantity,
		"next_batch", res.Product.BatchNumber,
	)
	return &res, nil
}

func checkPreconditions(p *product.Product, reason CompletionReason) error {
	if !p.HasOpenBatch() {
		return apperror.NewBusinessRule(apperror.CodeBatchNotOpen,
			"The product has no open batch to close").
			WithDetail("product_id", p.ID.String()).
			WithDetail("batch", p.BatchNumber)
	}
	if reason == ReasonSoldOut && p.OnHandQuantity != 0 {
		return apperror.NewBusinessRule(apperror.CodeBatchNotDepleted,
			fmt.Sprintf("A batch can only be closed as sold out at zero stock; %d units are on hand", p.OnHandQuantity)).
			WithDetail("product_id", p.ID.String()).
			WithDetail("on_hand", p.OnHandQuantity)
	}
	return nil
}

// snapshot builds the history row of the open cycle of p.
func (s *Service) snapshot(ctx context.Context, p *product.Product, reason CompletionReason, now time.Time, today calendar.Day) (*BatchHistory, error) {
	from := *p.WarehouseEntryDate
	to := s.cal.EndOf(today)

	var sold int64
	switch reason {
	case ReasonSoldOut:
		// Depletion may bypass the ledger, so the quantities are authoritative here.
		sold = p.ReceivedQuantity - p.OnHandQuantity
	case ReasonExpired:
		n, err := s.entries.SumQuantity(ctx, p.ID, ledger.TypeIssue, from, to)
		if err != nil {
			return nil, fmt.Errorf("sum issues: %w", err)
		}
		sold = n
	}

	sales, err := s.sales.Aggregate(ctx, p.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregate sales: %w", err)
	}

	h := &BatchHistory{
		ID:                 id.New(),
		ProductID:          p.ID,
		BatchNumber:        p.BatchNumber,
		Reason:             reason,
		PlannedQuantity:    p.PlannedQuantity,
		ReceivedQuantity:   p.ReceivedQuantity,
		SoldQuantity:       sold,
		DiscardedQuantity:  p.OnHandQuantity,
		WarehouseEntryDate: from.UTC(),
		CompletedAt:        now.UTC(),
		CompletedDay:       today.String(),
		UnitCost:           p.UnitCost,
		SellPrice:          p.SellPrice,
		FullPriceUnits:     sales.FullPriceUnits,
		FullPriceRevenue:   sales.FullPriceRevenue,
		ClearanceUnits:     sales.ClearanceUnits,
		ClearanceRevenue:   sales.ClearanceRevenue,
		TotalRevenue:       sales.FullPriceRevenue.Add(sales.ClearanceRevenue),
		TotalCost:          types.Amount(p.UnitCost, p.ReceivedQuantity),
	}
	if p.WarehouseEntryDay != nil {
		h.WarehouseEntryDay = *p.WarehouseEntryDay
	}
	if p.ExpiryDate != nil {
		h.ExpiryDate = p.ExpiryDate.UTC()
	}
	if p.ExpiryDay != nil {
		h.ExpiryDay = *p.ExpiryDay
	}
	return h, nil
}

// SweepExpired closes every product with stock left whose expiry day is
// before today. Products are handled one transaction each; a failure is
// recorded in the report and the pass continues.
func (s *Service) SweepExpired(ctx context.Context) (*SweepReport, error) {
	today := s.cal.Today()
	ids, err := s.products.ListExpired(ctx, today.String())
	if err != nil {
		return nil, apperror.Normalize("list expired products", err)
	}

	stillExpired := func(p *product.Product, today calendar.Day) error {
		if p.OnHandQuantity <= 0 || !p.IsExpiredOn(today) {
			return errNotEligible
		}
		return nil
	}
	return s.sweep(ctx, KindExpirySweep, ids, ReasonExpired, stillExpired), nil
}

// CatchUpSoldOut closes products left at zero stock with an open cycle,
// which happens when the post-issue closure did not run or failed.
func (s *Service) CatchUpSoldOut(ctx context.Context) (*SweepReport, error) {
	ids, err := s.products.ListDepletedOpen(ctx)
	if err != nil {
		return nil, apperror.Normalize("list depleted products", err)
	}
	return s.sweep(ctx, KindSoldOutCatchUp, ids, ReasonSoldOut, nil), nil
}

func (s *Service) sweep(ctx context.Context, kind string, ids []id.ID, reason CompletionReason, guard func(*product.Product, calendar.Day) error) *SweepReport {
	start := time.Now()
	report := &SweepReport{Kind: kind, Scanned: len(ids)}

	for _, productID := range ids {
		if ctx.Err() != nil {
			report.Failures = append(report.Failures, SweepFailure{ProductID: productID, Err: ctx.Err()})
			continue
		}

		_, err := s.reset(ctx, productID, reason, guard)
		switch {
		case err == nil:
			report.Closed++
		case isNotEligible(err):
			report.Skipped++
		default:
			report.Failures = append(report.Failures, SweepFailure{ProductID: productID, Err: err})
			logger.Warn(ctx, "batch closure failed during sweep",
				"kind", kind,
				"product_id", productID,
				"error", err,
			)
		}
	}

	report.Duration = time.Since(start)
	metrics.SweepDuration.WithLabelValues(kind).Observe(report.Duration.Seconds())

	logger.Info(ctx, "sweep finished",
		"kind", kind,
		"scanned", report.Scanned,
		"closed", report.Closed,
		"skipped", report.Skipped,
		"failed", len(report.Failures),
		"duration", report.Duration,
	)
	return report
}

// History lists the closed batches of a product, oldest first.
func (s *Service) History(ctx context.Context, productID id.ID) ([]BatchHistory, error) {
	if _, err := s.products.GetByID(ctx, productID); err != nil {
		return nil, apperror.Normalize("list batch history", err)
	}
	rows, err := s.history.ListByProduct(ctx, productID)
	if err != nil {
		return nil, apperror.Normalize("list batch history", err)
	}
	return rows, nil
}

// isNotEligible covers products that moved on between listing and locking:
// already closed, restocked, or no longer expired.
func isNotEligible(err error) bool {
	return errors.Is(err, errNotEligible) ||
		apperror.HasCode(err, apperror.CodeBatchNotOpen) ||
		apperror.HasCode(err, apperror.CodeBatchNotDepleted)
}

package ledger

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/calendar"
	"agrimarket/internal/core/id"
	"agrimarket/internal/core/tx"
	"agrimarket/internal/domain/product"
	"agrimarket/pkg/logger"
	"agrimarket/pkg/metrics"
)

var tracer = otel.Tracer("agrimarket/ledger")

// Service performs RECEIPT and ISSUE operations.
type Service struct {
	products  product.Repository
	entries   Repository
	txManager tx.Manager
	cal       *calendar.Calendar
	depletion DepletionHandler
}

// NewService creates a new ledger service.
func NewService(products product.Repository, entries Repository, txManager tx.Manager, cal *calendar.Calendar) *Service {
	return &Service{
		products:  products,
		entries:   entries,
		txManager: txManager,
		cal:       cal,
	}
}

// SetDepletionHandler installs the post-commit hook run when an ISSUE
// leaves a product at zero.
func (s *Service) SetDepletionHandler(h DepletionHandler) {
	s.depletion = h
}

// ReceiptInput is a warehouse receipt request.
type ReceiptInput struct {
	ActorID   string
	ProductID id.ID
	Quantity  int64
	// ExpiryDate is required on the first receipt of a cycle and rejected afterwards.
	ExpiryDate *calendar.Day
	Note       string
	Reference  *Reference
}

// IssueInput is a stock issue request.
type IssueInput struct {
	ActorID   string
	ProductID id.ID
	Quantity  int64
	Note      string
	Reference *Reference
}

// Result is the committed product state and the ledger row written with it.
type Result struct {
	Product     *product.Product
	Transaction *Transaction
}

// CreateReceipt increments received and on-hand quantities by Quantity.
func (s *Service) CreateReceipt(ctx context.Context, in ReceiptInput) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ledger.receipt", trace.WithAttributes(
		attribute.String("product.id", in.ProductID.String()),
		attribute.Int64("quantity", in.Quantity),
	))
	defer span.End()

	res, err := s.createReceipt(ctx, in)
	s.record(TypeReceipt, in.Quantity, err)
	if err != nil {
		span.RecordError(err)
		return nil, apperror.Normalize("create receipt", err)
	}

	logger.Info(ctx, "receipt committed",
		"product_id", in.ProductID,
		"quantity", in.Quantity,
		"batch", res.Product.BatchNumber,
		"received", res.Product.ReceivedQuantity,
		"on_hand", res.Product.OnHandQuantity,
		"receiving_status", res.Product.ReceivingStatus,
	)
	return res, nil
}

func (s *Service) createReceipt(ctx context.Context, in ReceiptInput) (*Result, error) {
	if err := validate(in.ActorID, in.ProductID, in.Quantity); err != nil {
		return nil, err
	}

	now := s.cal.Now()
	today := s.cal.Today()

	var res Result
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		p, err := s.products.GetByID(ctx, in.ProductID)
		if err != nil {
			return err
		}

		u := product.ReceiptUpdate{
			ProductID:   p.ID,
			Quantity:    in.Quantity,
			BatchNumber: p.BatchNumber,
		}
		if err := s.prepareReceipt(p, in, now, today, &u); err != nil {
			return err
		}
		if p.ReceivedQuantity+in.Quantity > p.PlannedQuantity {
			return apperror.NewExceedsPlanned(p.ID.String(), in.Quantity, p.ReceivedQuantity, p.PlannedQuantity)
		}

		updated, applied, err := s.products.ApplyReceipt(ctx, u)
		if err != nil {
			return fmt.Errorf("apply receipt: %w", err)
		}
		if !applied {
			return s.classifyReceiptMiss(updated, in, u, today)
		}

		entry := newTransaction(p.ID, TypeReceipt, in.Quantity, in.ActorID, updated.BatchNumber, in.Note, in.Reference, now)
		if err := s.entries.Append(ctx, entry); err != nil {
			return fmt.Errorf("append receipt: %w", err)
		}

		res = Result{Product: updated, Transaction: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// prepareReceipt applies the first-receipt and same-day rules to the read
// state and fills the cycle fields of the conditional update.
func (s *Service) prepareReceipt(p *product.Product, in ReceiptInput, now time.Time, today calendar.Day, u *product.ReceiptUpdate) error {
	if !p.HasOpenBatch() {
		if in.ExpiryDate == nil || in.ExpiryDate.IsZero() {
			return apperror.NewBusinessRule(apperror.CodeExpiryRequired,
				"The first receipt of a batch must state an expiry date").
				WithDetail("product_id", p.ID.String()).
				WithDetail("batch", p.BatchNumber)
		}
		if in.ExpiryDate.Before(today) {
			return apperror.NewValidation(fmt.Sprintf("expiry date %s is before today (%s)", in.ExpiryDate, today)).
				WithDetail("expiry_date", in.ExpiryDate.String()).
				WithDetail("today", today.String())
		}
		u.First = true
		u.EntryAt = now
		u.EntryDay = today.String()
		u.ExpiryAt = s.cal.StartOf(*in.ExpiryDate)
		u.ExpiryDay = in.ExpiryDate.String()
		return nil
	}

	if in.ExpiryDate != nil && p.ExpiryDay != nil {
		return expiryAlreadySet(p)
	}
	entryDay, _ := p.EntryDayValue()
	if !entryDay.Equal(today) {
		return apperror.NewReceiptDayMismatch(p.ID.String(), entryDay.String(), today.String())
	}
	u.RequiredDay = today.String()
	return nil
}

// classifyReceiptMiss explains why the conditional update matched nothing,
// using the row as the store left it.
func (s *Service) classifyReceiptMiss(p *product.Product, in ReceiptInput, u product.ReceiptUpdate, today calendar.Day) error {
	if p == nil {
		return apperror.NewNotFound("product", in.ProductID.String())
	}
	if p.BatchNumber != u.BatchNumber {
		return apperror.NewConflict("The batch was closed while the receipt was being recorded").
			WithDetail("product_id", p.ID.String()).
			WithDetail("batch", p.BatchNumber)
	}
	if u.First && p.HasOpenBatch() {
		// Another first receipt won the race.
		return expiryAlreadySet(p)
	}
	if !u.First {
		if entryDay, ok := p.EntryDayValue(); !ok || !entryDay.Equal(today) {
			return apperror.NewReceiptDayMismatch(p.ID.String(), entryDay.String(), today.String())
		}
	}
	return apperror.NewExceedsPlanned(p.ID.String(), in.Quantity, p.ReceivedQuantity, p.PlannedQuantity)
}

// CreateIssue decrements on-hand quantity by Quantity.
//
// When the committed state reaches zero the depletion handler runs after the
// commit. Its failure is logged and left to the catch-up sweep. If the caller
// owns the transaction nothing is committed yet, so the handler is skipped and
// the product is left to the catch-up sweep as well.
func (s *Service) CreateIssue(ctx context.Context, in IssueInput) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ledger.issue", trace.WithAttributes(
		attribute.String("product.id", in.ProductID.String()),
		attribute.Int64("quantity", in.Quantity),
	))
	defer span.End()

	res, err := s.createIssue(ctx, in)
	s.record(TypeIssue, in.Quantity, err)
	if err != nil {
		span.RecordError(err)
		return nil, apperror.Normalize("create issue", err)
	}

	logger.Info(ctx, "issue committed",
		"product_id", in.ProductID,
		"quantity", in.Quantity,
		"batch", res.Product.BatchNumber,
		"on_hand", res.Product.OnHandQuantity,
		"stock_status", res.Product.StockStatus,
	)

	if res.Product.OnHandQuantity == 0 && s.depletion != nil {
		if s.txManager.InTransaction(ctx) {
			logger.Warn(ctx, "issue depleted stock inside caller transaction; batch closure left for catch-up sweep",
				"product_id", in.ProductID,
				"batch", res.Product.BatchNumber,
			)
			return res, nil
		}
		if err := s.depletion.OnDepleted(ctx, in.ProductID); err != nil {
			logger.Error(ctx, "post-issue batch closure failed; left for catch-up sweep",
				"product_id", in.ProductID,
				"batch", res.Product.BatchNumber,
				"error", err,
			)
		}
	}
	return res, nil
}

func (s *Service) createIssue(ctx context.Context, in IssueInput) (*Result, error) {
	if err := validate(in.ActorID, in.ProductID, in.Quantity); err != nil {
		return nil, err
	}

	now := s.cal.Now()

	var res Result
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		updated, applied, err := s.products.ApplyIssue(ctx, in.ProductID, in.Quantity)
		if err != nil {
			return fmt.Errorf("apply issue: %w", err)
		}
		if !applied {
			if updated == nil {
				return apperror.NewNotFound("product", in.ProductID.String())
			}
			return apperror.NewInsufficientStock(in.ProductID.String(), in.Quantity, updated.OnHandQuantity)
		}

		entry := newTransaction(in.ProductID, TypeIssue, in.Quantity, in.ActorID, updated.BatchNumber, in.Note, in.Reference, now)
		if err := s.entries.Append(ctx, entry); err != nil {
			return fmt.Errorf("append issue: %w", err)
		}

		res = Result{Product: updated, Transaction: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// List returns a page of a product's ledger, newest first.
func (s *Service) List(ctx context.Context, productID id.ID, filter ListFilter) ([]Transaction, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, apperror.NewValidation(fmt.Sprintf("unknown transaction type %q", filter.Type))
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if _, err := s.products.GetByID(ctx, productID); err != nil {
		return nil, apperror.Normalize("list transactions", err)
	}
	rows, err := s.entries.ListByProduct(ctx, productID, filter)
	if err != nil {
		return nil, apperror.Normalize("list transactions", err)
	}
	return rows, nil
}

func (s *Service) record(typ TransactionType, qty int64, err error) {
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
		metrics.LedgerQuantity.WithLabelValues(string(typ)).Add(float64(qty))
	case apperror.GetHTTPStatus(err) < 500:
		outcome = metrics.OutcomeRejected
	default:
		outcome = metrics.OutcomeError
	}
	metrics.LedgerOperations.WithLabelValues(string(typ), outcome).Inc()
}

func validate(actorID string, productID id.ID, qty int64) error {
	if actorID == "" {
		return apperror.NewValidation("actor is required")
	}
	if id.IsNil(productID) {
		return apperror.NewValidation("product_id is required")
	}
	if qty <= 0 {
		return apperror.NewValidation("quantity must be a positive integer").
			WithDetail("quantity", qty)
	}
	return nil
}

func expiryAlreadySet(p *product.Product) *apperror.AppError {
	e := apperror.NewBusinessRule(apperror.CodeExpiryAlreadySet,
		"The expiry date of the current batch is already set and cannot be changed").
		WithDetail("product_id", p.ID.String())
	if p.ExpiryDay != nil {
		e.WithDetail("expiry_date", *p.ExpiryDay)
	}
	return e
}

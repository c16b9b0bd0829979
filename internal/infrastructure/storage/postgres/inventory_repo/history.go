package inventory_repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgconn"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/id"
	"agrimarket/internal/core/types"
	"agrimarket/internal/domain/lifecycle"
	"agrimarket/internal/infrastructure/storage/postgres"
)

const (
	historyTable = "product_batch_history"
	salesTable   = "sales_order_lines"

	uniqueViolation = "23505"
)

var historyColumns = postgres.ExtractDBColumns[lifecycle.BatchHistory]()

var (
	_ lifecycle.HistoryRepository = (*HistoryRepo)(nil)
	_ lifecycle.SalesReader       = (*SalesReader)(nil)
)

// HistoryRepo implements lifecycle.HistoryRepository.
type HistoryRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

// NewHistoryRepo creates a new batch history repository.
func NewHistoryRepo(txm *postgres.TxManager) *HistoryRepo {
	return &HistoryRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Insert writes the snapshot. (product_id, batch_number) is unique, so a
// batch can be closed only once.
func (r *HistoryRepo) Insert(ctx context.Context, h *lifecycle.BatchHistory) error {
	sql, args, err := r.builder.Insert(historyTable).
		SetMap(postgres.StructToMap(h)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperror.NewConflict("batch already closed").
				WithDetail("product_id", h.ProductID.String()).
				WithDetail("batch", h.BatchNumber)
		}
		return fmt.Errorf("insert batch history: %w", err)
	}
	return nil
}

func (r *HistoryRepo) ListByProduct(ctx context.Context, productID id.ID) ([]lifecycle.BatchHistory, error) {
	sql, args, err := r.builder.Select(historyColumns...).
		From(historyTable).
		Where(squirrel.Eq{"product_id": productID}).
		OrderBy("batch_number").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows := []lifecycle.BatchHistory{}
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list batch history: %w", err)
	}
	return rows, nil
}

// SalesReader aggregates sales_order_lines, which the order flow owns.
type SalesReader struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

// NewSalesReader creates a new sales aggregate reader.
func NewSalesReader(txm *postgres.TxManager) *SalesReader {
	return &SalesReader{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

type salesRow struct {
	FullPriceUnits   int64       `db:"full_price_units"`
	FullPriceRevenue types.Money `db:"full_price_revenue"`
	ClearanceUnits   int64       `db:"clearance_units"`
	ClearanceRevenue types.Money `db:"clearance_revenue"`
}

func (r *SalesReader) aggregateQuery(productID id.ID, from, to time.Time) squirrel.SelectBuilder {
	return r.builder.Select(
		"COALESCE(SUM(quantity) FILTER (WHERE NOT is_clearance), 0) AS full_price_units",
		"COALESCE(SUM(quantity * unit_price) FILTER (WHERE NOT is_clearance), 0) AS full_price_revenue",
		"COALESCE(SUM(quantity) FILTER (WHERE is_clearance), 0) AS clearance_units",
		"COALESCE(SUM(quantity * unit_price) FILTER (WHERE is_clearance), 0) AS clearance_revenue",
	).
		From(salesTable).
		Where(squirrel.Eq{"product_id": productID}).
		Where(squirrel.GtOrEq{"completed_at": from}).
		Where(squirrel.Lt{"completed_at": to})
}

func (r *SalesReader) Aggregate(ctx context.Context, productID id.ID, from, to time.Time) (lifecycle.SalesSummary, error) {
	sql, args, err := r.aggregateQuery(productID, from, to).ToSql()
	if err != nil {
		return lifecycle.SalesSummary{}, fmt.Errorf("build query: %w", err)
	}
	var row salesRow
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &row, sql, args...); err != nil {
		return lifecycle.SalesSummary{}, fmt.Errorf("aggregate sales: %w", err)
	}
	return lifecycle.SalesSummary(row), nil
}

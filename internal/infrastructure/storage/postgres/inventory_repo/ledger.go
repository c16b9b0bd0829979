package inventory_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"agrimarket/internal/core/id"
	"agrimarket/internal/domain/ledger"
	"agrimarket/internal/infrastructure/storage/postgres"
)

// inventory_transactions rejects UPDATE and DELETE through a trigger.
const transactionsTable = "inventory_transactions"

var transactionColumns = postgres.ExtractDBColumns[ledger.Transaction]()

var _ ledger.Repository = (*LedgerRepo)(nil)

// LedgerRepo implements ledger.Repository.
type LedgerRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

// NewLedgerRepo creates a new ledger repository.
func NewLedgerRepo(txm *postgres.TxManager) *LedgerRepo {
	return &LedgerRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (r *LedgerRepo) Append(ctx context.Context, t *ledger.Transaction) error {
	sql, args, err := r.builder.Insert(transactionsTable).
		SetMap(postgres.StructToMap(t)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *LedgerRepo) sumQuery(productID id.ID, typ ledger.TransactionType, from, to time.Time) squirrel.SelectBuilder {
	return r.builder.Select("COALESCE(SUM(quantity), 0)").
		From(transactionsTable).
		Where(squirrel.Eq{"product_id": productID, "type": string(typ)}).
		Where(squirrel.GtOrEq{"created_at": from}).
		Where(squirrel.Lt{"created_at": to})
}

func (r *LedgerRepo) SumQuantity(ctx context.Context, productID id.ID, typ ledger.TransactionType, from, to time.Time) (int64, error) {
	sql, args, err := r.sumQuery(productID, typ, from, to).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var sum int64
	if err := r.txm.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

func (r *LedgerRepo) listQuery(productID id.ID, filter ledger.ListFilter) squirrel.SelectBuilder {
	q := r.builder.Select(transactionColumns...).
		From(transactionsTable).
		Where(squirrel.Eq{"product_id": productID}).
		OrderBy("created_at DESC", "id DESC")
	if filter.Type != "" {
		q = q.Where(squirrel.Eq{"type": string(filter.Type)})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	return q
}

func (r *LedgerRepo) ListByProduct(ctx context.Context, productID id.ID, filter ledger.ListFilter) ([]ledger.Transaction, error) {
	sql, args, err := r.listQuery(productID, filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows := []ledger.Transaction{}
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return rows, nil
}

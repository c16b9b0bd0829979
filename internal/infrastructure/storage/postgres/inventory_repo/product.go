// Package inventory_repo provides PostgreSQL implementations of the product,
// ledger, stock lock, batch history and sales repositories.
//
// Quantity mutations are single conditional UPDATE ... RETURNING statements.
// Under READ COMMITTED a concurrent writer blocks on the row and then
// re-evaluates the predicate against the committed version, so a predicate
// that no longer holds simply matches zero rows.
package inventory_repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/id"
	"agrimarket/internal/domain/product"
	"agrimarket/internal/infrastructure/storage/postgres"
)

const productsTable = "products"

var productColumns = postgres.ExtractDBColumns[product.Product]()

// Status expressions evaluated against the pre-update row, so each takes the
// delta it is applying. PostgreSQL's SET sees old values on the right-hand side.
const (
	receivingStatusAfterReceipt = "CASE WHEN received_quantity + ? <= 0 THEN 'NOT_RECEIVED' " +
		"WHEN received_quantity + ? >= planned_quantity THEN 'RECEIVED' ELSE 'PARTIAL' END"

	stockStatusAfterDelta = "CASE WHEN on_hand_quantity + ? > 0 THEN 'IN_STOCK' ELSE 'OUT_OF_STOCK' END"

	receivingStatusForPlan = "CASE WHEN received_quantity <= 0 THEN 'NOT_RECEIVED' " +
		"WHEN received_quantity >= ? THEN 'RECEIVED' ELSE 'PARTIAL' END"
)

var _ product.Repository = (*ProductRepo)(nil)

// ProductRepo implements product.Repository.
type ProductRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

// NewProductRepo creates a new product repository.
func NewProductRepo(txm *postgres.TxManager) *ProductRepo {
	return &ProductRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func returning() string {
	return "RETURNING " + strings.Join(productColumns, ", ")
}

func (r *ProductRepo) Create(ctx context.Context, p *product.Product) error {
	sql, args, err := r.builder.Insert(productsTable).
		SetMap(postgres.StructToMap(p)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (r *ProductRepo) GetByID(ctx context.Context, productID id.ID) (*product.Product, error) {
	return r.get(ctx, productID, false)
}

func (r *ProductRepo) GetForUpdate(ctx context.Context, productID id.ID) (*product.Product, error) {
	if r.txm.GetTx(ctx) == nil {
		return nil, apperror.NewInternal(errors.New("GetForUpdate requires a transaction"))
	}
	return r.get(ctx, productID, true)
}

// lockQuery locks rows in id order; FOR UPDATE applies after the sort.
func (r *ProductRepo) lockQuery(ids []id.ID) squirrel.SelectBuilder {
	return r.builder.Select("id").
		From(productsTable).
		Where(squirrel.Eq{"id": ids}).
		OrderBy("id").
		Suffix("FOR UPDATE")
}

func (r *ProductRepo) LockForUpdate(ctx context.Context, ids []id.ID) error {
	if r.txm.GetTx(ctx) == nil {
		return apperror.NewInternal(errors.New("LockForUpdate requires a transaction"))
	}
	if len(ids) == 0 {
		return nil
	}

	sql, args, err := r.lockQuery(ids).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	rows, err := r.txm.GetQuerier(ctx).Query(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("lock products: %w", err)
	}
	rows.Close()
	return rows.Err()
}

func (r *ProductRepo) get(ctx context.Context, productID id.ID, forUpdate bool) (*product.Product, error) {
	q := r.builder.Select(productColumns...).
		From(productsTable).
		Where(squirrel.Eq{"id": productID})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var p product.Product
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &p, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("product", productID.String())
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

func (r *ProductRepo) UpdatePlan(ctx context.Context, u product.PlanUpdate) (*product.Product, bool, error) {
	q := r.builder.Update(productsTable).
		Set("planned_quantity", u.Planned).
		Set("unit_cost", u.UnitCost).
		Set("sell_price", u.SellPrice).
		Set("receiving_status", squirrel.Expr(receivingStatusForPlan, u.Planned)).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": u.ProductID}).
		Where(squirrel.LtOrEq{"received_quantity": u.Planned})
	return r.conditional(ctx, u.ProductID, q)
}

// receiptUpdate builds the conditional receipt statement.
func (r *ProductRepo) receiptUpdate(u product.ReceiptUpdate) squirrel.UpdateBuilder {
	q := r.builder.Update(productsTable).
		Set("received_quantity", squirrel.Expr("received_quantity + ?", u.Quantity)).
		Set("on_hand_quantity", squirrel.Expr("on_hand_quantity + ?", u.Quantity)).
		Set("receiving_status", squirrel.Expr(receivingStatusAfterReceipt, u.Quantity, u.Quantity)).
		Set("stock_status", squirrel.Expr(stockStatusAfterDelta, u.Quantity)).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": u.ProductID, "batch_number": u.BatchNumber}).
		Where(squirrel.Expr("received_quantity + ? <= planned_quantity", u.Quantity))

	if u.First {
		return q.
			Set("warehouse_entry_date", u.EntryAt).
			Set("warehouse_entry_day", u.EntryDay).
			Set("expiry_date", u.ExpiryAt).
			Set("expiry_day", u.ExpiryDay).
			Where(squirrel.Eq{"warehouse_entry_date": nil})
	}
	return q.Where(squirrel.Eq{"warehouse_entry_day": u.RequiredDay})
}

func (r *ProductRepo) ApplyReceipt(ctx context.Context, u product.ReceiptUpdate) (*product.Product, bool, error) {
	return r.conditional(ctx, u.ProductID, r.receiptUpdate(u))
}

func (r *ProductRepo) issueUpdate(productID id.ID, qty int64) squirrel.UpdateBuilder {
	return r.builder.Update(productsTable).
		Set("on_hand_quantity", squirrel.Expr("on_hand_quantity - ?", qty)).
		Set("stock_status", squirrel.Expr(stockStatusAfterDelta, -qty)).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": productID}).
		Where(squirrel.Expr("on_hand_quantity - ? >= 0", qty))
}

func (r *ProductRepo) ApplyIssue(ctx context.Context, productID id.ID, qty int64) (*product.Product, bool, error) {
	return r.conditional(ctx, productID, r.issueUpdate(productID, qty))
}

func (r *ProductRepo) resetUpdate(productID id.ID, expectedBatch int) squirrel.UpdateBuilder {
	return r.builder.Update(productsTable).
		SetMap(map[string]any{
			"planned_quantity":     0,
			"received_quantity":    0,
			"on_hand_quantity":     0,
			"reserved_quantity":    0,
			"warehouse_entry_date": nil,
			"warehouse_entry_day":  nil,
			"expiry_date":          nil,
			"expiry_day":           nil,
			"receiving_status":     string(product.ReceivingNotReceived),
			"stock_status":         string(product.StockOut),
			"batch_number":         squirrel.Expr("batch_number + 1"),
			"updated_at":           squirrel.Expr("now()"),
		}).
		Where(squirrel.Eq{"id": productID, "batch_number": expectedBatch}).
		Where(squirrel.NotEq{"warehouse_entry_date": nil})
}

func (r *ProductRepo) ResetBatch(ctx context.Context, productID id.ID, expectedBatch int) (*product.Product, bool, error) {
	return r.conditional(ctx, productID, r.resetUpdate(productID, expectedBatch))
}

// conditional runs an UPDATE ... RETURNING. Zero matched rows means the
// predicate failed; the current row (nil when missing) is returned with
// applied=false.
func (r *ProductRepo) conditional(ctx context.Context, productID id.ID, q squirrel.UpdateBuilder) (*product.Product, bool, error) {
	sql, args, err := q.Suffix(returning()).ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build update: %w", err)
	}

	var p product.Product
	err = pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &p, sql, args...)
	if err == nil {
		return &p, true, nil
	}
	if !pgxscan.NotFound(err) {
		return nil, false, fmt.Errorf("update product: %w", err)
	}

	current, err := r.GetByID(ctx, productID)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return current, false, nil
}

func (r *ProductRepo) expiredQuery(today string) squirrel.SelectBuilder {
	return r.builder.Select("id").
		From(productsTable).
		Where(squirrel.Gt{"on_hand_quantity": 0}).
		Where(squirrel.Lt{"expiry_day": today}).
		OrderBy("id")
}

func (r *ProductRepo) ListExpired(ctx context.Context, today string) ([]id.ID, error) {
	return r.listIDs(ctx, r.expiredQuery(today))
}

func (r *ProductRepo) depletedOpenQuery() squirrel.SelectBuilder {
	return r.builder.Select("id").
		From(productsTable).
		Where(squirrel.Eq{"on_hand_quantity": 0}).
		Where(squirrel.NotEq{"warehouse_entry_date": nil}).
		OrderBy("id")
}

func (r *ProductRepo) ListDepletedOpen(ctx context.Context) ([]id.ID, error) {
	return r.listIDs(ctx, r.depletedOpenQuery())
}

func (r *ProductRepo) listIDs(ctx context.Context, q squirrel.SelectBuilder) ([]id.ID, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var ids []id.ID
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &ids, sql, args...); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return ids, nil
}

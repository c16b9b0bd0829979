package inventory_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"agrimarket/internal/core/id"
	"agrimarket/internal/domain/reservation"
	"agrimarket/internal/infrastructure/storage/postgres"
)

const locksTable = "stock_locks"

var lockColumns = postgres.ExtractDBColumns[reservation.StockLock]()

var _ reservation.Repository = (*LockRepo)(nil)

// LockRepo implements reservation.Repository.
type LockRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

// NewLockRepo creates a new stock lock repository.
func NewLockRepo(txm *postgres.TxManager) *LockRepo {
	return &LockRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// live is the predicate every reader applies: unreleased and not yet expired.
func live(now time.Time) squirrel.Sqlizer {
	return squirrel.And{
		squirrel.Eq{"released_at": nil},
		squirrel.Gt{"expires_at": now},
	}
}

func (r *LockRepo) FindLive(ctx context.Context, userID string, productID id.ID, sessionID string, now time.Time) (*reservation.StockLock, error) {
	q := r.builder.Select(lockColumns...).
		From(locksTable).
		Where(squirrel.Eq{"user_id": userID, "product_id": productID, "session_id": sessionID}).
		Where(live(now)).
		OrderBy("created_at DESC").
		Limit(1)
	return r.getOne(ctx, q)
}

func (r *LockRepo) cooldownQuery(userID string, productID id.ID, sessionID string, now time.Time) squirrel.SelectBuilder {
	return r.builder.Select(lockColumns...).
		From(locksTable).
		Where(squirrel.Eq{"user_id": userID, "product_id": productID, "released_at": nil}).
		Where(squirrel.Gt{"cooldown_until": now}).
		Where(squirrel.Or{
			squirrel.NotEq{"session_id": sessionID},
			squirrel.LtOrEq{"expires_at": now},
		}).
		OrderBy("cooldown_until DESC").
		Limit(1)
}

func (r *LockRepo) FindCooldownBlocking(ctx context.Context, userID string, productID id.ID, sessionID string, now time.Time) (*reservation.StockLock, error) {
	return r.getOne(ctx, r.cooldownQuery(userID, productID, sessionID, now))
}

func (r *LockRepo) getOne(ctx context.Context, q squirrel.SelectBuilder) (*reservation.StockLock, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var l reservation.StockLock
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &l, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get stock lock: %w", err)
	}
	return &l, nil
}

func (r *LockRepo) countQuery(userID string, productID id.ID, since time.Time) squirrel.SelectBuilder {
	return r.builder.Select("COUNT(*)").
		From(locksTable).
		Where(squirrel.Eq{"user_id": userID, "product_id": productID, "released_at": nil}).
		Where(squirrel.GtOrEq{"created_at": since})
}

func (r *LockRepo) CountCreatedSince(ctx context.Context, userID string, productID id.ID, since time.Time) (int, error) {
	sql, args, err := r.countQuery(userID, productID, since).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var n int
	if err := r.txm.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stock locks: %w", err)
	}
	return n, nil
}

func (r *LockRepo) sumLiveQuery(productID id.ID, now time.Time, excludeUserID string) squirrel.SelectBuilder {
	q := r.builder.Select("COALESCE(SUM(quantity), 0)").
		From(locksTable).
		Where(squirrel.Eq{"product_id": productID}).
		Where(live(now))
	if excludeUserID != "" {
		q = q.Where(squirrel.NotEq{"user_id": excludeUserID})
	}
	return q
}

func (r *LockRepo) SumLiveQuantity(ctx context.Context, productID id.ID, now time.Time, excludeUserID string) (int64, error) {
	sql, args, err := r.sumLiveQuery(productID, now, excludeUserID).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var sum int64
	if err := r.txm.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum stock locks: %w", err)
	}
	return sum, nil
}

func (r *LockRepo) Insert(ctx context.Context, l *reservation.StockLock) error {
	sql, args, err := r.builder.Insert(locksTable).
		SetMap(postgres.StructToMap(l)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert stock lock: %w", err)
	}
	return nil
}

func (r *LockRepo) ReleaseOtherSessions(ctx context.Context, userID string, productID id.ID, sessionID string, now time.Time) (int, error) {
	q := r.builder.Update(locksTable).
		Set("released_at", now).
		Where(squirrel.Eq{"user_id": userID, "product_id": productID}).
		Where(squirrel.NotEq{"session_id": sessionID}).
		Where(live(now))
	return r.exec(ctx, q)
}

func (r *LockRepo) ReleaseSession(ctx context.Context, userID, sessionID string, now time.Time) (int, error) {
	q := r.builder.Update(locksTable).
		Set("released_at", now).
		Where(squirrel.Eq{"user_id": userID, "session_id": sessionID}).
		Where(live(now))
	return r.exec(ctx, q)
}

func (r *LockRepo) exec(ctx context.Context, q squirrel.Sqlizer) (int, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build statement: %w", err)
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("update stock locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *LockRepo) ListLiveBySession(ctx context.Context, userID, sessionID string, now time.Time) ([]reservation.StockLock, error) {
	sql, args, err := r.builder.Select(lockColumns...).
		From(locksTable).
		Where(squirrel.Eq{"user_id": userID, "session_id": sessionID}).
		Where(live(now)).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows := []reservation.StockLock{}
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list stock locks: %w", err)
	}
	return rows, nil
}

func (r *LockRepo) purgeQuery(now, createdBefore time.Time) squirrel.DeleteBuilder {
	return r.builder.Delete(locksTable).
		Where(squirrel.Lt{"created_at": createdBefore}).
		Where(squirrel.Or{
			squirrel.NotEq{"released_at": nil},
			squirrel.And{
				squirrel.LtOrEq{"expires_at": now},
				squirrel.LtOrEq{"cooldown_until": now},
			},
		})
}

func (r *LockRepo) PurgeStale(ctx context.Context, now, createdBefore time.Time) (int64, error) {
	sql, args, err := r.purgeQuery(now, createdBefore).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("purge stock locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

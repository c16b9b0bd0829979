package memory

import (
	"context"
	"sort"
	"time"

	"agrimarket/internal/core/id"
	"agrimarket/internal/domain/reservation"
)

var _ reservation.Repository = (*LockRepo)(nil)

// LockRepo implements reservation.Repository.
type LockRepo struct {
	s *Store
}

func (r *LockRepo) FindLive(ctx context.Context, userID string, productID id.ID, sessionID string, now time.Time) (*reservation.StockLock, error) {
	defer r.s.acquire(ctx)()
	for _, l := range r.s.locks {
		if l.UserID == userID && l.ProductID == productID && l.SessionID == sessionID && l.IsLive(now) {
			return cloneLock(l), nil
		}
	}
	return nil, nil
}

func (r *LockRepo) FindCooldownBlocking(ctx context.Context, userID string, productID id.ID, sessionID string, now time.Time) (*reservation.StockLock, error) {
	defer r.s.acquire(ctx)()
	var found *reservation.StockLock
	for _, l := range r.s.locks {
		if l.UserID != userID || l.ProductID != productID || !l.BlocksWithCooldown(sessionID, now) {
			continue
		}
		if found == nil || l.CooldownUntil.After(found.CooldownUntil) {
			found = l
		}
	}
	if found == nil {
		return nil, nil
	}
	return cloneLock(found), nil
}

func (r *LockRepo) CountCreatedSince(ctx context.Context, userID string, productID id.ID, since time.Time) (int, error) {
	defer r.s.acquire(ctx)()
	n := 0
	for _, l := range r.s.locks {
		if l.UserID == userID && l.ProductID == productID && l.ReleasedAt == nil && !l.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *LockRepo) SumLiveQuantity(ctx context.Context, productID id.ID, now time.Time, excludeUserID string) (int64, error) {
	defer r.s.acquire(ctx)()
	var sum int64
	for _, l := range r.s.locks {
		if l.ProductID != productID || !l.IsLive(now) {
			continue
		}
		if excludeUserID != "" && l.UserID == excludeUserID {
			continue
		}
		sum += l.Quantity
	}
	return sum, nil
}

func (r *LockRepo) Insert(ctx context.Context, l *reservation.StockLock) error {
	defer r.s.acquire(ctx)()
	r.s.locks[l.ID] = cloneLock(l)
	return nil
}

func (r *LockRepo) ReleaseOtherSessions(ctx context.Context, userID string, productID id.ID, sessionID string, now time.Time) (int, error) {
	return r.release(ctx, now, func(l *reservation.StockLock) bool {
		return l.UserID == userID && l.ProductID == productID && l.SessionID != sessionID
	})
}

func (r *LockRepo) ReleaseSession(ctx context.Context, userID, sessionID string, now time.Time) (int, error) {
	return r.release(ctx, now, func(l *reservation.StockLock) bool {
		return l.UserID == userID && l.SessionID == sessionID
	})
}

func (r *LockRepo) release(ctx context.Context, now time.Time, match func(*reservation.StockLock) bool) (int, error) {
	defer r.s.acquire(ctx)()
	n := 0
	for _, l := range r.s.locks {
		if l.IsLive(now) && match(l) {
			at := now.UTC()
			l.ReleasedAt = &at
			n++
		}
	}
	return n, nil
}

func (r *LockRepo) ListLiveBySession(ctx context.Context, userID, sessionID string, now time.Time) ([]reservation.StockLock, error) {
	defer r.s.acquire(ctx)()
	var rows []reservation.StockLock
	for _, l := range r.s.locks {
		if l.UserID == userID && l.SessionID == sessionID && l.IsLive(now) {
			rows = append(rows, *cloneLock(l))
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	return rows, nil
}

func (r *LockRepo) PurgeStale(ctx context.Context, now, createdBefore time.Time) (int64, error) {
	defer r.s.acquire(ctx)()
	var n int64
	for k, l := range r.s.locks {
		if !l.CreatedAt.Before(createdBefore) {
			continue
		}
		expiredAndCool := !l.ExpiresAt.After(now) && !l.CooldownUntil.After(now)
		if l.ReleasedAt != nil || expiredAndCool {
			delete(r.s.locks, k)
			n++
		}
	}
	return n, nil
}

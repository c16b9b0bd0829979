package reservation

import (
	"context"
	"time"

	"agrimarket/internal/core/id"
)

// Repository defines data access for stock locks. Every read takes now and
// ignores rows that are not live at that instant unless stated otherwise.
type Repository interface {
	// FindLive returns the live lock of (user, product, session) or nil.
	FindLive(ctx context.Context, userID string, productID id.ID, sessionID string, now time.Time) (*StockLock, error)

	// FindCooldownBlocking returns the unreleased lock of (user, product) with
	// the latest running cooldown that belongs to another session or has
	// expired, or nil.
	FindCooldownBlocking(ctx context.Context, userID string, productID id.ID, sessionID string, now time.Time) (*StockLock, error)

	// CountCreatedSince counts unreleased locks of (user, product) created at
	// or after since, expired or not.
	CountCreatedSince(ctx context.Context, userID string, productID id.ID, since time.Time) (int, error)

	// SumLiveQuantity sums live held units of a product. Locks of excludeUserID
	// are left out when it is non-empty.
	SumLiveQuantity(ctx context.Context, productID id.ID, now time.Time, excludeUserID string) (int64, error)

	Insert(ctx context.Context, l *StockLock) error

	// ReleaseOtherSessions releases the user's live locks on a product held
	// under any session other than sessionID.
	ReleaseOtherSessions(ctx context.Context, userID string, productID id.ID, sessionID string, now time.Time) (int, error)

	// ReleaseSession releases every live lock of (user, session).
	ReleaseSession(ctx context.Context, userID, sessionID string, now time.Time) (int, error)

	ListLiveBySession(ctx context.Context, userID, sessionID string, now time.Time) ([]StockLock, error)

	// PurgeStale deletes locks created before createdBefore that are released,
	// or expired with their cooldown over.
	PurgeStale(ctx context.Context, now, createdBefore time.Time) (int64, error)
}

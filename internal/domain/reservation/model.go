// Package reservation grants time-boxed checkout holds on top of committed
// stock. Holds never change on-hand quantity; they only limit how much of it
// concurrent shoppers may claim while paying.
package reservation

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"agrimarket/internal/core/id"
	"agrimarket/internal/core/types"
)

// StockLock is user U holding Quantity units of a product for checkout session S.
//
// A lock is live while it is unreleased and ExpiresAt is in the future. Expired
// rows stay until purged and are treated as absent by every reader.
type StockLock struct {
	ID        id.ID  `db:"id" json:"id"`
	UserID    string `db:"user_id" json:"userId"`
	ProductID id.ID  `db:"product_id" json:"productId"`
	SessionID string `db:"session_id" json:"sessionId"`
	Quantity  int64  `db:"quantity" json:"quantity"`

	// UnitPrice is the effective price at hold time (near-expiry discount applied).
	UnitPrice  types.Money `db:"unit_price" json:"unitPrice"`
	Discounted bool        `db:"discounted" json:"discounted"`

	ExpiresAt     time.Time  `db:"expires_at" json:"expiresAt"`
	CooldownUntil time.Time  `db:"cooldown_until" json:"cooldownUntil"`
	ReleasedAt    *time.Time `db:"released_at" json:"releasedAt,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
}

// IsLive reports whether the hold still counts at now.
func (l *StockLock) IsLive(now time.Time) bool {
	return l.ReleasedAt == nil && l.ExpiresAt.After(now)
}

// BlocksWithCooldown reports whether the lock's cooldown still runs at now and
// keeps sessionID from holding the product: the lock belongs to another
// session, or it expired without release. Released locks never block.
func (l *StockLock) BlocksWithCooldown(sessionID string, now time.Time) bool {
	if l.ReleasedAt != nil || !l.CooldownUntil.After(now) {
		return false
	}
	return l.SessionID != sessionID || !l.ExpiresAt.After(now)
}

// Policy holds the reservation limits.
type Policy struct {
	HoldWindow     time.Duration
	CooldownWindow time.Duration
	DailyLimit     int
	// FairShare is the fraction of on-hand stock that may be held at once.
	FairShare types.Ratio

	NearExpiryDays     int
	NearExpiryDiscount types.Ratio
}

// DefaultPolicy returns the production limits.
func DefaultPolicy() Policy {
	return Policy{
		HoldWindow:         10 * time.Minute,
		CooldownWindow:     30 * time.Minute,
		DailyLimit:         5,
		FairShare:          decimal.RequireFromString("0.5"),
		NearExpiryDays:     2,
		NearExpiryDiscount: decimal.RequireFromString("0.3"),
	}
}

// Validate checks the policy for nonsensical limits.
func (p Policy) Validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case p.HoldWindow <= 0:
		return errors.New("hold window must be positive")
	case p.CooldownWindow < 0:
		return errors.New("cooldown window must not be negative")
	case p.DailyLimit <= 0:
		return errors.New("daily hold limit must be positive")
	case !p.FairShare.IsPositive() || p.FairShare.GreaterThan(one):
		return fmt.Errorf("fair share must be in (0, 1], got %s", p.FairShare)
	case p.NearExpiryDays < 0:
		return errors.New("near-expiry days must not be negative")
	case p.NearExpiryDiscount.IsNegative() || p.NearExpiryDiscount.GreaterThanOrEqual(one):
		return fmt.Errorf("near-expiry discount must be in [0, 1), got %s", p.NearExpiryDiscount)
	}
	return nil
}

// FairShareCap is max(1, floor(onHand * fraction)).
func FairShareCap(onHand int64, fraction types.Ratio) int64 {
	c := types.FloorMul(onHand, fraction)
	if c < 1 {
		return 1
	}
	return c
}

// HoldItem is one cart line of a checkout hold.
type HoldItem struct {
	ProductID id.ID
	Quantity  int64
}

// HoldRequest is a checkout hold for one session.
type HoldRequest struct {
	UserID    string
	SessionID string
	Items     []HoldItem
}

// HoldOutcome is the hold backing one requested item.
type HoldOutcome struct {
	Lock    StockLock
	Resumed bool
}

// HoldResult lists the holds of a successful checkout, in request order.
type HoldResult struct {
	SessionID string
	Holds     []HoldOutcome
}

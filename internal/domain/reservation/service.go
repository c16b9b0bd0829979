package reservation

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/calendar"
	"agrimarket/internal/core/id"
	"agrimarket/internal/core/tx"
	"agrimarket/internal/domain/product"
	"agrimarket/pkg/logger"
	"agrimarket/pkg/metrics"
)

// Service grants and cancels checkout holds.
type Service struct {
	locks     Repository
	products  product.Repository
	txManager tx.Manager
	cal       *calendar.Calendar
	policy    Policy
}

// NewService creates a new reservation service.
func NewService(locks Repository, products product.Repository, txManager tx.Manager, cal *calendar.Calendar, policy Policy) (*Service, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("reservation policy: %w", err)
	}
	return &Service{
		locks:     locks,
		products:  products,
		txManager: txManager,
		cal:       cal,
		policy:    policy,
	}, nil
}

// Policy returns the active limits.
func (s *Service) Policy() Policy { return s.policy }

// CheckoutHold holds every item of a checkout session, all or nothing.
//
// Items are evaluated in request order inside one transaction. Every product
// row of the cart is locked up front in ascending id order, so concurrent
// carts sharing products serialize instead of deadlocking. Per item: an existing live hold of
// this session is resumed untouched; otherwise cooldown, daily limit, stock
// and fair-share checks run, holds of the user's other sessions are released
// and a new hold is granted.
func (s *Service) CheckoutHold(ctx context.Context, req HoldRequest) (*HoldResult, error) {
	if err := validateHold(req); err != nil {
		return nil, err
	}

	now := s.cal.Now()
	today := s.cal.Today()
	dayStart := s.cal.StartOf(today)

	result := &HoldResult{SessionID: req.SessionID}
	var decisions []string

	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		result.Holds = result.Holds[:0]
		decisions = decisions[:0]

		if err := s.products.LockForUpdate(ctx, lockOrder(req.Items)); err != nil {
			return fmt.Errorf("lock cart products: %w", err)
		}

		for _, item := range req.Items {
			outcome, err := s.holdItem(ctx, req, item, now, today, dayStart)
			if err != nil {
				return err
			}
			result.Holds = append(result.Holds, *outcome)
			if outcome.Resumed {
				decisions = append(decisions, metrics.OutcomeResumed)
			} else {
				decisions = append(decisions, metrics.OutcomeOK)
			}
		}
		return nil
	})
	if err != nil {
		reason := apperror.CodeInternal
		if appErr, ok := apperror.AsAppError(err); ok {
			reason = appErr.Code
		}
		metrics.HoldDecisions.WithLabelValues(metrics.OutcomeRejected, reason).Inc()

		logger.Info(ctx, "checkout hold rejected",
			"user_id", req.UserID,
			"session_id", req.SessionID,
			"reason", reason,
		)
		return nil, apperror.Normalize("checkout hold", err)
	}

	for _, d := range decisions {
		metrics.HoldDecisions.WithLabelValues(d, "").Inc()
	}
	logger.Info(ctx, "checkout hold granted",
		"user_id", req.UserID,
		"session_id", req.SessionID,
		"items", len(result.Holds),
	)
	return result, nil
}

func (s *Service) holdItem(ctx context.Context, req HoldRequest, item HoldItem, now time.Time, today calendar.Day, dayStart time.Time) (*HoldOutcome, error) {
	p, err := s.products.GetForUpdate(ctx, item.ProductID)
	if err != nil {
		return nil, err
	}
	pid := p.ID.String()

	// Resume: reloading checkout keeps the original timer and skips all checks.
	live, err := s.locks.FindLive(ctx, req.UserID, p.ID, req.SessionID, now)
	if err != nil {
		return nil, fmt.Errorf("find live hold: %w", err)
	}
	if live != nil {
		return &HoldOutcome{Lock: *live, Resumed: true}, nil
	}

	blocking, err := s.locks.FindCooldownBlocking(ctx, req.UserID, p.ID, req.SessionID, now)
	if err != nil {
		return nil, fmt.Errorf("find cooldown: %w", err)
	}
	if blocking != nil {
		return nil, apperror.NewContention(apperror.CodeHoldCooldown,
			"This product is still on cooldown from another checkout; try again later",
			blocking.CooldownUntil).
			WithDetail("product_id", pid)
	}

	count, err := s.locks.CountCreatedSince(ctx, req.UserID, p.ID, dayStart)
	if err != nil {
		return nil, fmt.Errorf("count holds: %w", err)
	}
	if count >= s.policy.DailyLimit {
		return nil, apperror.NewContention(apperror.CodeHoldDailyLimit,
			fmt.Sprintf("Too many checkout attempts for this product today (limit %d)", s.policy.DailyLimit),
			s.cal.EndOf(today)).
			WithDetail("product_id", pid).
			WithDetail("limit", s.policy.DailyLimit).
			WithDetail("attempts", count)
	}

	if item.Quantity > p.OnHandQuantity {
		return nil, apperror.NewInsufficientStock(pid, item.Quantity, p.OnHandQuantity)
	}

	// The user's holds from other sessions are about to be released, so they
	// do not count against the cap.
	held, err := s.locks.SumLiveQuantity(ctx, p.ID, now, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("sum live holds: %w", err)
	}
	limit := FairShareCap(p.OnHandQuantity, s.policy.FairShare)
	if held+item.Quantity > limit {
		return nil, apperror.NewContention(apperror.CodeHoldContended,
			"Too much of this product is currently held by other shoppers; try again shortly",
			now.Add(s.policy.HoldWindow)).
			WithDetail("product_id", pid).
			WithDetail("requested", item.Quantity).
			WithDetail("held", held).
			WithDetail("cap", limit).
			WithDetail("on_hand", p.OnHandQuantity)
	}

	released, err := s.locks.ReleaseOtherSessions(ctx, req.UserID, p.ID, req.SessionID, now)
	if err != nil {
		return nil, fmt.Errorf("release superseded holds: %w", err)
	}
	if released > 0 {
		logger.Debug(ctx, "superseded holds released",
			"user_id", req.UserID,
			"product_id", p.ID,
			"count", released,
		)
	}

	price, discounted := p.EffectiveUnitPrice(today, s.policy.NearExpiryDays, s.policy.NearExpiryDiscount)
	lock := &StockLock{
		ID:            id.New(),
		UserID:        req.UserID,
		ProductID:     p.ID,
		SessionID:     req.SessionID,
		Quantity:      item.Quantity,
		UnitPrice:     price,
		Discounted:    discounted,
		ExpiresAt:     now.Add(s.policy.HoldWindow).UTC(),
		CooldownUntil: now.Add(s.policy.CooldownWindow).UTC(),
		CreatedAt:     now.UTC(),
	}
	if err := s.locks.Insert(ctx, lock); err != nil {
		return nil, fmt.Errorf("insert hold: %w", err)
	}
	return &HoldOutcome{Lock: *lock}, nil
}

// CancelCheckout releases every live hold of (user, session). Releasing
// nothing is not an error.
func (s *Service) CancelCheckout(ctx context.Context, userID, sessionID string) (int, error) {
	if userID == "" || sessionID == "" {
		return 0, apperror.NewValidation("user_id and session_id are required")
	}

	n, err := s.locks.ReleaseSession(ctx, userID, sessionID, s.cal.Now())
	if err != nil {
		return 0, apperror.Normalize("cancel checkout", err)
	}

	logger.Info(ctx, "checkout cancelled",
		"user_id", userID,
		"session_id", sessionID,
		"released", n,
	)
	return n, nil
}

// SessionHolds lists the live holds of (user, session).
func (s *Service) SessionHolds(ctx context.Context, userID, sessionID string) ([]StockLock, error) {
	if userID == "" || sessionID == "" {
		return nil, apperror.NewValidation("user_id and session_id are required")
	}
	rows, err := s.locks.ListLiveBySession(ctx, userID, sessionID, s.cal.Now())
	if err != nil {
		return nil, apperror.Normalize("list session holds", err)
	}
	return rows, nil
}

// HeldQuantity returns the live held units of a product.
func (s *Service) HeldQuantity(ctx context.Context, productID id.ID) (int64, error) {
	n, err := s.locks.SumLiveQuantity(ctx, productID, s.cal.Now(), "")
	if err != nil {
		return 0, apperror.Normalize("sum held quantity", err)
	}
	return n, nil
}

// PurgeStale deletes lock rows that no reader can see any more. Rows created
// today are kept so the daily attempt count stays exact.
func (s *Service) PurgeStale(ctx context.Context) (int64, error) {
	now := s.cal.Now()
	n, err := s.locks.PurgeStale(ctx, now, s.cal.StartOf(s.cal.Today()))
	if err != nil {
		return 0, apperror.Normalize("purge stale holds", err)
	}
	metrics.HoldsPurged.Add(float64(n))
	if n > 0 {
		logger.Info(ctx, "stale holds purged", "count", n)
	}
	return n, nil
}

// lockOrder returns the cart's product ids in ascending order.
func lockOrder(items []HoldItem) []id.ID {
	ids := make([]id.ID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

func validateHold(req HoldRequest) error {
	if req.UserID == "" {
		return apperror.NewValidation("user_id is required")
	}
	if req.SessionID == "" {
		return apperror.NewValidation("session_id is required")
	}
	if len(req.Items) == 0 {
		return apperror.NewValidation("at least one item is required")
	}
	seen := make(map[id.ID]struct{}, len(req.Items))
	for i, item := range req.Items {
		if id.IsNil(item.ProductID) {
			return apperror.NewValidation(fmt.Sprintf("item %d: product_id is required", i))
		}
		if item.Quantity <= 0 {
			return apperror.NewValidation(fmt.Sprintf("item %d: quantity must be a positive integer", i)).
				WithDetail("quantity", item.Quantity)
		}
		if _, dup := seen[item.ProductID]; dup {
			return apperror.NewValidation(fmt.Sprintf("item %d: product %s appears more than once", i, item.ProductID))
		}
		seen[item.ProductID] = struct{}{}
	}
	return nil
}

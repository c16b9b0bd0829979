package reservation_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/calendar"
	"agrimarket/internal/core/id"
	"agrimarket/internal/core/types"
	"agrimarket/internal/domain/ledger"
	"agrimarket/internal/domain/product"
	"agrimarket/internal/domain/reservation"
	"agrimarket/internal/infrastructure/storage/memory"
)

var kst = time.FixedZone("KST", 9*3600)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	products *product.Service
	ledger   *ledger.Service
	holds    *reservation.Service

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithPolicy(t, reservation.DefaultPolicy())
}

func newFixtureWithPolicy(t *testing.T, policy reservation.Policy) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: memory.New(),
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, kst),
	}
	cal := calendar.MustNew("+09:00").WithClock(f.clock)

	f.products = product.NewService(f.store.Products(), f.store, cal)
	f.ledger = ledger.NewService(f.store.Products(), f.store.Ledger(), f.store, cal)

	holds, err := reservation.NewService(f.store.Locks(), f.store.Products(), f.store, cal, policy)
	require.NoError(t, err)
	f.holds = holds
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) stocked(qty int64, expiry string) id.ID {
	f.t.Helper()
	p, err := f.products.Create(f.ctx, product.CreateInput{
		Name:      "Shine muscat 2kg",
		Planned:   qty,
		UnitCost:  types.MustMoney("8000"),
		SellPrice: types.MustMoney("12000"),
	})
	require.NoError(f.t, err)

	d := calendar.MustParseDay(expiry)
	_, err = f.ledger.CreateReceipt(f.ctx, ledger.ReceiptInput{
		ActorID: "clerk", ProductID: p.ID, Quantity: qty, ExpiryDate: &d,
	})
	require.NoError(f.t, err)
	return p.ID
}

func (f *fixture) hold(user, session string, items ...reservation.HoldItem) (*reservation.HoldResult, error) {
	return f.holds.CheckoutHold(f.ctx, reservation.HoldRequest{UserID: user, SessionID: session, Items: items})
}

func (f *fixture) held(productID id.ID) int64 {
	f.t.Helper()
	n, err := f.holds.HeldQuantity(f.ctx, productID)
	require.NoError(f.t, err)
	return n
}

func item(productID id.ID, qty int64) reservation.HoldItem {
	return reservation.HoldItem{ProductID: productID, Quantity: qty}
}

func requireCode(t *testing.T, err error, code string, status int) *apperror.AppError {
	t.Helper()
	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok, "not an AppError: %v", err)
	assert.Equal(t, code, appErr.Code)
	assert.Equal(t, status, appErr.HTTPStatus)
	return appErr
}

func TestCheckoutHold_FairShare(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	res, err := f.hold("alice", "s-1", item(pid, 5))
	require.NoError(t, err)
	require.Len(t, res.Holds, 1)
	assert.False(t, res.Holds[0].Resumed)
	assert.Equal(t, int64(5), res.Holds[0].Lock.Quantity)

	_, err = f.hold("bob", "s-9", item(pid, 1))
	appErr := requireCode(t, err, apperror.CodeHoldContended, http.StatusConflict)
	assert.Contains(t, appErr.Details, "retry_after")
	assert.EqualValues(t, 5, appErr.Details["cap"])

	assert.Equal(t, int64(5), f.held(pid))

	p, err := f.products.Get(f.ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.OnHandQuantity)
}

func TestCheckoutHold_ResumeKeepsOriginalTimer(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	first, err := f.hold("alice", "s-1", item(pid, 2))
	require.NoError(t, err)

	f.advance(3 * time.Minute)
	again, err := f.hold("alice", "s-1", item(pid, 4))
	require.NoError(t, err)

	require.Len(t, again.Holds, 1)
	got := again.Holds[0]
	assert.True(t, got.Resumed)
	assert.Equal(t, first.Holds[0].Lock.ID, got.Lock.ID)
	assert.Equal(t, int64(2), got.Lock.Quantity)
	assert.True(t, got.Lock.ExpiresAt.Equal(first.Holds[0].Lock.ExpiresAt))
	assert.Equal(t, int64(2), f.held(pid))
}

func TestCheckoutHold_NewSessionBlockedByCooldown(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	first, err := f.hold("alice", "s-1", item(pid, 1))
	require.NoError(t, err)

	f.advance(time.Minute)
	_, err = f.hold("alice", "s-2", item(pid, 1))
	appErr := requireCode(t, err, apperror.CodeHoldCooldown, http.StatusConflict)
	assert.Equal(t, first.Holds[0].Lock.CooldownUntil.UTC().Format(time.RFC3339), appErr.Details["retry_after"])

	// The first session keeps its hold.
	old, err := f.holds.SessionHolds(f.ctx, "alice", "s-1")
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, int64(1), f.held(pid))

	current, err := f.holds.SessionHolds(f.ctx, "alice", "s-2")
	require.NoError(t, err)
	assert.Empty(t, current)
}

func TestCheckoutHold_NewSessionSupersedesOnceCooldownEnds(t *testing.T) {
	policy := reservation.DefaultPolicy()
	policy.CooldownWindow = 5 * time.Minute
	f := newFixtureWithPolicy(t, policy)
	pid := f.stocked(10, "2026-03-20")

	_, err := f.hold("alice", "s-1", item(pid, 5))
	require.NoError(t, err)

	// s-1 is still live, its cooldown is over.
	f.advance(6 * time.Minute)

	// Her own hold does not count against the cap.
	_, err = f.hold("alice", "s-2", item(pid, 5))
	require.NoError(t, err)

	assert.Equal(t, int64(5), f.held(pid))

	old, err := f.holds.SessionHolds(f.ctx, "alice", "s-1")
	require.NoError(t, err)
	assert.Empty(t, old)

	current, err := f.holds.SessionHolds(f.ctx, "alice", "s-2")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, int64(5), current[0].Quantity)
}

func TestCheckoutHold_PassiveExpiryFreesStock(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	_, err := f.hold("alice", "s-1", item(pid, 5))
	require.NoError(t, err)

	f.advance(10 * time.Minute)
	assert.Zero(t, f.held(pid))

	_, err = f.hold("bob", "s-9", item(pid, 5))
	assert.NoError(t, err)
}

func TestCheckoutHold_CooldownAfterAbandonedHold(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	res, err := f.hold("alice", "s-1", item(pid, 1))
	require.NoError(t, err)
	cooldownUntil := res.Holds[0].Lock.CooldownUntil

	f.advance(11 * time.Minute)
	_, err = f.hold("alice", "s-2", item(pid, 1))
	appErr := requireCode(t, err, apperror.CodeHoldCooldown, http.StatusConflict)
	assert.Equal(t, cooldownUntil.UTC().Format(time.RFC3339), appErr.Details["retry_after"])

	// The abandoned session itself cannot start over either.
	_, err = f.hold("alice", "s-1", item(pid, 1))
	requireCode(t, err, apperror.CodeHoldCooldown, http.StatusConflict)

	// Other shoppers are not affected.
	_, err = f.hold("bob", "s-9", item(pid, 1))
	require.NoError(t, err)

	f.advance(20 * time.Minute)
	_, err = f.hold("alice", "s-2", item(pid, 1))
	assert.NoError(t, err)
}

func TestCancelCheckout_NoCooldown(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	_, err := f.hold("alice", "s-1", item(pid, 3))
	require.NoError(t, err)

	n, err := f.holds.CancelCheckout(f.ctx, "alice", "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.held(pid))

	n, err = f.holds.CancelCheckout(f.ctx, "alice", "s-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(11 * time.Minute)
	_, err = f.hold("alice", "s-2", item(pid, 3))
	assert.NoError(t, err)
}

func TestCancelCheckout_OnlyTouchesOwnSession(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	_, err := f.hold("alice", "s-1", item(pid, 2))
	require.NoError(t, err)
	_, err = f.hold("bob", "s-1", item(pid, 2))
	require.NoError(t, err)

	n, err := f.holds.CancelCheckout(f.ctx, "bob", "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(2), f.held(pid))

	_, err = f.holds.CancelCheckout(f.ctx, "", "s-1")
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestCheckoutHold_DailyLimit(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	// Each hold is abandoned and outlives its cooldown.
	for i := 0; i < 5; i++ {
		_, err := f.hold("alice", "s-1", item(pid, 1))
		require.NoError(t, err, "attempt %d", i+1)
		f.advance(31 * time.Minute)
	}

	_, err := f.hold("alice", "s-1", item(pid, 1))
	appErr := requireCode(t, err, apperror.CodeHoldDailyLimit, http.StatusTooManyRequests)
	// Retry at the start of the next calendar day.
	assert.Equal(t, "2026-03-01T15:00:00Z", appErr.Details["retry_after"])

	// 11:35 + 15h is the next calendar day.
	f.advance(15 * time.Hour)
	_, err = f.hold("alice", "s-1", item(pid, 1))
	assert.NoError(t, err)
}

func TestCancelCheckout_DoesNotCountTowardsDailyLimit(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	for i := 0; i < 5; i++ {
		_, err := f.hold("alice", "s", item(pid, 1))
		require.NoError(t, err, "attempt %d", i+1)
		_, err = f.holds.CancelCheckout(f.ctx, "alice", "s")
		require.NoError(t, err)
	}

	res, err := f.hold("alice", "s", item(pid, 1))
	require.NoError(t, err)
	assert.False(t, res.Holds[0].Resumed)
}

func TestCheckoutHold_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	plenty := f.stocked(10, "2026-03-20")
	scarce := f.stocked(2, "2026-03-20")

	_, err := f.hold("alice", "s-1", item(plenty, 2), item(scarce, 3))
	requireCode(t, err, apperror.CodeInsufficientStock, http.StatusUnprocessableEntity)

	assert.Zero(t, f.held(plenty))
	assert.Zero(t, f.held(scarce))
	holds, err := f.holds.SessionHolds(f.ctx, "alice", "s-1")
	require.NoError(t, err)
	assert.Empty(t, holds)

	// The rolled back attempt does not count towards the daily limit.
	res, err := f.hold("alice", "s-1", item(plenty, 2), item(scarce, 1))
	require.NoError(t, err)
	require.Len(t, res.Holds, 2)
	assert.Equal(t, plenty, res.Holds[0].Lock.ProductID)
	assert.Equal(t, scarce, res.Holds[1].Lock.ProductID)
}

func TestCheckoutHold_NearExpiryPrice(t *testing.T) {
	f := newFixture(t)
	soon := f.stocked(10, "2026-03-03")
	later := f.stocked(10, "2026-03-20")

	res, err := f.hold("alice", "s-1", item(soon, 1), item(later, 1))
	require.NoError(t, err)

	discounted := res.Holds[0].Lock
	assert.True(t, discounted.Discounted)
	assert.True(t, discounted.UnitPrice.Equal(types.MustMoney("8400")), "price %s", discounted.UnitPrice)

	full := res.Holds[1].Lock
	assert.False(t, full.Discounted)
	assert.True(t, full.UnitPrice.Equal(types.MustMoney("12000")), "price %s", full.UnitPrice)
}

func TestCheckoutHold_HoldsNeverTouchLedger(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	_, err := f.hold("alice", "s-1", item(pid, 5))
	require.NoError(t, err)
	_, err = f.holds.CancelCheckout(f.ctx, "alice", "s-1")
	require.NoError(t, err)

	rows, err := f.ledger.List(f.ctx, pid, ledger.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	p, err := f.products.Get(f.ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.OnHandQuantity)
	assert.Zero(t, p.ReservedQuantity)
}

func TestCheckoutHold_Validation(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	tests := []struct {
		name string
		req  reservation.HoldRequest
	}{
		{name: "missing user", req: reservation.HoldRequest{SessionID: "s", Items: []reservation.HoldItem{item(pid, 1)}}},
		{name: "missing session", req: reservation.HoldRequest{UserID: "u", Items: []reservation.HoldItem{item(pid, 1)}}},
		{name: "no items", req: reservation.HoldRequest{UserID: "u", SessionID: "s"}},
		{name: "zero quantity", req: reservation.HoldRequest{UserID: "u", SessionID: "s", Items: []reservation.HoldItem{item(pid, 0)}}},
		{name: "duplicate product", req: reservation.HoldRequest{UserID: "u", SessionID: "s", Items: []reservation.HoldItem{item(pid, 1), item(pid, 2)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.holds.CheckoutHold(f.ctx, tt.req)
			assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "got %v", err)
		})
	}

	_, err := f.hold("u", "s", item(id.New(), 1))
	assert.True(t, apperror.IsNotFound(err))
}

func TestCheckoutHold_ConcurrentShoppersRespectCap(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.hold("shopper-"+string(rune('a'+i)), "s", item(pid, 1))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(5), f.held(pid))
}

func TestPurgeStale(t *testing.T) {
	f := newFixture(t)
	pid := f.stocked(10, "2026-03-20")

	_, err := f.hold("alice", "s-1", item(pid, 1))
	require.NoError(t, err)
	_, err = f.holds.CancelCheckout(f.ctx, "alice", "s-1")
	require.NoError(t, err)
	_, err = f.hold("bob", "s-9", item(pid, 1))
	require.NoError(t, err)

	// Rows created today stay for the daily count.
	n, err := f.holds.PurgeStale(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(24 * time.Hour)
	n, err = f.holds.PurgeStale(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

type lockRecorder struct {
	product.Repository

	mu    sync.Mutex
	calls []string
}

func (r *lockRecorder) LockForUpdate(ctx context.Context, ids []id.ID) error {
	r.mu.Lock()
	for _, pid := range ids {
		r.calls = append(r.calls, "lock "+pid.String())
	}
	r.mu.Unlock()
	return r.Repository.LockForUpdate(ctx, ids)
}

func (r *lockRecorder) GetForUpdate(ctx context.Context, productID id.ID) (*product.Product, error) {
	r.mu.Lock()
	r.calls = append(r.calls, "get "+productID.String())
	r.mu.Unlock()
	return r.Repository.GetForUpdate(ctx, productID)
}

func TestCheckoutHold_LocksCartInIDOrder(t *testing.T) {
	f := newFixture(t)
	a := f.stocked(10, "2026-03-20")
	b := f.stocked(10, "2026-03-20")
	// UUIDv7 ids created later sort later.
	require.Less(t, a.String(), b.String())

	rec := &lockRecorder{Repository: f.store.Products()}
	cal := calendar.MustNew("+09:00").WithClock(f.clock)
	holds, err := reservation.NewService(f.store.Locks(), rec, f.store, cal, reservation.DefaultPolicy())
	require.NoError(t, err)

	res, err := holds.CheckoutHold(f.ctx, reservation.HoldRequest{
		UserID: "alice", SessionID: "s-1", Items: []reservation.HoldItem{item(b, 1), item(a, 1)},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"lock " + a.String(),
		"lock " + b.String(),
		"get " + b.String(),
		"get " + a.String(),
	}, rec.calls)

	// Holds come back in request order.
	require.Len(t, res.Holds, 2)
	assert.Equal(t, b, res.Holds[0].Lock.ProductID)
	assert.Equal(t, a, res.Holds[1].Lock.ProductID)
}

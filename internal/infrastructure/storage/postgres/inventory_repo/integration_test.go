//go:build integration

package inventory_repo_test

// Runs the repositories against a real PostgreSQL started by testcontainers.
// Run with: go test -tags integration ./internal/infrastructure/storage/postgres/...

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/calendar"
	"agrimarket/internal/core/id"
	"agrimarket/internal/core/types"
	"agrimarket/internal/domain/ledger"
	"agrimarket/internal/domain/lifecycle"
	"agrimarket/internal/domain/product"
	"agrimarket/internal/domain/reservation"
	"agrimarket/internal/infrastructure/storage/postgres"
	"agrimarket/internal/infrastructure/storage/postgres/inventory_repo"
)

var testPool *postgres.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgC, err := tcPostgres.Run(ctx, "postgres:16-alpine",
		tcPostgres.WithDatabase("agrimarket_test"),
		tcPostgres.WithUsername("agrimarket"),
		tcPostgres.WithPassword("agrimarket"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres dsn: %v", err)
	}

	testPool, err = postgres.NewPool(ctx, postgres.DefaultPoolConfig(dsn))
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "..", "..", "migrations", "0001_inventory.sql"))
	if err != nil {
		log.Fatalf("read migration: %v", err)
	}
	if _, err := testPool.Exec(ctx, string(schema), pgx.QueryExecModeSimpleProtocol); err != nil {
		log.Fatalf("apply migration: %v", err)
	}

	code := m.Run()

	testPool.Close()
	_ = pgC.Terminate(ctx)
	os.Exit(code)
}

type env struct {
	t   *testing.T
	ctx context.Context
	cal *calendar.Calendar

	txm      *postgres.TxManager
	products *inventory_repo.ProductRepo
	history  *inventory_repo.HistoryRepo

	productSvc *product.Service
	ledger     *ledger.Service
	lifecycle  *lifecycle.Service
	holds      *reservation.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	txm := postgres.NewTxManager(testPool, postgres.DefaultTxOptions())
	cal := calendar.MustNew("+09:00")

	e := &env{
		t:        t,
		ctx:      context.Background(),
		cal:      cal,
		txm:      txm,
		products: inventory_repo.NewProductRepo(txm),
		history:  inventory_repo.NewHistoryRepo(txm),
	}
	entries := inventory_repo.NewLedgerRepo(txm)

	e.productSvc = product.NewService(e.products, txm, cal)
	e.ledger = ledger.NewService(e.products, entries, txm, cal)
	e.lifecycle = lifecycle.NewService(e.products, entries, e.history, inventory_repo.NewSalesReader(txm), txm, cal)

	holds, err := reservation.NewService(inventory_repo.NewLockRepo(txm), e.products, txm, cal, reservation.DefaultPolicy())
	require.NoError(t, err)
	e.holds = holds
	return e
}

func (e *env) newProduct(planned int64) id.ID {
	e.t.Helper()
	p, err := e.productSvc.Create(e.ctx, product.CreateInput{
		Name:      "Jeju mandarins 5kg",
		Planned:   planned,
		UnitCost:  types.MustMoney("15000"),
		SellPrice: types.MustMoney("22000"),
	})
	require.NoError(e.t, err)
	return p.ID
}

func (e *env) receive(productID id.ID, qty int64) error {
	expiry := e.cal.Today().AddDays(10)
	_, err := e.ledger.CreateReceipt(e.ctx, ledger.ReceiptInput{
		ActorID: "clerk", ProductID: productID, Quantity: qty, ExpiryDate: &expiry,
	})
	return err
}

func (e *env) stocked(qty int64) id.ID {
	e.t.Helper()
	pid := e.newProduct(qty)
	require.NoError(e.t, e.receive(pid, qty))
	return pid
}

func (e *env) get(productID id.ID) *product.Product {
	e.t.Helper()
	p, err := e.productSvc.Get(e.ctx, productID)
	require.NoError(e.t, err)
	return p
}

func (e *env) count(productID id.ID, typ ledger.TransactionType) int {
	e.t.Helper()
	rows, err := e.ledger.List(e.ctx, productID, ledger.ListFilter{Type: typ, Limit: 500})
	require.NoError(e.t, err)
	return len(rows)
}

// requireBusiness fails on anything that is not a caller-visible 4xx outcome.
func requireBusiness(t *testing.T, err error) {
	t.Helper()
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok, "not an AppError: %v", err)
	require.Less(t, appErr.HTTPStatus, http.StatusInternalServerError, "system error: %v", err)
}

func TestPostgres_ConcurrentIssuesNeverOversell(t *testing.T) {
	e := newEnv(t)
	pid := e.stocked(100)

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ledger.CreateIssue(e.ctx, ledger.IssueInput{ActorID: "packer", ProductID: pid, Quantity: 10})
			if err != nil {
				requireBusiness(t, err)
				assert.True(t, apperror.HasCode(err, apperror.CodeInsufficientStock), "got %v", err)
				rejected.Add(1)
				return
			}
			ok.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(15), rejected.Load())

	p := e.get(pid)
	assert.Zero(t, p.OnHandQuantity)
	assert.Equal(t, int64(100), p.ReceivedQuantity)
	assert.Equal(t, product.StockOut, p.StockStatus)
	assert.Equal(t, 10, e.count(pid, ledger.TypeIssue))
}

func TestPostgres_ConcurrentReceiptsStopAtPlan(t *testing.T) {
	e := newEnv(t)
	pid := e.newProduct(50)
	require.NoError(t, e.receive(pid, 10))

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.receive(pid, 5); err != nil {
				requireBusiness(t, err)
				assert.True(t, apperror.HasCode(err, apperror.CodeExceedsPlanned), "got %v", err)
				return
			}
			ok.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), ok.Load())
	p := e.get(pid)
	assert.Equal(t, int64(50), p.ReceivedQuantity)
	assert.Equal(t, int64(50), p.OnHandQuantity)
	assert.Equal(t, product.ReceivingReceived, p.ReceivingStatus)
	assert.Equal(t, 9, e.count(pid, ledger.TypeReceipt))
}

func TestPostgres_ConcurrentFirstReceiptsOpenOneBatch(t *testing.T) {
	e := newEnv(t)
	pid := e.newProduct(100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.receive(pid, 10); err != nil {
				requireBusiness(t, err)
			}
		}()
	}
	wg.Wait()

	p := e.get(pid)
	assert.True(t, p.HasOpenBatch())
	assert.Equal(t, p.ReceivedQuantity, int64(10*e.count(pid, ledger.TypeReceipt)))
	assert.LessOrEqual(t, p.ReceivedQuantity, p.PlannedQuantity)
}

func TestPostgres_ResetWritesHistoryOnce(t *testing.T) {
	e := newEnv(t)
	pid := e.stocked(20)
	_, err := e.ledger.CreateIssue(e.ctx, ledger.IssueInput{ActorID: "packer", ProductID: pid, Quantity: 20})
	require.NoError(t, err)

	res, err := e.lifecycle.ResetForNewBatch(e.ctx, pid, lifecycle.ReasonSoldOut)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Product.BatchNumber)
	assert.False(t, res.Product.HasOpenBatch())
	assert.Equal(t, int64(20), res.History.SoldQuantity)

	// A second close of the same cycle finds no open batch.
	_, err = e.lifecycle.ResetForNewBatch(e.ctx, pid, lifecycle.ReasonSoldOut)
	assert.True(t, apperror.HasCode(err, apperror.CodeBatchNotOpen), "got %v", err)

	// (product_id, batch_number) is unique.
	dup := *res.History
	dup.ID = id.New()
	err = e.history.Insert(e.ctx, &dup)
	assert.True(t, apperror.HasCode(err, apperror.CodeConflict), "got %v", err)

	rows, err := e.lifecycle.History(e.ctx, pid)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestPostgres_ConcurrentResetClosesOnce(t *testing.T) {
	e := newEnv(t)
	pid := e.stocked(5)
	_, err := e.ledger.CreateIssue(e.ctx, ledger.IssueInput{ActorID: "packer", ProductID: pid, Quantity: 5})
	require.NoError(t, err)

	var closed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.lifecycle.ResetForNewBatch(e.ctx, pid, lifecycle.ReasonSoldOut); err != nil {
				requireBusiness(t, err)
				return
			}
			closed.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, 2, e.get(pid).BatchNumber)
}

func TestPostgres_HoldRules(t *testing.T) {
	e := newEnv(t)
	pid := e.stocked(10)
	user := "alice-" + id.New().String()

	hold := func(user, session string, qty int64) error {
		_, err := e.holds.CheckoutHold(e.ctx, reservation.HoldRequest{
			UserID: user, SessionID: session,
			Items: []reservation.HoldItem{{ProductID: pid, Quantity: qty}},
		})
		return err
	}

	require.NoError(t, hold(user, "s-1", 5))

	// Resume.
	require.NoError(t, hold(user, "s-1", 5))

	// Another session of the same user is on cooldown.
	err := hold(user, "s-2", 1)
	assert.True(t, apperror.HasCode(err, apperror.CodeHoldCooldown), "got %v", err)

	// Fair share: 5 of 10 are held.
	err = hold("bob-"+id.New().String(), "s-9", 1)
	assert.True(t, apperror.HasCode(err, apperror.CodeHoldContended), "got %v", err)

	held, err := e.holds.HeldQuantity(e.ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, int64(5), held)

	// Cancelled attempts neither block nor count towards the daily limit.
	n, err := e.holds.CancelCheckout(e.ctx, user, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	for i := 0; i < 5; i++ {
		require.NoError(t, hold(user, "s-3", 1), "attempt %d", i+1)
		_, err := e.holds.CancelCheckout(e.ctx, user, "s-3")
		require.NoError(t, err)
	}
	require.NoError(t, hold(user, "s-3", 1))

	live, err := e.holds.SessionHolds(e.ctx, user, "s-3")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, int64(1), live[0].Quantity)

	assert.Equal(t, int64(10), e.get(pid).OnHandQuantity, "holds never touch on-hand")
}

func TestPostgres_CrossedCartsDoNotDeadlock(t *testing.T) {
	e := newEnv(t)
	a := e.stocked(100)
	b := e.stocked(100)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		items := []reservation.HoldItem{{ProductID: a, Quantity: 1}, {ProductID: b, Quantity: 1}}
		if i%2 == 1 {
			items[0], items[1] = items[1], items[0]
		}
		wg.Add(1)
		go func(user string, items []reservation.HoldItem) {
			defer wg.Done()
			_, err := e.holds.CheckoutHold(e.ctx, reservation.HoldRequest{UserID: user, SessionID: "s", Items: items})
			errs <- err
		}(fmt.Sprintf("shopper-%d-%s", i, id.New()), items)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	for _, pid := range []id.ID{a, b} {
		held, err := e.holds.HeldQuantity(e.ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, int64(40), held)
	}
}

func TestPostgres_SweepsCloseDepletedBatches(t *testing.T) {
	e := newEnv(t)
	pid := e.stocked(3)
	// No depletion handler is wired, so the issue leaves the batch open.
	_, err := e.ledger.CreateIssue(e.ctx, ledger.IssueInput{ActorID: "packer", ProductID: pid, Quantity: 3})
	require.NoError(t, err)
	assert.True(t, e.get(pid).HasOpenBatch())

	report, err := e.lifecycle.CatchUpSoldOut(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.GreaterOrEqual(t, report.Closed, 1)

	p := e.get(pid)
	assert.False(t, p.HasOpenBatch())
	assert.Equal(t, 2, p.BatchNumber)
}

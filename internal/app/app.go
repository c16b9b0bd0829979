// Package app wires configuration, storage and services for the server and
// the worker.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"agrimarket/internal/config"
	"agrimarket/internal/core/calendar"
	"agrimarket/internal/core/idempotency"
	"agrimarket/internal/core/tx"
	"agrimarket/internal/domain/ledger"
	"agrimarket/internal/domain/lifecycle"
	"agrimarket/internal/domain/product"
	"agrimarket/internal/domain/reservation"
	"agrimarket/internal/infrastructure/redislock"
	"agrimarket/internal/infrastructure/storage/memory"
	"agrimarket/internal/infrastructure/storage/postgres"
	"agrimarket/internal/infrastructure/storage/postgres/inventory_repo"
	"agrimarket/internal/scheduler"
	"agrimarket/pkg/logger"
)

// App holds the wired services.
type App struct {
	Config   *config.Config
	Calendar *calendar.Calendar

	Products    *product.Service
	Ledger      *ledger.Service
	Lifecycle   *lifecycle.Service
	Reservation *reservation.Service
	Idempotency idempotency.Store

	// Pool is nil when running on in-memory storage.
	Pool  *postgres.Pool
	redis *redis.Client
}

type repositories struct {
	txm      tx.Manager
	products product.Repository
	entries  ledger.Repository
	locks    reservation.Repository
	history  lifecycle.HistoryRepository
	sales    lifecycle.SalesReader
	idem     idempotency.Store
}

// New connects storage (PostgreSQL when DATABASE_URL is set, memory otherwise)
// and Redis (when REDIS_URL is set), then builds the services.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	cal, err := cfg.Calendar()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.ReservationPolicy()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Calendar: cal}

	var repos repositories
	if cfg.DatabaseURL != "" {
		poolCfg := postgres.DefaultPoolConfig(cfg.DatabaseURL)
		poolCfg.MaxConns = cfg.DBMaxConns
		pool, err := postgres.NewPool(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.Pool = pool

		txm := postgres.NewTxManager(pool, postgres.DefaultTxOptions())
		repos = repositories{
			txm:      txm,
			products: inventory_repo.NewProductRepo(txm),
			entries:  inventory_repo.NewLedgerRepo(txm),
			locks:    inventory_repo.NewLockRepo(txm),
			history:  inventory_repo.NewHistoryRepo(txm),
			sales:    inventory_repo.NewSalesReader(txm),
			idem:     postgres.NewIdempotencyStore(txm, cfg.IdempotencyTTL),
		}
	} else {
		store := memory.New()
		repos = repositories{
			txm:      store,
			products: store.Products(),
			entries:  store.Ledger(),
			locks:    store.Locks(),
			history:  store.History(),
			sales:    store.Sales(),
			idem:     memory.NewIdempotencyStore(cfg.IdempotencyTTL),
		}
	}

	if cfg.RedisURL != "" {
		rdb, err := redislock.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = rdb
	}

	a.Products = product.NewService(repos.products, repos.txm, cal)
	a.Ledger = ledger.NewService(repos.products, repos.entries, repos.txm, cal)
	a.Lifecycle = lifecycle.NewService(repos.products, repos.entries, repos.history, repos.sales, repos.txm, cal)
	a.Ledger.SetDepletionHandler(a.Lifecycle)
	a.Reservation, err = reservation.NewService(repos.locks, repos.products, repos.txm, cal, policy)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Idempotency = repos.idem

	return a, nil
}

// InMemory reports whether the app runs without a database.
func (a *App) InMemory() bool { return a.Pool == nil }

// Scheduler builds the lifecycle job runner. With Redis configured the jobs
// are elected across replicas; otherwise they run locally.
func (a *App) Scheduler(log *logger.Logger) *scheduler.Scheduler {
	var guard scheduler.Guard = scheduler.LocalGuard{}
	if a.redis != nil {
		guard = scheduler.NewRedisGuard(redislock.New(a.redis, "agrimarket"))
	}
	return scheduler.New(
		a.Lifecycle,
		[]scheduler.Purger{a.Reservation, a.Idempotency},
		guard,
		a.Calendar,
		scheduler.Config{
			SweepHour:     a.Config.SweepHour,
			PurgeInterval: a.Config.HoldPurgeInterval,
		},
		log,
	)
}

// Close releases connections.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

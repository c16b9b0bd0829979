// Package scheduler runs the periodic batch lifecycle jobs: the catch-up pass
// on startup, the daily expiry sweep and the periodic purge of dead rows.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"agrimarket/internal/core/calendar"
	appctx "agrimarket/internal/core/context"
	"agrimarket/internal/domain/lifecycle"
	"agrimarket/pkg/logger"
)

// Sweeper closes batches in bulk.
type Sweeper interface {
	SweepExpired(ctx context.Context) (*lifecycle.SweepReport, error)
	CatchUpSoldOut(ctx context.Context) (*lifecycle.SweepReport, error)
}

// Purger removes rows nothing reads any more (dead holds, expired
// idempotency keys).
type Purger interface {
	PurgeStale(ctx context.Context) (int64, error)
}

// Config controls job timing.
type Config struct {
	// SweepHour is the local hour (calendar zone) of the daily expiry sweep.
	SweepHour     int
	PurgeInterval time.Duration

	// GuardAttempts and GuardBackoff bound the retries when the guard itself
	// fails (Redis unreachable). The backoff doubles after every attempt.
	GuardAttempts int
	GuardBackoff  time.Duration
}

// Lease TTLs. A daily sweep lease outlives the day so a replica starting late
// does not repeat it.
const (
	catchUpLeaseTTL = 10 * time.Minute
	sweepLeaseTTL   = 25 * time.Hour
)

// Scheduler drives the jobs until its context ends.
type Scheduler struct {
	sweeper Sweeper
	purgers []Purger
	guard   Guard
	cal     *calendar.Calendar
	cfg     Config
	log     *logger.Logger
}

// New creates a scheduler. A nil guard runs every job locally.
func New(sweeper Sweeper, purgers []Purger, guard Guard, cal *calendar.Calendar, cfg Config, log *logger.Logger) *Scheduler {
	if guard == nil {
		guard = LocalGuard{}
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if cfg.GuardAttempts <= 0 {
		cfg.GuardAttempts = 4
	}
	if cfg.GuardBackoff <= 0 {
		cfg.GuardBackoff = 2 * time.Second
	}
	return &Scheduler{
		sweeper: sweeper,
		purgers: purgers,
		guard:   guard,
		cal:     cal,
		cfg:     cfg,
		log:     log.WithComponent("scheduler"),
	}
}

// Run performs the startup catch-up and then blocks running the daily sweep
// and the purge on schedule.
func (s *Scheduler) Run(ctx context.Context) {
	s.CatchUp(ctx)

	next := s.cal.NextAt(s.cfg.SweepHour)
	sweepTimer := time.NewTimer(time.Until(next))
	defer sweepTimer.Stop()

	purgeTicker := time.NewTicker(s.cfg.PurgeInterval)
	defer purgeTicker.Stop()

	s.log.Infow("scheduler started", "next_sweep", next, "purge_interval", s.cfg.PurgeInterval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-sweepTimer.C:
			s.DailySweep(ctx)
			next = s.cal.NextAt(s.cfg.SweepHour)
			sweepTimer.Reset(time.Until(next))
			s.log.Debugw("next sweep scheduled", "at", next)
		case <-purgeTicker.C:
			s.Purge(ctx)
		}
	}
}

// CatchUp closes everything that should have closed while the process was
// down: expired batches first, then depleted batches whose closure was lost.
func (s *Scheduler) CatchUp(ctx context.Context) {
	s.guarded(ctx, "catch-up", catchUpLeaseTTL, true, func(ctx context.Context) {
		s.runSweep(ctx, s.sweeper.SweepExpired)
		s.runSweep(ctx, s.sweeper.CatchUpSoldOut)
	})
}

// DailySweep runs the expiry sweep at most once per calendar day across replicas.
func (s *Scheduler) DailySweep(ctx context.Context) {
	key := "sweep:" + s.cal.Today().String()
	s.guarded(ctx, key, sweepLeaseTTL, false, func(ctx context.Context) {
		s.runSweep(ctx, s.sweeper.SweepExpired)
	})
}

// Purge runs every purger; one failing does not stop the others.
func (s *Scheduler) Purge(ctx context.Context) {
	s.guarded(ctx, "purge", s.cfg.PurgeInterval/2, true, func(ctx context.Context) {
		for _, p := range s.purgers {
			if _, err := p.PurgeStale(ctx); err != nil {
				s.log.Errorw("purge failed", "purger", fmt.Sprintf("%T", p), "error", err)
			}
		}
	})
}

func (s *Scheduler) runSweep(ctx context.Context, fn func(context.Context) (*lifecycle.SweepReport, error)) {
	report, err := fn(ctx)
	if err != nil {
		s.log.Errorw("sweep failed", "error", err)
		return
	}
	for _, f := range report.Failures {
		s.log.Warnw("product left open by sweep",
			"kind", report.Kind,
			"product_id", f.ProductID,
			"error", f.Err,
		)
	}
}

// guarded runs job under the guard with a fresh job context.
func (s *Scheduler) guarded(ctx context.Context, key string, ttl time.Duration, release bool, job func(context.Context)) {
	jobCtx := appctx.WithActor(ctx, &appctx.ActorContext{ActorID: appctx.SystemActor, Source: "worker"})
	jobCtx = appctx.WithTrace(jobCtx, appctx.NewTraceContext())
	jobCtx = logger.WithLogger(jobCtx, s.log)

	unlock, ok, err := s.tryLock(jobCtx, key, ttl)
	if err != nil {
		s.log.Errorw("job guard failed; job skipped", "job", key, "attempts", s.cfg.GuardAttempts, "error", err)
		return
	}
	if !ok {
		s.log.Debugw("job held by another replica", "job", key)
		return
	}
	if release {
		defer unlock(context.WithoutCancel(jobCtx))
	}
	job(jobCtx)
}

// tryLock retries guard errors with exponential backoff. A lease held by
// another replica is an answer, not an error, and is returned at once.
func (s *Scheduler) tryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context), bool, error) {
	backoff := s.cfg.GuardBackoff
	var err error
	for attempt := 1; ; attempt++ {
		var (
			unlock func(context.Context)
			ok     bool
		)
		unlock, ok, err = s.guard.TryLock(ctx, key, ttl)
		if err == nil {
			return unlock, ok, nil
		}
		if attempt >= s.cfg.GuardAttempts {
			return nil, false, err
		}

		s.log.Warnw("job guard failed, retrying", "job", key, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

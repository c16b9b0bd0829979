// Package main is the entry point for the agrimarket inventory API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"agrimarket/internal/app"
	"agrimarket/internal/config"
	v1 "agrimarket/internal/infrastructure/http/v1"
	"agrimarket/internal/infrastructure/http/v1/handlers"
	"agrimarket/pkg/logger"
	"agrimarket/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.IsDevelopment(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithLogger(ctx, log)

	log.Info("starting agrimarket server")

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to initialize application", "error", err)
	}
	defer a.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	var db handlers.Pinger
	if a.Pool != nil {
		db = a.Pool
	}

	router := v1.NewRouter(v1.RouterConfig{
		Logger:      log,
		DB:          db,
		Products:    a.Products,
		Ledger:      a.Ledger,
		Lifecycle:   a.Lifecycle,
		Reservation: a.Reservation,
		Idempotency: a.Idempotency,
		Metrics:     reg,
	})

	// Without a database there is no separate worker process that could see
	// this server's data, so the lifecycle jobs run here.
	var wg sync.WaitGroup
	if a.InMemory() {
		log.Warn("DATABASE_URL not set: running on in-memory storage with in-process scheduler")
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Scheduler(log).Run(ctx)
		}()
	}

	port := strconv.Itoa(cfg.Port)
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", port, "in_memory", a.InMemory())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}
	cancel()
	wg.Wait()

	log.Info("server stopped")
}

// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agrimarket/internal/core/idempotency"
	"agrimarket/internal/domain/ledger"
	"agrimarket/internal/domain/lifecycle"
	"agrimarket/internal/domain/product"
	"agrimarket/internal/domain/reservation"
	"agrimarket/internal/infrastructure/http/v1/handlers"
	"agrimarket/internal/infrastructure/http/v1/middleware"
	"agrimarket/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	// Logger for request logging
	Logger *logger.Logger

	// DB is pinged by the readiness check; nil for in-memory storage.
	DB handlers.Pinger

	Products    *product.Service
	Ledger      *ledger.Service
	Lifecycle   *lifecycle.Service
	Reservation *reservation.Service

	// Idempotency enables X-Idempotency-Key replay on mutating routes when set.
	Idempotency idempotency.Store

	// Metrics is served on /metrics when set.
	Metrics prometheus.Gatherer
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.Metrics())
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.DB)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
	}

	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Actor())
	if cfg.Idempotency != nil {
		v1.Use(middleware.Idempotency(cfg.Idempotency))
	}

	base := handlers.NewBaseHandler()
	mount(v1, map[string]RouteRegistrar{
		"/products": handlers.NewProductHandler(base, cfg.Products, cfg.Ledger, cfg.Lifecycle, cfg.Reservation),
		"/checkout": handlers.NewCheckoutHandler(base, cfg.Reservation),
	})

	return router
}

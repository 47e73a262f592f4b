package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/cellfn/credits-gateway/internal/config"
	"github.com/cellfn/credits-gateway/internal/dispatcher"
	"github.com/cellfn/credits-gateway/internal/http/middleware"
	"github.com/cellfn/credits-gateway/internal/metrics"
	"github.com/cellfn/credits-gateway/internal/repository"
	"github.com/cellfn/credits-gateway/internal/service/debit"
	"github.com/cellfn/credits-gateway/internal/service/fulfillment"
	"github.com/cellfn/credits-gateway/internal/service/ledger"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client) *Server {
	// repos (MySQL)
	accountsRepo := repository.NewAccountsRepository(mysqlDB)
	creditRepo := repository.NewCreditRepository(mysqlDB)
	entriesRepo := repository.NewEntriesRepository(mysqlDB)
	reservationsRepo := repository.NewReservationsRepository(mysqlDB)
	fulfillmentsRepo := repository.NewFulfillmentsRepository(mysqlDB)
	idemRepo := repository.NewIdempotencyRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)

	// repos (ClickHouse)
	chUsageRepo := repository.NewCHUsageRepository(clickhouseDB)

	// services
	ledgerSvc := ledger.New(mysqlDB, creditRepo, entriesRepo, idemRepo, outboxRepo)
	debitSvc := debit.New(
		mysqlDB,
		creditRepo,
		reservationsRepo,
		entriesRepo,
		idemRepo,
		ledgerSvc,
		cfg.Reservation.TTL,
	)
	fulfillmentSvc := fulfillment.New(mysqlDB, fulfillmentsRepo, ledgerSvc)

	// AI providers
	providers := make([]dispatcher.Provider, 0, len(cfg.AI.Providers))
	for _, pc := range cfg.AI.Providers {
		if !pc.Enabled {
			continue
		}
		providers = append(providers, dispatcher.NewHTTPProvider(
			pc.Name,
			pc.BaseURL,
			pc.CompletePath,
			pc.TimeoutMs,
			pc.Breaker.FailThreshold,
			pc.Breaker.OpenForMs,
		))
	}
	disp := dispatcher.NewDispatcher(providers, cfg.AI.MaxAttempts)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// provider-facing; authenticated by signature, not API key
	e.POST("/v1/payments/webhook", webhookHandler(fulfillmentSvc, cfg.Webhook))

	// middlewares
	authMW := middleware.APIKeyMiddleware(accountsRepo)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:acct:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/formulas/invoke", invokeHandler(debitSvc, disp, cfg.Pricing, cfg.AI.MaxInputLen))
	v1.GET("/credits/balance", balanceHandler(ledgerSvc))
	v1.GET("/credits/history", historyHandler(ledgerSvc))
	v1.GET("/reports/usage", usageReportHandler(chUsageRepo))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

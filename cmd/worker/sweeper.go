package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cellfn/credits-gateway/internal/config"
	"github.com/cellfn/credits-gateway/internal/db"
	"github.com/cellfn/credits-gateway/internal/logger"
	"github.com/cellfn/credits-gateway/internal/metrics"
	"github.com/cellfn/credits-gateway/internal/repository"
	"github.com/cellfn/credits-gateway/internal/service/debit"
	"github.com/cellfn/credits-gateway/internal/service/ledger"
	"github.com/cellfn/credits-gateway/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var sweeperCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Release expired credit reservations",
	RunE:  runSweeper,
}

func runSweeper(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(cfg.Log.Level)
	defer logger.Sync()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) DB connection (MySQL)
	dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	// 3) services
	creditRepo := repository.NewCreditRepository(dbx)
	entriesRepo := repository.NewEntriesRepository(dbx)
	idemRepo := repository.NewIdempotencyRepository(dbx)

	ledgerSvc := ledger.New(dbx, creditRepo, entriesRepo, idemRepo, repository.NewOutboxRepository(dbx))
	debitSvc := debit.New(
		dbx,
		creditRepo,
		repository.NewReservationsRepository(dbx),
		entriesRepo,
		idemRepo,
		ledgerSvc,
		cfg.Reservation.TTL,
	)

	w := worker.NewSweeper(debitSvc, cfg.Reservation.SweepInterval, cfg.Reservation.SweepBatch)

	// 4) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf(">> reservation sweeper started interval=%s batch=%d", w.Interval, w.Batch)

	return w.Run(ctx)
}

package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cellfn/credits-gateway/internal/config"
	"github.com/cellfn/credits-gateway/internal/db"
	"github.com/cellfn/credits-gateway/internal/kafka"
	"github.com/cellfn/credits-gateway/internal/logger"
	"github.com/cellfn/credits-gateway/internal/metrics"
	"github.com/cellfn/credits-gateway/internal/repository"
	"github.com/cellfn/credits-gateway/internal/service/ledger"
	"github.com/cellfn/credits-gateway/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Project ledger entries from Kafka into ClickHouse",
	RunE:  runUsage,
}

func runUsage(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(cfg.Log.Level)
	defer logger.Sync()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) ClickHouse connection
	chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.ClickHouseOpts{
		MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
		PingTimeout:     cfg.ClickHouse.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	defer chDB.Close()

	usageRepo := repository.NewCHUsageRepository(chDB)

	// 3) kafka consumer on the entries topic
	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "credgw"
	}
	groupID = groupID + "-usage"

	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          ledger.EntriesTopic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	w := worker.NewUsageProjector(consumer, usageRepo, cfg.Usage.BatchSize, cfg.Usage.BatchWait)

	// 4) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf(">> usage projector started topic=%s group=%s batchSize=%d batchWait=%s",
		ledger.EntriesTopic, groupID, w.BatchSize, w.BatchWait)

	return w.Run(ctx)
}

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cellfn/credits-gateway/internal/config"
	"github.com/cellfn/credits-gateway/internal/db"
	"github.com/spf13/cobra"
)

var migrateClickHouse bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations (dev: DROP & CREATE tables)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if migrateClickHouse {
			return migrateClickHouseSchema(cfg)
		}
		return migrateMySQLSchema(cfg)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateClickHouse, "clickhouse", false, "migrate the ClickHouse usage schema instead of MySQL")
}

func migrateMySQLSchema(cfg config.Config) error {
	opts := db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	}
	sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, opts)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer sqlDB.Close()

	sqlPath := filepath.Join("migrations", "001_init.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		return fmt.Errorf("read migration file %s: %w", sqlPath, err)
	}

	if _, err := sqlDB.Exec("SET FOREIGN_KEY_CHECKS = 0"); err != nil {
		return fmt.Errorf("disable fk checks: %w", err)
	}
	if _, err := sqlDB.Exec(string(sqlBytes)); err != nil {
		_, _ = sqlDB.Exec("SET FOREIGN_KEY_CHECKS = 1")
		return fmt.Errorf("exec migration: %w", err)
	}
	if _, err := sqlDB.Exec("SET FOREIGN_KEY_CHECKS = 1"); err != nil {
		return fmt.Errorf("enable fk checks: %w", err)
	}

	fmt.Println(">> Migration complete ✅")
	return nil
}

func migrateClickHouseSchema(cfg config.Config) error {
	chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.ClickHouseOpts{
		MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
		PingTimeout:     cfg.ClickHouse.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("open clickhouse: %w", err)
	}
	defer chDB.Close()

	sqlPath := filepath.Join("migrations", "clickhouse", "001_usage.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		return fmt.Errorf("read migration file %s: %w", sqlPath, err)
	}

	// the clickhouse driver executes one statement at a time
	for _, stmt := range strings.Split(string(sqlBytes), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := chDB.Exec(stmt); err != nil {
			return fmt.Errorf("exec clickhouse migration: %w", err)
		}
	}

	fmt.Println(">> ClickHouse migration complete ✅")
	return nil
}

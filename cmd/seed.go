package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cellfn/credits-gateway/internal/config"
	"github.com/cellfn/credits-gateway/internal/db"
	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/cellfn/credits-gateway/internal/repository"
	"github.com/cellfn/credits-gateway/internal/service/ledger"
	"github.com/cellfn/credits-gateway/internal/util"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// 2) connect MySQL
		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo accounts...")

		ids, err := seedAccounts(sqlDB)
		if err != nil {
			return err
		}
		if err := grantTrials(cmd.Context(), sqlDB, cfg.Trial.Credits, ids); err != nil {
			return err
		}

		log.Println(">> Seed completed ✅")
		return nil
	},
}

// seedAccounts upserts 5 deterministic demo accounts keyed by api_key and
// returns the ids of the active ones. Re-running keeps existing ids.
func seedAccounts(dbx *sqlx.DB) ([]string, error) {
	accounts := []model.Account{
		{
			Email:        "ops@acme-sheets.example",
			APIKey:       "11111111111111111111111111111111",
			Status:       "active",
			RateLimitRPS: intptr(20),
		},
		{
			Email:        "data@foobar.example",
			APIKey:       "22222222222222222222222222222222",
			Status:       "active",
			RateLimitRPS: intptr(50),
		},
		{
			Email:        "beta@testers.example",
			APIKey:       "33333333333333333333333333333333",
			Status:       "active",
			RateLimitRPS: intptr(5),
		},
		{
			Email:        "billing@suspended.example",
			APIKey:       "44444444444444444444444444444444",
			Status:       "suspended",
			RateLimitRPS: nil,
		},
		{
			Email:        "api@power-partner.example",
			APIKey:       "55555555555555555555555555555555",
			Status:       "active",
			RateLimitRPS: intptr(100),
		},
	}

	// idempotent upsert based on api_key (UNIQUE); id survives re-runs
	const q = `
INSERT INTO accounts
    (id, email, api_key, status, rate_limit_rps, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    email          = VALUES(email),
    status         = VALUES(status),
    rate_limit_rps = VALUES(rate_limit_rps),
    updated_at     = VALUES(updated_at)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	for _, a := range accounts {
		if _, err := tx.Exec(q, util.NewUUID(), a.Email, a.APIKey, a.Status, a.RateLimitRPS, now, now); err != nil {
			return nil, fmt.Errorf("insert account %q: %w", a.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit accounts: %w", err)
	}

	var ids []string
	for _, a := range accounts {
		if a.Status != "active" {
			continue
		}
		var id string
		if err := dbx.Get(&id, `SELECT id FROM accounts WHERE api_key = ?`, a.APIKey); err != nil {
			return nil, fmt.Errorf("read back account %q: %w", a.Email, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// grantTrials gives each active demo account its one-time trial grant. The
// idempotency key is derived from the account id, so re-running the seed
// never grants twice.
func grantTrials(ctx context.Context, dbx *sqlx.DB, credits int64, ids []string) error {
	if credits <= 0 {
		log.Println(">> trial credits disabled, skipping grants")
		return nil
	}

	ledgerSvc := ledger.New(
		dbx,
		repository.NewCreditRepository(dbx),
		repository.NewEntriesRepository(dbx),
		repository.NewIdempotencyRepository(dbx),
		repository.NewOutboxRepository(dbx),
	)

	granted := 0
	for _, id := range ids {
		_, err := ledgerSvc.Apply(ctx, ledger.ApplyParams{
			AccountID:   id,
			Delta:       credits,
			Reason:      model.ReasonTrialGrant,
			ExternalRef: "seed",
			IdemKey:     "trial-" + id,
			IdemScope:   "trial",
		})
		if errors.Is(err, ledger.ErrDuplicateKey) {
			continue
		}
		if err != nil {
			return fmt.Errorf("trial grant for %s: %w", id, err)
		}
		granted++
	}

	log.Printf(">> granted %d trial credits to %d account(s)", credits, granted)
	return nil
}

func intptr(i int) *int { return &i }

package repository

import (
	"context"

	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// EntriesRepository persists ledger_entries rows. Entries are append-only:
// there is no update or delete; corrections are new compensating entries.
type EntriesRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, e *model.LedgerEntry) error
	GetByID(ctx context.Context, tx *sqlx.Tx, id string) (*model.LedgerEntry, error)
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]model.LedgerEntry, error)
}

type entriesRepo struct {
	db *sqlx.DB
}

func NewEntriesRepository(db *sqlx.DB) EntriesRepository { return &entriesRepo{db: db} }

// ext picks the open transaction when there is one, the pool otherwise.
func (r *entriesRepo) ext(tx *sqlx.Tx) sqlx.ExtContext {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *entriesRepo) Insert(ctx context.Context, tx *sqlx.Tx, e *model.LedgerEntry) error {
	_, err := r.ext(tx).ExecContext(ctx, `
		INSERT INTO ledger_entries
		    (id, account_id, seq, delta, reason, external_ref, balance_after, created_at)
		VALUES
		    (?,  ?,          ?,   ?,     ?,      ?,            ?,             ?)
	`, e.ID, e.AccountID, e.Seq, e.Delta, e.Reason.String(), e.ExternalRef, e.BalanceAfter, e.CreatedAt)
	return err
}

func (r *entriesRepo) GetByID(ctx context.Context, tx *sqlx.Tx, id string) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := sqlx.GetContext(ctx, r.ext(tx), &e, `
		SELECT id, account_id, seq, delta, reason, external_ref, balance_after, created_at
		  FROM ledger_entries
		 WHERE id = ? LIMIT 1
	`, id)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListByAccount returns a page of entries, newest first.
func (r *entriesRepo) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var rows []model.LedgerEntry
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, seq, delta, reason, external_ref, balance_after, created_at
		  FROM ledger_entries
		 WHERE account_id = ?
		 ORDER BY seq DESC
		 LIMIT ? OFFSET ?
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

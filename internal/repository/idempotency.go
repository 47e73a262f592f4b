package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// IdempotencyRepository is the durable insert-if-absent guard for operations
// that external callers may retry (debit commits, trial grants). Rows carry
// the ledger entry they produced so a replay can return the original result.
// Rows have no TTL: they must outlive the longest retry window of any caller.
type IdempotencyRepository interface {
	InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, key, scope, entryID string) (inserted bool, err error)
	GetEntryID(ctx context.Context, tx *sqlx.Tx, key string) (string, error)
}

type idempotencyRepo struct {
	db *sqlx.DB
}

func NewIdempotencyRepository(db *sqlx.DB) IdempotencyRepository { return &idempotencyRepo{db: db} }

func (r *idempotencyRepo) ext(tx *sqlx.Tx) sqlx.ExtContext {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *idempotencyRepo) InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, key, scope, entryID string) (bool, error) {
	res, err := r.ext(tx).ExecContext(ctx, `
		INSERT INTO idempotency_keys (idem_key, scope, entry_id, created_at)
		VALUES (?, ?, ?, NOW())
		ON DUPLICATE KEY UPDATE idem_key = idem_key
	`, key, scope, entryID)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *idempotencyRepo) GetEntryID(ctx context.Context, tx *sqlx.Tx, key string) (string, error) {
	var entryID string
	err := sqlx.GetContext(ctx, r.ext(tx), &entryID, `
		SELECT entry_id FROM idempotency_keys WHERE idem_key = ? LIMIT 1
	`, key)
	if err != nil {
		return "", err
	}
	return entryID, nil
}

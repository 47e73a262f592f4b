package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

type CreditRepository interface {
	// EnsureRow creates the credit row for an existing account. It inserts
	// nothing when the account id is unknown, so a following GetForUpdate
	// distinguishes "no such account" from "zero balance".
	EnsureRow(ctx context.Context, tx *sqlx.Tx, accountID string) error
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, accountID string) (balance, reserved, entrySeq int64, err error)
	Adjust(ctx context.Context, tx *sqlx.Tx, accountID string, deltaBalance, deltaReserved, deltaSeq int64) error

	GetSnapshot(ctx context.Context, accountID string) (balance, reserved int64, err error)
}

type creditRepo struct {
	db *sqlx.DB
}

func NewCreditRepository(db *sqlx.DB) CreditRepository { return &creditRepo{db: db} }

func (r *creditRepo) EnsureRow(ctx context.Context, tx *sqlx.Tx, accountID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (account_id, balance, reserved, entry_seq, created_at, updated_at)
		SELECT a.id, 0, 0, 0, NOW(), NOW()
		FROM accounts a
		WHERE a.id = ?
		ON DUPLICATE KEY UPDATE account_id = account_id
	`, accountID)
	return err
}

func (r *creditRepo) GetForUpdate(ctx context.Context, tx *sqlx.Tx, accountID string) (int64, int64, int64, error) {
	var bal, rsv, seq int64
	err := tx.QueryRowxContext(ctx, `
		SELECT balance, reserved, entry_seq
		FROM credit_accounts
		WHERE account_id = ?
		FOR UPDATE
	`, accountID).Scan(&bal, &rsv, &seq)
	return bal, rsv, seq, err
}

func (r *creditRepo) Adjust(ctx context.Context, tx *sqlx.Tx, accountID string, dBal, dRsv, dSeq int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance + ?, reserved = reserved + ?, entry_seq = entry_seq + ?, updated_at = NOW()
		WHERE account_id = ?
	`, dBal, dRsv, dSeq, accountID)
	return err
}

// GetSnapshot is a lock-free read. A known account without a credit row reads
// as zero; an unknown account returns sql.ErrNoRows.
func (r *creditRepo) GetSnapshot(ctx context.Context, accountID string) (int64, int64, error) {
	var bal, rsv int64
	err := r.db.QueryRowxContext(ctx, `
		SELECT COALESCE(c.balance, 0), COALESCE(c.reserved, 0)
		FROM accounts a
		LEFT JOIN credit_accounts c ON c.account_id = a.id
		WHERE a.id = ?
	`, accountID).Scan(&bal, &rsv)
	return bal, rsv, err
}

package model

import "time"

type Account struct {
	ID           string    `db:"id"` // UUID
	Email        string    `db:"email"`
	APIKey       string    `db:"api_key"`
	Status       string    `db:"status"`         // active|suspended
	RateLimitRPS *int      `db:"rate_limit_rps"` // nullable
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// CreditAccount is the money side of an account: cached balance, the sum of
// open holds, and the sequence of the last ledger entry written for it.
type CreditAccount struct {
	AccountID string    `db:"account_id"`
	Balance   int64     `db:"balance"`
	Reserved  int64     `db:"reserved"`
	EntrySeq  int64     `db:"entry_seq"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// BalanceSnapshot is a point-in-time read for API responses.
type BalanceSnapshot struct {
	Balance   int64 `json:"balance"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

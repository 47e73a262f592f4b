package model

import (
	"strings"
	"time"
)

type EntryReason string

const (
	ReasonPurchase   EntryReason = "purchase"
	ReasonDebit      EntryReason = "debit"
	ReasonRefund     EntryReason = "refund"
	ReasonTrialGrant EntryReason = "trial_grant"
)

func (r EntryReason) String() string {
	return string(r)
}

func (r EntryReason) Valid() bool {
	return r == ReasonPurchase || r == ReasonDebit || r == ReasonRefund || r == ReasonTrialGrant
}

// ParseEntryReason normalizes input. Returns (value, true) if valid.
func ParseEntryReason(s string) (EntryReason, bool) {
	r := EntryReason(strings.ToLower(strings.TrimSpace(s)))
	if r.Valid() {
		return r, true
	}
	return "", false
}

// LedgerEntry is an immutable row in ledger_entries. Seq is gapless per
// account; BalanceAfter is the account balance once this entry is applied.
type LedgerEntry struct {
	ID           string      `db:"id" json:"id"`
	AccountID    string      `db:"account_id" json:"account_id"`
	Seq          int64       `db:"seq" json:"seq"`
	Delta        int64       `db:"delta" json:"delta"`
	Reason       EntryReason `db:"reason" json:"reason"`
	ExternalRef  string      `db:"external_ref" json:"external_ref"`
	BalanceAfter int64       `db:"balance_after" json:"balance_after"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
}

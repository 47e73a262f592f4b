package model

import "time"

// EntryEnvelope is the payload published to Kafka (via Debezium outbox SMT)
// for every applied ledger entry, and the row shape of the ClickHouse
// usage_entries projection.
type EntryEnvelope struct {
	EntryID      string    `json:"entry_id" db:"entry_id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	Seq          int64     `json:"seq" db:"seq"`
	Delta        int64     `json:"delta" db:"delta"`
	Reason       string    `json:"reason" db:"reason"`
	ExternalRef  string    `json:"external_ref" db:"external_ref"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

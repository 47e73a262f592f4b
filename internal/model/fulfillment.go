package model

import "time"

type FulfillmentStatus string

const (
	FulfillmentReceived FulfillmentStatus = "received"
	FulfillmentApplied  FulfillmentStatus = "applied"
	FulfillmentRejected FulfillmentStatus = "rejected"
)

func (s FulfillmentStatus) String() string {
	return string(s)
}

// EventTypeCheckoutCompleted is the only provider event type that credits an
// account. Everything else is recorded and acknowledged without effect.
const EventTypeCheckoutCompleted = "checkout.completed"

// FulfillmentEvent is one provider notification. The primary key on
// ProviderEventID is the idempotency guard for the whole purchase pipeline.
type FulfillmentEvent struct {
	ProviderEventID string            `db:"provider_event_id"`
	EventType       string            `db:"event_type"`
	PayloadHash     string            `db:"payload_hash"` // sha256 hex of the raw body
	AccountID       *string           `db:"account_id"`   // nullable for unhandled types
	Credits         int64             `db:"credits"`
	Status          FulfillmentStatus `db:"status"`
	EntryID         *string           `db:"entry_id"` // set once applied
	Note            string            `db:"note"`
	CreatedAt       time.Time         `db:"created_at"`
	ProcessedAt     *time.Time        `db:"processed_at"`
}

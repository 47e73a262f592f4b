package model

import "time"

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

func (s ReservationStatus) String() string {
	return string(s)
}

func (s ReservationStatus) Valid() bool {
	return s == ReservationHeld || s == ReservationCommitted || s == ReservationReleased
}

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationCommitted || s == ReservationReleased
}

// Reservation is a hold against available credits. It never touches the
// ledger by itself; committing it writes the debit entry.
type Reservation struct {
	ID        string            `db:"id"` // ULID
	AccountID string            `db:"account_id"`
	Amount    int64             `db:"amount"`
	Status    ReservationStatus `db:"status"`
	ExpiresAt time.Time         `db:"expires_at"`
	CreatedAt time.Time         `db:"created_at"`
	UpdatedAt time.Time         `db:"updated_at"`
}

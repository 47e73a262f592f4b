package debit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/cellfn/credits-gateway/internal/repository"
	"github.com/cellfn/credits-gateway/internal/service/ledger"
	"github.com/cellfn/credits-gateway/internal/util"
	"github.com/jmoiron/sqlx"
)

// IdemScopeCommit namespaces reservation commits in idempotency_keys.
const IdemScopeCommit = "commit"

var (
	// ErrReservationNotFound means the id does not exist.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationNotHeld rejects a commit against a released reservation.
	ErrReservationNotHeld = errors.New("reservation not held")
)

// Ledger is the slice of the ledger service the coordinator composes with:
// the in-transaction apply, so commit's debit entry and the reservation flip
// share one commit point.
type Ledger interface {
	ApplyTx(ctx context.Context, tx *sqlx.Tx, p ledger.ApplyParams) (*model.LedgerEntry, error)
}

// Service runs the reserve/commit/release protocol. A reservation holds
// credits against the balance without writing ledger entries; only a commit
// spends them. Either terminal transition (committed, released) frees the
// hold exactly once.
type Service struct {
	db           *sqlx.DB
	credit       repository.CreditRepository
	reservations repository.ReservationsRepository
	entries      repository.EntriesRepository
	idem         repository.IdempotencyRepository
	ledger       Ledger
	ttl          time.Duration
}

func New(
	db *sqlx.DB,
	creditRepo repository.CreditRepository,
	reservationsRepo repository.ReservationsRepository,
	entriesRepo repository.EntriesRepository,
	idemRepo repository.IdempotencyRepository,
	ledgerSvc Ledger,
	ttl time.Duration,
) *Service {
	return &Service{
		db:           db,
		credit:       creditRepo,
		reservations: reservationsRepo,
		entries:      entriesRepo,
		idem:         idemRepo,
		ledger:       ledgerSvc,
		ttl:          ttl,
	}
}

func (s *Service) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if s.db == nil {
		return fn(nil)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Reserve places a hold of amount credits. It fails fast on available
// balance, before the caller spends anything on providers, and writes no
// ledger entry.
func (s *Service) Reserve(ctx context.Context, accountID string, amount int64) (*model.Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit: non-positive amount %d", amount)
	}

	var rsv *model.Reservation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.credit.EnsureRow(ctx, tx, accountID); err != nil {
			return fmt.Errorf("ensure credit row: %w", err)
		}

		balance, reserved, _, err := s.credit.GetForUpdate(ctx, tx, accountID)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("credit get for update: %w", err)
		}

		if balance-reserved < amount {
			return ledger.ErrInsufficientBalance
		}

		rsv = &model.Reservation{
			ID:        util.NewULID(),
			AccountID: accountID,
			Amount:    amount,
			Status:    model.ReservationHeld,
			ExpiresAt: time.Now().UTC().Add(s.ttl),
		}
		if err := s.reservations.Insert(ctx, tx, rsv); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		if err := s.credit.Adjust(ctx, tx, accountID, 0, amount, 0); err != nil {
			return fmt.Errorf("bump reserved: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rsv, nil
}

// Commit spends a held reservation: one debit entry, reserved and balance
// both drop by the held amount, and the reservation flips to committed.
// Committing an already-committed reservation replays the original entry.
// Reason defaults to debit; callers that charge differently for partial
// results pass their own debit-class reason.
func (s *Service) Commit(ctx context.Context, reservationID string, reason model.EntryReason) (*model.LedgerEntry, error) {
	if reason == "" {
		reason = model.ReasonDebit
	}

	var entry *model.LedgerEntry
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		rsv, err := s.reservations.GetForUpdate(ctx, tx, reservationID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrReservationNotFound
		}
		if err != nil {
			return fmt.Errorf("reservation get for update: %w", err)
		}

		switch rsv.Status {
		case model.ReservationReleased:
			return ErrReservationNotHeld
		case model.ReservationCommitted:
			entry, err = s.committedEntry(ctx, tx, reservationID)
			return err
		}

		entry, err = s.ledger.ApplyTx(ctx, tx, ledger.ApplyParams{
			AccountID:   rsv.AccountID,
			Delta:       -rsv.Amount,
			Reason:      reason,
			ExternalRef: reservationID,
			IdemKey:     reservationID,
			IdemScope:   IdemScopeCommit,
		})
		if err != nil {
			return fmt.Errorf("apply debit: %w", err)
		}

		if err := s.credit.Adjust(ctx, tx, rsv.AccountID, 0, -rsv.Amount, 0); err != nil {
			return fmt.Errorf("drop reserved: %w", err)
		}

		if err := s.reservations.UpdateStatus(ctx, tx, reservationID, model.ReservationCommitted); err != nil {
			return fmt.Errorf("mark committed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// committedEntry replays the debit a previous commit of this reservation
// recorded.
func (s *Service) committedEntry(ctx context.Context, tx *sqlx.Tx, reservationID string) (*model.LedgerEntry, error) {
	entryID, err := s.idem.GetEntryID(ctx, tx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("committed reservation %s has no guard row: %w", reservationID, err)
	}
	entry, err := s.entries.GetByID(ctx, tx, entryID)
	if err != nil {
		return nil, fmt.Errorf("replay entry %q: %w", entryID, err)
	}
	return entry, nil
}

// Release frees a hold without spending it. Terminal reservations are a
// no-op, so retries and sweeper races are harmless.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	_, err := s.release(ctx, reservationID)
	return err
}

func (s *Service) release(ctx context.Context, reservationID string) (bool, error) {
	released := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		rsv, err := s.reservations.GetForUpdate(ctx, tx, reservationID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrReservationNotFound
		}
		if err != nil {
			return fmt.Errorf("reservation get for update: %w", err)
		}

		if rsv.Status.Terminal() {
			return nil
		}

		if err := s.credit.Adjust(ctx, tx, rsv.AccountID, 0, -rsv.Amount, 0); err != nil {
			return fmt.Errorf("drop reserved: %w", err)
		}
		if err := s.reservations.UpdateStatus(ctx, tx, reservationID, model.ReservationReleased); err != nil {
			return fmt.Errorf("mark released: %w", err)
		}
		released = true
		return nil
	})
	return released, err
}

// ReleaseExpired sweeps one batch of overdue holds. Each release runs in its
// own transaction and re-checks status under the row lock, so a reservation
// committed between the scan and the release is left alone. Returns how many
// holds it actually freed.
func (s *Service) ReleaseExpired(ctx context.Context, batch int) (int, error) {
	ids, err := s.reservations.ListExpiredIDs(ctx, time.Now().UTC(), batch)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}

	released := 0
	for _, id := range ids {
		ok, err := s.release(ctx, id)
		if err != nil {
			return released, fmt.Errorf("release %s: %w", id, err)
		}
		if ok {
			released++
		}
	}
	return released, nil
}

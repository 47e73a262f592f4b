package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cellfn/credits-gateway/internal/logger"
	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/cellfn/credits-gateway/internal/repository"
	"github.com/cellfn/credits-gateway/internal/service/ledger"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Result is what a processed notification came to. Duplicate and rejected are
// both acknowledged to the provider; only errors make it retry.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultRejected  Result = "rejected"
)

var (
	// ErrSignatureInvalid covers every way a signature header can fail:
	// missing, malformed, stale, or wrong MAC.
	ErrSignatureInvalid = errors.New("invalid webhook signature")
	// ErrAmountInvalid rejects a checkout whose credit amount is not a
	// positive integer, before anything is written.
	ErrAmountInvalid = errors.New("invalid credit amount")
)

// errDuplicateEvent aborts the transaction when the event row already exists.
// The rollback discards nothing; the original row stays as committed.
var errDuplicateEvent = errors.New("duplicate provider event")

// Notification is one parsed provider event, extracted by the webhook handler
// after signature verification.
type Notification struct {
	EventID     string
	EventType   string
	AccountID   string
	Credits     int64
	PayloadHash string
}

// Ledger is the in-transaction slice of the ledger service the processor
// composes with.
type Ledger interface {
	ApplyTx(ctx context.Context, tx *sqlx.Tx, p ledger.ApplyParams) (*model.LedgerEntry, error)
}

// Service turns provider payment notifications into purchase entries, exactly
// once per provider event id. The fulfillment_events primary key is the
// idempotency guard: the row is inserted first, and the grant rides the same
// transaction, so a crash or failure anywhere leaves either both or neither.
type Service struct {
	db     *sqlx.DB
	events repository.FulfillmentsRepository
	ledger Ledger
}

func New(db *sqlx.DB, eventsRepo repository.FulfillmentsRepository, ledgerSvc Ledger) *Service {
	return &Service{db: db, events: eventsRepo, ledger: ledgerSvc}
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

// Process records the event and, for checkout.completed, credits the account.
// Replays of an already-recorded event id return ResultDuplicate and write
// nothing. Unhandled event types are recorded rejected and acknowledged.
// ErrAccountNotFound rolls the whole transaction back, event row included, so
// the provider's retry can still apply once the account exists.
func (s *Service) Process(ctx context.Context, n Notification) (Result, error) {
	if n.EventID == "" {
		return "", fmt.Errorf("fulfillment: empty event id")
	}
	checkout := n.EventType == model.EventTypeCheckoutCompleted
	if checkout && n.Credits <= 0 {
		return "", fmt.Errorf("%w: %d", ErrAmountInvalid, n.Credits)
	}

	var result Result
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		ev := &model.FulfillmentEvent{
			ProviderEventID: n.EventID,
			EventType:       n.EventType,
			PayloadHash:     n.PayloadHash,
			Credits:         n.Credits,
			Status:          model.FulfillmentReceived,
		}
		if n.AccountID != "" {
			ev.AccountID = &n.AccountID
		}
		if !checkout {
			now := time.Now().UTC()
			ev.Status = model.FulfillmentRejected
			ev.Note = "unhandled event type"
			ev.ProcessedAt = &now
		}

		inserted, err := s.events.InsertIfAbsent(ctx, tx, ev)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if !inserted {
			return errDuplicateEvent
		}

		if !checkout {
			result = ResultRejected
			return nil
		}

		entry, err := s.ledger.ApplyTx(ctx, tx, ledger.ApplyParams{
			AccountID:   n.AccountID,
			Delta:       n.Credits,
			Reason:      model.ReasonPurchase,
			ExternalRef: n.EventID,
		})
		if err != nil {
			return fmt.Errorf("apply purchase: %w", err)
		}

		if err := s.events.MarkApplied(ctx, tx, n.EventID, entry.ID); err != nil {
			return fmt.Errorf("mark applied: %w", err)
		}
		result = ResultApplied
		return nil
	})
	if errors.Is(err, errDuplicateEvent) {
		prior, gerr := s.events.Get(ctx, n.EventID)
		if gerr != nil {
			return "", fmt.Errorf("read duplicate event %q: %w", n.EventID, gerr)
		}
		if prior.PayloadHash != n.PayloadHash {
			logger.Log.Warn("provider event replayed with different payload",
				zap.String("provider_event_id", n.EventID),
				zap.String("stored_hash", prior.PayloadHash),
				zap.String("replay_hash", n.PayloadHash),
			)
		}
		return ResultDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	return result, nil
}

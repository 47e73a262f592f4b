package repository

import (
	"context"
	"fmt"

	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

type FulfillmentsRepository interface {
	// InsertIfAbsent writes the event row keyed on provider_event_id.
	// It reports inserted=false when the key already exists, leaving the
	// stored row untouched. The primary key makes this the idempotency
	// guard for the purchase path.
	InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, ev *model.FulfillmentEvent) (inserted bool, err error)
	Get(ctx context.Context, providerEventID string) (*model.FulfillmentEvent, error)
	MarkApplied(ctx context.Context, tx *sqlx.Tx, providerEventID, entryID string) error
}

type fulfillmentsRepo struct {
	db *sqlx.DB
}

func NewFulfillmentsRepository(db *sqlx.DB) FulfillmentsRepository {
	return &fulfillmentsRepo{db: db}
}

func (r *fulfillmentsRepo) InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, ev *model.FulfillmentEvent) (bool, error) {
	// `PK = PK` keeps the statement a no-op on replay; RowsAffected is 1
	// for a fresh row and 0 for a duplicate.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO fulfillment_events
		    (provider_event_id, event_type, payload_hash, account_id, credits, status, entry_id, note, created_at, processed_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, NOW(), ?)
		ON DUPLICATE KEY UPDATE provider_event_id = provider_event_id
	`, ev.ProviderEventID, ev.EventType, ev.PayloadHash, ev.AccountID, ev.Credits,
		ev.Status.String(), ev.EntryID, ev.Note, ev.ProcessedAt)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fulfillment rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *fulfillmentsRepo) Get(ctx context.Context, providerEventID string) (*model.FulfillmentEvent, error) {
	var ev model.FulfillmentEvent
	err := r.db.GetContext(ctx, &ev, `
		SELECT provider_event_id, event_type, payload_hash, account_id, credits,
		       status, entry_id, note, created_at, processed_at
		  FROM fulfillment_events
		 WHERE provider_event_id = ? LIMIT 1
	`, providerEventID)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *fulfillmentsRepo) MarkApplied(ctx context.Context, tx *sqlx.Tx, providerEventID, entryID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE fulfillment_events
		   SET status = 'applied', entry_id = ?, processed_at = NOW()
		 WHERE provider_event_id = ?
	`, entryID, providerEventID)
	return err
}

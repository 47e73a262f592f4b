package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/cellfn/credits-gateway/internal/repository"
	"github.com/cellfn/credits-gateway/internal/util"
	"github.com/jmoiron/sqlx"
)

// EntriesTopic carries one envelope per applied ledger entry, relayed from
// the outbox table to Kafka for the usage projection.
const EntriesTopic = "credits.entries"

var (
	// ErrInsufficientBalance rejects a debit that would take the balance
	// below zero. User-facing; the caller should not retry.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAccountNotFound means the identity layer handed us an account id
	// that does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrDuplicateKey reports that an idempotency key was already used. The
	// entry returned alongside it is the one the original call produced.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// ApplyParams describes one balance change.
type ApplyParams struct {
	AccountID   string
	Delta       int64
	Reason      model.EntryReason
	ExternalRef string

	// IdemKey, when set, registers an idempotency guard row in the same
	// transaction as the entry. A replayed key aborts the apply and returns
	// the original entry with ErrDuplicateKey.
	IdemKey   string
	IdemScope string
}

// Service is the single write path for account balances. Every change is an
// immutable ledger entry plus an adjustment of the cached balance, committed
// together under the account's row lock, so replaying the entries from zero
// always reproduces the balance.
type Service struct {
	db      *sqlx.DB
	credit  repository.CreditRepository
	entries repository.EntriesRepository
	idem    repository.IdempotencyRepository
	outbox  repository.OutboxRepository
}

func New(
	db *sqlx.DB,
	creditRepo repository.CreditRepository,
	entriesRepo repository.EntriesRepository,
	idemRepo repository.IdempotencyRepository,
	outboxRepo repository.OutboxRepository,
) *Service {
	return &Service{
		db:      db,
		credit:  creditRepo,
		entries: entriesRepo,
		idem:    idemRepo,
		outbox:  outboxRepo,
	}
}

// withTx runs fn in a fresh transaction and commits when it returns nil.
// A nil db runs fn with a nil tx; repositories tolerate that the same way,
// which is what lets in-memory fakes stand in for the database.
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

// Apply writes one entry in its own transaction.
func (s *Service) Apply(ctx context.Context, p ApplyParams) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		entry, err = s.ApplyTx(ctx, tx, p)
		return err
	})
	if errors.Is(err, ErrDuplicateKey) && entry != nil {
		// Nothing was written; the rolled-back transaction only read the
		// original entry back.
		return entry, ErrDuplicateKey
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ApplyTx composes inside a caller-owned transaction (fulfillment apply,
// debit commit). It locks the account's credit row, so per-account calls
// serialize and the seq/balance pair can never drift.
func (s *Service) ApplyTx(ctx context.Context, tx *sqlx.Tx, p ApplyParams) (*model.LedgerEntry, error) {
	if !p.Reason.Valid() {
		return nil, fmt.Errorf("ledger: invalid reason %q", p.Reason)
	}
	if p.Delta == 0 {
		return nil, fmt.Errorf("ledger: zero delta for account %s", p.AccountID)
	}

	if err := s.credit.EnsureRow(ctx, tx, p.AccountID); err != nil {
		return nil, fmt.Errorf("ensure credit row: %w", err)
	}

	balance, _, seq, err := s.credit.GetForUpdate(ctx, tx, p.AccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credit get for update: %w", err)
	}

	entryID := util.NewULID()

	if p.IdemKey != "" {
		inserted, err := s.idem.InsertIfAbsent(ctx, tx, p.IdemKey, p.IdemScope, entryID)
		if err != nil {
			return nil, fmt.Errorf("idempotency insert: %w", err)
		}
		if !inserted {
			prior, err := s.replay(ctx, tx, p.IdemKey)
			if err != nil {
				return nil, err
			}
			return prior, ErrDuplicateKey
		}
	}

	if p.Delta < 0 && balance+p.Delta < 0 {
		return nil, ErrInsufficientBalance
	}

	entry := &model.LedgerEntry{
		ID:           entryID,
		AccountID:    p.AccountID,
		Seq:          seq + 1,
		Delta:        p.Delta,
		Reason:       p.Reason,
		ExternalRef:  p.ExternalRef,
		BalanceAfter: balance + p.Delta,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.entries.Insert(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}

	if err := s.credit.Adjust(ctx, tx, p.AccountID, p.Delta, 0, 1); err != nil {
		return nil, fmt.Errorf("credit adjust: %w", err)
	}

	payload, err := json.Marshal(model.EntryEnvelope{
		EntryID:      entry.ID,
		AccountID:    entry.AccountID,
		Seq:          entry.Seq,
		Delta:        entry.Delta,
		Reason:       entry.Reason.String(),
		ExternalRef:  entry.ExternalRef,
		BalanceAfter: entry.BalanceAfter,
		CreatedAt:    entry.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	if err := s.outbox.Insert(ctx, tx, "entry", entry.ID, EntriesTopic, payload); err != nil {
		return nil, fmt.Errorf("insert outbox: %w", err)
	}

	return entry, nil
}

// replay loads the entry a previously-used idempotency key produced.
func (s *Service) replay(ctx context.Context, tx *sqlx.Tx, key string) (*model.LedgerEntry, error) {
	entryID, err := s.idem.GetEntryID(ctx, tx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup %q: %w", key, err)
	}
	entry, err := s.entries.GetByID(ctx, tx, entryID)
	if err != nil {
		return nil, fmt.Errorf("replay entry %q: %w", entryID, err)
	}
	return entry, nil
}

// Balance is a lock-free point read of the cached balance.
func (s *Service) Balance(ctx context.Context, accountID string) (model.BalanceSnapshot, error) {
	balance, reserved, err := s.credit.GetSnapshot(ctx, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BalanceSnapshot{}, ErrAccountNotFound
	}
	if err != nil {
		return model.BalanceSnapshot{}, err
	}
	return model.BalanceSnapshot{
		Balance:   balance,
		Reserved:  reserved,
		Available: balance - reserved,
	}, nil
}

// History returns a page of the account's entries, newest first.
func (s *Service) History(ctx context.Context, accountID string, limit, offset int) ([]model.LedgerEntry, error) {
	return s.entries.ListByAccount(ctx, accountID, limit, offset)
}

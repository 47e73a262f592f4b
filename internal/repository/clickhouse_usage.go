package repository

import (
	"context"
	"strings"

	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// CHUsageRepository serves the usage-report projection in ClickHouse.
// Rows land there through the usage worker; ReplacingMergeTree collapses the
// duplicates an at-least-once consumer produces.
type CHUsageRepository interface {
	BatchInsert(ctx context.Context, rows []model.EntryEnvelope) error
	ListByAccount(ctx context.Context, accountID string, reason model.EntryReason, limit, offset int) ([]model.EntryEnvelope, error)
}

type chUsageRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHUsageRepository(ch *sqlx.DB) CHUsageRepository {
	return &chUsageRepository{ch: ch}
}

func (r *chUsageRepository) BatchInsert(ctx context.Context, rows []model.EntryEnvelope) error {
	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(rows)*8)

	sb.WriteString(`INSERT INTO credgw.usage_entries
		(entry_id, account_id, seq, delta, reason, external_ref, balance_after, created_at) VALUES `)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, row.EntryID, row.AccountID, row.Seq, row.Delta,
			row.Reason, row.ExternalRef, row.BalanceAfter, row.CreatedAt)
	}

	_, err := r.ch.ExecContext(ctx, sb.String(), args...)
	return err
}

func (r *chUsageRepository) ListByAccount(ctx context.Context, accountID string, reason model.EntryReason, limit, offset int) ([]model.EntryEnvelope, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT entry_id, account_id, seq, delta, reason, external_ref, balance_after, created_at
		FROM credgw.usage_entries FINAL
		WHERE account_id = ?
	`
	args := []any{accountID}

	if reason != "" {
		q += " AND reason = ?"
		args = append(args, reason.String())
	}

	q += " ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.EntryEnvelope
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

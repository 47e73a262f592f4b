package repository

import (
	"context"
	"time"

	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

type ReservationsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, r *model.Reservation) error
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Reservation, error)
	UpdateStatus(ctx context.Context, tx *sqlx.Tx, id string, status model.ReservationStatus) error
	// ListExpiredIDs is a lock-free scan for held rows past their deadline.
	// Callers must re-check state under GetForUpdate before releasing.
	ListExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type reservationsRepo struct {
	db *sqlx.DB
}

func NewReservationsRepository(db *sqlx.DB) ReservationsRepository { return &reservationsRepo{db: db} }

func (r *reservationsRepo) Insert(ctx context.Context, tx *sqlx.Tx, rsv *model.Reservation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reservations
		    (id, account_id, amount, status, expires_at, created_at, updated_at)
		VALUES
		    (?,  ?,          ?,      ?,      ?,          NOW(),      NOW())
	`, rsv.ID, rsv.AccountID, rsv.Amount, rsv.Status.String(), rsv.ExpiresAt)
	return err
}

func (r *reservationsRepo) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Reservation, error) {
	var rsv model.Reservation
	err := tx.QueryRowxContext(ctx, `
		SELECT id, account_id, amount, status, expires_at, created_at, updated_at
		  FROM reservations
		 WHERE id = ?
		 FOR UPDATE
	`, id).StructScan(&rsv)
	if err != nil {
		return nil, err
	}
	return &rsv, nil
}

func (r *reservationsRepo) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id string, status model.ReservationStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE reservations
		   SET status = ?, updated_at = NOW()
		 WHERE id = ?
	`, status.String(), id)
	return err
}

func (r *reservationsRepo) ListExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id
		  FROM reservations
		 WHERE status = 'held' AND expires_at <= ?
		 ORDER BY expires_at
		 LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

package repository

import (
	"context"
	"database/sql"

	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

type AccountsRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Account, error)
	GetByID(ctx context.Context, id string) (*model.Account, error)
}

type AccountsRepositoryImpl struct {
	db *sqlx.DB
}

func NewAccountsRepository(db *sqlx.DB) *AccountsRepositoryImpl {
	return &AccountsRepositoryImpl{db: db}
}

var _ AccountsRepository = (*AccountsRepositoryImpl)(nil)

func (r *AccountsRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.Account, error) {
	var a model.Account
	err := r.db.GetContext(ctx, &a, `
		SELECT id, email, api_key, status, rate_limit_rps, created_at, updated_at
		  FROM accounts
		 WHERE api_key = ? LIMIT 1
	`, apiKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountsRepositoryImpl) GetByID(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := r.db.GetContext(ctx, &a, `
		SELECT id, email, api_key, status, rate_limit_rps, created_at, updated_at
		  FROM accounts
		 WHERE id = ? LIMIT 1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

package accounts

import (
	"context"
	"database/sql"
)

// PostgresStore persists provider account links in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO provider_accounts (provider_id, external_account_id, payouts_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_id) DO UPDATE SET
			external_account_id = EXCLUDED.external_account_id,
			payouts_enabled = EXCLUDED.payouts_enabled,
			updated_at = EXCLUDED.updated_at`,
		a.ProviderID, a.ExternalAccountID, a.PayoutsEnabled, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, providerID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT provider_id, external_account_id, payouts_enabled, created_at, updated_at
		FROM provider_accounts WHERE provider_id = $1`, providerID)

	a := &Account{}
	err := row.Scan(&a.ProviderID, &a.ExternalAccountID, &a.PayoutsEnabled, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

var _ Store = (*PostgresStore)(nil)

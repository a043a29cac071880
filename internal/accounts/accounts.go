// Package accounts maps platform providers to their connected processor
// accounts. The escrow engine resolves the payee through this directory
// when opening an intent and again before releasing funds.
package accounts

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrAccountNotFound  = errors.New("provider account not found")
	ErrPayoutsDisabled  = errors.New("provider account cannot receive payouts")
	ErrInvalidAccountID = errors.New("invalid connected account id")
)

// Account links a provider to a connected processor account.
type Account struct {
	ProviderID        string    `json:"providerId"`
	ExternalAccountID string    `json:"externalAccountId"` // processor-side id (acct_...)
	PayoutsEnabled    bool      `json:"payoutsEnabled"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Store persists provider account links.
type Store interface {
	Upsert(ctx context.Context, acct *Account) error
	Get(ctx context.Context, providerID string) (*Account, error)
}

// Service implements provider account resolution.
type Service struct {
	store Store
}

// NewService creates a new accounts service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Link associates a provider with a connected processor account.
func (s *Service) Link(ctx context.Context, providerID, externalAccountID string, payoutsEnabled bool) (*Account, error) {
	externalAccountID = strings.TrimSpace(externalAccountID)
	if externalAccountID == "" {
		return nil, ErrInvalidAccountID
	}

	now := time.Now()
	acct := &Account{
		ProviderID:        providerID,
		ExternalAccountID: externalAccountID,
		PayoutsEnabled:    payoutsEnabled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Upsert(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Get returns a provider's account link.
func (s *Service) Get(ctx context.Context, providerID string) (*Account, error) {
	return s.store.Get(ctx, providerID)
}

// ResolveAccount returns the connected account id funds for providerID
// should go to. Fails if no link exists or payouts are disabled.
func (s *Service) ResolveAccount(ctx context.Context, providerID string) (string, error) {
	acct, err := s.store.Get(ctx, providerID)
	if err != nil {
		return "", err
	}
	if !acct.PayoutsEnabled {
		return "", ErrPayoutsDisabled
	}
	return acct.ExternalAccountID, nil
}

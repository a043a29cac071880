package accounts

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory account store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
	}
}

func (m *MemoryStore) Upsert(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.accounts[acct.ProviderID]; ok {
		acct.CreatedAt = existing.CreatedAt
	}
	cp := *acct
	m.accounts[acct.ProviderID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, providerID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[providerID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)

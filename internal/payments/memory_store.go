package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	payments map[string]*Payment
	byIntent map[string]string
	byCharge map[string]string
	byOrder  map[string][]string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		byIntent: make(map[string]string),
		byCharge: make(map[string]string),
		byOrder:  make(map[string][]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; ok {
		return ErrDuplicatePayment
	}
	cp := clonePayment(p)
	m.payments[cp.ID] = cp
	if cp.IntentID != "" {
		m.byIntent[cp.IntentID] = cp.ID
	}
	if cp.ChargeID != "" {
		m.byCharge[cp.ChargeID] = cp.ID
	}
	m.byOrder[cp.OrderRef] = append(m.byOrder[cp.OrderRef], cp.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) GetByIntentID(ctx context.Context, intentID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byIntent[intentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(m.payments[id]), nil
}

func (m *MemoryStore) GetByChargeID(ctx context.Context, chargeID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCharge[chargeID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(m.payments[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	m.apply(p)
	return nil
}

func (m *MemoryStore) UpdateFrom(ctx context.Context, p *Payment, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if existing.Status != from {
		return ErrCannotUpdate
	}
	m.apply(p)
	return nil
}

// apply stores a copy and refreshes the secondary indexes. Callers hold mu.
func (m *MemoryStore) apply(p *Payment) {
	cp := clonePayment(p)
	m.payments[cp.ID] = cp
	if cp.IntentID != "" {
		m.byIntent[cp.IntentID] = cp.ID
	}
	if cp.ChargeID != "" {
		m.byCharge[cp.ChargeID] = cp.ID
	}
}

func (m *MemoryStore) ListByOrderRef(ctx context.Context, orderRef string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byOrder[orderRef]
	out := make([]*Payment, 0, len(ids))
	for _, id := range ids {
		out = append(out, clonePayment(m.payments[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListUnsettled(ctx context.Context, olderThan time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.Status != StatusPending && p.Status != StatusProcessing {
			continue
		}
		if !p.CreatedAt.Before(olderThan) {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) QueryForReport(ctx context.Context, filter ReportFilter, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if !filter.matches(p) {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.PaidAt = cloneTime(p.PaidAt)
	cp.EscrowReleasedAt = cloneTime(p.EscrowReleasedAt)
	cp.RefundedAt = cloneTime(p.RefundedAt)
	cp.CancelledAt = cloneTime(p.CancelledAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

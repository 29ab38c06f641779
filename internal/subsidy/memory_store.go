package subsidy

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	subsidies map[string]*Subsidy
	byLedger  map[string]string // ledger ID → subsidy UUID
}

// NewMemoryStore creates an empty in-memory subsidy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subsidies: make(map[string]*Subsidy),
		byLedger:  make(map[string]string),
	}
}

func (m *MemoryStore) CreateSubsidy(ctx context.Context, s *Subsidy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byLedger[s.LedgerID]; ok {
		return ErrLedgerInUse
	}
	cp := *s
	m.subsidies[s.UUID] = &cp
	m.byLedger[s.LedgerID] = s.UUID
	return nil
}

func (m *MemoryStore) GetSubsidy(ctx context.Context, uuid string) (*Subsidy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subsidies[uuid]
	if !ok {
		return nil, ErrSubsidyNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSubsidy(ctx context.Context, s *Subsidy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subsidies[s.UUID]; !ok {
		return ErrSubsidyNotFound
	}
	cp := *s
	m.subsidies[s.UUID] = &cp
	return nil
}

func (m *MemoryStore) ListSubsidies(ctx context.Context, enterpriseCustomerUUID string, limit int) ([]*Subsidy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subsidy
	for _, s := range m.subsidies {
		if enterpriseCustomerUUID != "" && s.EnterpriseCustomerUUID != enterpriseCustomerUUID {
			continue
		}
		cp := *s
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

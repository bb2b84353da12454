package stakeholder

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a goroutine-safe in-process Repository.
type MemoryRepository struct {
	mu    sync.RWMutex
	byKey map[string]Stakeholder
	now   func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byKey: make(map[string]Stakeholder),
		now:   time.Now,
	}
}

func (m *MemoryRepository) Create(_ context.Context, s Stakeholder) (Stakeholder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byKey[s.WalletAddress]; exists {
		return Stakeholder{}, ErrDuplicateWallet
	}
	now := m.now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	m.byKey[s.WalletAddress] = s
	return s, nil
}

func (m *MemoryRepository) GetByWallet(_ context.Context, wallet string) (Stakeholder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byKey[wallet]
	if !ok {
		return Stakeholder{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryRepository) UpdateRole(_ context.Context, wallet string, role Role) (Stakeholder, error) {
	return m.update(wallet, func(s *Stakeholder) { s.Role = role })
}

func (m *MemoryRepository) SetActive(_ context.Context, wallet string, active bool) (Stakeholder, error) {
	return m.update(wallet, func(s *Stakeholder) { s.IsActive = active })
}

func (m *MemoryRepository) List(_ context.Context, filters ListFilters) ([]Stakeholder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	out := make([]Stakeholder, 0, len(m.byKey))
	for _, s := range m.byKey {
		if filters.Role != "" && s.Role != filters.Role {
			continue
		}
		if filters.Active != nil && s.IsActive != *filters.Active {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WalletAddress < out[j].WalletAddress })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) update(wallet string, fn func(*Stakeholder)) (Stakeholder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byKey[wallet]
	if !ok {
		return Stakeholder{}, ErrNotFound
	}
	fn(&s)
	s.UpdatedAt = m.now().UTC()
	m.byKey[wallet] = s
	return s, nil
}

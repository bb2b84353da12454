package batch

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a goroutine-safe in-process Repository with the same
// versioning and append-only history semantics as PGRepository.
type MemoryRepository struct {
	mu      sync.RWMutex
	batches map[string]Batch
	tokens  map[string]string
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		batches: make(map[string]Batch),
		tokens:  make(map[string]string),
		now:     time.Now,
	}
}

func (m *MemoryRepository) Create(_ context.Context, b Batch, entry HistoryEntry) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.batches[b.BatchID]; exists {
		return Batch{}, ErrDuplicate
	}
	if b.LedgerToken != "" {
		if _, taken := m.tokens[b.LedgerToken]; taken {
			return Batch{}, ErrDuplicate
		}
	}

	now := m.now().UTC()
	b = b.clone()
	b.Version = 1
	b.CreatedAt = now
	b.UpdatedAt = now
	entry.Seq = 1
	b.History = []HistoryEntry{entry}
	m.batches[b.BatchID] = b
	if b.LedgerToken != "" {
		m.tokens[b.LedgerToken] = b.BatchID
	}
	return b.clone(), nil
}

func (m *MemoryRepository) Update(_ context.Context, b Batch, expectedVersion int64, entries ...HistoryEntry) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[b.BatchID]
	if !ok {
		return Batch{}, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return Batch{}, ErrVersionConflict
	}
	if cur.LinkageHash != b.LinkageHash || cur.ContentHash != b.ContentHash || cur.DocumentRef != b.DocumentRef {
		return Batch{}, ErrInvariantViolation
	}
	if b.LedgerToken != "" {
		if owner, taken := m.tokens[b.LedgerToken]; taken && owner != b.BatchID {
			return Batch{}, ErrDuplicate
		}
	}

	next := b.clone()
	next.Version = cur.Version + 1
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = m.now().UTC()
	next.History = append([]HistoryEntry(nil), cur.History...)
	for _, e := range entries {
		e.Seq = len(next.History) + 1
		next.History = append(next.History, e)
	}

	if cur.LedgerToken != "" && cur.LedgerToken != next.LedgerToken {
		delete(m.tokens, cur.LedgerToken)
	}
	if next.LedgerToken != "" {
		m.tokens[next.LedgerToken] = next.BatchID
	}
	m.batches[next.BatchID] = next
	return next.clone(), nil
}

func (m *MemoryRepository) GetByID(_ context.Context, batchID string) (Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[batchID]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return b.clone(), nil
}

func (m *MemoryRepository) GetByToken(ctx context.Context, tokenID string) (Batch, error) {
	m.mu.RLock()
	batchID, ok := m.tokens[tokenID]
	m.mu.RUnlock()
	if !ok {
		return Batch{}, ErrNotFound
	}
	return m.GetByID(ctx, batchID)
}

func (m *MemoryRepository) List(_ context.Context, filter ListFilter) ([]Batch, error) {
	limit, offset := normalizePage(filter)

	m.mu.RLock()
	matched := make([]Batch, 0, len(m.batches))
	for _, b := range m.batches {
		if filter.Custodian != "" && b.Custodian != filter.Custodian {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		b = b.clone()
		b.History = nil
		matched = append(matched, b)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].BatchID < matched[j].BatchID
	})
	if offset >= len(matched) {
		return []Batch{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryRepository) History(_ context.Context, batchID string) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]HistoryEntry(nil), b.History...), nil
}

func (m *MemoryRepository) ListUnsettled(_ context.Context, limit int) ([]Batch, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Batch, 0)
	for _, b := range m.batches {
		if b.Pending != nil || b.Status == StatusDraft || b.Status == StatusMinting {
			out = append(out, b.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

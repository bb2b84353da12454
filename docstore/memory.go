package docstore

import (
	"context"
	"sync"
)

// MemoryStore keeps documents in process. It is used by tests and by the
// local development profile.
type MemoryStore struct {
	mu          sync.RWMutex
	docs        map[string][]byte
	unavailable bool
	puts        int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, doc []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(doc) == 0 {
		return "", ErrEmptyDocument
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return "", ErrUnavailable
	}
	cid := ComputeCID(doc)
	if _, ok := m.docs[cid]; !ok {
		m.docs[cid] = cloneBytes(doc)
	}
	m.puts++
	return cid, nil
}

func (m *MemoryStore) Get(ctx context.Context, cid string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	doc, ok := m.docs[cid]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(doc), nil
}

// SetUnavailable toggles simulated unreachability.
func (m *MemoryStore) SetUnavailable(v bool) {
	m.mu.Lock()
	m.unavailable = v
	m.mu.Unlock()
}

// Tamper overwrites the bytes stored under cid without changing the
// identifier, simulating a compromised store.
func (m *MemoryStore) Tamper(cid string, doc []byte) {
	m.mu.Lock()
	m.docs[cid] = cloneBytes(doc)
	m.mu.Unlock()
}

// Delete drops cid.
func (m *MemoryStore) Delete(cid string) {
	m.mu.Lock()
	delete(m.docs, cid)
	m.mu.Unlock()
}

// Puts returns how many Put calls succeeded.
func (m *MemoryStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

func cloneBytes(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

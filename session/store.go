package session

import (
	"context"
	"sync"
	"time"
)

// RefreshEntry is the server-side record of an outstanding refresh token.
type RefreshEntry struct {
	Family  string
	Subject string
}

// RotationStore holds the server-side state behind token rotation, logout and
// login challenges. Consume operations must be atomic: two concurrent callers
// presenting the same id see exactly one success.
type RotationStore interface {
	SaveRefresh(ctx context.Context, jti string, entry RefreshEntry, ttl time.Duration) error
	ConsumeRefresh(ctx context.Context, jti string) (RefreshEntry, bool, error)
	RevokeFamily(ctx context.Context, family string, ttl time.Duration) error
	FamilyRevoked(ctx context.Context, family string) (bool, error)
	RevokeToken(ctx context.Context, jti string, ttl time.Duration) error
	TokenRevoked(ctx context.Context, jti string) (bool, error)
	SaveChallenge(ctx context.Context, wallet, message string, ttl time.Duration) error
	ConsumeChallenge(ctx context.Context, wallet string) (string, bool, error)
}

type expiring[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryRotationStore keeps rotation state in process. Suitable for a single
// API instance and tests.
type MemoryRotationStore struct {
	mu         sync.Mutex
	refresh    map[string]expiring[RefreshEntry]
	families   map[string]time.Time
	tokens     map[string]time.Time
	challenges map[string]expiring[string]
	now        func() time.Time
}

func NewMemoryRotationStore() *MemoryRotationStore {
	return &MemoryRotationStore{
		refresh:    make(map[string]expiring[RefreshEntry]),
		families:   make(map[string]time.Time),
		tokens:     make(map[string]time.Time),
		challenges: make(map[string]expiring[string]),
		now:        time.Now,
	}
}

func (m *MemoryRotationStore) SaveRefresh(_ context.Context, jti string, entry RefreshEntry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[jti] = expiring[RefreshEntry]{value: entry, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryRotationStore) ConsumeRefresh(_ context.Context, jti string) (RefreshEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.refresh[jti]
	if !ok {
		return RefreshEntry{}, false, nil
	}
	delete(m.refresh, jti)
	if !m.now().Before(e.expiresAt) {
		return RefreshEntry{}, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryRotationStore) RevokeFamily(_ context.Context, family string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.families[family] = m.now().Add(ttl)
	return nil
}

func (m *MemoryRotationStore) FamilyRevoked(_ context.Context, family string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(m.families, family), nil
}

func (m *MemoryRotationStore) RevokeToken(_ context.Context, jti string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[jti] = m.now().Add(ttl)
	return nil
}

func (m *MemoryRotationStore) TokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(m.tokens, jti), nil
}

func (m *MemoryRotationStore) SaveChallenge(_ context.Context, wallet, message string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[wallet] = expiring[string]{value: message, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryRotationStore) ConsumeChallenge(_ context.Context, wallet string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[wallet]
	if !ok {
		return "", false, nil
	}
	delete(m.challenges, wallet)
	if !m.now().Before(c.expiresAt) {
		return "", false, nil
	}
	return c.value, true, nil
}

func (m *MemoryRotationStore) liveLocked(set map[string]time.Time, key string) bool {
	exp, ok := set[key]
	if !ok {
		return false
	}
	if !m.now().Before(exp) {
		delete(set, key)
		return false
	}
	return true
}

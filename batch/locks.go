package batch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// keyedLocks hands out one exclusive section per batch id. Entries are
// dropped once no caller holds or waits on them.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the section for key is free or ctx is done. The
// returned release func must be called exactly once.
func (l *keyedLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key, e)
		})
	}, nil
}

// tryAcquire is acquire without waiting. ok is false when the section is
// held.
func (l *keyedLocks) tryAcquire(key string) (release func(), ok bool) {
	l.mu.Lock()
	e, exists := l.entries[key]
	if !exists {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if !e.sem.TryAcquire(1) {
		l.unref(key, e)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key, e)
		})
	}, true
}

func (l *keyedLocks) unref(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 && l.entries[key] == e {
		delete(l.entries, key)
	}
}

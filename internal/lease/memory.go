package lease

import (
	"context"
	"sync"
	"time"
)

// entry is one stored value with its expiry deadline.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store backed by a mutex-protected map with lazy
// expiry reaping. Suitable for single-instance deployments and tests; for
// horizontally scaled gateways use a shared backend (see repo.LeaseStore).
//
// The zero value is not usable; construct with NewMemory.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry

	// now is a test seam for expiry decisions.
	now func() time.Time

	// opN counts mutating operations for opportunistic cleanup.
	opN uint64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// SetWithTTL implements Store.
func (m *Memory) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{value: value, expiresAt: m.now().Add(ttl)}
	m.maybeCleanupLocked()
	return nil
}

// SetIfAbsentWithTTL implements Store. The check and the write happen under
// one critical section, which is what makes the operation atomic for all
// callers sharing this instance.
func (m *Memory) SetIfAbsentWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	m.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
	m.maybeCleanupLocked()
	return true, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Exists implements Store.
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := m.Get(ctx, key)
	return found, err
}

// Refresh implements Store. Expired entries are not resurrected.
func (m *Memory) Refresh(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok || now.After(e.expiresAt) {
		return nil
	}
	e.expiresAt = now.Add(ttl)
	m.entries[key] = e
	return nil
}

// maybeCleanupLocked reaps expired entries after a threshold of mutating
// operations so the map stays bounded without a background goroutine.
// Must be called with mu held.
func (m *Memory) maybeCleanupLocked() {
	m.opN++
	if m.opN < 1000 {
		return
	}
	m.opN = 0
	now := m.now()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

var _ Store = (*Memory)(nil)

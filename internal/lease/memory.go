package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry keeps leases in process memory. Leases do not survive a
// restart, so after a crash every processing session looks orphaned.
type MemoryRegistry struct {
	mu     sync.Mutex
	leases map[string]time.Time
	clock  func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{leases: make(map[string]time.Time), clock: time.Now}
}

func (m *MemoryRegistry) Acquire(_ context.Context, sessionID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[sessionID] = m.clock().Add(ttl)
	return nil
}

func (m *MemoryRegistry) Renew(_ context.Context, sessionIDs []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry := m.clock().Add(ttl)
	for _, id := range sessionIDs {
		m.leases[id] = expiry
	}
	return nil
}

func (m *MemoryRegistry) Release(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, sessionID)
	return nil
}

func (m *MemoryRegistry) Alive(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.leases[sessionID]
	if !ok {
		return false, nil
	}
	if !m.clock().Before(expiry) {
		delete(m.leases, sessionID)
		return false, nil
	}
	return true, nil
}

func (m *MemoryRegistry) Close() error { return nil }

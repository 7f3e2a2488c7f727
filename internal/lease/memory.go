package lease

import (
	"context"
	"sync"
	"time"
)

type holder struct {
	owner     string
	token     uint64
	expiresAt time.Time
}

// MemoryManager grants leases within one process.
type MemoryManager struct {
	mu      sync.Mutex
	tokens  map[string]uint64
	holders map[string]holder
	now     func() time.Time
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		tokens:  make(map[string]uint64),
		holders: make(map[string]holder),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryManager) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error) {
	req, err := normalize(resource, owner, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if current, ok := m.holders[req.resource]; ok && now.Before(current.expiresAt) {
		return Lease{}, false, nil
	}

	m.tokens[req.resource]++
	granted := holder{
		owner:     req.owner,
		token:     m.tokens[req.resource],
		expiresAt: now.Add(req.ttl),
	}
	m.holders[req.resource] = granted
	return Lease{Token: granted.token, ExpiresAt: granted.expiresAt}, true, nil
}

func (m *MemoryManager) Renew(_ context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error) {
	req, err := normalize(resource, owner, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	current, ok := m.holders[req.resource]
	if !ok || current.owner != req.owner || current.token != token {
		return Lease{}, false, nil
	}
	if !now.Before(current.expiresAt) {
		delete(m.holders, req.resource)
		return Lease{}, false, nil
	}
	current.expiresAt = now.Add(req.ttl)
	m.holders[req.resource] = current
	return Lease{Token: token, ExpiresAt: current.expiresAt}, true, nil
}

func (m *MemoryManager) Release(_ context.Context, resource, owner string, token uint64) error {
	req, err := normalize(resource, owner, 0)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.holders[req.resource]; ok && current.owner == req.owner && current.token == token {
		delete(m.holders, req.resource)
	}
	return nil
}

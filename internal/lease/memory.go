package lease

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRecord struct {
	token     string
	expiresAt time.Time
}

type InMemoryManager struct {
	mu     sync.Mutex
	leases map[string]memoryRecord
	now    func() time.Time
}

func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		leases: make(map[string]memoryRecord),
		now:    time.Now,
	}
}

func (m *InMemoryManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("lease key cannot be empty")
	}
	ttl = normalizeTTL(ttl)
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.leases[key]; ok && now.Before(rec.expiresAt) {
		return nil, ErrConflict
	}
	rec := memoryRecord{token: uuid.NewString(), expiresAt: now.Add(ttl)}
	m.leases[key] = rec
	return &Lease{Key: key, Token: rec.token, ExpiresAt: rec.expiresAt}, nil
}

func (m *InMemoryManager) Renew(ctx context.Context, l *Lease, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validLease(l) {
		return nil, fmt.Errorf("valid lease is required")
	}
	ttl = normalizeTTL(ttl)
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.leases[l.Key]
	if !ok || rec.token != l.Token || !now.Before(rec.expiresAt) {
		return nil, ErrConflict
	}
	rec.expiresAt = now.Add(ttl)
	m.leases[l.Key] = rec
	return &Lease{Key: l.Key, Token: l.Token, ExpiresAt: rec.expiresAt}, nil
}

func (m *InMemoryManager) Release(_ context.Context, l *Lease) error {
	if !validLease(l) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.leases[l.Key]; ok && rec.token == l.Token {
		delete(m.leases, l.Key)
	}
	return nil
}

var _ Manager = (*InMemoryManager)(nil)

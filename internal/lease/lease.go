// Package lease keeps at most one live document broker per storage key,
// within a process (InMemoryManager) or across processes (RedisManager).
package lease

import (
	"context"
	"errors"
	"time"
)

const DefaultTTL = 30 * time.Second

var ErrConflict = errors.New("document lease is held by another owner")

// Lease is a held lock on one storage key. Token proves ownership on Renew
// and Release.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Manager hands out per-key leases. Acquire and Renew return ErrConflict
// when another owner holds the key. Release is best-effort and idempotent.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func validLease(l *Lease) bool {
	return l != nil && l.Key != "" && l.Token != ""
}

package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "docsync:lease:"

// RedisManager stores leases as <prefix><key> with SET NX PX. Renew and
// Release run token-checked scripts so an owner never touches a lease it
// lost to someone else.
type RedisManager struct {
	Client redis.UniversalClient
	Prefix string
}

func NewRedisManager(client redis.UniversalClient, prefix string) (*RedisManager, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisManager{Client: client, Prefix: prefix}, nil
}

func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("lease key cannot be empty")
	}
	ttl = normalizeTTL(ttl)

	token := uuid.NewString()
	now := time.Now().UTC()
	ok, err := m.Client.SetNX(ctx, m.key(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrConflict
	}
	return &Lease{Key: key, Token: token, ExpiresAt: now.Add(ttl)}, nil
}

func (m *RedisManager) Renew(ctx context.Context, l *Lease, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validLease(l) {
		return nil, fmt.Errorf("valid lease is required")
	}
	ttl = normalizeTTL(ttl)

	now := time.Now().UTC()
	res, err := renewScript.Run(ctx, m.Client, []string{m.key(l.Key)}, l.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("renew lease %s: %w", l.Key, err)
	}
	if res != 1 {
		return nil, ErrConflict
	}
	return &Lease{Key: l.Key, Token: l.Token, ExpiresAt: now.Add(ttl)}, nil
}

// Release ignores the caller's context: a cancelled teardown must still free
// the key, otherwise the document stays locked until the TTL runs out.
func (m *RedisManager) Release(_ context.Context, l *Lease) error {
	if !validLease(l) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := releaseScript.Run(ctx, m.Client, []string{m.key(l.Key)}, l.Token).Int()
	return err
}

func (m *RedisManager) key(key string) string {
	return m.Prefix + key
}

var renewScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

var _ Manager = (*RedisManager)(nil)

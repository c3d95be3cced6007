package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryManagerConflictsUntilRelease(t *testing.T) {
	ctx := context.Background()
	mgr := NewInMemoryManager()

	first, err := mgr.Acquire(ctx, "doc-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := mgr.Acquire(ctx, "doc-1", time.Minute); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on second acquire, got %v", err)
	}
	if _, err := mgr.Acquire(ctx, "doc-2", time.Minute); err != nil {
		t.Fatalf("expected distinct key to be free, got %v", err)
	}

	if err := mgr.Release(ctx, &Lease{Key: "doc-1", Token: "someone-else"}); err != nil {
		t.Fatalf("release with foreign token failed: %v", err)
	}
	if _, err := mgr.Acquire(ctx, "doc-1", time.Minute); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected foreign release to leave lease held, got %v", err)
	}

	if err := mgr.Release(ctx, first); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := mgr.Acquire(ctx, "doc-1", time.Minute); err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
}

func TestInMemoryManagerExpiry(t *testing.T) {
	ctx := context.Background()
	mgr := NewInMemoryManager()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	held, err := mgr.Acquire(ctx, "doc-1", time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	now = now.Add(500 * time.Millisecond)
	renewed, err := mgr.Renew(ctx, held, time.Second)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if !renewed.ExpiresAt.After(held.ExpiresAt) {
		t.Fatalf("expected renew to extend expiry")
	}

	now = now.Add(2 * time.Second)
	if _, err := mgr.Renew(ctx, held, time.Second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected expired lease renew to conflict, got %v", err)
	}
	if _, err := mgr.Acquire(ctx, "doc-1", time.Second); err != nil {
		t.Fatalf("expected expired lease to be acquirable, got %v", err)
	}
}

func TestRedisManager(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mgr, err := NewRedisManager(client, "test:lease:")
	if err != nil {
		t.Fatalf("new redis manager failed: %v", err)
	}

	held, err := mgr.Acquire(ctx, "doc-1", time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if held.Token == "" {
		t.Fatalf("expected lease token")
	}
	if !mr.Exists("test:lease:doc-1") {
		t.Fatalf("expected namespaced key in redis")
	}
	if _, err := mgr.Acquire(ctx, "doc-1", time.Second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := mgr.Renew(ctx, held, 5*time.Second); err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if ttl := mr.TTL("test:lease:doc-1"); ttl != 5*time.Second {
		t.Fatalf("expected ttl 5s after renew, got %s", ttl)
	}

	mr.FastForward(6 * time.Second)
	if _, err := mgr.Renew(ctx, held, time.Second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected renew after expiry to conflict, got %v", err)
	}

	again, err := mgr.Acquire(ctx, "doc-1", time.Second)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	if err := mgr.Release(ctx, held); err != nil {
		t.Fatalf("stale release failed: %v", err)
	}
	if !mr.Exists("test:lease:doc-1") {
		t.Fatalf("expected stale release to keep the new owner's key")
	}
	if err := mgr.Release(ctx, again); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if mr.Exists("test:lease:doc-1") {
		t.Fatalf("expected key to be deleted on release")
	}
}

func TestNewRedisManagerRequiresClient(t *testing.T) {
	if _, err := NewRedisManager(nil, ""); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockMutualExclusion(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	a := NewRedisLock(client, "dlq-replay", time.Minute)
	b := NewRedisLock(client, "dlq-replay", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if !ok {
		t.Fatal("expected a to acquire")
	}

	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if ok {
		t.Fatal("expected b to be refused while a holds the lock")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release a: %v", err)
	}
	ok, _ = b.Acquire(ctx)
	if !ok {
		t.Fatal("expected b to acquire after release")
	}
}

func TestRedisLockReleaseRequiresOwnership(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	a := NewRedisLock(client, "shared", time.Minute)
	b := NewRedisLock(client, "shared", time.Minute)

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("expected a to acquire")
	}
	// b never acquired; its release must not free a's lock.
	if err := b.Release(ctx); err != nil {
		t.Fatalf("release b: %v", err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatal("expected lock to still be held by a")
	}
}

func TestRedisLockExtend(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	a := NewRedisLock(client, "long-job", time.Minute)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("expected acquire")
	}
	if err := a.Extend(ctx, 5*time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
}

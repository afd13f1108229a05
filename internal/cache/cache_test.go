package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) (Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, zap.NewNop()), mr
}

func TestRedisCache_SetGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "deployments:u1", `[{"id":"d1"}]`, time.Minute)
	got, ok := c.Get(ctx, "deployments:u1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got != `[{"id":"d1"}]` {
		t.Errorf("value: got %q", got)
	}
}

func TestRedisCache_MissAndDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "nope"); ok {
		t.Error("expected miss for unknown key")
	}

	c.Set(ctx, "k", "v", time.Minute)
	c.Delete(ctx, "k")
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected miss after delete")
	}
}

func TestRedisCache_TTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", "v", time.Minute)
	mr.FastForward(2 * time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected miss after TTL expiry")
	}
}

func TestRedisCache_InvalidatePattern(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "deployments:u1", "a", time.Minute)
	c.Set(ctx, "deployments:u2", "b", time.Minute)
	c.Set(ctx, "meters:u1", "c", time.Minute)

	c.InvalidatePattern(ctx, "deployments:*")

	if _, ok := c.Get(ctx, "deployments:u1"); ok {
		t.Error("deployments:u1 should be gone")
	}
	if _, ok := c.Get(ctx, "deployments:u2"); ok {
		t.Error("deployments:u2 should be gone")
	}
	if _, ok := c.Get(ctx, "meters:u1"); !ok {
		t.Error("meters:u1 should survive")
	}
}

func TestRedisCache_BackendDownIsSilent(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	mr.Close()

	// None of these may panic or propagate an error.
	c.Set(ctx, "k", "v", time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected miss when backend is down")
	}
	c.Delete(ctx, "k")
	c.InvalidatePattern(ctx, "k*")
}

func TestNoop(t *testing.T) {
	c := New(nil, zap.NewNop())
	ctx := context.Background()

	c.Set(ctx, "k", "v", time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("noop cache must always miss")
	}
	c.Delete(ctx, "k")
	c.InvalidatePattern(ctx, "*")
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestRedisCache starts a miniredis server and returns a RedisCache
// backed by it.
func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), "responses", nil)
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestRedisGetMiss(t *testing.T) {
	c, _ := newTestRedisCache(t)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	if ok {
		t.Fatal("expected cache miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

func TestRedisSetAndGetHit(t *testing.T) {
	c, _ := newTestRedisCache(t)

	key := "generate:gpt-4:aaa"
	want := []byte(`{"answer":42}`)

	if err := c.Set(context.Background(), key, want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

func TestRedisKeysAreNamespaced(t *testing.T) {
	c, mr := newTestRedisCache(t)

	c.Set(context.Background(), "generate:gpt-4:aaa", []byte("v"), time.Hour)

	if !mr.Exists("cache:responses:generate:gpt-4:aaa") {
		t.Fatal("stored key should carry the namespace prefix")
	}
}

func TestRedisTTLIsSet(t *testing.T) {
	c, mr := newTestRedisCache(t)

	key := "ttl-key"
	ttl := 10 * time.Second

	if err := c.Set(context.Background(), key, []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := c.Get(context.Background(), key); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("key should have expired after TTL")
	}
}

func TestRedisDelete(t *testing.T) {
	c, _ := newTestRedisCache(t)

	key := "delete-key"
	if err := c.Set(context.Background(), key, []byte("to-be-deleted"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := c.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("key should be gone after Delete")
	}
}

func TestRedisInvalidate(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "generate:gpt-4:aaa", []byte("1"), time.Hour)
	c.Set(ctx, "generate:gpt-4:bbb", []byte("2"), time.Hour)
	c.Set(ctx, "generate:claude-sonnet-4:ccc", []byte("3"), time.Hour)
	c.Set(ctx, "embed:text-embedding-3-small:ddd", []byte("4"), time.Hour)

	n, err := c.Invalidate(ctx, "generate:gpt-4:*")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if n != 2 {
		t.Fatalf("invalidated %d entries, want 2", n)
	}

	if _, ok := c.Get(ctx, "generate:claude-sonnet-4:ccc"); !ok {
		t.Error("non-matching generate entry should survive")
	}
	if _, ok := c.Get(ctx, "embed:text-embedding-3-small:ddd"); !ok {
		t.Error("embed entry should survive")
	}
}

func TestRedisInvalidateNoMatch(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "generate:gpt-4:aaa", []byte("1"), time.Hour)

	n, err := c.Invalidate(ctx, "embed:*")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if n != 0 {
		t.Fatalf("invalidated %d entries, want 0", n)
	}
}

// TestRedisInvalidateScopedToNamespace verifies that Invalidate("*") cannot
// reach keys owned by other namespaces or components.
func TestRedisInvalidateScopedToNamespace(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "generate:gpt-4:aaa", []byte("1"), time.Hour)
	mr.Set("cache:other:generate:gpt-4:aaa", "foreign")
	mr.Set("ratelimit:bucket:t1:openai", "foreign")

	n, err := c.Invalidate(ctx, "*")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if n != 1 {
		t.Fatalf("invalidated %d entries, want 1", n)
	}
	if !mr.Exists("cache:other:generate:gpt-4:aaa") {
		t.Error("foreign namespace key should survive")
	}
	if !mr.Exists("ratelimit:bucket:t1:openai") {
		t.Error("non-cache key should survive")
	}
}

func TestRedisGracefulDegradationGet(t *testing.T) {
	c, mr := newTestRedisCache(t)

	mr.Close()

	data, ok := c.Get(context.Background(), "any-key")
	if ok {
		t.Fatal("expected miss when Redis is down, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data when Redis is down, got %v", data)
	}
}

func TestRedisGracefulDegradationSet(t *testing.T) {
	c, mr := newTestRedisCache(t)

	mr.Close()

	if err := c.Set(context.Background(), "any-key", []byte("value"), time.Hour); err != nil {
		t.Fatalf("Set must return nil on Redis error for graceful degradation, got: %v", err)
	}
}

// TestRedisInvalidateSurfacesErrors verifies that Invalidate, unlike
// Get/Set, reports backend failure — the admin caller needs to know the
// purge did not happen.
func TestRedisInvalidateSurfacesErrors(t *testing.T) {
	c, mr := newTestRedisCache(t)

	mr.Close()

	if _, err := c.Invalidate(context.Background(), "*"); err == nil {
		t.Fatal("expected error when Redis is down")
	}
}

func TestRedisInvalidURL(t *testing.T) {
	if _, err := NewRedisCacheFromURL(context.Background(), "not-a-valid-url", "responses", nil); err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

func TestRedisImplementsInterface(t *testing.T) {
	var _ Cache = (*RedisCache)(nil)
}

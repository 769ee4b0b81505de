package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/post-scheduler/internal/model"
)

func newTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	// Start in-memory Redis
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisCache(rdb, ttl), mr
}

func TestRedisCache_StorePosted_Success(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t, 10*time.Second)

	ctx := context.Background()
	postedAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)

	if err := cache.StorePosted(ctx, "p-42", "remote-123", postedAt); err != nil {
		t.Fatalf("StorePosted() error: %v", err)
	}

	key := "post:p-42"

	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}

	ttlRemaining := mr.TTL(key)
	if ttlRemaining <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttlRemaining)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}

	var got postedValue
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}

	if got.RemoteID != "remote-123" {
		t.Fatalf("expected RemoteID %q, got %q", "remote-123", got.RemoteID)
	}
	if !got.PostedAt.Equal(postedAt) {
		t.Fatalf("expected PostedAt %v, got %v", postedAt, got.PostedAt)
	}
}

func TestRedisCache_StorePosted_OverwritesExistingValue(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	if err := cache.StorePosted(ctx, "p-1", "first", time.Now()); err != nil {
		t.Fatalf("first StorePosted() error: %v", err)
	}
	if err := cache.StorePosted(ctx, "p-1", "second", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("second StorePosted() error: %v", err)
	}

	raw, err := mr.Get("post:p-1")
	if err != nil {
		t.Fatalf("failed to get key post:p-1: %v", err)
	}

	var got postedValue
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}
	if got.RemoteID != "second" {
		t.Fatalf("expected overwritten RemoteID %q, got %q", "second", got.RemoteID)
	}
}

func TestRedisCache_Summary_RoundTrip(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	if _, ok, err := cache.LastSummary(ctx); err != nil || ok {
		t.Fatalf("expected no summary yet, got ok=%v err=%v", ok, err)
	}

	want := model.TickSummary{
		StartedAt: time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC),
		Due:       6,
		Attempted: 5,
		Posted:    5,
		Deferred:  1,
	}
	if err := cache.StoreSummary(ctx, want); err != nil {
		t.Fatalf("StoreSummary() error: %v", err)
	}

	got, ok, err := cache.LastSummary(ctx)
	if err != nil || !ok {
		t.Fatalf("expected summary, got ok=%v err=%v", ok, err)
	}
	if got.Posted != 5 || got.Deferred != 1 || !got.StartedAt.Equal(want.StartedAt) {
		t.Fatalf("unexpected summary %+v", got)
	}
}

func TestRedisCache_StorePosted_ContextCanceled(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cache.StorePosted(ctx, "p-1", "x", time.Now()); err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
}

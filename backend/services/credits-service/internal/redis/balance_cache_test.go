package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"communityhub/backend/services/credits-service/internal/models"
)

func newTestCache(t *testing.T, ttl time.Duration) (*BalanceCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewBalanceCache(client, ttl), mr
}

func TestBalanceCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	_, gen, err := cache.Get(ctx, 1, models.CreditFreeHours)
	if !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil on miss, got %v", err)
	}
	if gen != 0 {
		t.Fatalf("initial generation = %d, want 0", gen)
	}

	stored, err := cache.Set(ctx, 1, models.CreditFreeHours, 12, gen)
	if err != nil || !stored {
		t.Fatalf("Set = %v, %v", stored, err)
	}
	got, _, err := cache.Get(ctx, 1, models.CreditFreeHours)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 12 {
		t.Fatalf("cached balance = %d, want 12", got)
	}

	if _, _, err := cache.Get(ctx, 1, models.CreditEquipment); !errors.Is(err, redis.Nil) {
		t.Fatal("credit types must not share cache entries")
	}

	if err := cache.Invalidate(ctx, 1, models.CreditFreeHours); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	_, gen, err = cache.Get(ctx, 1, models.CreditFreeHours)
	if !errors.Is(err, redis.Nil) {
		t.Fatalf("expected miss after invalidate, got %v", err)
	}
	if gen != 1 {
		t.Fatalf("generation after invalidate = %d, want 1", gen)
	}
}

func TestBalanceCacheDropsFillAfterInvalidate(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	_, gen, err := cache.Get(ctx, 3, models.CreditFreeHours)
	if !errors.Is(err, redis.Nil) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := cache.Invalidate(ctx, 3, models.CreditFreeHours); err != nil {
		t.Fatal(err)
	}

	stored, err := cache.Set(ctx, 3, models.CreditFreeHours, 8, gen)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if stored {
		t.Fatal("fill read before the invalidation must be discarded")
	}
	if _, _, err := cache.Get(ctx, 3, models.CreditFreeHours); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected miss, got %v", err)
	}
}

func TestBalanceCacheExpires(t *testing.T) {
	cache, mr := newTestCache(t, 30*time.Second)
	ctx := context.Background()

	if _, err := cache.Set(ctx, 7, models.CreditEquipment, 100, 0); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("credits:balance:7:equipment_credits"); ttl != 30*time.Second {
		t.Fatalf("ttl = %s, want 30s", ttl)
	}
	mr.FastForward(31 * time.Second)
	if _, _, err := cache.Get(ctx, 7, models.CreditEquipment); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
		Scope:  "receipts",
	})

	return limiter, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 5, time.Minute)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "test-key")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
		if result.Limit != 5 {
			t.Errorf("expected limit 5, got %d", result.Limit)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 3, time.Minute)
	defer cleanup()

	ctx := context.Background()

	// Use up the limit
	for i := 0; i < 3; i++ {
		result, _ := limiter.Allow(ctx, "test-key")
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	// Next request should be blocked
	result, err := limiter.Allow(ctx, "test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("request should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 2, time.Minute)
	defer cleanup()

	ctx := context.Background()

	// First address uses its limit
	for i := 0; i < 2; i++ {
		limiter.Allow(ctx, "10.0.0.1")
	}

	// Second address should still have full limit
	result, _ := limiter.Allow(ctx, "10.0.0.2")
	if !result.Allowed {
		t.Fatal("second address should be allowed")
	}
	if result.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", result.Remaining)
	}
}

func TestRateLimiter_AllowN(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 10, time.Minute)
	defer cleanup()

	ctx := context.Background()

	// Request 5 at once
	result, err := limiter.AllowN(ctx, "test-key", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("should be allowed")
	}
	if result.Remaining != 5 {
		t.Errorf("expected remaining 5, got %d", result.Remaining)
	}

	// Request 6 more should fail and record nothing
	result, _ = limiter.AllowN(ctx, "test-key", 6)
	if result.Allowed {
		t.Fatal("should be blocked")
	}

	result, _ = limiter.AllowN(ctx, "test-key", 5)
	if !result.Allowed || result.Remaining != 0 {
		t.Fatalf("rejected batch must not consume the window, got %+v", result)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 1, 50*time.Millisecond)
	defer cleanup()

	ctx := context.Background()
	if res, _ := limiter.Allow(ctx, "10.0.0.9"); !res.Allowed {
		t.Fatal("first request should be allowed")
	}
	if res, _ := limiter.Allow(ctx, "10.0.0.9"); res.Allowed {
		t.Fatal("second request inside the window should be blocked")
	}

	time.Sleep(60 * time.Millisecond)
	if res, _ := limiter.Allow(ctx, "10.0.0.9"); !res.Allowed {
		t.Fatal("request after the window should be allowed")
	}
}

func TestRateLimiter_ScopesAreIndependent(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	defer client.Close()

	receipts := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 1, Window: time.Minute, Scope: "receipts"})
	admin := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 1, Window: time.Minute, Scope: "admin"})

	ctx := context.Background()
	if res, _ := receipts.Allow(ctx, "10.0.0.1"); !res.Allowed {
		t.Fatal("first receipt request should be allowed")
	}
	if res, _ := receipts.Allow(ctx, "10.0.0.1"); res.Allowed {
		t.Fatal("second receipt request should be blocked")
	}
	if res, _ := admin.Allow(ctx, "10.0.0.1"); !res.Allowed {
		t.Fatal("admin scope should not share the receipts window")
	}
	if !mr.Exists("ratelimit:receipts:10.0.0.1") {
		t.Error("expected scoped key in redis")
	}
}

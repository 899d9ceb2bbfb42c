package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := &Client{
		rdb:    redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		logger: zap.NewNop(),
	}
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestDispatchLedger_ClaimOnce(t *testing.T) {
	client, _ := setupTestRedis(t)
	ledger := NewDispatchLedger(client, zap.NewNop())
	ctx := context.Background()

	if err := ledger.Claim(ctx, "n-1", "delivered"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	err := ledger.Claim(ctx, "n-1", "delivered")
	if !errors.Is(err, ErrAlreadyDispatched) {
		t.Fatalf("expected ErrAlreadyDispatched, got %v", err)
	}
}

func TestDispatchLedger_DistinctTransitions(t *testing.T) {
	client, _ := setupTestRedis(t)
	ledger := NewDispatchLedger(client, zap.NewNop())
	ctx := context.Background()

	if err := ledger.Claim(ctx, "n-1", "sending"); err != nil {
		t.Fatalf("claim sending: %v", err)
	}
	if err := ledger.Claim(ctx, "n-1", "delivered"); err != nil {
		t.Fatalf("claim delivered: %v", err)
	}
	if err := ledger.Claim(ctx, "n-2", "delivered"); err != nil {
		t.Fatalf("claim other notification: %v", err)
	}
}

func TestDispatchLedger_Release(t *testing.T) {
	client, _ := setupTestRedis(t)
	ledger := NewDispatchLedger(client, zap.NewNop())
	ctx := context.Background()

	if err := ledger.Claim(ctx, "n-1", "delivered"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ledger.Release(ctx, "n-1", "delivered"); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, err := ledger.Dispatched(ctx, "n-1", "delivered")
	if err != nil {
		t.Fatalf("dispatched: %v", err)
	}
	if ok {
		t.Fatal("expected claim to be released")
	}
	if err := ledger.Claim(ctx, "n-1", "delivered"); err != nil {
		t.Fatalf("reclaim after release: %v", err)
	}
}

func TestDispatchLedger_Expires(t *testing.T) {
	client, mr := setupTestRedis(t)
	ledger := NewDispatchLedger(client, zap.NewNop())
	ctx := context.Background()

	if err := ledger.Claim(ctx, "n-1", "delivered"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ttl := mr.TTL("callback:dispatched:n-1:delivered")
	if ttl != DispatchTTL {
		t.Errorf("expected ttl %v, got %v", DispatchTTL, ttl)
	}

	mr.FastForward(DispatchTTL + time.Second)

	if err := ledger.Claim(ctx, "n-1", "delivered"); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
}

func TestDispatchLedger_RedisDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	ledger := NewDispatchLedger(client, zap.NewNop())
	mr.Close()

	err := ledger.Claim(context.Background(), "n-1", "delivered")
	if err == nil || errors.Is(err, ErrAlreadyDispatched) {
		t.Fatalf("expected redis error, got %v", err)
	}
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DispatchTTL bounds how long a dispatched transition is remembered. It only
// needs to outlive redelivery of the receipt that caused it.
const DispatchTTL = 24 * time.Hour

// ErrAlreadyDispatched reports that a callback for the transition was enqueued before.
var ErrAlreadyDispatched = errors.New("callback already dispatched for transition")

// DispatchLedger records which (notification, status) transitions already had
// a callback task enqueued, so a redelivered receipt never enqueues a second one.
type DispatchLedger struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewDispatchLedger creates a ledger backed by client.
func NewDispatchLedger(client *Client, logger *zap.Logger) *DispatchLedger {
	return &DispatchLedger{
		client: client,
		logger: logger,
		ttl:    DispatchTTL,
	}
}

func (l *DispatchLedger) buildKey(notificationID, transition string) string {
	return fmt.Sprintf("callback:dispatched:%s:%s", notificationID, transition)
}

// Claim atomically marks the transition as dispatched using SET NX. It
// returns ErrAlreadyDispatched when another worker got there first.
func (l *DispatchLedger) Claim(ctx context.Context, notificationID, transition string) error {
	key := l.buildKey(notificationID, transition)

	set, err := l.client.rdb.SetNX(ctx, key, time.Now().Unix(), l.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		l.logger.Debug("callback dispatch already claimed",
			zap.String("notification_id", notificationID),
			zap.String("transition", transition),
		)
		return ErrAlreadyDispatched
	}
	return nil
}

// Release forgets a claim. Callers use it when the enqueue that followed the
// claim failed, so the retried receipt can claim again.
func (l *DispatchLedger) Release(ctx context.Context, notificationID, transition string) error {
	if err := l.client.rdb.Del(ctx, l.buildKey(notificationID, transition)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Dispatched reports whether the transition has been claimed.
func (l *DispatchLedger) Dispatched(ctx context.Context, notificationID, transition string) (bool, error) {
	_, err := l.client.rdb.Get(ctx, l.buildKey(notificationID, transition)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}
	return true, nil
}

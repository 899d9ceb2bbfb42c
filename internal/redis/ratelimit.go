package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // requests allowed per window
	Window time.Duration // sliding window length
	Scope  string        // key namespace, e.g. "receipts"
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims the window, counts it and, when n more requests fit,
// records them. It runs as one script so concurrent receivers cannot both
// take the last slot.
//
// KEYS[1] window key
// ARGV[1] now (microseconds), ARGV[2] window start, ARGV[3] limit,
// ARGV[4] n, ARGV[5] ttl in ms, ARGV[6] member prefix
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local n = tonumber(ARGV[4])
if count + n > tonumber(ARGV[3]) then
	return {0, count}
end
for i = 1, n do
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[6] .. ':' .. i)
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, count}
`)

// RateLimiter is a Redis sorted-set sliding window shared by every gateway
// instance.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Scope == "" {
		config.Scope = "default"
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow records one request for key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN records n requests for key, or none of them when they do not all fit.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-r.config.Window)
	ttl := r.config.Window + time.Second

	res, err := slidingWindow.Run(ctx, r.client.rdb,
		[]string{r.key(key)},
		strconv.FormatInt(now.UnixMicro(), 10),
		strconv.FormatInt(windowStart.UnixMicro(), 10),
		r.config.Limit,
		n,
		ttl.Milliseconds(),
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	allowed := res[0] == 1
	count := int(res[1])
	result := &RateLimitResult{
		Allowed: allowed,
		Limit:   r.config.Limit,
		ResetAt: now.Add(r.config.Window),
	}

	if !allowed {
		result.Remaining = max(0, r.config.Limit-count)
		r.logger.Debug("rate limit exceeded",
			zap.String("scope", r.config.Scope),
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
		return result, nil
	}

	result.Remaining = r.config.Limit - count - n
	return result, nil
}

// Scope returns the limiter's key namespace.
func (r *RateLimiter) Scope() string {
	return r.config.Scope
}

func (r *RateLimiter) key(key string) string {
	return fmt.Sprintf("ratelimit:%s:%s", r.config.Scope, key)
}

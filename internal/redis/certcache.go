package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CertTTL is how long a fetched SNS signing certificate is trusted from cache.
const CertTTL = 60 * time.Minute

// CertCache stores PEM encoded SNS signing certificates keyed by their URL.
type CertCache struct {
	client *Client
	logger *zap.Logger
}

// NewCertCache creates a certificate cache backed by client.
func NewCertCache(client *Client, logger *zap.Logger) *CertCache {
	return &CertCache{client: client, logger: logger}
}

func (c *CertCache) buildKey(certURL string) string {
	sum := sha256.Sum256([]byte(certURL))
	return "sns:cert:" + hex.EncodeToString(sum[:])
}

// Get returns the cached PEM for certURL, or nil when it is not cached.
func (c *CertCache) Get(ctx context.Context, certURL string) ([]byte, error) {
	val, err := c.client.rdb.Get(ctx, c.buildKey(certURL)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

// Set caches pem for CertTTL.
func (c *CertCache) Set(ctx context.Context, certURL string, pem []byte) error {
	if err := c.client.rdb.Set(ctx, c.buildKey(certURL), pem, CertTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	c.logger.Debug("cached sns signing certificate", zap.String("url", certURL))
	return nil
}

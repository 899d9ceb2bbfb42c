package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/callback"
	"github.com/lalithlochan/nimbus-receipts/internal/delivery"
)

// ProtectedStrategy wraps a delivery strategy with a breaker per destination.
// Webhooks are keyed by URL host; other channels share one breaker per
// channel.
type ProtectedStrategy struct {
	inner  delivery.Strategy
	group  *Group
	logger *zap.Logger
}

// NewProtectedStrategy wraps inner.
func NewProtectedStrategy(inner delivery.Strategy, group *Group, logger *zap.Logger) *ProtectedStrategy {
	return &ProtectedStrategy{
		inner:  inner,
		group:  group,
		logger: logger,
	}
}

func (p *ProtectedStrategy) Deliver(ctx context.Context, task *callback.Task) error {
	key := breakerKey(task)
	cb := p.group.Get(key)

	if !cb.Allow() {
		p.logger.Warn("callback rejected by circuit breaker",
			zap.String("breaker", key),
			zap.String("task_id", task.ID.String()),
			zap.String("notification_id", task.NotificationID.String()),
		)
		return fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}

	err := p.inner.Deliver(ctx, task)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case endpointHealthy(err):
		// A 4xx means the endpoint answered.
		cb.RecordSuccess()
	default:
		cb.RecordFailure()
	}
	return err
}

func (p *ProtectedStrategy) SupportsChannel(channel string) bool {
	return p.inner.SupportsChannel(channel)
}

func breakerKey(task *callback.Task) string {
	if task.URL != "" {
		if u, err := url.Parse(task.URL); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return "channel:" + task.Channel
}

func endpointHealthy(err error) bool {
	var httpErr *delivery.DeliveryHTTPError
	return errors.As(err, &httpErr) && httpErr.ClientError()
}

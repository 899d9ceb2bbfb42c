// Package delivery performs callback deliveries: an HTTP POST to a service
// webhook, or a publish to the internal status topic.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/callback"
)

// Strategy delivers a callback task over one channel.
type Strategy interface {
	Deliver(ctx context.Context, task *callback.Task) error
	SupportsChannel(channel string) bool
}

// ErrNoStrategy is returned when no strategy handles a task's channel.
var ErrNoStrategy = errors.New("no delivery strategy for channel")

// MultiStrategy routes tasks to the strategy for their channel.
type MultiStrategy struct {
	strategies []Strategy
	logger     *zap.Logger
}

// NewMultiStrategy creates a router over strategies. The first strategy
// that supports a channel wins.
func NewMultiStrategy(logger *zap.Logger, strategies ...Strategy) *MultiStrategy {
	return &MultiStrategy{
		strategies: strategies,
		logger:     logger,
	}
}

func (m *MultiStrategy) Deliver(ctx context.Context, task *callback.Task) error {
	for _, s := range m.strategies {
		if s.SupportsChannel(task.Channel) {
			m.logger.Debug("routing callback task",
				zap.String("channel", task.Channel),
				zap.String("task_id", task.ID.String()),
			)
			return s.Deliver(ctx, task)
		}
	}
	return fmt.Errorf("%w: %s", ErrNoStrategy, task.Channel)
}

func (m *MultiStrategy) SupportsChannel(channel string) bool {
	for _, s := range m.strategies {
		if s.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/callback"
	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/metrics"
	"github.com/lalithlochan/nimbus-receipts/internal/sns"
)

// StatusPublisher publishes a status message to the internal bus.
type StatusPublisher interface {
	Publish(ctx context.Context, msg sns.StatusMessage) (string, error)
}

// QueueStrategy delivers callbacks registered with the queue channel by
// publishing them to the internal status topic.
type QueueStrategy struct {
	publisher StatusPublisher
	sealer    *callback.Sealer
	logger    *zap.Logger
}

// NewQueueStrategy creates a queue strategy.
func NewQueueStrategy(publisher StatusPublisher, sealer *callback.Sealer, logger *zap.Logger) *QueueStrategy {
	return &QueueStrategy{
		publisher: publisher,
		sealer:    sealer,
		logger:    logger,
	}
}

func (s *QueueStrategy) Deliver(ctx context.Context, task *callback.Task) error {
	start := time.Now()

	body, _, err := callback.UnsealTask(s.sealer, task)
	if err != nil {
		return err
	}

	msg := sns.StatusMessage{
		NotificationID: task.NotificationID.String(),
		CallbackType:   task.CallbackType,
		Status:         string(task.Status),
		Payload:        body,
	}
	if task.ServiceCallbackID != nil {
		msg.ServiceCallbackID = task.ServiceCallbackID.String()
	}

	messageID, err := s.publisher.Publish(ctx, msg)
	if err != nil {
		metrics.RecordCallbackDelivery(db.CallbackChannelQueue, "failure", time.Since(start))
		return fmt.Errorf("publish callback: %w", err)
	}
	metrics.RecordCallbackDelivery(db.CallbackChannelQueue, "success", time.Since(start))

	s.logger.Info("callback published",
		zap.String("task_id", task.ID.String()),
		zap.String("notification_id", task.NotificationID.String()),
		zap.String("message_id", messageID),
	)
	return nil
}

func (s *QueueStrategy) SupportsChannel(channel string) bool {
	return channel == db.CallbackChannelQueue
}

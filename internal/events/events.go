// Package events publishes effective status transitions to the analytics
// stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/provider"
)

// DefaultTopic carries one message per effective transition.
const DefaultTopic = "notification-status-events"

// StatusEvent is the analytics record for one effective transition.
type StatusEvent struct {
	NotificationID  string    `json:"notification_id"`
	ServiceID       string    `json:"service_id"`
	Provider        string    `json:"provider"`
	Status          string    `json:"status"`
	StatusReason    string    `json:"status_reason,omitempty"`
	FailureCategory string    `json:"failure_category,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// NewStatusEvent builds the event for a committed transition.
func NewStatusEvent(n *db.Notification, rec *provider.Record, at time.Time) StatusEvent {
	ev := StatusEvent{
		NotificationID:  n.ID.String(),
		ServiceID:       n.ServiceID.String(),
		Provider:        rec.Provider,
		Status:          string(n.Status),
		FailureCategory: string(n.FailureCategory),
		OccurredAt:      at.UTC(),
	}
	if n.StatusReason != nil {
		ev.StatusReason = *n.StatusReason
	}
	return ev
}

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes status events keyed by notification id, so all events
// for one notification land on the same partition.
type Publisher struct {
	writer Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher backed by a kafka-go writer.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewPublisher(w, logger)
}

// NewPublisher wraps an existing writer.
func NewPublisher(w Writer, logger *zap.Logger) *Publisher {
	return &Publisher{writer: w, logger: logger}
}

// Publish writes ev.
func (p *Publisher) Publish(ctx context.Context, ev StatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.NotificationID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "provider", Value: []byte(ev.Provider)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write status event: %w", err)
	}

	p.logger.Debug("status event published",
		zap.String("notification_id", ev.NotificationID),
		zap.String("status", ev.Status),
	)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Discard drops every event. It stands in when no brokers are configured.
type Discard struct{}

func (Discard) Publish(context.Context, StatusEvent) error { return nil }

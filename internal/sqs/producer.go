// Package sqs carries receipts and callback tasks between the receivers and
// the workers.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/callback"
	"github.com/lalithlochan/nimbus-receipts/internal/retry"
)

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewClient loads AWS configuration for region. A non-empty endpoint points
// the client at a local emulator.
func NewClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// Envelope is a receipt waiting to be processed. The receipt and retry
// queues share this shape.
type Envelope struct {
	Provider string `json:"provider"`
	// Body is the provider payload exactly as the translator expects it.
	Body        string    `json:"body"`
	Attempt     int       `json:"attempt"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	// NotificationID is set once known, so an exhausted retry can mark the
	// notification.
	NotificationID string `json:"notification_id,omitempty"`
}

// Producer sends messages to one queue.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a producer for queueURL.
func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// EnqueueReceipt sends env, delayed by delay (clamped to what SQS accepts).
func (p *Producer) EnqueueReceipt(ctx context.Context, env Envelope, delay time.Duration) (string, error) {
	if env.FirstSeenAt.IsZero() {
		env.FirstSeenAt = time.Now().UTC()
	}
	id, err := p.send(ctx, env, delay)
	if err != nil {
		p.logger.Error("failed to enqueue receipt",
			zap.Error(err),
			zap.String("provider", env.Provider),
			zap.Int("attempt", env.Attempt),
		)
		return "", err
	}
	return id, nil
}

// EnqueueTask sends a callback task for immediate delivery.
func (p *Producer) EnqueueTask(ctx context.Context, task *callback.Task) error {
	return p.RequeueTask(ctx, task, 0)
}

// RequeueTask sends task again after delay.
func (p *Producer) RequeueTask(ctx context.Context, task *callback.Task, delay time.Duration) error {
	if _, err := p.send(ctx, task, delay); err != nil {
		p.logger.Error("failed to enqueue callback task",
			zap.Error(err),
			zap.String("task_id", task.ID.String()),
			zap.String("notification_id", task.NotificationID.String()),
		)
		return err
	}
	return nil
}

func (p *Producer) send(ctx context.Context, v any, delay time.Duration) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(retry.QueueDelay(delay) / time.Second),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sqs send failed: %w", err)
	}
	return aws.ToString(result.MessageId), nil
}

// Message is one received SQS message.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
}

// Consumer reads from one queue with long polling.
type Consumer struct {
	client   API
	queueURL string
	logger   *zap.Logger
	// VisibilityTimeout is how long a received message stays hidden.
	VisibilityTimeout int32
	WaitTimeSeconds   int32
}

// NewConsumer creates a consumer for queueURL.
func NewConsumer(client API, queueURL string, logger *zap.Logger) *Consumer {
	logger.Info("sqs consumer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Consumer{
		client:            client,
		queueURL:          queueURL,
		logger:            logger,
		VisibilityTimeout: 60,
		WaitTimeSeconds:   20,
	}
}

// Receive long-polls for up to max messages. An empty slice means the poll
// timed out.
func (c *Consumer) Receive(ctx context.Context, max int32) ([]Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     c.WaitTimeSeconds,
		VisibilityTimeout:   c.VisibilityTimeout,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	msgs := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		msgs = append(msgs, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          []byte(aws.ToString(m.Body)),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

// DeleteMessage removes a message after it has been settled.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility extends or shortens the visibility timeout for a message.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}

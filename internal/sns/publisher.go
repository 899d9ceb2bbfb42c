// Package sns covers both directions of SNS traffic: inbound envelope
// verification and subscription confirmation for the receipt endpoints,
// and outbound publishing for queue-channel callbacks.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// API is the subset of the SNS client this package uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	ConfirmSubscription(ctx context.Context, params *sns.ConfirmSubscriptionInput, optFns ...func(*sns.Options)) (*sns.ConfirmSubscriptionOutput, error)
}

// NewClient creates an SNS client. A non-empty endpoint overrides the AWS
// endpoint (LocalStack).
func NewClient(ctx context.Context, region, endpoint string) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// StatusMessage is a queue-channel callback as published on the status topic.
type StatusMessage struct {
	NotificationID    string          `json:"notification_id"`
	ServiceCallbackID string          `json:"service_callback_id,omitempty"`
	CallbackType      string          `json:"callback_type"`
	Status            string          `json:"status,omitempty"`
	Payload           json.RawMessage `json:"payload"`
}

// Publisher publishes status messages to one topic.
type Publisher struct {
	client   API
	topicARN string
}

// NewPublisher creates a publisher for topicARN.
func NewPublisher(client API, topicARN string) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}
}

// Publish sends msg with notification_id and callback_type attributes so
// subscribers can filter.
func (p *Publisher) Publish(ctx context.Context, msg StatusMessage) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"notification_id": {
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.NotificationID),
		},
		"callback_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.CallbackType),
		},
	}
	if msg.Status != "" {
		attrs["status"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.Status),
		}
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

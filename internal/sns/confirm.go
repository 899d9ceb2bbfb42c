package sns

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// Confirmer completes SNS HTTP subscriptions.
type Confirmer struct {
	client API
	http   *http.Client
	logger *zap.Logger
}

// NewConfirmer creates a Confirmer. With a nil client, subscriptions are
// confirmed by fetching the SubscribeURL instead of calling the SNS API.
func NewConfirmer(client API, logger *zap.Logger) *Confirmer {
	return &Confirmer{
		client: client,
		http:   &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Confirm completes the subscription described by a SubscriptionConfirmation
// envelope.
func (c *Confirmer) Confirm(ctx context.Context, env *Envelope) error {
	if c.client != nil && env.Token != "" && env.TopicArn != "" {
		out, err := c.client.ConfirmSubscription(ctx, &sns.ConfirmSubscriptionInput{
			TopicArn: aws.String(env.TopicArn),
			Token:    aws.String(env.Token),
		})
		if err != nil {
			return fmt.Errorf("confirm subscription: %w", err)
		}
		c.logger.Info("sns subscription confirmed",
			zap.String("topic_arn", env.TopicArn),
			zap.String("subscription_arn", aws.ToString(out.SubscriptionArn)),
		)
		return nil
	}

	if err := ValidateSNSURL(env.SubscribeURL); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.SubscribeURL, nil)
	if err != nil {
		return fmt.Errorf("build subscribe request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch subscribe url: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch subscribe url: status %d", resp.StatusCode)
	}
	c.logger.Info("sns subscription confirmed via subscribe url", zap.String("topic_arn", env.TopicArn))
	return nil
}

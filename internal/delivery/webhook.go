package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/callback"
	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/metrics"
)

const userAgent = "Nimbus-Receipts/1.0.0"

// WebhookConfig configures WebhookStrategy.
type WebhookConfig struct {
	Timeout time.Duration // Per request, default 5s
}

// WebhookStrategy POSTs the sealed snapshot of a task to its URL.
type WebhookStrategy struct {
	client *http.Client
	sealer *callback.Sealer
	logger *zap.Logger
}

// NewWebhookStrategy creates a webhook strategy.
func NewWebhookStrategy(sealer *callback.Sealer, logger *zap.Logger, cfg WebhookConfig) *WebhookStrategy {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &WebhookStrategy{
		client: &http.Client{Timeout: timeout},
		sealer: sealer,
		logger: logger,
	}
}

// Deliver posts the task. Header values are never logged: they carry the
// bearer token or the signature.
func (s *WebhookStrategy) Deliver(ctx context.Context, task *callback.Task) error {
	ctx, span := otel.Tracer("delivery").Start(ctx, "callback.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.id", task.NotificationID.String()),
		attribute.String("callback.level", string(task.Level)),
		attribute.Int("callback.attempt", task.Attempt),
	)

	start := time.Now()
	err := s.deliver(ctx, task)
	result := "success"
	if err != nil {
		result = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, "callback delivery failed")
	}
	metrics.RecordCallbackDelivery(db.CallbackChannelWebhook, result, time.Since(start))
	return err
}

func (s *WebhookStrategy) deliver(ctx context.Context, task *callback.Task) error {
	if task.URL == "" {
		return fmt.Errorf("callback task %s has no url", task.ID)
	}

	body, headers, err := callback.UnsealTask(s.sealer, task)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &DeliveryHTTPError{URL: task.URL, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("callback rejected",
			zap.String("task_id", task.ID.String()),
			zap.String("notification_id", task.NotificationID.String()),
			zap.String("url", task.URL),
			zap.Int("status_code", resp.StatusCode),
		)
		return &DeliveryHTTPError{
			URL:        task.URL,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Body:       string(preview),
		}
	}

	s.logger.Info("callback delivered",
		zap.String("task_id", task.ID.String()),
		zap.String("notification_id", task.NotificationID.String()),
		zap.String("url", task.URL),
		zap.Int("status_code", resp.StatusCode),
		zap.Int("attempt", task.Attempt),
	)
	return nil
}

func (s *WebhookStrategy) SupportsChannel(channel string) bool {
	return channel == db.CallbackChannelWebhook
}

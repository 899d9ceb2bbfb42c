package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/metrics"
	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

// FailureWriter forces a notification into a failure status.
type FailureWriter interface {
	UpdateStatusByID(ctx context.Context, id uuid.UUID, st status.Status, reason string) (bool, error)
}

// RequeueFunc puts the job back on the retry queue with the given delay.
type RequeueFunc func(ctx context.Context, delay time.Duration) error

// Attempt describes the job an outcome belongs to.
type Attempt struct {
	Policy Policy
	// Retries is how many times the job has already been requeued.
	Retries  int
	Provider string
	// NotificationID is uuid.Nil while the notification is unknown.
	NotificationID uuid.UUID
	Requeue        RequeueFunc
}

// Controller applies a Policy to outcomes.
type Controller struct {
	failures FailureWriter
	logger   *zap.Logger
}

// NewController creates a Controller.
func NewController(failures FailureWriter, logger *zap.Logger) *Controller {
	return &Controller{failures: failures, logger: logger}
}

// Handle settles one outcome. A nil return means the message can be
// acknowledged. MaxRetriesExceededError and PermanentFailureError are
// terminal and the message can be acknowledged too. Any other error means
// the requeue itself failed and the message should be left for redelivery.
func (c *Controller) Handle(ctx context.Context, a Attempt, o Outcome) error {
	metrics.RecordReceiptOutcome(Label(o))

	switch o := o.(type) {
	case Completed:
		return nil

	case Aborted:
		c.logger.Warn("processing aborted",
			zap.String("policy", a.Policy.Name),
			zap.String("provider", a.Provider),
			zap.String("reason", o.Reason),
		)
		return nil

	case Retry:
		if a.Policy.Exhausted(a.Retries) {
			return c.exhausted(ctx, a, o.Reason)
		}
		delay := o.Delay
		if delay <= 0 {
			delay = a.Policy.Delay(a.Retries)
		}
		delay = QueueDelay(delay)
		if err := a.Requeue(ctx, delay); err != nil {
			return fmt.Errorf("requeue: %w", err)
		}
		metrics.RecordReceiptRetry(a.Provider)
		c.logger.Info("job requeued",
			zap.String("policy", a.Policy.Name),
			zap.String("provider", a.Provider),
			zap.Int("retry", a.Retries+1),
			zap.Duration("delay", delay),
			zap.String("reason", o.Reason),
		)
		return nil

	case FailedPermanently:
		c.logger.Error("processing failed permanently",
			zap.String("policy", a.Policy.Name),
			zap.String("provider", a.Provider),
			zap.String("class", string(o.Class)),
			zap.String("reason", o.Reason),
		)
		if a.Policy.MarkFailure && a.NotificationID != uuid.Nil {
			target := status.TechnicalFailure
			if o.Class == ClassPermanent {
				target = status.PermanentFailure
			}
			c.markFailure(ctx, a.NotificationID, target, o.Reason)
		}
		return &PermanentFailureError{Reason: o.Reason, Class: o.Class}

	default:
		return fmt.Errorf("unhandled outcome %T", o)
	}
}

func (c *Controller) exhausted(ctx context.Context, a Attempt, reason string) error {
	c.logger.Error("max retries exceeded",
		zap.String("policy", a.Policy.Name),
		zap.String("provider", a.Provider),
		zap.Int("attempts", a.Retries),
		zap.String("notification_id", a.NotificationID.String()),
		zap.String("reason", reason),
	)
	if a.Policy.MarkFailure && a.NotificationID != uuid.Nil {
		c.markFailure(ctx, a.NotificationID, status.TechnicalFailure, status.ReasonMaxRetriesExceeded)
	}
	return &MaxRetriesExceededError{
		Policy:         a.Policy.Name,
		Attempts:       a.Retries,
		NotificationID: a.NotificationID,
		Reason:         reason,
	}
}

func (c *Controller) markFailure(ctx context.Context, id uuid.UUID, st status.Status, reason string) {
	updated, err := c.failures.UpdateStatusByID(ctx, id, st, reason)
	if err != nil {
		c.logger.Error("failed to write failure status",
			zap.String("notification_id", id.String()),
			zap.String("status", string(st)),
			zap.Error(err),
		)
		return
	}
	if !updated {
		c.logger.Info("notification already terminal, failure status not written",
			zap.String("notification_id", id.String()),
		)
	}
}

package callback

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/metrics"
	"github.com/lalithlochan/nimbus-receipts/internal/provider"
	"github.com/lalithlochan/nimbus-receipts/internal/redis"
)

// Ledger remembers which transitions already had a task enqueued.
type Ledger interface {
	Claim(ctx context.Context, notificationID, transition string) error
	Release(ctx context.Context, notificationID, transition string) error
}

var errNoLedger = errors.New("dispatch ledger not configured")

// NoLedger stands in when Redis is not configured. Every claim fails, so
// dispatch is at-least-once.
type NoLedger struct{}

func (NoLedger) Claim(context.Context, string, string) error   { return errNoLedger }
func (NoLedger) Release(context.Context, string, string) error { return nil }

// TaskQueue accepts tasks for asynchronous delivery.
type TaskQueue interface {
	EnqueueTask(ctx context.Context, task *Task) error
}

// Dispatcher routes a committed transition and enqueues at most one task
// for it, however many times the receipt behind it is redelivered.
type Dispatcher struct {
	router *Router
	ledger Ledger
	queue  TaskQueue
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(router *Router, ledger Ledger, queue TaskQueue, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		router: router,
		ledger: ledger,
		queue:  queue,
		logger: logger,
	}
}

// Dispatch enqueues the delivery-status task for n's current status. It
// reports whether a task was enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context, n *db.Notification, rec *provider.Record) (bool, error) {
	task, err := d.router.Route(ctx, n, rec)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return d.enqueueOnce(ctx, task, transitionKey(n))
}

// transitionKey names the committed write behind n's status. A notification
// that reaches the same status twice, say temporary-failure again after a
// reset, gets a fresh key because the write moved updated_at.
func transitionKey(n *db.Notification) string {
	if n.UpdatedAt == nil {
		return string(n.Status)
	}
	return fmt.Sprintf("%s@%d", n.Status, n.UpdatedAt.UnixMicro())
}

// DispatchComplaint enqueues the complaint task for a complaint record.
func (d *Dispatcher) DispatchComplaint(ctx context.Context, n *db.Notification, rec *provider.Record) (bool, error) {
	task, err := d.router.RouteComplaint(ctx, n, rec)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return d.enqueueOnce(ctx, task, "complaint:"+rec.Complaint.FeedbackID)
}

func (d *Dispatcher) enqueueOnce(ctx context.Context, task *Task, transition string) (bool, error) {
	id := task.NotificationID.String()

	claimed := true
	if err := d.ledger.Claim(ctx, id, transition); err != nil {
		if errors.Is(err, redis.ErrAlreadyDispatched) {
			metrics.RecordCallbackDeduplicated()
			d.logger.Info("callback already enqueued for transition",
				zap.String("notification_id", id),
				zap.String("transition", transition),
			)
			return false, nil
		}
		// Without the ledger we fall back to at-least-once.
		d.logger.Warn("dispatch ledger unavailable, enqueueing without dedupe",
			zap.String("notification_id", id),
			zap.Error(err),
		)
		claimed = false
	}

	if err := d.queue.EnqueueTask(ctx, task); err != nil {
		if claimed {
			if relErr := d.ledger.Release(ctx, id, transition); relErr != nil {
				d.logger.Error("failed to release dispatch claim",
					zap.String("notification_id", id),
					zap.Error(relErr),
				)
			}
		}
		return false, fmt.Errorf("enqueue callback task: %w", err)
	}

	d.logger.Info("callback task enqueued",
		zap.String("task_id", task.ID.String()),
		zap.String("notification_id", id),
		zap.String("level", string(task.Level)),
		zap.String("channel", task.Channel),
		zap.String("transition", transition),
	)
	return true, nil
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/callback"
	"github.com/lalithlochan/nimbus-receipts/internal/delivery"
	"github.com/lalithlochan/nimbus-receipts/internal/retry"
	"github.com/lalithlochan/nimbus-receipts/internal/sqs"
)

// TaskRequeuer puts a callback task back on the callback queue.
type TaskRequeuer interface {
	RequeueTask(ctx context.Context, task *callback.Task, delay time.Duration) error
}

// CallbackHandler delivers tasks from the callback queue.
type CallbackHandler struct {
	strategy   delivery.Strategy
	controller *retry.Controller
	requeue    TaskRequeuer
	logger     *zap.Logger
}

func NewCallbackHandler(strategy delivery.Strategy, controller *retry.Controller, requeue TaskRequeuer, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		strategy:   strategy,
		controller: controller,
		requeue:    requeue,
		logger:     logger,
	}
}

func (h *CallbackHandler) Handle(ctx context.Context, msg sqs.Message) bool {
	var task callback.Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		h.logger.Error("dropping undecodable callback task",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return true
	}

	outcome := h.outcome(h.strategy.Deliver(ctx, &task))

	attempt := retry.Attempt{
		Policy:         retry.CallbackPolicy,
		Retries:        task.Attempt,
		Provider:       task.Channel,
		NotificationID: task.NotificationID,
		Requeue: func(ctx context.Context, delay time.Duration) error {
			next := task
			next.Attempt++
			return h.requeue.RequeueTask(ctx, &next, delay)
		},
	}

	err := h.controller.Handle(ctx, attempt, outcome)
	if err == nil {
		return true
	}

	var maxErr *retry.MaxRetriesExceededError
	var permErr *retry.PermanentFailureError
	if errors.As(err, &maxErr) || errors.As(err, &permErr) {
		h.logger.Error("callback abandoned",
			zap.String("task_id", task.ID.String()),
			zap.String("notification_id", task.NotificationID.String()),
			zap.Int("attempts", task.Attempt+1),
			zap.Error(err),
		)
		return true
	}
	return false
}

func (h *CallbackHandler) outcome(err error) retry.Outcome {
	switch {
	case err == nil:
		return retry.Completed{}
	case delivery.IsRetryable(err):
		return retry.Retry{Reason: err.Error()}
	default:
		return retry.FailedPermanently{Reason: err.Error(), Class: retry.ClassTechnical}
	}
}

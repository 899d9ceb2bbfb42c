package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/pipeline"
	"github.com/lalithlochan/nimbus-receipts/internal/retry"
	"github.com/lalithlochan/nimbus-receipts/internal/sqs"
)

// Processor runs a receipt through the pipeline.
type Processor interface {
	Process(ctx context.Context, job *pipeline.Job) retry.Outcome
}

// ReceiptRequeuer puts a receipt on the retry queue.
type ReceiptRequeuer interface {
	EnqueueReceipt(ctx context.Context, env sqs.Envelope, delay time.Duration) (string, error)
}

// DeadLetterStore keeps receipts the pipeline gave up on.
type DeadLetterStore interface {
	MoveReceiptToDeadLetter(ctx context.Context, dl *db.ReceiptDeadLetter) error
}

// Validator checks a raw queue message before it is decoded.
type Validator interface {
	Validate(raw []byte) error
}

// ReceiptHandler settles messages from the receipt and retry queues.
type ReceiptHandler struct {
	pipeline    Processor
	controller  *retry.Controller
	retries     ReceiptRequeuer
	deadLetters DeadLetterStore
	schema      Validator
	logger      *zap.Logger
}

func NewReceiptHandler(p Processor, controller *retry.Controller, retries ReceiptRequeuer, deadLetters DeadLetterStore, logger *zap.Logger) *ReceiptHandler {
	return &ReceiptHandler{
		pipeline:    p,
		controller:  controller,
		retries:     retries,
		deadLetters: deadLetters,
		logger:      logger,
	}
}

// WithSchema makes the handler reject messages that fail v.
func (h *ReceiptHandler) WithSchema(v Validator) *ReceiptHandler {
	h.schema = v
	return h
}

func (h *ReceiptHandler) Handle(ctx context.Context, msg sqs.Message) bool {
	if h.schema != nil {
		if err := h.schema.Validate(msg.Body); err != nil {
			h.logger.Error("dropping invalid receipt message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			h.deadLetter(ctx, sqs.Envelope{}, msg.Body, err.Error())
			return true
		}
	}

	var env sqs.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil || env.Provider == "" {
		h.logger.Error("dropping undecodable receipt message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		h.deadLetter(ctx, env, msg.Body, "undecodable queue message")
		return true
	}

	job := &pipeline.Job{
		Provider:    env.Provider,
		Body:        []byte(env.Body),
		Attempt:     env.Attempt,
		FirstSeenAt: env.FirstSeenAt,
	}
	if env.NotificationID != "" {
		if id, err := uuid.Parse(env.NotificationID); err == nil {
			job.NotificationID = id
		}
	}

	outcome := h.pipeline.Process(ctx, job)

	attempt := retry.Attempt{
		Policy:         pipeline.PolicyFor(env.Provider),
		Retries:        env.Attempt,
		Provider:       env.Provider,
		NotificationID: job.NotificationID,
		Requeue: func(ctx context.Context, delay time.Duration) error {
			next := env
			next.Attempt++
			if job.NotificationID != uuid.Nil {
				next.NotificationID = job.NotificationID.String()
			}
			_, err := h.retries.EnqueueReceipt(ctx, next, delay)
			return err
		},
	}

	err := h.controller.Handle(ctx, attempt, outcome)
	if err == nil {
		return true
	}

	var maxErr *retry.MaxRetriesExceededError
	var permErr *retry.PermanentFailureError
	if errors.As(err, &maxErr) || errors.As(err, &permErr) {
		h.deadLetter(ctx, env, nil, err.Error())
		return true
	}

	h.logger.Error("receipt left for redelivery",
		zap.String("message_id", msg.ID),
		zap.String("provider", env.Provider),
		zap.Error(err),
	)
	return false
}

func (h *ReceiptHandler) deadLetter(ctx context.Context, env sqs.Envelope, raw []byte, reason string) {
	if h.deadLetters == nil {
		return
	}

	body := raw
	if body == nil {
		body = []byte(env.Body)
	}
	provider := env.Provider
	if provider == "" {
		provider = "unknown"
	}

	dl := &db.ReceiptDeadLetter{
		Provider:  provider,
		Body:      body,
		Attempts:  env.Attempt,
		LastError: reason,
	}
	if err := h.deadLetters.MoveReceiptToDeadLetter(ctx, dl); err != nil {
		h.logger.Error("failed to store dead letter",
			zap.String("provider", provider),
			zap.Error(err),
		)
	}
}

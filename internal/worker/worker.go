// Package worker drains the receipt and callback queues.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/metrics"
	"github.com/lalithlochan/nimbus-receipts/internal/sqs"
)

// Queue is the consumer side of one SQS queue.
type Queue interface {
	Receive(ctx context.Context, max int32) ([]sqs.Message, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
}

// Handler settles one message. Returning true deletes it from the queue;
// false leaves it to reappear after its visibility timeout.
type Handler interface {
	Handle(ctx context.Context, msg sqs.Message) bool
}

type Config struct {
	Concurrency int
	BatchSize   int32
	// HandlerTimeout bounds one message, including its retries of the
	// status write.
	HandlerTimeout time.Duration
}

// Worker runs Concurrency long-poll loops against one queue.
type Worker struct {
	name     string
	queue    Queue
	handler  Handler
	config   Config
	logger   *zap.Logger
	inFlight atomic.Int64
}

func New(name string, queue Queue, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}

	return &Worker{
		name:    name,
		queue:   queue,
		handler: handler,
		config:  cfg,
		logger:  logger.With(zap.String("queue", name)),
	}
}

// Start blocks until ctx is cancelled and every loop has returned.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker starting", zap.Int("concurrency", w.config.Concurrency))

	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	w.logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context, id int) {
	pollBackoff := backoff.NewExponentialBackOff()
	pollBackoff.InitialInterval = 500 * time.Millisecond
	pollBackoff.MaxInterval = 30 * time.Second
	pollBackoff.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := w.queue.Receive(ctx, w.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := pollBackoff.NextBackOff()
			w.logger.Error("failed to receive messages",
				zap.Int("loop", id),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		pollBackoff.Reset()

		for _, msg := range msgs {
			w.processMessage(ctx, msg)
		}
	}
}

// ProcessMessage exposes one settle step, for replay tooling and tests.
func (w *Worker) ProcessMessage(ctx context.Context, msg sqs.Message) {
	w.processMessage(ctx, msg)
}

func (w *Worker) processMessage(ctx context.Context, msg sqs.Message) {
	metrics.SetMessagesInFlight(w.name, int(w.inFlight.Add(1)))
	defer func() {
		metrics.SetMessagesInFlight(w.name, int(w.inFlight.Add(-1)))
	}()

	msgCtx, cancel := context.WithTimeout(ctx, w.config.HandlerTimeout)
	defer cancel()

	if !w.handler.Handle(msgCtx, msg) {
		return
	}

	// msgCtx may already be past its deadline.
	if err := w.queue.DeleteMessage(ctx, msg.ReceiptHandle); err != nil {
		w.logger.Error("failed to delete message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

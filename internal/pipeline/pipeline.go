// Package pipeline runs one delivery receipt through translation, lookup,
// reconciliation and callback fan-out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/events"
	"github.com/lalithlochan/nimbus-receipts/internal/locator"
	"github.com/lalithlochan/nimbus-receipts/internal/metrics"
	"github.com/lalithlochan/nimbus-receipts/internal/provider"
	"github.com/lalithlochan/nimbus-receipts/internal/reconcile"
	"github.com/lalithlochan/nimbus-receipts/internal/retry"
	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

// RaceRetryDelay is the first retry delay for a receipt that arrived before
// its notification was committed.
const RaceRetryDelay = 10 * time.Second

// Job is one receipt to process.
type Job struct {
	Provider string
	Body     []byte
	// Attempt counts previous requeues.
	Attempt     int
	FirstSeenAt time.Time
	// NotificationID is known up front for direct callbacks and is filled in
	// by Process once the receipt is matched.
	NotificationID uuid.UUID
}

// Locator resolves a provider reference.
type Locator interface {
	Locate(ctx context.Context, reference string, incoming status.Status, eventTimestamp time.Time) (*db.Notification, locator.Decision, error)
}

// Reconciler applies a receipt to a notification.
type Reconciler interface {
	Apply(ctx context.Context, current *db.Notification, rec *provider.Record) (*reconcile.Transition, error)
}

// Dispatcher enqueues callback tasks.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *db.Notification, rec *provider.Record) (bool, error)
	DispatchComplaint(ctx context.Context, n *db.Notification, rec *provider.Record) (bool, error)
}

// EventPublisher writes analytics events.
type EventPublisher interface {
	Publish(ctx context.Context, ev events.StatusEvent) error
}

// Pipeline wires the stages together. It holds no per-receipt state.
type Pipeline struct {
	registry   *provider.Registry
	locator    Locator
	reconciler Reconciler
	dispatcher Dispatcher
	events     EventPublisher
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a Pipeline. A nil publisher disables analytics events.
func New(registry *provider.Registry, loc Locator, reconciler Reconciler, dispatcher Dispatcher, publisher EventPublisher, logger *zap.Logger) *Pipeline {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Pipeline{
		registry:   registry,
		locator:    loc,
		reconciler: reconciler,
		dispatcher: dispatcher,
		events:     publisher,
		logger:     logger,
		now:        time.Now,
	}
}

// PolicyFor returns the retry policy for receipts from provider.
func PolicyFor(providerName string) retry.Policy {
	switch providerName {
	case "pinpoint", "pinpoint-v2":
		return retry.PinpointPolicy
	default:
		return retry.DeliveryStatusPolicy
	}
}

// Process runs job to an outcome. The status write always commits before any
// callback is enqueued.
func (p *Pipeline) Process(ctx context.Context, job *Job) retry.Outcome {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "pipeline.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("receipt.provider", job.Provider),
		attribute.Int("receipt.attempt", job.Attempt),
	)

	outcome := p.process(ctx, job)

	span.SetAttributes(attribute.String("receipt.outcome", retry.Label(outcome)))
	if _, failed := outcome.(retry.FailedPermanently); failed {
		span.SetStatus(codes.Error, outcome.String())
	}
	return outcome
}

func (p *Pipeline) process(ctx context.Context, job *Job) retry.Outcome {
	rec, err := p.registry.Translate(job.Provider, job.Body)
	if err != nil {
		return p.translationFailed(job, err)
	}

	eventTime := rec.EventTimestamp
	if eventTime.IsZero() {
		eventTime = job.FirstSeenAt
	}
	if eventTime.IsZero() {
		eventTime = p.now()
	}

	n, decision, err := p.locator.Locate(ctx, rec.Reference, rec.Status, eventTime)
	if err != nil {
		p.logger.Warn("notification lookup failed",
			zap.String("provider", job.Provider),
			zap.String("reference", rec.Reference),
			zap.Error(err),
		)
		return retry.Retry{Reason: err.Error()}
	}
	switch decision {
	case locator.Retry:
		delay := time.Duration(0)
		if job.Attempt == 0 {
			delay = RaceRetryDelay
		}
		return retry.Retry{Delay: delay, Reason: "notification not found yet"}
	case locator.Abort:
		return retry.Aborted{Reason: fmt.Sprintf("no unique notification for reference %s", rec.Reference)}
	}
	job.NotificationID = n.ID

	if rec.IsComplaint() {
		return p.complaint(ctx, n, rec)
	}

	transition, err := p.reconciler.Apply(ctx, n, rec)
	if err != nil {
		p.logger.Warn("status write failed",
			zap.String("notification_id", n.ID.String()),
			zap.String("status", string(rec.Status)),
			zap.Error(err),
		)
		return retry.Retry{Reason: err.Error()}
	}
	switch {
	case transition.Verdict == reconcile.VerdictReplay:
		// The status may have committed on an earlier attempt whose callback
		// never reached the queue. The ledger drops the task if it did.
		return p.dispatch(ctx, transition.Notification, rec)
	case !transition.Effective():
		return retry.Completed{}
	}

	updated := transition.Notification
	if err := p.events.Publish(ctx, events.NewStatusEvent(updated, rec, p.now())); err != nil {
		p.logger.Warn("failed to publish status event",
			zap.String("notification_id", updated.ID.String()),
			zap.Error(err),
		)
	}

	return p.dispatch(ctx, updated, rec)
}

// dispatch enqueues the callback for n's committed status. A failure asks for
// the receipt to be retried; the retry replays the status and lands here again.
func (p *Pipeline) dispatch(ctx context.Context, n *db.Notification, rec *provider.Record) retry.Outcome {
	if _, err := p.dispatcher.Dispatch(ctx, n, rec); err != nil {
		p.logger.Warn("failed to enqueue callback",
			zap.String("notification_id", n.ID.String()),
			zap.String("status", string(n.Status)),
			zap.Error(err),
		)
		return retry.Retry{Reason: fmt.Sprintf("enqueue callback: %v", err)}
	}
	return retry.Completed{}
}

func (p *Pipeline) complaint(ctx context.Context, n *db.Notification, rec *provider.Record) retry.Outcome {
	if _, err := p.dispatcher.DispatchComplaint(ctx, n, rec); err != nil {
		p.logger.Warn("failed to enqueue complaint callback",
			zap.String("notification_id", n.ID.String()),
			zap.String("feedback_id", rec.Complaint.FeedbackID),
			zap.Error(err),
		)
		return retry.Retry{Reason: err.Error()}
	}
	return retry.Completed{}
}

func (p *Pipeline) translationFailed(job *Job, err error) retry.Outcome {
	if errors.Is(err, provider.ErrIgnoredEvent) {
		p.logger.Debug("ignoring provider event", zap.String("provider", job.Provider))
		return retry.Completed{}
	}

	kind := "malformed"
	var unknown *provider.UnknownStatusError
	if errors.As(err, &unknown) {
		kind = "unknown_status"
	}
	metrics.RecordTranslationError(job.Provider, kind)
	p.logger.Error("receipt translation failed",
		zap.String("provider", job.Provider),
		zap.String("kind", kind),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	)
	return retry.FailedPermanently{Reason: err.Error(), Class: retry.ClassPermanent}
}

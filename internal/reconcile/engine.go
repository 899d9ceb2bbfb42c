// Package reconcile decides whether a translated receipt may move a
// notification to a new status, and writes the transition when it may.
//
// Receipts for the same notification arrive from independent channels in any
// order and may be redelivered. Correctness comes from the rules in Decide
// and from the conditional write in Apply, never from ordering.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/metrics"
	"github.com/lalithlochan/nimbus-receipts/internal/provider"
	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

// ErrTransientPersistence wraps database failures during a status write.
// The caller should retry the receipt.
var ErrTransientPersistence = errors.New("transient persistence failure")

var errConcurrentUpdate = errors.New("notification changed during update")

// maxWriteAttempts bounds the re-read loop when a concurrent writer keeps
// moving the row underneath us.
const maxWriteAttempts = 3

// Verdict is the outcome of the transition rules.
type Verdict int

const (
	VerdictAccept Verdict = iota
	// VerdictReplay means the notification already has the incoming status.
	VerdictReplay
	// VerdictRegression means the notification is terminal and the receipt
	// would move it elsewhere.
	VerdictRegression
	// VerdictBounceLocked means a bounce made the notification terminal. A
	// bounce is authoritative over any later receipt.
	VerdictBounceLocked
	// VerdictStale means the receipt is out of order: the notification has
	// already moved past the incoming status.
	VerdictStale
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReplay:
		return "replay"
	case VerdictRegression:
		return "regression"
	case VerdictBounceLocked:
		return "bounce_locked"
	case VerdictStale:
		return "stale"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Store is the persistence the engine writes through.
type Store interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ApplyStatusUpdate(ctx context.Context, u db.StatusUpdate) (*db.Notification, bool, error)
}

// Transition describes what Apply did.
type Transition struct {
	Verdict Verdict
	From    status.Status
	To      status.Status
	// Notification is the row after the write, or the row that caused the
	// rejection.
	Notification *db.Notification
}

// Effective reports whether the status actually changed. Only effective
// transitions produce callbacks.
func (t *Transition) Effective() bool {
	return t.Verdict == VerdictAccept
}

// Engine applies the transition rules.
type Engine struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(store Store, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Decide evaluates the transition rules in order. It has no side effects.
func (e *Engine) Decide(current *db.Notification, rec *provider.Record) Verdict {
	if current.Status == rec.Status {
		return VerdictReplay
	}
	// The bounce lock is checked before the plain terminal rule on purpose. A
	// late delivered after a bounce is rejected either way, but it must be
	// reported as bounce_locked.
	if status.IsTerminal(current.Status) {
		if current.FailureCategory.IsBounce() {
			return VerdictBounceLocked
		}
		return VerdictRegression
	}
	if status.Regresses(current.Status, rec.Status) {
		return VerdictStale
	}
	return VerdictAccept
}

// Apply decides and, on accept, writes the transition together with its
// billing facts. When a concurrent writer changes the row first, the row is
// re-read and the rules are evaluated again against the fresh state.
// Rejections are reported in the Transition, not as errors.
func (e *Engine) Apply(ctx context.Context, current *db.Notification, rec *provider.Record) (*Transition, error) {
	var result *Transition

	op := func() error {
		verdict := e.Decide(current, rec)
		if verdict != VerdictAccept {
			result = &Transition{Verdict: verdict, From: current.Status, To: current.Status, Notification: current}
			e.logRejection(current, rec, verdict)
			return nil
		}

		updated, ok, err := e.store.ApplyStatusUpdate(ctx, BuildUpdate(current, rec))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrTransientPersistence, err))
		}
		if !ok {
			fresh, err := e.store.GetNotification(ctx, current.ID)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("%w: re-read notification: %w", ErrTransientPersistence, err))
			}
			e.logger.Debug("notification changed concurrently, re-deciding",
				zap.String("notification_id", current.ID.String()),
				zap.String("expected", string(current.Status)),
				zap.String("found", string(fresh.Status)),
			)
			current = fresh
			return errConcurrentUpdate
		}

		result = &Transition{Verdict: VerdictAccept, From: current.Status, To: updated.Status, Notification: updated}
		RecordSideEffects(rec, updated, e.now())
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(25*time.Millisecond), maxWriteAttempts-1),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, errConcurrentUpdate) {
			return nil, fmt.Errorf("%w: %w after %d attempts", ErrTransientPersistence, err, maxWriteAttempts)
		}
		return nil, err
	}
	return result, nil
}

func (e *Engine) logRejection(current *db.Notification, rec *provider.Record, verdict Verdict) {
	fields := []zap.Field{
		zap.String("notification_id", current.ID.String()),
		zap.String("reference", rec.Reference),
		zap.String("current_status", string(current.Status)),
		zap.String("incoming_status", string(rec.Status)),
		zap.String("provider", rec.Provider),
	}

	switch verdict {
	case VerdictReplay:
		e.logger.Info("duplicate receipt, status unchanged", fields...)
	case VerdictBounceLocked:
		e.logger.Warn("notification bounced, ignoring later receipt",
			append(fields, zap.String("failure_category", string(current.FailureCategory)))...)
		metrics.RecordTransitionRejected(verdict.String())
	case VerdictStale:
		e.logger.Info("out of order receipt, notification already further along", fields...)
		metrics.RecordTransitionRejected(verdict.String())
	case VerdictRegression:
		msg := "terminal status would regress, receipt rejected"
		if rec.Status == status.Delivered {
			msg = "late delivery after terminal status, receipt rejected"
		}
		e.logger.Warn(msg, fields...)
		metrics.RecordTransitionRejected(verdict.String())
	}
}

// Package locator resolves a provider reference to the notification it
// belongs to.
package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/metrics"
	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

// DefaultGraceWindow is how long after a receipt's event time a missing
// notification is still treated as a send that has not committed yet.
const DefaultGraceWindow = 5 * time.Minute

// Decision tells the pipeline what to do with a lookup result.
type Decision int

const (
	Proceed Decision = iota
	Retry
	Abort
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Retry:
		return "retry"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Finder looks notifications up by provider reference. It returns
// db.ErrNotFound or db.ErrMultipleFound for the two ambiguous outcomes.
type Finder interface {
	GetByReference(ctx context.Context, reference string) (*db.Notification, error)
}

// Locator performs no writes.
type Locator struct {
	finder Finder
	logger *zap.Logger
	grace  time.Duration
	now    func() time.Time
}

// Option configures a Locator.
type Option func(*Locator)

// WithGraceWindow overrides DefaultGraceWindow.
func WithGraceWindow(d time.Duration) Option {
	return func(l *Locator) { l.grace = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Locator) { l.now = now }
}

// New creates a Locator.
func New(finder Finder, logger *zap.Logger, opts ...Option) *Locator {
	l := &Locator{
		finder: finder,
		logger: logger,
		grace:  DefaultGraceWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate resolves reference. The grace window is measured from
// eventTimestamp, the time the provider reported the event, so redelivered
// and retried receipts do not extend it. A returned error is a lookup
// failure the caller should retry; Decision is Retry in that case.
func (l *Locator) Locate(ctx context.Context, reference string, incoming status.Status, eventTimestamp time.Time) (*db.Notification, Decision, error) {
	notif, err := l.finder.GetByReference(ctx, reference)
	switch {
	case err == nil:
		return notif, Proceed, nil

	case errors.Is(err, db.ErrMultipleFound):
		l.logger.Warn("multiple notifications found for reference",
			zap.String("reference", reference),
			zap.String("status", string(incoming)),
		)
		metrics.RecordMultipleNotificationsFound()
		return nil, Abort, nil

	case errors.Is(err, db.ErrNotFound):
		age := l.now().Sub(eventTimestamp)
		if age < l.grace {
			l.logger.Info("notification not found yet, will retry",
				zap.String("reference", reference),
				zap.String("status", string(incoming)),
				zap.Duration("event_age", age),
			)
			return nil, Retry, nil
		}
		l.logger.Warn("no notification found for reference",
			zap.String("reference", reference),
			zap.String("status", string(incoming)),
			zap.Duration("event_age", age),
		)
		metrics.RecordNoNotificationFound()
		return nil, Abort, nil

	default:
		return nil, Retry, fmt.Errorf("locate notification %s: %w", reference, err)
	}
}

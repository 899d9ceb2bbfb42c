// Package retry turns the result of one processing attempt into an ack, a
// delayed requeue, or a terminal failure.
package retry

import (
	"fmt"
	"time"
)

// Outcome is the result of one attempt. It is one of Completed, Retry,
// Aborted or FailedPermanently.
type Outcome interface {
	outcome()
	String() string
}

// Completed means the work is done, including deliberate no-ops.
type Completed struct{}

// Retry asks for another attempt after Delay. A zero Delay uses the
// policy's backoff.
type Retry struct {
	Delay  time.Duration
	Reason string
}

// Aborted ends processing without writing a failure status. Used when the
// notification cannot be identified with confidence.
type Aborted struct {
	Reason string
}

// FailedPermanently ends processing. Callers must not retry it.
type FailedPermanently struct {
	Reason string
	Class  FailureClass
}

func (Completed) outcome()         {}
func (Retry) outcome()             {}
func (Aborted) outcome()           {}
func (FailedPermanently) outcome() {}

func (Completed) String() string           { return "completed" }
func (o Retry) String() string             { return fmt.Sprintf("retry(%s)", o.Delay) }
func (o Aborted) String() string           { return "aborted: " + o.Reason }
func (o FailedPermanently) String() string { return fmt.Sprintf("failed(%s): %s", o.Class, o.Reason) }

// FailureClass separates failures operations can recover from (technical)
// from business-rule failures that will never succeed (permanent).
type FailureClass string

const (
	ClassTechnical FailureClass = "technical"
	ClassPermanent FailureClass = "permanent"
)

// Label is the metrics label for an outcome.
func Label(o Outcome) string {
	switch o.(type) {
	case Completed:
		return "completed"
	case Retry:
		return "retry"
	case Aborted:
		return "aborted"
	case FailedPermanently:
		return "failed"
	default:
		return "unknown"
	}
}

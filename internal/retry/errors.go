package retry

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MaxRetriesExceededError is raised when a job used up its policy. It is a
// technical failure.
type MaxRetriesExceededError struct {
	Policy         string
	Attempts       int
	NotificationID uuid.UUID
	Reason         string
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("%s: max retries exceeded after %d attempts: %s", e.Policy, e.Attempts, e.Reason)
}

// PermanentFailureError is raised for a FailedPermanently outcome.
type PermanentFailureError struct {
	Reason string
	Class  FailureClass
}

func (e *PermanentFailureError) Error() string {
	return fmt.Sprintf("%s failure: %s", e.Class, e.Reason)
}

// ClassOf reports the failure class of a terminal error, or "" when err is
// not one.
func ClassOf(err error) FailureClass {
	var maxErr *MaxRetriesExceededError
	if errors.As(err, &maxErr) {
		return ClassTechnical
	}
	var permErr *PermanentFailureError
	if errors.As(err, &permErr) {
		return permErr.Class
	}
	return ""
}

// Package status holds the canonical notification status vocabulary that
// every provider receipt is normalized into.
package status

import "fmt"

// Status is a canonical notification status.
type Status string

const (
	Created             Status = "created"
	Sending             Status = "sending"
	Pending             Status = "pending"
	Sent                Status = "sent"
	Received            Status = "received"
	Delivered           Status = "delivered"
	TemporaryFailure    Status = "temporary-failure"
	PermanentFailure    Status = "permanent-failure"
	TechnicalFailure    Status = "technical-failure"
	PreferencesDeclined Status = "preferences-declined"
	Cancelled           Status = "cancelled"
)

var all = map[Status]struct{}{
	Created:             {},
	Sending:             {},
	Pending:             {},
	Sent:                {},
	Received:            {},
	Delivered:           {},
	TemporaryFailure:    {},
	PermanentFailure:    {},
	TechnicalFailure:    {},
	PreferencesDeclined: {},
	Cancelled:           {},
}

var terminal = map[Status]struct{}{
	Delivered:           {},
	PermanentFailure:    {},
	TechnicalFailure:    {},
	PreferencesDeclined: {},
	Cancelled:           {},
}

// Completed is the default set of statuses a delivery-status callback
// subscribes to when a service does not pick its own.
var Completed = []Status{Delivered, PermanentFailure, TechnicalFailure, TemporaryFailure}

// Parse validates a raw status string.
func Parse(s string) (Status, error) {
	st := Status(s)
	if _, ok := all[st]; !ok {
		return "", fmt.Errorf("unknown notification status: %q", s)
	}
	return st, nil
}

// IsTerminal reports whether no provider receipt may move a notification out of s.
func IsTerminal(s Status) bool {
	_, ok := terminal[s]
	return ok
}

// Terminal returns the terminal statuses as strings, for use in SQL predicates.
func Terminal() []string {
	out := make([]string, 0, len(terminal))
	for _, s := range []Status{Delivered, PermanentFailure, TechnicalFailure, PreferencesDeclined, Cancelled} {
		out = append(out, string(s))
	}
	return out
}

// rank orders statuses along the delivery lifecycle. A receipt may never move
// a notification to a lower rank. Statuses of equal rank may replace each other.
var rank = map[Status]int{
	Created:             0,
	Sending:             1,
	Pending:             1,
	Sent:                2,
	Received:            2,
	TemporaryFailure:    3,
	Delivered:           4,
	PermanentFailure:    4,
	TechnicalFailure:    4,
	PreferencesDeclined: 4,
	Cancelled:           4,
}

// Regresses reports whether moving from -> to would go backwards in the
// lifecycle.
func Regresses(from, to Status) bool {
	return rank[to] < rank[from]
}

func (s Status) String() string { return string(s) }

// FailureCategory classifies why a notification failed. It is set once when
// a receipt is translated and persisted next to the status reason, so nothing
// downstream has to inspect reason text.
type FailureCategory string

const (
	CategoryNone       FailureCategory = ""
	CategoryBounceHard FailureCategory = "bounce-hard"
	CategoryBounceSoft FailureCategory = "bounce-soft"
	CategoryOther      FailureCategory = "other"
)

// IsBounce reports whether the category came from an email bounce.
func (c FailureCategory) IsBounce() bool {
	return c == CategoryBounceHard || c == CategoryBounceSoft
}

// Status reasons written alongside failure statuses.
const (
	ReasonUnreachable        = "Undeliverable - Individual unreachable"
	ReasonRetryable          = "Retryable - Notification is unable to be processed at this time. Replay the request to VA Notify."
	ReasonBlocked            = "Undeliverable - Individual or carrier has blocked the request"
	ReasonUndeliverable      = "Undeliverable - Unable to deliver"
	ReasonInvalidNumber      = "Undeliverable - Invalid phone number"
	ReasonMaxRetriesExceeded = "Maximum retries exceeded"
)

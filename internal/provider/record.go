// Package provider translates raw delivery receipts from SMS and email
// providers into canonical status records.
package provider

import (
	"encoding/json"
	"time"

	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

// Record is one decoded delivery receipt. It lives only for the duration of a
// single pipeline run.
type Record struct {
	Provider string `json:"provider"`
	// SentBy is the provider identifier stored on the notification row.
	SentBy string `json:"sent_by"`

	Reference       string                 `json:"reference"`
	RecordStatus    string                 `json:"record_status"`
	Status          status.Status          `json:"status"`
	StatusReason    string                 `json:"status_reason,omitempty"`
	FailureCategory status.FailureCategory `json:"failure_category,omitempty"`

	// Payload is the provider's original event, forwarded to callbacks that
	// opt into it.
	Payload json.RawMessage `json:"payload"`

	MessageParts      int       `json:"number_of_message_parts"`
	PriceInMillicents float64   `json:"price_in_millicents_usd"`
	EventTimestamp    time.Time `json:"event_timestamp"`

	// EventType is the provider event name where one exists (SES eventType).
	EventType string     `json:"event_type,omitempty"`
	Complaint *Complaint `json:"complaint,omitempty"`
}

// Complaint carries the details of an SES complaint event.
type Complaint struct {
	FeedbackID string    `json:"feedback_id"`
	Type       string    `json:"type,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// IsComplaint reports whether the record describes a recipient complaint
// rather than a status change.
func (r *Record) IsComplaint() bool {
	return r.Complaint != nil
}

// Translator decodes one provider's wire format.
type Translator interface {
	Name() string
	Translate(raw []byte) (*Record, error)
}

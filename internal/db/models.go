package db

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

var (
	// ErrNotFound is returned when no row matches a lookup.
	ErrNotFound = errors.New("notification not found")
	// ErrMultipleFound is returned when a provider reference matches more than one notification.
	ErrMultipleFound = errors.New("multiple notifications found for reference")
	// ErrNotPending is returned when resolving a dead letter that was already resolved.
	ErrNotPending = errors.New("dead letter not pending")
)

// Notification represents a notification in the database
type Notification struct {
	ID               uuid.UUID              `json:"id"`
	ServiceID        uuid.UUID              `json:"service_id"`
	Reference        *string                `json:"reference,omitempty"`
	To               string                 `json:"to"`
	NotificationType string                 `json:"notification_type"`
	Status           status.Status          `json:"status"`
	StatusReason     *string                `json:"status_reason,omitempty"`
	FailureCategory  status.FailureCategory `json:"failure_category,omitempty"`
	SentBy           *string                `json:"sent_by,omitempty"`
	BillableUnits    int                    `json:"billable_units"`
	SegmentsCount    int                    `json:"segments_count"`
	CostInMillicents float64                `json:"cost_in_millicents"`
	CallbackURL      *string                `json:"callback_url,omitempty"`
	// CallbackHeaders is sealed at rest; see callback.Sealer.
	CallbackHeaders []byte     `json:"-"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// Notification types
const (
	TypeSMS   = "sms"
	TypeEmail = "email"
	TypePush  = "push"
)

// Callback types and channels
const (
	CallbackTypeDeliveryStatus = "delivery_status"
	CallbackTypeComplaint      = "complaint"

	CallbackChannelWebhook = "webhook"
	CallbackChannelQueue   = "queue"
)

// ServiceCallback is a service's registered callback destination.
type ServiceCallback struct {
	ID                     uuid.UUID       `json:"id"`
	ServiceID              uuid.UUID       `json:"service_id"`
	URL                    string          `json:"url"`
	BearerToken            []byte          `json:"-"`
	CallbackType           string          `json:"callback_type"`
	CallbackChannel        string          `json:"callback_channel"`
	CallbackHeaders        []byte          `json:"-"`
	NotificationStatuses   []status.Status `json:"notification_statuses"`
	IncludeProviderPayload bool            `json:"include_provider_payload"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              *time.Time      `json:"updated_at,omitempty"`
}

// Subscribes reports whether the callback wants updates for s. An empty
// subscription list means the default completed statuses.
func (c *ServiceCallback) Subscribes(s status.Status) bool {
	statuses := c.NotificationStatuses
	if len(statuses) == 0 {
		statuses = status.Completed
	}
	for _, sub := range statuses {
		if sub == s {
			return true
		}
	}
	return false
}

// StatusUpdate is a conditional status write. It only applies while the
// persisted status still equals ExpectedStatus and is not terminal.
type StatusUpdate struct {
	ID              uuid.UUID
	ExpectedStatus  status.Status
	Status          status.Status
	StatusReason    *string
	FailureCategory status.FailureCategory
	// SentBy backfills the provider when the row has none.
	SentBy string
	// SegmentsCount and CostInMillicents are written only when set.
	SegmentsCount    *int
	CostInMillicents *float64
	Source           string
}

// StatusHistory is an audit row for one effective transition.
type StatusHistory struct {
	ID             uuid.UUID     `json:"id"`
	NotificationID uuid.UUID     `json:"notification_id"`
	FromStatus     status.Status `json:"from_status"`
	ToStatus       status.Status `json:"to_status"`
	Source         string        `json:"source"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Dead letter statuses
const (
	DLQStatusPending   = "pending"
	DLQStatusReplayed  = "replayed"
	DLQStatusDiscarded = "discarded"
)

// ReceiptDeadLetter holds a receipt the pipeline gave up on, kept for
// inspection and manual replay.
type ReceiptDeadLetter struct {
	ID        uuid.UUID `json:"id"`
	Provider  string    `json:"provider"`
	Body      []byte    `json:"body"`
	Reference *string   `json:"reference,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

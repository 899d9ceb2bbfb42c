package callback

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/provider"
	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

// TimestampFormat is the layout of every timestamp in a callback body.
const TimestampFormat = "2006-01-02T15:04:05.000000Z"

var emptyObject = json.RawMessage(`{}`)

// StatusPayload is the body of a delivery-status callback.
type StatusPayload struct {
	ID               uuid.UUID       `json:"id"`
	Reference        *string         `json:"reference"`
	To               string          `json:"to"`
	Status           status.Status   `json:"status"`
	StatusReason     *string         `json:"status_reason"`
	CreatedAt        string          `json:"created_at"`
	CompletedAt      *string         `json:"completed_at"`
	SentAt           *string         `json:"sent_at"`
	NotificationType string          `json:"notification_type"`
	Provider         string          `json:"provider"`
	ProviderPayload  json.RawMessage `json:"provider_payload"`
}

// ComplaintPayload is the body of a complaint callback.
type ComplaintPayload struct {
	NotificationID uuid.UUID `json:"notification_id"`
	ComplaintID    string    `json:"complaint_id"`
	Reference      *string   `json:"reference"`
	To             string    `json:"to"`
	ComplaintDate  string    `json:"complaint_date"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func isCompleted(s status.Status) bool {
	for _, c := range status.Completed {
		if c == s {
			return true
		}
	}
	return false
}

// BuildStatusPayload snapshots n after a transition. The provider payload is
// replaced by an empty object unless includeProviderPayload is set.
func BuildStatusPayload(n *db.Notification, rec *provider.Record, includeProviderPayload bool) StatusPayload {
	p := StatusPayload{
		ID:               n.ID,
		Reference:        n.Reference,
		To:               n.To,
		Status:           n.Status,
		StatusReason:     n.StatusReason,
		CreatedAt:        formatTime(n.CreatedAt),
		SentAt:           formatTimePtr(n.SentAt),
		NotificationType: n.NotificationType,
		ProviderPayload:  emptyObject,
	}
	if n.SentBy != nil {
		p.Provider = *n.SentBy
	} else if rec != nil {
		p.Provider = rec.SentBy
	}
	if isCompleted(n.Status) {
		p.CompletedAt = formatTimePtr(n.UpdatedAt)
	}
	if includeProviderPayload && rec != nil && len(rec.Payload) > 0 && json.Valid(rec.Payload) {
		p.ProviderPayload = rec.Payload
	}
	return p
}

// BuildComplaintPayload snapshots a complaint against n.
func BuildComplaintPayload(n *db.Notification, c *provider.Complaint) ComplaintPayload {
	return ComplaintPayload{
		NotificationID: n.ID,
		ComplaintID:    c.FeedbackID,
		Reference:      n.Reference,
		To:             n.To,
		ComplaintDate:  formatTime(c.Timestamp),
	}
}

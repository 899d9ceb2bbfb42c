package reconcile

import (
	"time"

	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/metrics"
	"github.com/lalithlochan/nimbus-receipts/internal/provider"
)

// BuildUpdate turns an accepted receipt into the single conditional write
// that carries both the status and its billing facts. Segments and cost are
// only written when the provider reported a price.
func BuildUpdate(current *db.Notification, rec *provider.Record) db.StatusUpdate {
	u := db.StatusUpdate{
		ID:              current.ID,
		ExpectedStatus:  current.Status,
		Status:          rec.Status,
		FailureCategory: rec.FailureCategory,
		SentBy:          rec.SentBy,
		Source:          "receipt:" + rec.Provider,
	}
	if rec.StatusReason != "" {
		reason := rec.StatusReason
		u.StatusReason = &reason
	}
	if rec.PriceInMillicents > 0 {
		segments := rec.MessageParts
		cost := rec.PriceInMillicents
		u.SegmentsCount = &segments
		u.CostInMillicents = &cost
	}
	return u
}

// RecordSideEffects emits the per-provider metrics for a committed transition.
func RecordSideEffects(rec *provider.Record, n *db.Notification, now time.Time) {
	source := rec.SentBy
	if n.SentBy != nil && *n.SentBy != "" {
		source = *n.SentBy
	}
	if source == "" {
		source = rec.Provider
	}

	metrics.RecordCallbackStatus(source, string(n.Status))
	if n.SentAt != nil {
		metrics.RecordCallbackElapsed(source, now.Sub(*n.SentAt))
	}
}

package reconcile

import (
	"testing"

	"github.com/google/uuid"

	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/provider"
	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

func TestBuildUpdate_WithPrice(t *testing.T) {
	n := &db.Notification{ID: uuid.New(), Status: status.Sending}
	rec := &provider.Record{
		Provider:          "pinpoint-v2",
		SentBy:            "pinpoint",
		Status:            status.Delivered,
		MessageParts:      3,
		PriceInMillicents: 75,
	}

	u := BuildUpdate(n, rec)

	if u.ExpectedStatus != status.Sending || u.Status != status.Delivered {
		t.Errorf("unexpected statuses %s -> %s", u.ExpectedStatus, u.Status)
	}
	if u.SegmentsCount == nil || *u.SegmentsCount != 3 {
		t.Error("expected segments count")
	}
	if u.CostInMillicents == nil || *u.CostInMillicents != 75 {
		t.Error("expected cost")
	}
	if u.StatusReason != nil {
		t.Error("expected nil status reason")
	}
	if u.Source != "receipt:pinpoint-v2" {
		t.Errorf("unexpected source %q", u.Source)
	}
}

func TestBuildUpdate_WithoutPriceLeavesBilling(t *testing.T) {
	n := &db.Notification{ID: uuid.New(), Status: status.Sending}
	rec := &provider.Record{
		Provider:        "sns-ses",
		Status:          status.PermanentFailure,
		StatusReason:    status.ReasonUnreachable,
		FailureCategory: status.CategoryBounceHard,
		MessageParts:    1,
	}

	u := BuildUpdate(n, rec)

	if u.SegmentsCount != nil || u.CostInMillicents != nil {
		t.Error("billing facts must not be written without a price")
	}
	if u.StatusReason == nil || *u.StatusReason != status.ReasonUnreachable {
		t.Error("expected status reason")
	}
	if u.FailureCategory != status.CategoryBounceHard {
		t.Errorf("expected bounce-hard, got %q", u.FailureCategory)
	}
}

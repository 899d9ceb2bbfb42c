package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/events"
	"github.com/lalithlochan/nimbus-receipts/internal/locator"
	"github.com/lalithlochan/nimbus-receipts/internal/provider"
	"github.com/lalithlochan/nimbus-receipts/internal/reconcile"
	"github.com/lalithlochan/nimbus-receipts/internal/retry"
	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// memStore backs both the locator and the engine.
type memStore struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]*db.Notification
	writes int
	err    error
}

func newMemStore(rows ...*db.Notification) *memStore {
	s := &memStore{rows: make(map[uuid.UUID]*db.Notification)}
	for _, n := range rows {
		s.rows[n.ID] = n
	}
	return s
}

func (s *memStore) GetByReference(_ context.Context, reference string) (*db.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	var found []*db.Notification
	for _, n := range s.rows {
		if n.Reference != nil && *n.Reference == reference {
			found = append(found, n)
		}
	}
	switch len(found) {
	case 0:
		return nil, db.ErrNotFound
	case 1:
		cp := *found[0]
		return &cp, nil
	default:
		return nil, db.ErrMultipleFound
	}
}

func (s *memStore) GetNotification(_ context.Context, id uuid.UUID) (*db.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *memStore) ApplyStatusUpdate(_ context.Context, u db.StatusUpdate) (*db.Notification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.rows[u.ID]
	if n.Status != u.ExpectedStatus || status.IsTerminal(n.Status) {
		return nil, false, nil
	}
	n.Status = u.Status
	n.StatusReason = u.StatusReason
	n.FailureCategory = u.FailureCategory
	s.writes++
	cp := *n
	return &cp, true, nil
}

func (s *memStore) status(id uuid.UUID) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id].Status
}

// recordingDispatcher claims each (notification, status) once, like the
// Redis ledger, and only after a successful enqueue.
type recordingDispatcher struct {
	mu         sync.Mutex
	claimed    map[string]bool
	dispatched []status.Status
	complaints int
	err        error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n *db.Notification, _ *provider.Record) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	key := n.ID.String() + ":" + string(n.Status)
	if d.claimed[key] {
		return false, nil
	}
	if d.claimed == nil {
		d.claimed = make(map[string]bool)
	}
	d.claimed[key] = true
	d.dispatched = append(d.dispatched, n.Status)
	return true, nil
}

func (d *recordingDispatcher) DispatchComplaint(context.Context, *db.Notification, *provider.Record) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.complaints++
	return true, nil
}

type recordingEvents struct {
	events []events.StatusEvent
	err    error
}

func (e *recordingEvents) Publish(_ context.Context, ev events.StatusEvent) error {
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, ev)
	return nil
}

type harness struct {
	store      *memStore
	dispatcher *recordingDispatcher
	events     *recordingEvents
	pipeline   *Pipeline
}

func newHarness(rows ...*db.Notification) *harness {
	store := newMemStore(rows...)
	h := &harness{
		store:      store,
		dispatcher: &recordingDispatcher{},
		events:     &recordingEvents{},
	}
	loc := locator.New(store, zap.NewNop(), locator.WithClock(func() time.Time { return testNow }))
	engine := reconcile.NewEngine(store, zap.NewNop())
	h.pipeline = New(provider.NewDefaultRegistry(), loc, engine, h.dispatcher, h.events, zap.NewNop())
	h.pipeline.now = func() time.Time { return testNow }
	return h
}

func notification(reference string, st status.Status) *db.Notification {
	ref := reference
	return &db.Notification{
		ID:               uuid.New(),
		ServiceID:        uuid.New(),
		Reference:        &ref,
		To:               "someone@example.com",
		NotificationType: db.TypeEmail,
		Status:           st,
		CreatedAt:        testNow.Add(-time.Hour),
	}
}

func sesJob(eventType, reference string, eventTime time.Time, extra string) *Job {
	body := fmt.Sprintf(`{"eventType":%q,"mail":{"messageId":%q,"timestamp":%q}%s}`,
		eventType, reference, eventTime.Format(time.RFC3339Nano), extra)
	return &Job{Provider: "sns-ses", Body: []byte(body), FirstSeenAt: eventTime}
}

const (
	hardBounce = `,"bounce":{"bounceType":"Permanent","bounceSubType":"General"}`
	softBounce = `,"bounce":{"bounceType":"Transient","bounceSubType":"MailboxFull"}`
)

func twilioJob(sid, messageStatus string) *Job {
	form := "MessageSid=" + sid + "&MessageStatus=" + messageStatus
	return &Job{Provider: "twilio", Body: []byte(base64.StdEncoding.EncodeToString([]byte(form))), FirstSeenAt: testNow}
}

func TestProcess_Delivered(t *testing.T) {
	n := notification("ref-1", status.Sending)
	h := newHarness(n)
	job := sesJob("Delivery", "ref-1", testNow.Add(-time.Minute), "")

	out := h.pipeline.Process(context.Background(), job)

	if _, ok := out.(retry.Completed); !ok {
		t.Fatalf("expected Completed, got %v", out)
	}
	if h.store.status(n.ID) != status.Delivered {
		t.Errorf("expected delivered, got %s", h.store.status(n.ID))
	}
	if job.NotificationID != n.ID {
		t.Error("job should carry the matched notification id")
	}
	if len(h.dispatcher.dispatched) != 1 || h.dispatcher.dispatched[0] != status.Delivered {
		t.Errorf("expected one delivered callback, got %v", h.dispatcher.dispatched)
	}
	if len(h.events.events) != 1 || h.events.events[0].Status != "delivered" {
		t.Errorf("expected one status event, got %+v", h.events.events)
	}
}

func TestProcess_IdempotentReplay(t *testing.T) {
	n := notification("ref-1", status.Sending)
	h := newHarness(n)

	for i := 0; i < 3; i++ {
		out := h.pipeline.Process(context.Background(), sesJob("Delivery", "ref-1", testNow, ""))
		if _, ok := out.(retry.Completed); !ok {
			t.Fatalf("run %d: expected Completed, got %v", i, out)
		}
	}

	if h.store.writes != 1 {
		t.Errorf("expected one write, got %d", h.store.writes)
	}
	if len(h.dispatcher.dispatched) != 1 {
		t.Errorf("expected one callback, got %d", len(h.dispatcher.dispatched))
	}
	if len(h.events.events) != 1 {
		t.Errorf("expected one event, got %d", len(h.events.events))
	}
}

func TestProcess_BounceProtection(t *testing.T) {
	n := notification("ref-1", status.Sending)
	h := newHarness(n)
	ctx := context.Background()

	h.pipeline.Process(ctx, sesJob("Bounce", "ref-1", testNow, hardBounce))
	out := h.pipeline.Process(ctx, sesJob("Delivery", "ref-1", testNow, ""))

	if _, ok := out.(retry.Completed); !ok {
		t.Fatalf("expected Completed for rejected delivery, got %v", out)
	}
	if h.store.status(n.ID) != status.PermanentFailure {
		t.Errorf("bounce must stay authoritative, got %s", h.store.status(n.ID))
	}
	if len(h.dispatcher.dispatched) != 1 || h.dispatcher.dispatched[0] != status.PermanentFailure {
		t.Errorf("expected only the bounce callback, got %v", h.dispatcher.dispatched)
	}
}

func TestProcess_DuplicateReference(t *testing.T) {
	a := notification("shared-ref", status.Sending)
	b := notification("shared-ref", status.Sending)
	h := newHarness(a, b)

	out := h.pipeline.Process(context.Background(), sesJob("Delivery", "shared-ref", testNow, ""))

	if _, ok := out.(retry.Aborted); !ok {
		t.Fatalf("expected Aborted, got %v", out)
	}
	if h.store.writes != 0 || len(h.dispatcher.dispatched) != 0 {
		t.Error("duplicate references must not write or call back")
	}
}

func TestProcess_LateRace(t *testing.T) {
	tests := []struct {
		name      string
		eventTime time.Time
		attempt   int
		wantRetry bool
		wantDelay time.Duration
	}{
		{"fresh receipt first attempt", testNow, 0, true, RaceRetryDelay},
		{"fresh receipt later attempt", testNow.Add(-time.Minute), 3, true, 0},
		{"stale receipt", testNow.Add(-10 * time.Minute), 0, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			job := sesJob("Delivery", "not-yet-committed", tt.eventTime, "")
			job.Attempt = tt.attempt

			out := h.pipeline.Process(context.Background(), job)

			r, isRetry := out.(retry.Retry)
			if isRetry != tt.wantRetry {
				t.Fatalf("expected retry=%v, got %v", tt.wantRetry, out)
			}
			if isRetry && r.Delay != tt.wantDelay {
				t.Errorf("expected delay %s, got %s", tt.wantDelay, r.Delay)
			}
			if !tt.wantRetry {
				if _, ok := out.(retry.Aborted); !ok {
					t.Errorf("expected Aborted, got %v", out)
				}
			}
		})
	}
}

func TestProcess_LateRaceThenCommitted(t *testing.T) {
	h := newHarness()
	job := sesJob("Delivery", "ref-late", testNow, "")

	if _, ok := h.pipeline.Process(context.Background(), job).(retry.Retry); !ok {
		t.Fatal("expected retry before the send commits")
	}

	n := notification("ref-late", status.Sending)
	h.store.rows[n.ID] = n
	job.Attempt++

	if _, ok := h.pipeline.Process(context.Background(), job).(retry.Completed); !ok {
		t.Fatal("expected completion once the notification exists")
	}
	if h.store.status(n.ID) != status.Delivered {
		t.Errorf("expected delivered, got %s", h.store.status(n.ID))
	}
}

func TestProcess_TranslationFailures(t *testing.T) {
	tests := []struct {
		name string
		job  *Job
		want string
	}{
		{"bad json", &Job{Provider: "sns-ses", Body: []byte("{not json")}, "failed"},
		{"unknown status", &Job{Provider: "sns-ses", Body: []byte(`{"eventType":"Teleported","mail":{"messageId":"r"}}`)}, "failed"},
		{"unknown provider", &Job{Provider: "carrier-pigeon", Body: []byte("{}")}, "failed"},
		{"ignored event", &Job{Provider: "sns-ses", Body: []byte(`{"eventType":"Open","mail":{"messageId":"r"}}`)}, "completed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			out := h.pipeline.Process(context.Background(), tt.job)
			if retry.Label(out) != tt.want {
				t.Fatalf("expected %s, got %v", tt.want, out)
			}
			if f, ok := out.(retry.FailedPermanently); ok && f.Class != retry.ClassPermanent {
				t.Errorf("expected permanent class, got %s", f.Class)
			}
		})
	}
}

func TestProcess_LookupErrorRetries(t *testing.T) {
	h := newHarness()
	h.store.err = errors.New("connection reset")

	out := h.pipeline.Process(context.Background(), sesJob("Delivery", "ref-1", testNow, ""))
	if _, ok := out.(retry.Retry); !ok {
		t.Fatalf("expected Retry, got %v", out)
	}
}

func TestProcess_Complaint(t *testing.T) {
	n := notification("ref-1", status.Delivered)
	h := newHarness(n)
	extra := `,"complaint":{"feedbackId":"fb-1","complaintFeedbackType":"abuse","timestamp":"2024-03-01T11:59:00.000Z"}`

	out := h.pipeline.Process(context.Background(), sesJob("Complaint", "ref-1", testNow, extra))

	if _, ok := out.(retry.Completed); !ok {
		t.Fatalf("expected Completed, got %v", out)
	}
	if h.dispatcher.complaints != 1 {
		t.Errorf("expected one complaint callback, got %d", h.dispatcher.complaints)
	}
	if h.store.writes != 0 {
		t.Error("complaints must not change status")
	}
}

func TestProcess_CallbackEnqueueFailureRetries(t *testing.T) {
	n := notification("ref-1", status.Sending)
	h := newHarness(n)
	ctx := context.Background()
	job := sesJob("Delivery", "ref-1", testNow, "")

	h.dispatcher.err = errors.New("queue unavailable")
	if _, ok := h.pipeline.Process(ctx, job).(retry.Retry); !ok {
		t.Fatal("expected Retry while the callback queue is down")
	}
	if h.store.status(n.ID) != status.Delivered {
		t.Fatalf("status write must stand, got %s", h.store.status(n.ID))
	}

	h.dispatcher.err = nil
	job.Attempt++
	if out := h.pipeline.Process(ctx, job); retry.Label(out) != "completed" {
		t.Fatalf("expected Completed once the queue is back, got %v", out)
	}
	if len(h.dispatcher.dispatched) != 1 || h.dispatcher.dispatched[0] != status.Delivered {
		t.Errorf("expected the delivered callback after the outage, got %v", h.dispatcher.dispatched)
	}
	if h.store.writes != 1 {
		t.Errorf("expected one write, got %d", h.store.writes)
	}

	// a later duplicate must not call back again
	h.pipeline.Process(ctx, sesJob("Delivery", "ref-1", testNow, ""))
	if len(h.dispatcher.dispatched) != 1 {
		t.Errorf("expected one callback in total, got %v", h.dispatcher.dispatched)
	}
}

func TestProcess_EventFailureDoesNotRetry(t *testing.T) {
	n := notification("ref-1", status.Sending)
	h := newHarness(n)
	h.events.err = errors.New("broker unavailable")

	out := h.pipeline.Process(context.Background(), sesJob("Delivery", "ref-1", testNow, ""))

	if _, ok := out.(retry.Completed); !ok {
		t.Fatalf("expected Completed, got %v", out)
	}
	if len(h.dispatcher.dispatched) != 1 {
		t.Errorf("callback must still go out, got %v", h.dispatcher.dispatched)
	}
}

func TestProcess_LateSendAfterSoftBounce(t *testing.T) {
	n := notification("ref-1", status.Sending)
	h := newHarness(n)
	ctx := context.Background()

	h.pipeline.Process(ctx, sesJob("Bounce", "ref-1", testNow, softBounce))
	out := h.pipeline.Process(ctx, sesJob("Send", "ref-1", testNow.Add(-time.Minute), ""))

	if _, ok := out.(retry.Completed); !ok {
		t.Fatalf("expected Completed for the out of order send, got %v", out)
	}
	if h.store.status(n.ID) != status.TemporaryFailure {
		t.Errorf("expected temporary-failure to stand, got %s", h.store.status(n.ID))
	}
	if len(h.dispatcher.dispatched) != 1 || h.dispatcher.dispatched[0] != status.TemporaryFailure {
		t.Errorf("expected only the bounce callback, got %v", h.dispatcher.dispatched)
	}
}

func TestProcess_LateAcceptedAfterSending(t *testing.T) {
	n := notification("SM1", status.Sending)
	n.NotificationType = db.TypeSMS
	h := newHarness(n)

	out := h.pipeline.Process(context.Background(), twilioJob("SM1", "accepted"))

	if _, ok := out.(retry.Completed); !ok {
		t.Fatalf("expected Completed, got %v", out)
	}
	if h.store.status(n.ID) != status.Sending {
		t.Errorf("expected sending to stand, got %s", h.store.status(n.ID))
	}
	if h.store.writes != 0 || len(h.dispatcher.dispatched) != 0 {
		t.Error("a stale receipt must not write or call back")
	}
}

func TestPolicyFor(t *testing.T) {
	if PolicyFor("pinpoint-v2").Name != retry.PinpointPolicy.Name {
		t.Error("pinpoint-v2 should use the pinpoint policy")
	}
	if PolicyFor("twilio").Name != retry.DeliveryStatusPolicy.Name {
		t.Error("twilio should use the delivery-status policy")
	}
}

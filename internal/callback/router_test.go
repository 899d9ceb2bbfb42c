package callback

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/provider"
	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

type mockConfigStore struct {
	configs map[string]*db.ServiceCallback
	err     error
	calls   int
}

func (m *mockConfigStore) GetCallbackConfig(_ context.Context, serviceID uuid.UUID, callbackType string) (*db.ServiceCallback, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.configs[serviceID.String()+"/"+callbackType], nil
}

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer("test-secret-key")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return s
}

func mustSeal(t *testing.T, s *Sealer, v any) []byte {
	t.Helper()
	sealed, err := s.SealJSON(v)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return []byte(sealed)
}

func sampleNotification() *db.Notification {
	ref := "SMyyy"
	sentBy := "twilio"
	created := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	updated := created.Add(30 * time.Second)
	return &db.Notification{
		ID:               uuid.New(),
		ServiceID:        uuid.New(),
		Reference:        &ref,
		To:               "+16502532222",
		NotificationType: db.TypeSMS,
		Status:           status.Delivered,
		SentBy:           &sentBy,
		SentAt:           &created,
		CreatedAt:        created,
		UpdatedAt:        &updated,
	}
}

func sampleRecord() *provider.Record {
	return &provider.Record{
		Provider:  "twilio",
		SentBy:    "twilio",
		Reference: "SMyyy",
		Status:    status.Delivered,
		Payload:   json.RawMessage(`{"MessageSid":"SMyyy","To":"+16502532222"}`),
	}
}

func serviceCallback(t *testing.T, s *Sealer, n *db.Notification) *db.ServiceCallback {
	token, err := s.Seal([]byte("real-token"))
	if err != nil {
		t.Fatalf("seal token: %v", err)
	}
	return &db.ServiceCallback{
		ID:              uuid.New(),
		ServiceID:       n.ServiceID,
		URL:             "https://callback.example.com/status",
		BearerToken:     []byte(token),
		CallbackType:    db.CallbackTypeDeliveryStatus,
		CallbackChannel: db.CallbackChannelWebhook,
		CallbackHeaders: mustSeal(t, s, map[string]string{
			"Authorization":  "Bearer evil",
			"X-Legit-Header": "allowed-value",
		}),
	}
}

func newStore(cbs ...*db.ServiceCallback) *mockConfigStore {
	m := &mockConfigStore{configs: make(map[string]*db.ServiceCallback)}
	for _, cb := range cbs {
		m.configs[cb.ServiceID.String()+"/"+cb.CallbackType] = cb
	}
	return m
}

func decodeTask(t *testing.T, s *Sealer, task *Task) (StatusPayload, map[string]string) {
	t.Helper()
	body, headers, err := UnsealTask(s, task)
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	var p StatusPayload
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p, headers
}

func TestRoute_ServiceLevel(t *testing.T) {
	s := testSealer(t)
	n := sampleNotification()
	cb := serviceCallback(t, s, n)
	r := NewRouter(newStore(cb), s, "signing-key", zap.NewNop())

	task, err := r.Route(context.Background(), n, sampleRecord())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if task == nil {
		t.Fatal("expected a task")
	}
	if task.Level != LevelService || task.URL != cb.URL || *task.ServiceCallbackID != cb.ID {
		t.Errorf("unexpected task target: %+v", task)
	}

	payload, headers := decodeTask(t, s, task)
	if headers["Authorization"] != "Bearer real-token" {
		t.Errorf("expected system bearer token, got %q", headers["Authorization"])
	}
	if headers["Content-Type"] != "application/json" {
		t.Errorf("unexpected content type %q", headers["Content-Type"])
	}
	if headers["X-Legit-Header"] != "allowed-value" {
		t.Error("expected custom header")
	}
	if _, ok := headers[SignatureHeader]; ok {
		t.Error("service level callbacks are not signed")
	}
	if payload.Status != status.Delivered || payload.Provider != "twilio" {
		t.Errorf("unexpected payload %+v", payload)
	}
	if payload.CreatedAt != "2024-01-15T12:00:00.000000Z" {
		t.Errorf("unexpected created_at %q", payload.CreatedAt)
	}
	if payload.CompletedAt == nil || *payload.CompletedAt != "2024-01-15T12:00:30.000000Z" {
		t.Errorf("unexpected completed_at %v", payload.CompletedAt)
	}
}

func TestRoute_ScrubsProviderPayload(t *testing.T) {
	s := testSealer(t)
	n := sampleNotification()
	cb := serviceCallback(t, s, n)
	cb.IncludeProviderPayload = false
	r := NewRouter(newStore(cb), s, "signing-key", zap.NewNop())

	task, err := r.Route(context.Background(), n, sampleRecord())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	payload, _ := decodeTask(t, s, task)
	if string(payload.ProviderPayload) != "{}" {
		t.Errorf("expected scrubbed payload, got %s", payload.ProviderPayload)
	}
}

func TestRoute_IncludesProviderPayloadWhenEnabled(t *testing.T) {
	s := testSealer(t)
	n := sampleNotification()
	cb := serviceCallback(t, s, n)
	cb.IncludeProviderPayload = true
	r := NewRouter(newStore(cb), s, "signing-key", zap.NewNop())

	task, _ := r.Route(context.Background(), n, sampleRecord())
	payload, _ := decodeTask(t, s, task)

	var got map[string]string
	if err := json.Unmarshal(payload.ProviderPayload, &got); err != nil {
		t.Fatalf("decode provider payload: %v", err)
	}
	if got["MessageSid"] != "SMyyy" {
		t.Errorf("unexpected provider payload %v", got)
	}
}

func TestRoute_NoCallbackRegistered(t *testing.T) {
	s := testSealer(t)
	r := NewRouter(newStore(), s, "signing-key", zap.NewNop())

	task, err := r.Route(context.Background(), sampleNotification(), sampleRecord())
	if err != nil || task != nil {
		t.Errorf("expected no task and no error, got %v %v", task, err)
	}
}

func TestRoute_StatusNotSubscribed(t *testing.T) {
	s := testSealer(t)
	n := sampleNotification()
	n.Status = status.Sending
	cb := serviceCallback(t, s, n)
	r := NewRouter(newStore(cb), s, "signing-key", zap.NewNop())

	task, err := r.Route(context.Background(), n, sampleRecord())
	if err != nil || task != nil {
		t.Errorf("expected no task for unsubscribed status, got %v %v", task, err)
	}

	cb.NotificationStatuses = []status.Status{status.Sending}
	task, err = r.Route(context.Background(), n, sampleRecord())
	if err != nil || task == nil {
		t.Errorf("expected task once subscribed, got %v %v", task, err)
	}
}

func TestRoute_ConfigLookupError(t *testing.T) {
	s := testSealer(t)
	store := newStore()
	store.err = errors.New("connection refused")
	r := NewRouter(store, s, "signing-key", zap.NewNop())

	if _, err := r.Route(context.Background(), sampleNotification(), sampleRecord()); err == nil {
		t.Error("expected lookup error")
	}
}

func TestRoute_NotificationLevel(t *testing.T) {
	s := testSealer(t)
	n := sampleNotification()
	url := "https://override.example.com/hook"
	n.CallbackURL = &url
	n.CallbackHeaders = mustSeal(t, s, map[string]string{
		"x-enp-signature":  "forged",
		"X-Request-Source": "va-notify",
	})
	store := newStore(serviceCallback(t, s, n))
	r := NewRouter(store, s, "signing-key", zap.NewNop())

	task, err := r.Route(context.Background(), n, sampleRecord())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if task.Level != LevelNotification || task.URL != url {
		t.Errorf("expected notification-level task to %s, got %+v", url, task)
	}
	if store.calls != 0 {
		t.Error("service callback must not be consulted for notification-level callbacks")
	}

	body, headers, err := UnsealTask(s, task)
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if !VerifySignature(body, "signing-key", headers[SignatureHeader]) {
		t.Error("signature header does not match body")
	}
	if _, ok := headers["Authorization"]; ok {
		t.Error("notification-level callbacks carry no bearer token")
	}
	if headers["X-Request-Source"] != "va-notify" {
		t.Error("expected permitted custom header")
	}

	var payload StatusPayload
	_ = json.Unmarshal(body, &payload)
	if string(payload.ProviderPayload) != "{}" {
		t.Errorf("expected scrubbed payload, got %s", payload.ProviderPayload)
	}
}

func TestRoute_QueueChannel(t *testing.T) {
	s := testSealer(t)
	n := sampleNotification()
	cb := serviceCallback(t, s, n)
	cb.CallbackChannel = db.CallbackChannelQueue
	r := NewRouter(newStore(cb), s, "signing-key", zap.NewNop())

	task, err := r.Route(context.Background(), n, sampleRecord())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if task.Channel != db.CallbackChannelQueue {
		t.Errorf("expected queue channel, got %s", task.Channel)
	}
}

func TestRouteComplaint(t *testing.T) {
	s := testSealer(t)
	n := sampleNotification()
	n.NotificationType = db.TypeEmail
	cb := serviceCallback(t, s, n)
	cb.CallbackType = db.CallbackTypeComplaint
	r := NewRouter(newStore(cb), s, "signing-key", zap.NewNop())

	rec := sampleRecord()
	rec.Complaint = &provider.Complaint{
		FeedbackID: "feedback-1",
		Timestamp:  time.Date(2024, 1, 16, 9, 30, 0, 0, time.UTC),
	}

	task, err := r.RouteComplaint(context.Background(), n, rec)
	if err != nil {
		t.Fatalf("route complaint: %v", err)
	}
	if task == nil || task.CallbackType != db.CallbackTypeComplaint {
		t.Fatalf("expected complaint task, got %+v", task)
	}
	if task.Status != "" {
		t.Errorf("complaint task carries no status, got %s", task.Status)
	}

	body, _, _ := UnsealTask(s, task)
	var p ComplaintPayload
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ComplaintID != "feedback-1" || p.ComplaintDate != "2024-01-16T09:30:00.000000Z" {
		t.Errorf("unexpected complaint payload %+v", p)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/provider"
	"github.com/lalithlochan/nimbus-receipts/internal/schema"
	"github.com/lalithlochan/nimbus-receipts/internal/sns"
	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

type fakeVerifier struct {
	err   error
	calls int
}

func (v *fakeVerifier) Verify(context.Context, *sns.Envelope) error {
	v.calls++
	return v.err
}

type fakeConfirmer struct {
	err       error
	confirmed []string
}

func (c *fakeConfirmer) Confirm(_ context.Context, env *sns.Envelope) error {
	if c.err != nil {
		return c.err
	}
	c.confirmed = append(c.confirmed, env.TopicArn)
	return nil
}

type receiverHarness struct {
	queue     *mockQueue
	verifier  *fakeVerifier
	confirmer *fakeConfirmer
	router    chi.Router
}

const (
	testPinpointKey = "firehose-key"
	testTwilioToken = "twilio-token"
	testBaseURL     = "https://receipts.example.com"
)

func newReceiverHarness(t *testing.T) *receiverHarness {
	t.Helper()
	h := &receiverHarness{
		queue:     &mockQueue{},
		verifier:  &fakeVerifier{},
		confirmer: &fakeConfirmer{},
	}
	rc := NewReceivers(h.queue, h.verifier, h.confirmer, schema.MustLoad(), provider.NewDefaultRegistry(), ReceiverConfig{
		PinpointAPIKey:  testPinpointKey,
		TwilioAuthToken: testTwilioToken,
		PublicBaseURL:   testBaseURL,
	}, zap.NewNop())

	r := chi.NewRouter()
	r.Route("/v1/receipts", rc.Routes)
	h.router = r
	return h
}

func (h *receiverHarness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func snsEnvelope(t *testing.T, typ, message string) []byte {
	t.Helper()
	env := map[string]string{
		"Type":             typ,
		"MessageId":        "5b1a9c2e-0000-4000-8000-000000000001",
		"TopicArn":         "arn:aws:sns:eu-west-1:123456789012:ses-receipts",
		"Message":          message,
		"Timestamp":        "2024-03-01T10:00:00.000Z",
		"SignatureVersion": "1",
		"Signature":        "c2lnbmF0dXJl",
		"SigningCertURL":   "https://sns.eu-west-1.amazonaws.com/SimpleNotificationService-abc.pem",
	}
	if typ == sns.TypeSubscriptionConfirmation {
		env["Token"] = "token-1"
		env["SubscribeURL"] = "https://sns.eu-west-1.amazonaws.com/?Action=ConfirmSubscription&Token=token-1"
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestReceiveSNS(t *testing.T) {
	const sesMessage = `{"eventType":"Delivery","mail":{"messageId":"ref-1"}}`

	tests := []struct {
		name         string
		provider     string
		body         []byte
		verifyErr    error
		confirmErr   error
		queueErr     error
		wantStatus   int
		wantEnqueued bool
		wantVerified bool
		wantConfirm  bool
	}{
		{
			name:         "notification is enqueued",
			provider:     "sns-ses",
			body:         snsEnvelope(t, sns.TypeNotification, sesMessage),
			wantStatus:   http.StatusOK,
			wantEnqueued: true,
			wantVerified: true,
		},
		{
			name:         "subscription confirmation",
			provider:     "sns-sms",
			body:         snsEnvelope(t, sns.TypeSubscriptionConfirmation, "You have chosen to subscribe"),
			wantStatus:   http.StatusOK,
			wantVerified: true,
			wantConfirm:  true,
		},
		{
			name:         "confirmation failure",
			provider:     "sns-sms",
			body:         snsEnvelope(t, sns.TypeSubscriptionConfirmation, "You have chosen to subscribe"),
			confirmErr:   errors.New("sns unavailable"),
			wantStatus:   http.StatusBadGateway,
			wantVerified: true,
		},
		{
			name:       "envelope fails schema",
			provider:   "sns-ses",
			body:       []byte(`{"Type":"Notification","Message":"{}"}`),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:         "bad signature",
			provider:     "sns-ses",
			body:         snsEnvelope(t, sns.TypeNotification, sesMessage),
			verifyErr:    sns.ErrInvalidSignature,
			wantStatus:   http.StatusBadRequest,
			wantVerified: true,
		},
		{
			name:       "unknown provider",
			provider:   "carrier-pigeon",
			body:       snsEnvelope(t, sns.TypeNotification, sesMessage),
			wantStatus: http.StatusNotFound,
		},
		{
			name:         "queue unavailable",
			provider:     "sns-ses",
			body:         snsEnvelope(t, sns.TypeNotification, sesMessage),
			queueErr:     errors.New("sqs down"),
			wantStatus:   http.StatusServiceUnavailable,
			wantVerified: true,
		},
		{
			name:         "unsubscribe confirmation is ignored",
			provider:     "sns-ses",
			body:         snsEnvelope(t, sns.TypeUnsubscribeConfirmation, "unsubscribed"),
			wantStatus:   http.StatusOK,
			wantVerified: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newReceiverHarness(t)
			h.verifier.err = tt.verifyErr
			h.confirmer.err = tt.confirmErr
			h.queue.err = tt.queueErr

			req := httptest.NewRequest(http.MethodPost, "/v1/receipts/sns/"+tt.provider, bytes.NewReader(tt.body))
			rec := h.do(req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := len(h.queue.envelopes) == 1; got != tt.wantEnqueued {
				t.Errorf("enqueued = %v, want %v", got, tt.wantEnqueued)
			}
			if tt.wantEnqueued {
				env := h.queue.envelopes[0]
				if env.Provider != tt.provider || env.Body != sesMessage {
					t.Errorf("unexpected envelope %+v", env)
				}
				if h.queue.delays[0] != 0 {
					t.Errorf("delay = %v, want 0", h.queue.delays[0])
				}
			}
			if got := h.verifier.calls > 0; got != tt.wantVerified {
				t.Errorf("verified = %v, want %v", got, tt.wantVerified)
			}
			if got := len(h.confirmer.confirmed) == 1; got != tt.wantConfirm {
				t.Errorf("confirmed = %v, want %v", got, tt.wantConfirm)
			}
		})
	}
}

func pinpointV2Body(t *testing.T, records ...map[string]any) []byte {
	t.Helper()
	batch, err := json.Marshal(map[string]any{"Records": records})
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(map[string]string{"Message": base64.StdEncoding.EncodeToString(batch)})
	return raw
}

func pinpointV2Record(messageID, st string) map[string]any {
	return map[string]any{
		"eventType":         "TEXT_DELIVERED",
		"messageId":         messageID,
		"messageStatus":     st,
		"eventTimestamp":    1709287200000,
		"totalMessageParts": 1,
	}
}

func TestReceivePinpointV2_Auth(t *testing.T) {
	tests := []struct {
		name   string
		header string
		key    string
		want   int
	}{
		{"api key header", "X-Api-Key", testPinpointKey, http.StatusOK},
		{"firehose header", "X-Amz-Firehose-Access-Key", testPinpointKey, http.StatusOK},
		{"missing key", "", "", http.StatusUnauthorized},
		{"wrong key", "X-Api-Key", "guess", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newReceiverHarness(t)
			req := httptest.NewRequest(http.MethodPost, "/v1/receipts/pinpoint-v2",
				bytes.NewReader(pinpointV2Body(t, pinpointV2Record("m-1", "DELIVERED"))))
			if tt.header != "" {
				req.Header.Set(tt.header, tt.key)
			}

			rec := h.do(req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want != http.StatusOK && len(h.queue.envelopes) != 0 {
				t.Error("rejected request must not enqueue")
			}
		})
	}
}

func TestReceivePinpointV2_SplitsRecords(t *testing.T) {
	h := newReceiverHarness(t)
	body := pinpointV2Body(t,
		pinpointV2Record("m-1", "DELIVERED"),
		pinpointV2Record("m-2", "BLOCKED"),
	)
	req := httptest.NewRequest(http.MethodPost, "/v1/receipts/pinpoint-v2", bytes.NewReader(body))
	req.Header.Set("X-Api-Key", testPinpointKey)

	rec := h.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "received" {
		t.Errorf("response = %v", resp)
	}

	if len(h.queue.envelopes) != 2 {
		t.Fatalf("enqueued %d receipts, want 2", len(h.queue.envelopes))
	}

	translator := provider.PinpointV2{}
	want := []struct {
		ref string
		st  status.Status
	}{
		{"m-1", status.Delivered},
		{"m-2", status.PermanentFailure},
	}
	for i, env := range h.queue.envelopes {
		if env.Provider != "pinpoint-v2" {
			t.Errorf("envelope %d provider = %s", i, env.Provider)
		}
		rec, err := translator.Translate([]byte(env.Body))
		if err != nil {
			t.Fatalf("envelope %d does not translate: %v", i, err)
		}
		if rec.Reference != want[i].ref || rec.Status != want[i].st {
			t.Errorf("envelope %d = (%s, %s), want (%s, %s)", i, rec.Reference, rec.Status, want[i].ref, want[i].st)
		}
	}
}

func TestReceivePinpointV2_BadBodies(t *testing.T) {
	bodies := map[string]string{
		"missing message": `{}`,
		"not base64":      `{"Message":"%%%"}`,
		"not a batch":     `{"Message":"` + base64.StdEncoding.EncodeToString([]byte("[1,2]")) + `"}`,
		"empty body":      ``,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			h := newReceiverHarness(t)
			req := httptest.NewRequest(http.MethodPost, "/v1/receipts/pinpoint-v2", strings.NewReader(body))
			req.Header.Set("X-Api-Key", testPinpointKey)

			if rec := h.do(req); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestTwilioSignature(t *testing.T) {
	params := url.Values{
		"To":   {"+447700900123"},
		"From": {"+15005550006"},
		"Body": {"hello"},
	}
	fullURL := "https://receipts.example.com/v1/receipts/twilio/abc"

	sig := TwilioSignature(testTwilioToken, fullURL, params)
	if sig == "" {
		t.Fatal("empty signature")
	}
	if _, err := base64.StdEncoding.DecodeString(sig); err != nil {
		t.Errorf("signature is not base64: %v", err)
	}
	if again := TwilioSignature(testTwilioToken, fullURL, params); again != sig {
		t.Error("signature is not deterministic")
	}

	changed := url.Values{"To": {"+447700900124"}, "From": {"+15005550006"}, "Body": {"hello"}}
	if TwilioSignature(testTwilioToken, fullURL, changed) == sig {
		t.Error("changing a parameter must change the signature")
	}
	if TwilioSignature("other-token", fullURL, params) == sig {
		t.Error("changing the token must change the signature")
	}
	if TwilioSignature(testTwilioToken, fullURL+"?x=1", params) == sig {
		t.Error("changing the url must change the signature")
	}
}

func TestReceiveTwilio(t *testing.T) {
	id := uuid.New()
	path := "/v1/receipts/twilio/" + id.String()
	form := url.Values{
		"MessageSid":    {"SM0123456789abcdef"},
		"MessageStatus": {"delivered"},
		"To":            {"+447700900123"},
	}

	tests := []struct {
		name      string
		path      string
		signature string
		want      int
	}{
		{"valid signature", path, TwilioSignature(testTwilioToken, testBaseURL+path, form), http.StatusOK},
		{"wrong signature", path, TwilioSignature("nope", testBaseURL+path, form), http.StatusForbidden},
		{"missing signature", path, "", http.StatusForbidden},
		{"invalid notification id", "/v1/receipts/twilio/not-a-uuid", "x", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newReceiverHarness(t)
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.signature != "" {
				req.Header.Set("X-Twilio-Signature", tt.signature)
			}

			rec := h.do(req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want != http.StatusOK {
				if len(h.queue.envelopes) != 0 {
					t.Error("rejected request must not enqueue")
				}
				return
			}

			if len(h.queue.envelopes) != 1 {
				t.Fatalf("enqueued %d receipts, want 1", len(h.queue.envelopes))
			}
			env := h.queue.envelopes[0]
			if env.Provider != "twilio" || env.NotificationID != id.String() {
				t.Errorf("unexpected envelope %+v", env)
			}
			if h.queue.delays[0] != TwilioInitialDelay {
				t.Errorf("delay = %v, want %v", h.queue.delays[0], TwilioInitialDelay)
			}

			got, err := provider.Twilio{}.Translate([]byte(env.Body))
			if err != nil {
				t.Fatalf("enqueued body does not translate: %v", err)
			}
			if got.Reference != "SM0123456789abcdef" || got.Status != status.Delivered {
				t.Errorf("translated = (%s, %s)", got.Reference, got.Status)
			}
		})
	}
}

package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/schema"
	"github.com/lalithlochan/nimbus-receipts/internal/sns"
	"github.com/lalithlochan/nimbus-receipts/internal/sqs"
)

const (
	maxReceiptBytes = 1 << 20

	// TwilioInitialDelay holds Twilio receipts back so the send path can
	// store the provider reference first.
	TwilioInitialDelay = 10 * time.Second
)

// ReceiptQueue accepts receipts for the pipeline workers.
type ReceiptQueue interface {
	EnqueueReceipt(ctx context.Context, env sqs.Envelope, delay time.Duration) (string, error)
}

// EnvelopeVerifier checks an SNS envelope signature.
type EnvelopeVerifier interface {
	Verify(ctx context.Context, env *sns.Envelope) error
}

// SubscriptionConfirmer completes an SNS subscription handshake.
type SubscriptionConfirmer interface {
	Confirm(ctx context.Context, env *sns.Envelope) error
}

// ProviderLookup reports whether a provider has a translator.
type ProviderLookup interface {
	Names() []string
}

// ReceiverConfig holds the shared secrets the receivers authenticate with.
type ReceiverConfig struct {
	PinpointAPIKey  string
	TwilioAuthToken string
	// PublicBaseURL is the externally visible scheme and host, used to
	// rebuild the URL Twilio signed. Empty means derive it from the request.
	PublicBaseURL string
}

// Receivers handles inbound provider status callbacks. Every accepted
// receipt is put on the receipt queue; nothing is reconciled inline.
type Receivers struct {
	queue     ReceiptQueue
	verifier  EnvelopeVerifier
	confirmer SubscriptionConfirmer
	schemas   *schema.Set
	providers map[string]bool
	cfg       ReceiverConfig
	logger    *zap.Logger
}

// NewReceivers creates the receiver handlers.
func NewReceivers(queue ReceiptQueue, verifier EnvelopeVerifier, confirmer SubscriptionConfirmer, schemas *schema.Set, providers ProviderLookup, cfg ReceiverConfig, logger *zap.Logger) *Receivers {
	known := make(map[string]bool)
	for _, name := range providers.Names() {
		known[name] = true
	}
	return &Receivers{
		queue:     queue,
		verifier:  verifier,
		confirmer: confirmer,
		schemas:   schemas,
		providers: known,
		cfg:       cfg,
		logger:    logger,
	}
}

// Routes mounts the receivers under the caller's router.
func (rc *Receivers) Routes(r chi.Router) {
	r.Post("/sns/{provider}", rc.ReceiveSNS)
	r.Post("/pinpoint-v2", rc.ReceivePinpointV2)
	r.Post("/twilio/{notification_id}", rc.ReceiveTwilio)
}

// ReceiveSNS handles POST /v1/receipts/sns/{provider}
func (rc *Receivers) ReceiveSNS(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "receiver.sns")
	defer span.End()

	provider := chi.URLParam(r, "provider")
	span.SetAttributes(attribute.String("receipt.provider", provider))
	if !rc.providers[provider] {
		writeError(w, http.StatusNotFound, "unknown_provider", "Unknown provider", provider)
		return
	}

	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}
	if err := rc.schemas.SNSEnvelope.Validate(raw); err != nil {
		span.SetStatus(codes.Error, "invalid envelope")
		writeError(w, http.StatusBadRequest, "invalid_envelope", "Invalid SNS envelope", err.Error())
		return
	}

	var env sns.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_envelope", "Invalid SNS envelope", err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("sns.type", env.Type),
		attribute.String("sns.message_id", env.MessageID),
	)

	if err := rc.verifier.Verify(ctx, &env); err != nil {
		rc.logger.Warn("sns envelope rejected",
			zap.String("provider", provider),
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		span.SetStatus(codes.Error, "invalid signature")
		writeError(w, http.StatusBadRequest, "invalid_signature", "SNS signature verification failed", "")
		return
	}

	switch env.Type {
	case sns.TypeSubscriptionConfirmation:
		if err := rc.confirmer.Confirm(ctx, &env); err != nil {
			rc.logger.Error("failed to confirm sns subscription",
				zap.String("topic_arn", env.TopicArn),
				zap.Error(err),
			)
			span.SetStatus(codes.Error, err.Error())
			writeError(w, http.StatusBadGateway, "confirmation_failed", "Subscription confirmation failed", "")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})

	case sns.TypeNotification:
		if !rc.enqueue(ctx, w, sqs.Envelope{Provider: provider, Body: env.Message}, 0) {
			span.SetStatus(codes.Error, "enqueue failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		rc.logger.Info("ignoring sns envelope",
			zap.String("type", env.Type),
			zap.String("topic_arn", env.TopicArn),
		)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

// ReceivePinpointV2 handles POST /v1/receipts/pinpoint-v2, the firehose
// delivery of Pinpoint SMS voice v2 events.
func (rc *Receivers) ReceivePinpointV2(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "receiver.pinpoint_v2")
	defer span.End()

	key := r.Header.Get("X-Api-Key")
	if key == "" {
		key = r.Header.Get("X-Amz-Firehose-Access-Key")
	}
	if key == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Missing API key", "")
		return
	}
	if rc.cfg.PinpointAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(rc.cfg.PinpointAPIKey)) != 1 {
		rc.logger.Warn("pinpoint-v2 request with invalid api key",
			zap.String("firehose_request_id", r.Header.Get("X-Amz-Firehose-Request-Id")),
		)
		writeError(w, http.StatusForbidden, "forbidden", "Invalid API key", "")
		return
	}

	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}
	if err := rc.schemas.PinpointV2Envelope.Validate(raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_envelope", "Invalid firehose envelope", err.Error())
		return
	}

	var envelope struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_envelope", "Invalid firehose envelope", err.Error())
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(envelope.Message)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_envelope", "Message is not base64", "")
		return
	}
	var batch struct {
		Records []json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(decoded, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_envelope", "Message is not a record batch", err.Error())
		return
	}
	span.SetAttributes(attribute.Int("receipt.records", len(batch.Records)))

	for _, record := range batch.Records {
		env := sqs.Envelope{
			Provider: "pinpoint-v2",
			Body:     base64.StdEncoding.EncodeToString(record),
		}
		if !rc.enqueue(ctx, w, env, 0) {
			span.SetStatus(codes.Error, "enqueue failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// ReceiveTwilio handles POST /v1/receipts/twilio/{notification_id}
func (rc *Receivers) ReceiveTwilio(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "receiver.twilio")
	defer span.End()

	notificationID, err := uuid.Parse(chi.URLParam(r, "notification_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxReceiptBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed form body", err.Error())
		return
	}

	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || rc.cfg.TwilioAuthToken == "" {
		writeError(w, http.StatusForbidden, "forbidden", "Missing Twilio signature", "")
		return
	}
	expected := TwilioSignature(rc.cfg.TwilioAuthToken, rc.requestURL(r), r.PostForm)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		rc.logger.Warn("twilio callback with invalid signature",
			zap.String("notification_id", notificationID.String()),
		)
		writeError(w, http.StatusForbidden, "forbidden", "Invalid Twilio signature", "")
		return
	}

	env := sqs.Envelope{
		Provider:       "twilio",
		Body:           base64.StdEncoding.EncodeToString([]byte(r.PostForm.Encode())),
		NotificationID: notificationID.String(),
	}
	if !rc.enqueue(ctx, w, env, TwilioInitialDelay) {
		span.SetStatus(codes.Error, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// TwilioSignature computes the X-Twilio-Signature for a form POST to
// fullURL: base64(HMAC-SHA1(token, url + each key and value in key order)).
func TwilioSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (rc *Receivers) requestURL(r *http.Request) string {
	if rc.cfg.PublicBaseURL != "" {
		return rc.cfg.PublicBaseURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (rc *Receivers) enqueue(ctx context.Context, w http.ResponseWriter, env sqs.Envelope, delay time.Duration) bool {
	msgID, err := rc.queue.EnqueueReceipt(ctx, env, delay)
	if err != nil {
		rc.logger.Error("failed to enqueue receipt",
			zap.String("provider", env.Provider),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "enqueue_error", "Failed to enqueue receipt", "")
		return false
	}
	rc.logger.Debug("receipt enqueued",
		zap.String("provider", env.Provider),
		zap.String("sqs_message_id", msgID),
	)
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReceiptBytes))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}
	return raw, nil
}

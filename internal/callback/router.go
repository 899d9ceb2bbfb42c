package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/provider"
)

// ConfigStore reads service callback registrations.
type ConfigStore interface {
	GetCallbackConfig(ctx context.Context, serviceID uuid.UUID, callbackType string) (*db.ServiceCallback, error)
}

// Router builds callback tasks. It performs no writes and no outbound I/O.
type Router struct {
	configs    ConfigStore
	sealer     *Sealer
	signingKey string
	logger     *zap.Logger
	now        func() time.Time
}

// NewRouter creates a Router. signingKey is the HMAC key for
// notification-level callbacks.
func NewRouter(configs ConfigStore, sealer *Sealer, signingKey string, logger *zap.Logger) *Router {
	return &Router{
		configs:    configs,
		sealer:     sealer,
		signingKey: signingKey,
		logger:     logger,
		now:        time.Now,
	}
}

// Route returns the delivery-status task for n's current status, or nil
// when nothing should be sent. A notification-level callback URL takes
// precedence over the service's registration.
func (r *Router) Route(ctx context.Context, n *db.Notification, rec *provider.Record) (*Task, error) {
	if n.CallbackURL != nil && *n.CallbackURL != "" {
		return r.notificationTask(n, rec)
	}

	cfg, err := r.configs.GetCallbackConfig(ctx, n.ServiceID, db.CallbackTypeDeliveryStatus)
	if err != nil {
		return nil, fmt.Errorf("get callback config: %w", err)
	}
	if cfg == nil {
		return nil, nil
	}
	if !cfg.Subscribes(n.Status) {
		r.logger.Debug("service callback not subscribed to status",
			zap.String("notification_id", n.ID.String()),
			zap.String("status", string(n.Status)),
		)
		return nil, nil
	}

	body, err := json.Marshal(BuildStatusPayload(n, rec, cfg.IncludeProviderPayload))
	if err != nil {
		return nil, fmt.Errorf("marshal status payload: %w", err)
	}
	return r.serviceTask(n, cfg, body)
}

// RouteComplaint returns the complaint task for n, or nil when the service
// has no complaint callback.
func (r *Router) RouteComplaint(ctx context.Context, n *db.Notification, rec *provider.Record) (*Task, error) {
	if rec.Complaint == nil {
		return nil, nil
	}

	cfg, err := r.configs.GetCallbackConfig(ctx, n.ServiceID, db.CallbackTypeComplaint)
	if err != nil {
		return nil, fmt.Errorf("get complaint callback config: %w", err)
	}
	if cfg == nil {
		return nil, nil
	}

	body, err := json.Marshal(BuildComplaintPayload(n, rec.Complaint))
	if err != nil {
		return nil, fmt.Errorf("marshal complaint payload: %w", err)
	}
	return r.serviceTask(n, cfg, body)
}

func (r *Router) notificationTask(n *db.Notification, rec *provider.Record) (*Task, error) {
	if !isCompleted(n.Status) {
		return nil, nil
	}

	custom, err := r.sealer.openHeaders(n.CallbackHeaders)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(BuildStatusPayload(n, rec, false))
	if err != nil {
		return nil, fmt.Errorf("marshal status payload: %w", err)
	}

	system := map[string]string{
		"Content-Type":  "application/json",
		SignatureHeader: Sign(body, r.signingKey),
	}
	return r.seal(&Task{
		NotificationID: n.ID,
		CallbackType:   db.CallbackTypeDeliveryStatus,
		Level:          LevelNotification,
		Channel:        db.CallbackChannelWebhook,
		URL:            *n.CallbackURL,
		Status:         n.Status,
	}, body, MergeHeaders(system, custom, LevelNotification))
}

func (r *Router) serviceTask(n *db.Notification, cfg *db.ServiceCallback, body []byte) (*Task, error) {
	system := map[string]string{"Content-Type": "application/json"}
	if len(cfg.BearerToken) > 0 {
		token, err := r.sealer.Open(string(cfg.BearerToken))
		if err != nil {
			return nil, fmt.Errorf("bearer token: %w", err)
		}
		system["Authorization"] = "Bearer " + string(token)
	}

	custom, err := r.sealer.openHeaders(cfg.CallbackHeaders)
	if err != nil {
		return nil, err
	}

	channel := cfg.CallbackChannel
	if channel == "" {
		channel = db.CallbackChannelWebhook
	}
	cbID := cfg.ID

	task := &Task{
		NotificationID:    n.ID,
		ServiceCallbackID: &cbID,
		CallbackType:      cfg.CallbackType,
		Level:             LevelService,
		Channel:           channel,
		URL:               cfg.URL,
	}
	if cfg.CallbackType == db.CallbackTypeDeliveryStatus {
		task.Status = n.Status
	}
	return r.seal(task, body, MergeHeaders(system, custom, LevelService))
}

func (r *Router) seal(task *Task, body []byte, headers map[string]string) (*Task, error) {
	sealedBody, err := r.sealer.Seal(body)
	if err != nil {
		return nil, fmt.Errorf("seal status update: %w", err)
	}
	sealedHeaders, err := r.sealer.SealJSON(headers)
	if err != nil {
		return nil, fmt.Errorf("seal headers: %w", err)
	}

	task.ID = uuid.New()
	task.EncryptedStatusUpdate = sealedBody
	task.EncryptedHeaders = sealedHeaders
	task.EnqueuedAt = r.now().UTC()
	return task, nil
}

// UnsealTask opens a task's sealed body and headers.
func UnsealTask(sealer *Sealer, task *Task) ([]byte, map[string]string, error) {
	body, err := sealer.Open(task.EncryptedStatusUpdate)
	if err != nil {
		return nil, nil, fmt.Errorf("open status update: %w", err)
	}
	var headers map[string]string
	if task.EncryptedHeaders != "" {
		if err := sealer.OpenJSON(task.EncryptedHeaders, &headers); err != nil {
			return nil, nil, fmt.Errorf("open headers: %w", err)
		}
	}
	return body, headers, nil
}

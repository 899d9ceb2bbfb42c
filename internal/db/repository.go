package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

// Repository handles database operations for notifications and callbacks
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, service_id, reference, recipient, notification_type,
	status, status_reason, failure_category, sent_by,
	billable_units, segments_count, cost_in_millicents,
	callback_url, callback_headers, sent_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n        Notification
		st       string
		category string
	)
	err := row.Scan(
		&n.ID,
		&n.ServiceID,
		&n.Reference,
		&n.To,
		&n.NotificationType,
		&st,
		&n.StatusReason,
		&category,
		&n.SentBy,
		&n.BillableUnits,
		&n.SegmentsCount,
		&n.CostInMillicents,
		&n.CallbackURL,
		&n.CallbackHeaders,
		&n.SentAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Status = status.Status(st)
	n.FailureCategory = status.FailureCategory(category)
	return &n, nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return notif, nil
}

// GetByReference resolves a provider reference to exactly one notification.
// It returns ErrNotFound or ErrMultipleFound rather than picking a row.
func (r *Repository) GetByReference(ctx context.Context, reference string) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE reference = $1 LIMIT 2`

	rows, err := r.db.Pool().Query(ctx, query, reference)
	if err != nil {
		return nil, fmt.Errorf("query notification by reference: %w", err)
	}
	defer rows.Close()

	var found []*Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		found = append(found, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: reference %s", ErrNotFound, reference)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%w: reference %s", ErrMultipleFound, reference)
	}
}

// ApplyStatusUpdate writes a status transition and its billing facts in one
// statement, guarded by the expected current status, and records the
// transition in the history table in the same transaction. It reports false
// when a concurrent writer moved the row first.
func (r *Repository) ApplyStatusUpdate(ctx context.Context, u StatusUpdate) (*Notification, bool, error) {
	query := `
		UPDATE notifications
		SET status = $2,
			status_reason = $3,
			failure_category = $4,
			sent_by = COALESCE(sent_by, NULLIF($5, '')),
			segments_count = COALESCE($6, segments_count),
			cost_in_millicents = COALESCE($7, cost_in_millicents),
			updated_at = NOW()
		WHERE id = $1
			AND status = $8
			AND status <> ALL($9)
		RETURNING ` + notificationColumns

	var updated *Notification
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		notif, err := scanNotification(tx.QueryRow(ctx, query,
			u.ID,
			string(u.Status),
			u.StatusReason,
			string(u.FailureCategory),
			u.SentBy,
			u.SegmentsCount,
			u.CostInMillicents,
			string(u.ExpectedStatus),
			status.Terminal(),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			r.logger.Error("failed to update notification status",
				zap.Error(err),
				zap.String("notification_id", u.ID.String()),
			)
			return fmt.Errorf("update notification status: %w", err)
		}
		if err := insertHistory(ctx, tx, u.ID, u.ExpectedStatus, u.Status, u.Source); err != nil {
			return err
		}
		updated = notif
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if updated == nil {
		return nil, false, nil
	}

	r.logger.Info("notification status updated",
		zap.String("notification_id", u.ID.String()),
		zap.String("from", string(u.ExpectedStatus)),
		zap.String("to", string(u.Status)),
		zap.String("source", u.Source),
	)
	return updated, true, nil
}

// lockStatus reads the current status under a row lock.
func lockStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID) (status.Status, error) {
	var previous string
	if err := tx.QueryRow(ctx, `SELECT status FROM notifications WHERE id = $1 FOR UPDATE`, id).Scan(&previous); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("lock notification: %w", err)
	}
	return status.Status(previous), nil
}

// UpdateStatusByID forces a non-terminal notification into st. Terminal rows
// are left untouched and reported as not updated.
func (r *Repository) UpdateStatusByID(ctx context.Context, id uuid.UUID, st status.Status, reason string) (bool, error) {
	updated := false
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		previous, err := lockStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if status.IsTerminal(previous) {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE notifications
			SET status = $2, status_reason = $3, failure_category = $4, updated_at = NOW()
			WHERE id = $1
		`, id, string(st), reason, string(status.CategoryOther))
		if err != nil {
			return fmt.Errorf("update notification status by id: %w", err)
		}
		if err := insertHistory(ctx, tx, id, previous, st, "retry-exhausted"); err != nil {
			return err
		}
		updated = true
		return nil
	})
	return updated, err
}

// OverrideStatus is the operator path. It is the only write allowed to
// replace a terminal status.
func (r *Repository) OverrideStatus(ctx context.Context, id uuid.UUID, st status.Status, reason *string) (*Notification, error) {
	var (
		notif    *Notification
		previous status.Status
	)
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		if previous, err = lockStatus(ctx, tx, id); err != nil {
			return err
		}

		notif, err = scanNotification(tx.QueryRow(ctx, `
			UPDATE notifications
			SET status = $2, status_reason = $3, failure_category = '', updated_at = NOW()
			WHERE id = $1
			RETURNING `+notificationColumns, id, string(st), reason))
		if err != nil {
			return fmt.Errorf("override notification status: %w", err)
		}
		return insertHistory(ctx, tx, id, previous, st, "operator-override")
	})
	if err != nil {
		return nil, err
	}

	r.logger.Warn("notification status overridden",
		zap.String("notification_id", id.String()),
		zap.String("from", string(previous)),
		zap.String("to", string(st)),
	)
	return notif, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to status.Status, source string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO notification_status_history (id, notification_id, from_status, to_status, source)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), id, string(from), string(to), source)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

// GetCallbackConfig returns the service's callback of the given type, or nil
// when none is registered.
func (r *Repository) GetCallbackConfig(ctx context.Context, serviceID uuid.UUID, callbackType string) (*ServiceCallback, error) {
	query := `
		SELECT
			id, service_id, url, bearer_token, callback_type, callback_channel,
			callback_headers, notification_statuses, include_provider_payload,
			created_at, updated_at
		FROM service_callbacks
		WHERE service_id = $1 AND callback_type = $2
	`

	var (
		cb       ServiceCallback
		statuses []byte
	)
	err := r.db.Pool().QueryRow(ctx, query, serviceID, callbackType).Scan(
		&cb.ID,
		&cb.ServiceID,
		&cb.URL,
		&cb.BearerToken,
		&cb.CallbackType,
		&cb.CallbackChannel,
		&cb.CallbackHeaders,
		&statuses,
		&cb.IncludeProviderPayload,
		&cb.CreatedAt,
		&cb.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query service callback: %w", err)
	}

	if len(statuses) > 0 {
		if err := json.Unmarshal(statuses, &cb.NotificationStatuses); err != nil {
			return nil, fmt.Errorf("decode notification_statuses: %w", err)
		}
	}

	return &cb, nil
}

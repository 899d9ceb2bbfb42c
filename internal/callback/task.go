// Package callback decides which callback, if any, a status transition
// produces, and builds the sealed delivery task for it.
package callback

import (
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

// Level distinguishes a notification's own callback URL from its service's
// registered callback.
type Level string

const (
	LevelService      Level = "service"
	LevelNotification Level = "notification"
)

// Task is one queued callback delivery. The snapshot and headers are sealed
// when the task is built and are never rebuilt, so every retry posts the same
// bytes.
type Task struct {
	ID                uuid.UUID     `json:"id"`
	NotificationID    uuid.UUID     `json:"notification_id"`
	ServiceCallbackID *uuid.UUID    `json:"service_callback_id,omitempty"`
	CallbackType      string        `json:"callback_type"`
	Level             Level         `json:"level"`
	Channel           string        `json:"channel"`
	URL               string        `json:"url,omitempty"`
	Status            status.Status `json:"status,omitempty"`

	EncryptedStatusUpdate string `json:"encrypted_status_update"`
	EncryptedHeaders      string `json:"encrypted_headers"`

	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

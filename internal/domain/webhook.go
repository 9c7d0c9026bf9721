package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEndpoint is a registered delivery target for a bot application's
// events.
type WebhookEndpoint struct {
	ID            uuid.UUID `json:"id"`
	ApplicationID uuid.UUID `json:"application_id"`
	URL           string    `json:"url"`
	SigningSecret string    `json:"-"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// WebhookDeliveryItem is the unit of work carried through the Redis
// delivery queue and retry sorted set.
type WebhookDeliveryItem struct {
	WebhookID uuid.UUID       `json:"webhook_id"`
	EventType string          `json:"event_type"`
	EventID   uuid.UUID       `json:"event_id"`
	EventTime time.Time       `json:"event_time"`
	Payload   json.RawMessage `json:"payload"`
	URL       string          `json:"url"`
	Attempt   int             `json:"attempt"`
}

package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolftown/canis/internal/domain"
)

// WebhookRepository handles webhook endpoint storage, delivery logging,
// and dead-letter persistence.
type WebhookRepository struct {
	db *DB
}

func NewWebhookRepository(db *DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// GetSigningSecret returns the signing secret for an active webhook, or
// domain.ErrWebhookNotFound if it was deleted or deactivated before
// delivery — exactly the distinction the original's get_signing_secret
// draws between "not found" (Ok(None)) and a transient DB error.
func (r *WebhookRepository) GetSigningSecret(ctx context.Context, webhookID uuid.UUID) (string, error) {
	var secret string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT signing_secret FROM webhook_endpoints WHERE id = $1 AND active = true
	`, webhookID).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrWebhookNotFound
	}
	return secret, err
}

// GetByID returns a webhook endpoint regardless of active state.
func (r *WebhookRepository) GetByID(ctx context.Context, webhookID uuid.UUID) (*domain.WebhookEndpoint, error) {
	ep := &domain.WebhookEndpoint{ID: webhookID}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT application_id, url, signing_secret, active, created_at
		FROM webhook_endpoints WHERE id = $1
	`, webhookID).Scan(&ep.ApplicationID, &ep.URL, &ep.SigningSecret, &ep.Active, &ep.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWebhookNotFound
	}
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// LogDelivery records the outcome of one delivery attempt.
func (r *WebhookRepository) LogDelivery(ctx context.Context, webhookID uuid.UUID, eventType string, eventID uuid.UUID, statusCode *int, success bool, attempt int, errMsg *string, latencyMS *int) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO webhook_delivery_log
			(id, webhook_id, event_type, event_id, status_code, success, attempt, error_message, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, uuid.New(), webhookID, eventType, eventID, statusCode, success, attempt, errMsg, latencyMS, time.Now())
	return err
}

// InsertDeadLetter records a delivery that exhausted all retries (or could
// not be scheduled for retry at all).
func (r *WebhookRepository) InsertDeadLetter(ctx context.Context, webhookID uuid.UUID, eventType string, eventID uuid.UUID, payload json.RawMessage, attempt int, errMsg *string, eventTime time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO webhook_dead_letters
			(id, webhook_id, event_type, event_id, payload, attempt, error_message, event_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.New(), webhookID, eventType, eventID, payload, attempt, errMsg, eventTime, time.Now())
	return err
}

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wolftown/canis/internal/database"
	"github.com/wolftown/canis/internal/domain"
	"github.com/wolftown/canis/internal/metrics"
)

// maxAttempts bounds the number of delivery retries before an item is
// dead-lettered.
const maxAttempts = 5

// retryDelays holds the backoff schedule in seconds, indexed by attempt
// number; an out-of-range attempt falls back to the last (longest) delay.
var retryDelays = [5]int{5, 30, 120, 600, 1800}

func retryDelayFor(attempt int) time.Duration {
	if attempt < 0 || attempt >= len(retryDelays) {
		return time.Duration(retryDelays[len(retryDelays)-1]) * time.Second
	}
	return time.Duration(retryDelays[attempt]) * time.Second
}

// deliveryQueue is the subset of *Queue the worker needs, narrowed so
// delivery logic can be tested against a fake without a real Redis server.
type deliveryQueue interface {
	PromoteDueRetries(ctx context.Context, nowUnix float64) (int64, error)
	Dequeue(ctx context.Context, timeoutSeconds float64) (*domain.WebhookDeliveryItem, error)
	ScheduleRetry(ctx context.Context, item *domain.WebhookDeliveryItem, deliverAtUnix float64) error
}

// deliveryLog is the subset of *database.WebhookRepository the worker
// needs, narrowed for the same reason.
type deliveryLog interface {
	GetSigningSecret(ctx context.Context, webhookID uuid.UUID) (string, error)
	LogDelivery(ctx context.Context, webhookID uuid.UUID, eventType string, eventID uuid.UUID, statusCode *int, success bool, attempt int, errMsg *string, latencyMS *int) error
	InsertDeadLetter(ctx context.Context, webhookID uuid.UUID, eventType string, eventID uuid.UUID, payload json.RawMessage, attempt int, errMsg *string, eventTime time.Time) error
}

// Worker drains the delivery queue, signs and POSTs each webhook payload,
// and reschedules or dead-letters failures. A gocron job promotes due
// retries into the immediate queue on a fixed interval, replacing the
// manual polling loop the queue alone would otherwise require.
type Worker struct {
	queue     deliveryQueue
	repo      deliveryLog
	dial      func(target *ResolvedTarget) *http.Client
	scheduler gocron.Scheduler
	logger    *slog.Logger

	consecutiveErrors int
}

func NewWorker(redisClient *redis.Client, repo *database.WebhookRepository, logger *slog.Logger) (*Worker, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Worker{
		queue:     NewQueue(redisClient),
		repo:      repo,
		dial:      pinnedClient,
		scheduler: scheduler,
		logger:    logger.With("component", "webhook_worker"),
	}, nil
}

// Run starts the retry-promotion job and the delivery loop, blocking until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	_, err := w.scheduler.NewJob(
		gocron.DurationJob(2*time.Second),
		gocron.NewTask(func() {
			n, err := w.queue.PromoteDueRetries(ctx, float64(time.Now().Unix()))
			if err != nil {
				w.logger.Error("failed to promote due retries", "error", err)
				return
			}
			if n > 0 {
				w.logger.Debug("promoted due retries", "count", n)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("schedule retry-promotion job: %w", err)
	}
	w.scheduler.Start()
	defer func() { _ = w.scheduler.Shutdown() }()

	w.logger.Info("webhook delivery worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := w.queue.Dequeue(ctx, 2.0)
		if err != nil {
			w.consecutiveErrors++
			backoff := backoffFor(w.consecutiveErrors)
			w.logger.Error("failed to dequeue delivery item, backing off", "error", err, "consecutive_errors", w.consecutiveErrors, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		w.consecutiveErrors = 0
		if item == nil {
			continue
		}

		go w.deliverSafely(ctx, item)
	}
}

func backoffFor(consecutiveErrors int) time.Duration {
	shift := consecutiveErrors
	if shift > 6 {
		shift = 6
	}
	return time.Duration(1<<shift) * time.Second
}

// deliverSafely wraps processDelivery so a panic in one delivery never
// brings down the worker loop.
func (w *Worker) deliverSafely(ctx context.Context, item *domain.WebhookDeliveryItem) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("delivery task panicked", "webhook_id", item.WebhookID, "event_id", item.EventID, "panic", r)
		}
	}()
	w.processDelivery(ctx, item)
}

type cloudEvent struct {
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Source      string          `json:"source"`
	ID          string          `json:"id"`
	Time        string          `json:"time"`
	Data        json.RawMessage `json:"data"`
}

func (w *Worker) processDelivery(ctx context.Context, item *domain.WebhookDeliveryItem) {
	target, err := VerifyResolvedIP(ctx, item.URL)
	if err != nil {
		w.logger.Warn("webhook delivery blocked by ssrf protection", "webhook_id", item.WebhookID, "url", item.URL, "error", err)
		zero := 0
		msg := fmt.Sprintf("ssrf blocked: %s", err)
		if logErr := w.repo.LogDelivery(ctx, item.WebhookID, item.EventType, item.EventID, nil, false, item.Attempt, &msg, &zero); logErr != nil {
			w.logger.Error("failed to log ssrf-blocked delivery", "error", logErr)
		}
		metrics.ObserveWebhookDelivery("ssrf_blocked", 0)
		// SSRF-blocked deliveries are never retried: the URL itself is the problem.
		return
	}

	secret, err := w.repo.GetSigningSecret(ctx, item.WebhookID)
	if err != nil {
		if err == domain.ErrWebhookNotFound {
			w.logger.Warn("webhook deleted or deactivated before delivery, skipping", "webhook_id", item.WebhookID)
			return
		}
		w.logger.Error("failed to look up signing secret", "webhook_id", item.WebhookID, "error", err)
		w.handleRetry(ctx, item, fmt.Sprintf("db error: %s", err))
		return
	}

	envelope := cloudEvent{
		SpecVersion: "1.0",
		Type:        item.EventType,
		Source:      "canis",
		ID:          item.EventID.String(),
		Time:        item.EventTime.Format(time.RFC3339),
		Data:        item.Payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		w.logger.Error("failed to serialize webhook envelope", "webhook_id", item.WebhookID, "event_id", item.EventID, "error", err)
		return
	}

	signature := SignPayload(secret, body)
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.URL, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("failed to build delivery request", "webhook_id", item.WebhookID, "error", err)
		w.handleRetry(ctx, item, fmt.Sprintf("request build error: %s", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+signature)
	req.Header.Set("X-Webhook-Event", item.EventType)
	req.Header.Set("X-Webhook-ID", item.EventID.String())
	req.Header.Set("X-Webhook-Timestamp", timestamp)

	start := time.Now()
	resp, err := w.dial(target).Do(req)
	latencyMS := int(time.Since(start).Milliseconds())

	if err != nil {
		errMsg := err.Error()
		w.logger.Warn("webhook delivery failed", "webhook_id", item.WebhookID, "attempt", item.Attempt, "error", errMsg)
		if logErr := w.repo.LogDelivery(ctx, item.WebhookID, item.EventType, item.EventID, nil, false, item.Attempt, &errMsg, &latencyMS); logErr != nil {
			w.logger.Error("failed to log delivery failure", "error", logErr)
		}
		metrics.ObserveWebhookDelivery("transport_error", time.Since(start))
		w.handleRetry(ctx, item, errMsg)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	status := resp.StatusCode
	success := status >= 200 && status < 300
	var errMsg *string
	if !success {
		m := fmt.Sprintf("http %d", status)
		errMsg = &m
	}
	if logErr := w.repo.LogDelivery(ctx, item.WebhookID, item.EventType, item.EventID, &status, success, item.Attempt, errMsg, &latencyMS); logErr != nil {
		w.logger.Error("failed to log delivery", "error", logErr)
	}
	outcome := "success"
	if !success {
		outcome = "http_error"
	}
	metrics.ObserveWebhookDelivery(outcome, time.Since(start))
	if !success {
		w.handleRetry(ctx, item, fmt.Sprintf("http %d", status))
	}
}

// pinnedClient builds an http.Client whose dialer rewrites any connection
// to target.Host so it always lands on the IP that passed SSRF
// verification, closing the gap between that check and the actual
// request (DNS rebinding).
func pinnedClient(target *ResolvedTarget) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				if host == target.Host {
					addr = net.JoinHostPort(target.Addr, port)
				}
				return dialer.DialContext(ctx, network, addr)
			},
		},
	}
}

// handleRetry schedules the next retry attempt, or dead-letters the item
// once attempts are exhausted or scheduling itself fails.
func (w *Worker) handleRetry(ctx context.Context, item *domain.WebhookDeliveryItem, errMsg string) {
	if item.Attempt < maxAttempts {
		delay := retryDelayFor(item.Attempt)
		next := *item
		next.Attempt++
		deliverAt := float64(time.Now().Add(delay).Unix())

		if err := w.queue.ScheduleRetry(ctx, &next, deliverAt); err != nil {
			w.logger.Error("failed to schedule retry, falling back to dead-letter", "webhook_id", item.WebhookID, "attempt", next.Attempt, "error", err)
			combined := fmt.Sprintf("%s (retry scheduling failed: %s)", errMsg, err)
			w.deadLetter(ctx, &next, &combined)
		}
		return
	}

	w.logger.Warn("webhook delivery exhausted all retries, dead-lettering", "webhook_id", item.WebhookID, "event_id", item.EventID)
	w.deadLetter(ctx, item, &errMsg)
}

func (w *Worker) deadLetter(ctx context.Context, item *domain.WebhookDeliveryItem, errMsg *string) {
	if err := w.repo.InsertDeadLetter(ctx, item.WebhookID, item.EventType, item.EventID, item.Payload, item.Attempt, errMsg, item.EventTime); err != nil {
		w.logger.Error("failed to insert dead letter", "webhook_id", item.WebhookID, "event_id", item.EventID, "error", err)
		return
	}
	metrics.WebhookDeadLetters.Inc()
}

// Package metrics exposes Prometheus counters and histograms for the
// pieces of the system that run outside the request/response cycle and
// are otherwise invisible to normal access logging: webhook deliveries
// and the HTTP surface as a whole.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome",
	}, []string{"outcome"})

	WebhookDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_dead_letters_total",
		Help: "Webhook deliveries that exhausted their retry budget",
	})

	WebhookDeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhook_delivery_latency_seconds",
		Help:    "Latency of webhook delivery HTTP round trips",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by route and status class",
	}, []string{"route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// ObserveWebhookDelivery records the outcome of a single delivery attempt.
func ObserveWebhookDelivery(outcome string, latency time.Duration) {
	WebhookDeliveries.WithLabelValues(outcome).Inc()
	WebhookDeliveryLatency.Observe(latency.Seconds())
}

// ObserveHTTPRequest records a completed HTTP request.
func ObserveHTTPRequest(route, status string, duration time.Duration) {
	HTTPRequests.WithLabelValues(route, status).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Package webhook delivers bot-application webhook events with a Redis
// queue, exponential-backoff retries, and a dead-letter fallback.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignPayload returns the hex-encoded HMAC-SHA256 of payload under secret,
// sent as the X-Webhook-Signature header's "sha256=<hex>" value.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

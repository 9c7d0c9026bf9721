package ratelimit

import (
	"context"

	"github.com/google/uuid"
)

// Allow satisfies internal/voice's JoinLimiter interface, checking the
// VoiceJoin category against the user's ID. A check failure (e.g. Redis
// unreachable with FailOpen disabled) denies the join rather than letting a
// caller silently skip rate limiting.
func (l *Limiter) Allow(userID uuid.UUID) bool {
	result, err := l.Check(context.Background(), VoiceJoin, userID.String())
	if err != nil {
		return false
	}
	return result.Allowed
}

// MemoryVoiceJoinLimiter adapts a MemoryLimiter to the same JoinLimiter
// interface for deployments running without Redis.
type MemoryVoiceJoinLimiter struct {
	limiter *MemoryLimiter
}

// NewMemoryVoiceJoinLimiter wraps limiter for voice-channel join checks.
func NewMemoryVoiceJoinLimiter(limiter *MemoryLimiter) *MemoryVoiceJoinLimiter {
	return &MemoryVoiceJoinLimiter{limiter: limiter}
}

// Allow satisfies internal/voice's JoinLimiter interface.
func (m *MemoryVoiceJoinLimiter) Allow(userID uuid.UUID) bool {
	return m.limiter.Allow(VoiceJoin, userID.String())
}

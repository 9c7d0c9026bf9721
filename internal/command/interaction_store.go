package command

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// interactionOwnerTTL is the window during which an invoked command's
// owning bot may post a response, matching spec.md §4.10's 5-minute TTL.
const interactionOwnerTTL = 5 * time.Minute

// InteractionStore tracks which bot owns an in-flight interaction and
// enforces the single-response semantic: the first SetResponse wins, every
// later attempt is rejected without disturbing the stored response.
type InteractionStore interface {
	ClaimOwner(ctx context.Context, interactionID uuid.UUID, botUserID uuid.UUID) error
	Owner(ctx context.Context, interactionID uuid.UUID) (uuid.UUID, bool, error)
	SetResponse(ctx context.Context, interactionID uuid.UUID, response []byte) (bool, error)
}

// RedisInteractionStore is the production backend: interaction ownership
// and responses are plain Redis keys with a TTL, so a crashed bot's claim
// expires instead of wedging the command forever.
type RedisInteractionStore struct {
	client *redis.Client
}

func NewRedisInteractionStore(client *redis.Client) *RedisInteractionStore {
	return &RedisInteractionStore{client: client}
}

func ownerKey(id uuid.UUID) string    { return "interaction:" + id.String() + ":owner" }
func responseKey(id uuid.UUID) string { return "interaction:" + id.String() + ":response" }

func (s *RedisInteractionStore) ClaimOwner(ctx context.Context, interactionID uuid.UUID, botUserID uuid.UUID) error {
	return s.client.Set(ctx, ownerKey(interactionID), botUserID.String(), interactionOwnerTTL).Err()
}

func (s *RedisInteractionStore) Owner(ctx context.Context, interactionID uuid.UUID) (uuid.UUID, bool, error) {
	val, err := s.client.Get(ctx, ownerKey(interactionID)).Result()
	if err == redis.Nil {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	owner, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, err
	}
	return owner, true, nil
}

func (s *RedisInteractionStore) SetResponse(ctx context.Context, interactionID uuid.UUID, response []byte) (bool, error) {
	return s.client.SetNX(ctx, responseKey(interactionID), response, interactionOwnerTTL).Result()
}

// MemoryInteractionStore is an in-process fallback for deployments without
// Redis, generalized from ratelimit.MemoryLimiter's single-instance story:
// single-instance only, entries expire lazily on access.
type MemoryInteractionStore struct {
	mu      sync.Mutex
	owners  map[uuid.UUID]ownerEntry
	answers map[uuid.UUID]answerEntry
}

type ownerEntry struct {
	botUserID uuid.UUID
	expiresAt time.Time
}

type answerEntry struct {
	response  []byte
	expiresAt time.Time
}

func NewMemoryInteractionStore() *MemoryInteractionStore {
	return &MemoryInteractionStore{
		owners:  make(map[uuid.UUID]ownerEntry),
		answers: make(map[uuid.UUID]answerEntry),
	}
}

func (s *MemoryInteractionStore) ClaimOwner(_ context.Context, interactionID uuid.UUID, botUserID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[interactionID] = ownerEntry{botUserID: botUserID, expiresAt: time.Now().Add(interactionOwnerTTL)}
	return nil
}

func (s *MemoryInteractionStore) Owner(_ context.Context, interactionID uuid.UUID) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.owners[interactionID]
	if !ok || time.Now().After(entry.expiresAt) {
		return uuid.Nil, false, nil
	}
	return entry.botUserID, true, nil
}

func (s *MemoryInteractionStore) SetResponse(_ context.Context, interactionID uuid.UUID, response []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.answers[interactionID]; ok && time.Now().Before(entry.expiresAt) {
		return false, nil
	}
	s.answers[interactionID] = answerEntry{response: response, expiresAt: time.Now().Add(interactionOwnerTTL)}
	return true, nil
}

var _ InteractionStore = (*RedisInteractionStore)(nil)
var _ InteractionStore = (*MemoryInteractionStore)(nil)

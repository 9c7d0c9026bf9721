// Package social caches user-blocking relationships so presence fan-out
// and message delivery can skip blocked users without a database round
// trip on every event.
package social

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// cacheTTL matches the original block cache's one-hour expiry: entries are
// refreshed from Postgres on the next load rather than kept forever.
const cacheTTL = time.Hour

// Source is the Postgres-backed lookup a BlockCache warms itself from,
// satisfied by *database.ConversationRepository.
type Source interface {
	ListBlockedIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	ListBlockerIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// BlockCache answers "has either user blocked the other" without hitting
// Postgres on the hot path, and stays in sync as blocks are added/removed.
type BlockCache interface {
	Load(ctx context.Context, userID uuid.UUID) error
	IsBlockedEitherDirection(ctx context.Context, userA, userB uuid.UUID) (bool, error)
	AddBlock(ctx context.Context, blocker, target uuid.UUID) error
	RemoveBlock(ctx context.Context, blocker, target uuid.UUID) error
}

func blockedKey(userID uuid.UUID) string   { return fmt.Sprintf("blocks:%s", userID) }
func blockedByKey(userID uuid.UUID) string { return fmt.Sprintf("blocked_by:%s", userID) }

// RedisBlockCache is the production backend: one Redis SET per direction,
// refreshed from Postgres on Load and kept current by AddBlock/RemoveBlock.
type RedisBlockCache struct {
	client *redis.Client
	source Source
}

func NewRedisBlockCache(client *redis.Client, source Source) *RedisBlockCache {
	return &RedisBlockCache{client: client, source: source}
}

// Load repopulates userID's blocked/blocked-by sets from Postgres, exactly
// the original block_cache.rs's load_blocked_users/load_blocked_by pair
// collapsed into one call since both directions share a source query
// shape here.
func (c *RedisBlockCache) Load(ctx context.Context, userID uuid.UUID) error {
	blocked, err := c.source.ListBlockedIDs(ctx, userID)
	if err != nil {
		return fmt.Errorf("list blocked ids: %w", err)
	}
	if err := c.refillSet(ctx, blockedKey(userID), blocked); err != nil {
		return fmt.Errorf("refill blocked set: %w", err)
	}

	blockers, err := c.source.ListBlockerIDs(ctx, userID)
	if err != nil {
		return fmt.Errorf("list blocker ids: %w", err)
	}
	if err := c.refillSet(ctx, blockedByKey(userID), blockers); err != nil {
		return fmt.Errorf("refill blocked-by set: %w", err)
	}
	return nil
}

func (c *RedisBlockCache) refillSet(ctx context.Context, key string, ids []uuid.UUID) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id.String()
	}
	if err := c.client.SAdd(ctx, key, members...).Err(); err != nil {
		return err
	}
	return c.client.Expire(ctx, key, cacheTTL).Err()
}

func (c *RedisBlockCache) IsBlockedEitherDirection(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	aBlockedB, err := c.client.SIsMember(ctx, blockedKey(userA), userB.String()).Result()
	if err != nil {
		return false, err
	}
	if aBlockedB {
		return true, nil
	}
	return c.client.SIsMember(ctx, blockedKey(userB), userA.String()).Result()
}

func (c *RedisBlockCache) AddBlock(ctx context.Context, blocker, target uuid.UUID) error {
	if err := c.client.SAdd(ctx, blockedKey(blocker), target.String()).Err(); err != nil {
		return err
	}
	return c.client.SAdd(ctx, blockedByKey(target), blocker.String()).Err()
}

func (c *RedisBlockCache) RemoveBlock(ctx context.Context, blocker, target uuid.UUID) error {
	if err := c.client.SRem(ctx, blockedKey(blocker), target.String()).Err(); err != nil {
		return err
	}
	return c.client.SRem(ctx, blockedByKey(target), blocker.String()).Err()
}

// MemoryBlockCache is the single-instance fallback used when REDIS_URL is
// not configured, generalized from the same ratelimit.MemoryLimiter story
// InteractionStore already follows: an in-process map guarded by a mutex,
// correct for one instance, not shared across a fleet.
type MemoryBlockCache struct {
	mu       sync.RWMutex
	blocked  map[uuid.UUID]map[uuid.UUID]struct{}
	blockers map[uuid.UUID]map[uuid.UUID]struct{}
	source   Source
}

func NewMemoryBlockCache(source Source) *MemoryBlockCache {
	return &MemoryBlockCache{
		blocked:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
		blockers: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		source:   source,
	}
}

func (c *MemoryBlockCache) Load(ctx context.Context, userID uuid.UUID) error {
	blocked, err := c.source.ListBlockedIDs(ctx, userID)
	if err != nil {
		return fmt.Errorf("list blocked ids: %w", err)
	}
	blockers, err := c.source.ListBlockerIDs(ctx, userID)
	if err != nil {
		return fmt.Errorf("list blocker ids: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[userID] = toSet(blocked)
	c.blockers[userID] = toSet(blockers)
	return nil
}

func toSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (c *MemoryBlockCache) IsBlockedEitherDirection(_ context.Context, userA, userB uuid.UUID) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.blocked[userA][userB]; ok {
		return true, nil
	}
	if _, ok := c.blocked[userB][userA]; ok {
		return true, nil
	}
	return false, nil
}

func (c *MemoryBlockCache) AddBlock(_ context.Context, blocker, target uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addToSet(c.blocked, blocker, target)
	c.addToSet(c.blockers, target, blocker)
	return nil
}

func (c *MemoryBlockCache) RemoveBlock(_ context.Context, blocker, target uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocked[blocker], target)
	delete(c.blockers[target], blocker)
	return nil
}

func (c *MemoryBlockCache) addToSet(m map[uuid.UUID]map[uuid.UUID]struct{}, key, value uuid.UUID) {
	if m[key] == nil {
		m[key] = make(map[uuid.UUID]struct{})
	}
	m[key][value] = struct{}{}
}

var _ BlockCache = (*RedisBlockCache)(nil)
var _ BlockCache = (*MemoryBlockCache)(nil)

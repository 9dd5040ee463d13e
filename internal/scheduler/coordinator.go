package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Coordinator tracks the latest pending recalculation token per group so that
// only one instance runs a debounced recalculation.
type Coordinator interface {
	// Claim records token as the latest pending recalculation for the group.
	Claim(ctx context.Context, groupID, token string, ttl time.Duration) error
	// Release removes the claim if token is still the latest and reports whether it was.
	Release(ctx context.Context, groupID, token string) (bool, error)
}

type MemoryCoordinator struct {
	mu     sync.Mutex
	claims map[string]memoryClaim
	now    func() time.Time
}

type memoryClaim struct {
	token     string
	expiresAt time.Time
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{claims: make(map[string]memoryClaim), now: time.Now}
}

func (c *MemoryCoordinator) Claim(_ context.Context, groupID, token string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims[groupID] = memoryClaim{token: token, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCoordinator) Release(_ context.Context, groupID, token string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	claim, ok := c.claims[groupID]
	if !ok {
		// An expired or missing claim means nobody superseded us.
		return true, nil
	}
	if claim.token != token {
		if c.now().After(claim.expiresAt) {
			delete(c.claims, groupID)
			return true, nil
		}
		return false, nil
	}
	delete(c.claims, groupID)
	return true, nil
}

const defaultRedisPrefix = "splitledger:recalc:"

var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return 1
end
if current == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

type RedisCoordinator struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCoordinator(client redis.UniversalClient, prefix string) *RedisCoordinator {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCoordinator{client: client, prefix: prefix}
}

func (c *RedisCoordinator) Claim(ctx context.Context, groupID, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("invalid claim ttl")
	}
	return c.client.Set(ctx, c.prefix+groupID, token, ttl).Err()
}

func (c *RedisCoordinator) Release(ctx context.Context, groupID, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, c.client, []string{c.prefix + groupID}, token).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

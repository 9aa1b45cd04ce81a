package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisGuard claims payment signatures in redis so a signature funds at most
// one deployment across service instances.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard creates a guard. ttl bounds how long a claim is held; it only
// needs to outlive the signature's on-chain retention.
func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisGuard{client: client, ttl: ttl}
}

// Claim reserves signature, returning false when it was already claimed.
func (g *RedisGuard) Claim(ctx context.Context, signature string) (bool, error) {
	ok, err := g.client.SetNX(ctx, "payment:"+signature, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim payment signature: %w", err)
	}
	return ok, nil
}

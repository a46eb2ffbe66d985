// Package editing tracks which participants are actively editing a document,
// as opposed to merely viewing it. The branch-merge workflow consults the
// registry to refuse merges that would discard in-flight edits.
package editing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// editorTTL bounds how long a crashed client can block merges. A clean leave
// removes the entry immediately; the expiry only catches clients that die
// without retracting, and every re-enter refreshes it.
const editorTTL = 30 * time.Minute

// RedisRegistry stores the per-document editor set in Redis.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(redisURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisRegistryWithClient(client), nil
}

// NewRedisRegistryWithClient wraps an existing Redis client.
func NewRedisRegistryWithClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: "editing:", ttl: editorTTL}
}

func (r *RedisRegistry) key(identity string) string {
	return r.prefix + identity
}

// Enter records participant as actively editing identity. Idempotent:
// re-entering is harmless and refreshes the set's expiry.
func (r *RedisRegistry) Enter(ctx context.Context, identity, participant string) error {
	key := r.key(identity)
	if err := r.client.SAdd(ctx, key, participant).Err(); err != nil {
		return fmt.Errorf("record editor: %w", err)
	}
	if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
		return fmt.Errorf("set editor expiry: %w", err)
	}
	return nil
}

// Leave retracts participant's editing entry. Idempotent: leaving twice, or
// without having entered, is harmless.
func (r *RedisRegistry) Leave(ctx context.Context, identity, participant string) error {
	if err := r.client.SRem(ctx, r.key(identity), participant).Err(); err != nil {
		return fmt.Errorf("retract editor: %w", err)
	}
	return nil
}

// Editors lists the participants currently editing identity, sorted.
func (r *RedisRegistry) Editors(ctx context.Context, identity string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.key(identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("list editors: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

// Close closes the underlying Redis connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// Ping checks whether Redis is reachable.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

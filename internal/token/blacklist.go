package token

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type MemoryBlacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]time.Time)}
}

func (b *MemoryBlacklist) AddRevoked(_ context.Context, jti string, expiresAt time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[jti]; ok {
		return false, nil
	}
	b.entries[jti] = expiresAt.UTC()
	return true, nil
}

func (b *MemoryBlacklist) PruneRevoked(_ context.Context, before time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var pruned int64
	for jti, expiresAt := range b.entries {
		if expiresAt.Before(before) {
			delete(b.entries, jti)
			pruned++
		}
	}
	return pruned, nil
}

const defaultRedisPrefix = "authcore:blacklist:"

// RedisBlacklist keeps one key per revoked jti; the key's TTL matches the
// token's remaining lifetime so Redis drops it once the token has expired.
type RedisBlacklist struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisBlacklist(client *redis.Client, prefix string) *RedisBlacklist {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBlacklist{client: client, prefix: prefix, now: time.Now}
}

func (b *RedisBlacklist) key(jti string) string {
	return b.prefix + jti
}

func (b *RedisBlacklist) AddRevoked(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(b.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	added, err := b.client.SetNX(ctx, b.key(jti), strconv.FormatInt(expiresAt.Unix(), 10), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx blacklist: %w", err)
	}
	return added, nil
}

func (b *RedisBlacklist) PruneRevoked(context.Context, time.Time) (int64, error) {
	// Redis handles expiration via TTL.
	return 0, nil
}

func (b *RedisBlacklist) Close() error {
	return b.client.Close()
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sessionguard/backend/internal/session/domain"
)

// RedisUsedTokens is a Redis-backed used-token table. Expiry is delegated to
// key TTLs; the replay counter lives in its own key so increments are atomic
// server-side.
type RedisUsedTokens struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisUsedTokens connects to Redis at url and returns a used-token table
// whose entries live for ttl.
func NewRedisUsedTokens(url string, ttl time.Duration) (*RedisUsedTokens, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisUsedTokens{client: client, ttl: ttl}, nil
}

func usedTokenKey(tokenHash string) string   { return "used_token:" + tokenHash }
func replayCountKey(tokenHash string) string { return "used_token:" + tokenHash + ":replays" }

// Get returns the record for the consumed token hash, or nil if absent or expired.
func (u *RedisUsedTokens) Get(ctx context.Context, tokenHash string, now time.Time) (*domain.UsedToken, error) {
	data, err := u.client.Get(ctx, usedTokenKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec domain.UsedToken
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	replays, err := u.client.Get(ctx, replayCountKey(tokenHash)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	rec.Replays = replays
	return &rec, nil
}

// Put records a consumed token and its cached successor pair with a TTL.
func (u *RedisUsedTokens) Put(ctx context.Context, tokenHash string, rec *domain.UsedToken) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return u.client.Set(ctx, usedTokenKey(tokenHash), data, u.ttl).Err()
}

// IncrementReplays atomically bumps the replay counter and returns the new count.
func (u *RedisUsedTokens) IncrementReplays(ctx context.Context, tokenHash string) (int, error) {
	n, err := u.client.Incr(ctx, replayCountKey(tokenHash)).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		_ = u.client.Expire(ctx, replayCountKey(tokenHash), u.ttl).Err()
	}
	return int(n), nil
}

// Prune is a no-op: Redis key TTLs handle expiry.
func (u *RedisUsedTokens) Prune(ctx context.Context, now time.Time) error { return nil }

// Close releases the Redis connection.
func (u *RedisUsedTokens) Close() error { return u.client.Close() }

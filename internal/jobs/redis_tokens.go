package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultNamespace = "ft"
	defaultTokenTTL  = 24 * time.Hour
)

// releaseScript deletes the key only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript renews the expiry only if the key still holds the caller's
// token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisOption configures a RedisTokens.
type RedisOption func(*RedisTokens)

// WithNamespace sets the key namespace prefix for Redis keys.
func WithNamespace(ns string) RedisOption {
	return func(s *RedisTokens) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithTTL sets the expiry of recorded tokens.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisTokens) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// RedisTokens is a TokenSet shared by every process using the same Redis.
type RedisTokens struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisTokens connects to redisURL (e.g. "redis://localhost:6379/0").
func NewRedisTokens(redisURL string, opts ...RedisOption) (*RedisTokens, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return newRedisTokens(redis.NewClient(redisOpts), opts...)
}

func newRedisTokens(client *redis.Client, opts ...RedisOption) (*RedisTokens, error) {
	s := &RedisTokens{client: client, namespace: defaultNamespace, ttl: defaultTokenTTL}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *RedisTokens) key(bucketID int64) string {
	return s.namespace + ":reassign:" + strconv.FormatInt(bucketID, 10)
}

// Acquire implements TokenSet.
func (s *RedisTokens) Acquire(ctx context.Context, bucketID int64, token string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(bucketID), token, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("recording token: %w", err)
	}
	return ok, nil
}

// Release implements TokenSet.
func (s *RedisTokens) Release(ctx context.Context, bucketID int64, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(bucketID)}, token).Err(); err != nil {
		return fmt.Errorf("releasing token: %w", err)
	}
	return nil
}

// Holder implements TokenSet.
func (s *RedisTokens) Holder(ctx context.Context, bucketID int64) (string, bool, error) {
	token, err := s.client.Get(ctx, s.key(bucketID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading token: %w", err)
	}
	return token, true, nil
}

// Extend implements TokenSet.
func (s *RedisTokens) Extend(ctx context.Context, bucketID int64, token string) (bool, error) {
	n, err := extendScript.Run(ctx, s.client, []string{s.key(bucketID)}, token, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extending token: %w", err)
	}
	return n == 1, nil
}

// Shared implements TokenSet.
func (s *RedisTokens) Shared() bool { return true }

// Close closes the Redis connection.
func (s *RedisTokens) Close() error {
	return s.client.Close()
}

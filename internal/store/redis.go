package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements SharedStore on Redis. All server processes point at
// the same instance, which is what makes the loop detector's visited sets
// and the rate-limit counters cluster-wide.
type RedisStore struct {
	client *redis.Client
}

// NewRedis creates a new Redis shared store.
func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func revokedKey(subject string) string {
	return "revoked:" + subject
}

func (s *RedisStore) AddToSet(ctx context.Context, key, member string) error {
	return s.client.SAdd(ctx, key, member).Err()
}

func (s *RedisStore) IsMember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, key, member).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// Increment bumps a rolling counter, arming the window TTL on first use so
// the counter resets itself.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *RedisStore) RevokeTokens(ctx context.Context, subject string, at time.Time) error {
	return s.client.Set(ctx, revokedKey(subject), strconv.FormatInt(at.Unix(), 10), 0).Err()
}

func (s *RedisStore) RevokedAfter(ctx context.Context, subject string) (time.Time, error) {
	val, err := s.client.Get(ctx, revokedKey(subject)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse revocation cutoff: %w", err)
	}
	return time.Unix(sec, 0), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

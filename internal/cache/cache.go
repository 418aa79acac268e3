package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a query result is served without invalidation.
const DefaultTTL = 10 * time.Minute

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a TTL key/value cache with a per-user index of keys to purge together.
type Cache struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *Cache {
	return &Cache{rdb: rdb}
}

func EmailsKey(userID, search, label, cursor string) string {
	if cursor == "" {
		cursor = "none"
	}

	return fmt.Sprintf("emails:%s:%s:%s:%s", userID, search, label, cursor)
}

func CountKey(userID, search, label string) string {
	return fmt.Sprintf("emails:%s:%s:%s", userID, search, label)
}

func FeedKey(userID string) string {
	return "emailsFeed:" + userID
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	} else if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	return val, nil
}

func (c *Cache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.SetEx(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	return nil
}

func (c *Cache) GetJSON(ctx context.Context, key string, v any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}

	return nil
}

func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	return c.SetWithTTL(ctx, key, data, ttl)
}

// AddToFeed registers key for the next InvalidateFeed of userID.
func (c *Cache) AddToFeed(ctx context.Context, userID, key string) error {
	if err := c.rdb.SAdd(ctx, FeedKey(userID), key).Err(); err != nil {
		return fmt.Errorf("failed to register %s: %w", key, err)
	}

	return nil
}

// InvalidateFeed deletes every key registered for userID and unregisters them.
// Keys registered after the feed was read stay registered for the next call.
// It returns the number of purged keys.
func (c *Cache) InvalidateFeed(ctx context.Context, userID string) (int, error) {
	feed := FeedKey(userID)

	keys, err := c.rdb.SMembers(ctx, feed).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read feed: %w", err)
	}

	if len(keys) == 0 {
		return 0, nil
	}

	members := make([]any, len(keys))
	for i, key := range keys {
		members[i] = key
	}

	if _, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, feed, members...)
		pipe.Del(ctx, keys...)

		return nil
	}); err != nil {
		return 0, fmt.Errorf("failed to purge feed: %w", err)
	}

	return len(keys), nil
}

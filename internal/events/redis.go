package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher announces finished syncs on a pub/sub channel read by the relay.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, _ Event) error {
	if err := p.rdb.Publish(ctx, p.channel, SyncFinishedPayload).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", p.channel, err)
	}

	return nil
}

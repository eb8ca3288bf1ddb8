package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

// redisPublisherClient is the part of redis.UniversalClient used here.
type redisPublisherClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher publishes change events on "<prefix>:<table>" pub/sub
// channels.
type RedisPublisher struct {
	rdb    redisPublisherClient
	prefix string
}

func NewRedisPublisher(rdb redisPublisherClient, prefix string) *RedisPublisher {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "ledgerdb"
	}
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

func (p *RedisPublisher) Channel(table string) string {
	return p.prefix + ":" + table
}

func (p *RedisPublisher) Publish(ctx context.Context, event domain.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.Channel(event.Table), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

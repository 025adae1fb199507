package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sentPrefix = "wa:sent:"
	seenPrefix = "wa:seen:"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	QueueID string    `json:"queueId"`
	SentAt  time.Time `json:"sentAt"`
}

func (c *RedisCache) StoreSent(ctx context.Context, providerMessageID, queueID string, sentAt time.Time) error {
	if providerMessageID == "" {
		return nil
	}

	b, err := json.Marshal(sentValue{QueueID: queueID, SentAt: sentAt.UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sentPrefix+providerMessageID, b, c.ttl).Err()
}

func (c *RedisCache) WasSent(ctx context.Context, providerMessageID string) (bool, error) {
	err := c.rdb.Get(ctx, sentPrefix+providerMessageID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) MarkSeen(ctx context.Context, providerMessageID string) (bool, error) {
	return c.rdb.SetNX(ctx, seenPrefix+providerMessageID, time.Now().UTC().Unix(), c.ttl).Result()
}

func (c *RedisCache) ForgetSeen(ctx context.Context, providerMessageID string) error {
	return c.rdb.Del(ctx, seenPrefix+providerMessageID).Err()
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/post-scheduler/internal/model"
)

const summaryKey = "scheduler:last_tick"

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type postedValue struct {
	RemoteID string    `json:"remoteId"`
	PostedAt time.Time `json:"postedAt"`
}

func (c *RedisCache) StorePosted(ctx context.Context, postID, remoteID string, postedAt time.Time) error {
	key := fmt.Sprintf("post:%s", postID)
	val := postedValue{
		RemoteID: remoteID,
		PostedAt: postedAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}

func (c *RedisCache) StoreSummary(ctx context.Context, s model.TickSummary) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, summaryKey, b, c.ttl).Err()
}

func (c *RedisCache) LastSummary(ctx context.Context) (model.TickSummary, bool, error) {
	raw, err := c.rdb.Get(ctx, summaryKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.TickSummary{}, false, nil
	}
	if err != nil {
		return model.TickSummary{}, false, err
	}

	var s model.TickSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.TickSummary{}, false, err
	}
	return s, true, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/proxylens/proxylens/internal/model"
)

// RedisSummaryCache keeps computed summaries of completed uploads. Those
// never change, so the TTL only bounds memory.
type RedisSummaryCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisSummaryCache(client redis.UniversalClient, ttl time.Duration) *RedisSummaryCache {
	return &RedisSummaryCache{client: client, ttl: ttl}
}

func (c *RedisSummaryCache) Get(ctx context.Context, uploadID string, bucketMinutes int) (*model.Summary, bool, error) {
	data, err := c.client.Get(ctx, model.SummaryCacheKey(uploadID, bucketMinutes)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get summary: %w", err)
	}
	var s model.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("decode cached summary: %w", err)
	}
	return &s, true, nil
}

func (c *RedisSummaryCache) Set(ctx context.Context, s *model.Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := c.client.Set(ctx, model.SummaryCacheKey(s.UploadID, s.BucketMinutes), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set summary: %w", err)
	}
	return nil
}

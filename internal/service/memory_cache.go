package service

import (
	"context"
	"sync"

	"github.com/proxylens/proxylens/internal/model"
)

// MemorySummaryCache is the fallback when Redis is not configured.
type MemorySummaryCache struct {
	mu      sync.RWMutex
	entries map[string]*model.Summary
}

func NewMemorySummaryCache() *MemorySummaryCache {
	return &MemorySummaryCache{entries: make(map[string]*model.Summary)}
}

func (c *MemorySummaryCache) Get(_ context.Context, uploadID string, bucketMinutes int) (*model.Summary, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[model.SummaryCacheKey(uploadID, bucketMinutes)]
	return s, ok, nil
}

func (c *MemorySummaryCache) Set(_ context.Context, s *model.Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[model.SummaryCacheKey(s.UploadID, s.BucketMinutes)] = s
	return nil
}

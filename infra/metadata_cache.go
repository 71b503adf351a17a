package infra

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tnqbao/gau-workflow-monitor/entity"
)

// MetadataCache stores metadata documents by job id together with the time they were fetched.
type MetadataCache interface {
	// Get returns the cached document when it is younger than maxAge.
	Get(ctx context.Context, id string, maxAge time.Duration) (*entity.Metadata, bool)
	Put(ctx context.Context, id string, md *entity.Metadata)
}

type cachedMetadata struct {
	fetchedAt time.Time
	md        *entity.Metadata
}

type MemoryMetadataCache struct {
	mu      sync.RWMutex
	entries map[string]cachedMetadata
	now     func() time.Time
}

func NewMemoryMetadataCache() *MemoryMetadataCache {
	return &MemoryMetadataCache{
		entries: make(map[string]cachedMetadata),
		now:     time.Now,
	}
}

func (c *MemoryMetadataCache) Get(_ context.Context, id string, maxAge time.Duration) (*entity.Metadata, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()

	if !ok || c.now().Sub(entry.fetchedAt) >= maxAge {
		return nil, false
	}
	return entry.md, true
}

func (c *MemoryMetadataCache) Put(_ context.Context, id string, md *entity.Metadata) {
	c.mu.Lock()
	c.entries[id] = cachedMetadata{fetchedAt: c.now(), md: md}
	c.mu.Unlock()
}

const metadataKeyPrefix = "workflow:metadata:"

type metadataEnvelope struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Raw       json.RawMessage `json:"raw"`
}

// RedisMetadataCache shares fetched metadata between monitor processes.
// Read and write failures degrade to a cache miss.
type RedisMetadataCache struct {
	redis     *RedisClient
	retention time.Duration
	logger    *LoggerClient
	now       func() time.Time
}

func NewRedisMetadataCache(redis *RedisClient, retention time.Duration, logger *LoggerClient) *RedisMetadataCache {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &RedisMetadataCache{
		redis:     redis,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *RedisMetadataCache) Get(ctx context.Context, id string, maxAge time.Duration) (*entity.Metadata, bool) {
	var envelope metadataEnvelope
	if err := c.redis.Get(ctx, metadataKeyPrefix+id, &envelope); err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.WarningWithContextf(ctx, "[MetadataCache] Redis read failed for %s: %v", id, err)
		}
		return nil, false
	}

	if c.now().Sub(envelope.FetchedAt) >= maxAge {
		return nil, false
	}

	md, err := entity.ParseMetadata(envelope.Raw)
	if err != nil {
		c.logger.WarningWithContextf(ctx, "[MetadataCache] Dropping undecodable entry for %s: %v", id, err)
		return nil, false
	}
	return md, true
}

func (c *RedisMetadataCache) Put(ctx context.Context, id string, md *entity.Metadata) {
	if md == nil || len(md.Raw) == 0 {
		return
	}
	envelope := metadataEnvelope{FetchedAt: c.now(), Raw: md.Raw}
	if err := c.redis.Set(ctx, metadataKeyPrefix+id, envelope, c.retention); err != nil {
		c.logger.WarningWithContextf(ctx, "[MetadataCache] Redis write failed for %s: %v", id, err)
	}
}

package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopraft/modprov/pkg/database"
	"github.com/shopraft/modprov/pkg/logger"
)

const (
	cacheKeyPrefix = "modprov:registry:"
	cacheTTL       = 30 * time.Second
)

// Cache is a read-through cache of registry lookups. Best effort: a cache
// failure is logged and treated as a miss, never surfaced to callers.
type Cache struct {
	redis  *database.Redis
	logger *logger.Logger
}

// NewCache creates a registry cache over the shared Redis connection
func NewCache(redis *database.Redis, logger *logger.Logger) *Cache {
	return &Cache{
		redis:  redis,
		logger: logger,
	}
}

// Get returns the cached entry for a module, if present
func (c *Cache) Get(ctx context.Context, moduleID string) (*Entry, bool) {
	data, err := c.redis.Client().Get(ctx, cacheKeyPrefix+moduleID).Bytes()
	if err != nil {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warnf("Failed to decode cached registry entry for %s: %v", moduleID, err)
		return nil, false
	}
	return &entry, true
}

// Put stores an entry with a short TTL
func (c *Cache) Put(ctx context.Context, entry *Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warnf("Failed to encode registry entry for %s: %v", entry.ModuleID, err)
		return
	}

	if err := c.redis.Client().Set(ctx, cacheKeyPrefix+entry.ModuleID, data, cacheTTL).Err(); err != nil {
		c.logger.Warnf("Failed to cache registry entry for %s: %v", entry.ModuleID, err)
	}
}

// Invalidate drops the cached entry for a module
func (c *Cache) Invalidate(ctx context.Context, moduleID string) {
	if err := c.redis.Client().Del(ctx, cacheKeyPrefix+moduleID).Err(); err != nil {
		c.logger.Warnf("Failed to invalidate registry cache for %s: %v", moduleID, err)
	}
}

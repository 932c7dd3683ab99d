package process

import (
	"time"

	"github.com/Velocidex/ttlcache/v2"
)

// DefaultFieldTTL bounds the staleness of cached scalar fields.
const DefaultFieldTTL = time.Second

const (
	fieldCPUPercent    = "cpu_percent"
	fieldMemoryPercent = "memory_percent"
	fieldRunningTime   = "running_time"
)

// fieldCache holds short-lived per-handle values keyed by identity.
type fieldCache struct {
	lru *ttlcache.Cache
}

func newFieldCache(ttl time.Duration) *fieldCache {
	if ttl <= 0 {
		ttl = DefaultFieldTTL
	}
	lru := ttlcache.NewCache()
	_ = lru.SetTTL(ttl)
	// Hits must not push expiry forward or a busy poller never refreshes.
	lru.SkipTTLExtensionOnHit(true)
	return &fieldCache{lru: lru}
}

func cachedField[T any](c *fieldCache, id Identity, field string, fetch func() (T, error)) (T, error) {
	key := fieldKey(id, field)
	if cached, err := c.lru.Get(key); err == nil {
		if value, ok := cached.(T); ok {
			return value, nil
		}
	}

	value, err := fetch()
	if err != nil {
		return value, err
	}
	_ = c.lru.Set(key, value)
	return value, nil
}

func (c *fieldCache) forget(id Identity, fields ...string) {
	for _, field := range fields {
		_ = c.lru.Remove(fieldKey(id, field))
	}
}

func (c *fieldCache) close() error {
	return c.lru.Close()
}

func fieldKey(id Identity, field string) string {
	return id.String() + "/" + field
}

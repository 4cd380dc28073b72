package task

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DedupCacheConfig bounds the processed-event cache. Both the TTL and the
// capacity are explicit so memory use stays predictable under load.
type DedupCacheConfig struct {
	// TTL is how long a processed event id is remembered. It must be
	// comfortably longer than the transport's redelivery horizon.
	TTL time.Duration

	// Capacity is the maximum number of remembered event ids. When full,
	// the oldest entries are evicted early; an evicted duplicate would be
	// re-applied, which conditional updates already tolerate.
	Capacity int

	// CleanupInterval is how often expired entries are swept. If zero,
	// defaults to one minute.
	CleanupInterval time.Duration
}

// DefaultDedupCacheConfig returns a DedupCacheConfig with reasonable
// defaults.
func DefaultDedupCacheConfig() DedupCacheConfig {
	return DedupCacheConfig{
		TTL:             10 * time.Minute,
		Capacity:        100_000,
		CleanupInterval: time.Minute,
	}
}

// DedupCache is a time-bounded set of processed event ids. It prevents
// double application of retried or duplicated lifecycle events.
type DedupCache struct {
	config DedupCacheConfig

	mu   sync.Mutex
	seen map[uuid.UUID]time.Time

	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
	now    func() time.Time
}

// NewDedupCache creates a dedup cache and starts its cleanup goroutine.
func NewDedupCache(config DedupCacheConfig, logger *slog.Logger) *DedupCache {
	if config.TTL <= 0 {
		config.TTL = DefaultDedupCacheConfig().TTL
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultDedupCacheConfig().Capacity
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	c := &DedupCache{
		config: config,
		seen:   make(map[uuid.UUID]time.Time),
		logger: logger.With("component", "dedup_cache"),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go c.cleanupLoop()
	return c
}

// CheckAndMark records the event id as processed and reports whether it
// had already been seen within the TTL. The check happens-before any state
// mutation the caller performs, bounding duplicate application.
func (c *DedupCache) CheckAndMark(eventID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if seenAt, ok := c.seen[eventID]; ok && now.Sub(seenAt) < c.config.TTL {
		return true
	}

	if len(c.seen) >= c.config.Capacity {
		c.evictOldestLocked()
	}
	c.seen[eventID] = now
	return false
}

// Len returns the number of remembered event ids.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Stop terminates the cleanup goroutine.
func (c *DedupCache) Stop() {
	c.once.Do(func() {
		close(c.done)
	})
}

// evictOldestLocked removes the entry with the oldest mark time.
func (c *DedupCache) evictOldestLocked() {
	var oldestID uuid.UUID
	var oldestAt time.Time
	first := true
	for id, at := range c.seen {
		if first || at.Before(oldestAt) {
			oldestID, oldestAt = id, at
			first = false
		}
	}
	if !first {
		delete(c.seen, oldestID)
		c.logger.Warn("dedup cache at capacity, evicted oldest entry",
			"capacity", c.config.Capacity)
	}
}

// cleanupLoop periodically drops expired entries.
func (c *DedupCache) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			removed := 0
			for id, seenAt := range c.seen {
				if now.Sub(seenAt) >= c.config.TTL {
					delete(c.seen, id)
					removed++
				}
			}
			c.mu.Unlock()
			if removed > 0 {
				c.logger.Debug("evicted expired dedup entries", "count", removed)
			}
		}
	}
}

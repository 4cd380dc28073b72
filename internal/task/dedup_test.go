package task

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func newTestDedupCache(t *testing.T, config DedupCacheConfig) *DedupCache {
	t.Helper()
	cache := NewDedupCache(config, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(cache.Stop)
	return cache
}

func TestDedupCacheCheckAndMark(t *testing.T) {
	t.Parallel()

	cache := newTestDedupCache(t, DedupCacheConfig{TTL: time.Minute, Capacity: 10})

	eventID := uuid.New()
	assert.False(t, cache.CheckAndMark(eventID), "first sighting is not a duplicate")
	assert.True(t, cache.CheckAndMark(eventID), "second sighting is a duplicate")
	assert.True(t, cache.CheckAndMark(eventID))

	assert.False(t, cache.CheckAndMark(uuid.New()), "distinct ids are independent")
	assert.Equal(t, 2, cache.Len())
}

func TestDedupCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	cache := newTestDedupCache(t, DedupCacheConfig{TTL: time.Minute, Capacity: 10})

	current := time.Now()
	cache.now = func() time.Time { return current }

	eventID := uuid.New()
	assert.False(t, cache.CheckAndMark(eventID))

	current = current.Add(30 * time.Second)
	assert.True(t, cache.CheckAndMark(eventID), "still within TTL")

	current = current.Add(45 * time.Second)
	assert.False(t, cache.CheckAndMark(eventID), "expired entries are forgotten")
}

func TestDedupCacheCapacityEviction(t *testing.T) {
	t.Parallel()

	cache := newTestDedupCache(t, DedupCacheConfig{TTL: time.Hour, Capacity: 3})

	current := time.Now()
	cache.now = func() time.Time { return current }

	oldest := uuid.New()
	assert.False(t, cache.CheckAndMark(oldest))

	current = current.Add(time.Second)
	assert.False(t, cache.CheckAndMark(uuid.New()))
	current = current.Add(time.Second)
	assert.False(t, cache.CheckAndMark(uuid.New()))
	assert.Equal(t, 3, cache.Len())

	// Fourth insert evicts the oldest entry.
	current = current.Add(time.Second)
	assert.False(t, cache.CheckAndMark(uuid.New()))
	assert.Equal(t, 3, cache.Len())

	assert.False(t, cache.CheckAndMark(oldest), "evicted entry is no longer remembered")
}

func TestDedupCacheDefaults(t *testing.T) {
	t.Parallel()

	cache := newTestDedupCache(t, DedupCacheConfig{})
	assert.Equal(t, DefaultDedupCacheConfig().TTL, cache.config.TTL)
	assert.Equal(t, DefaultDedupCacheConfig().Capacity, cache.config.Capacity)
}

func TestDedupCacheStopIsIdempotent(t *testing.T) {
	t.Parallel()

	cache := NewDedupCache(DedupCacheConfig{TTL: time.Minute, Capacity: 10},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	cache.Stop()
	cache.Stop()
}

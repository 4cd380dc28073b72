package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func acquire(t *testing.T, limiter *MemoryLimiter, provider, model string) PermitResult {
	t.Helper()
	permit, err := limiter.TryAcquirePermit(context.Background(), provider, uuid.New(), model, "req-1")
	require.NoError(t, err)
	return permit
}

func TestMemoryLimiterExhaustsCapacity(t *testing.T) {
	t.Parallel()

	limiter := NewMemoryLimiter(MemoryLimiterConfig{Capacity: 2, Window: time.Minute}, testLogger())

	assert.True(t, acquire(t, limiter, "gemini", "flash").Allowed)
	assert.True(t, acquire(t, limiter, "gemini", "flash").Allowed)

	denied := acquire(t, limiter, "gemini", "flash")
	assert.False(t, denied.Allowed)
	assert.NotEmpty(t, denied.Message)
}

func TestMemoryLimiterBucketsAreIndependent(t *testing.T) {
	t.Parallel()

	limiter := NewMemoryLimiter(MemoryLimiterConfig{Capacity: 1, Window: time.Minute}, testLogger())

	assert.True(t, acquire(t, limiter, "gemini", "flash").Allowed)
	assert.False(t, acquire(t, limiter, "gemini", "flash").Allowed)
	assert.True(t, acquire(t, limiter, "gemini", "pro").Allowed, "other models keep their own budget")
}

func TestMemoryLimiterWindowRefill(t *testing.T) {
	t.Parallel()

	limiter := NewMemoryLimiter(MemoryLimiterConfig{Capacity: 1, Window: time.Minute}, testLogger())
	current := time.Now()
	limiter.now = func() time.Time { return current }

	assert.True(t, acquire(t, limiter, "gemini", "flash").Allowed)
	assert.False(t, acquire(t, limiter, "gemini", "flash").Allowed)

	current = current.Add(30 * time.Second)
	assert.False(t, acquire(t, limiter, "gemini", "flash").Allowed, "window has not elapsed")

	current = current.Add(31 * time.Second)
	assert.True(t, acquire(t, limiter, "gemini", "flash").Allowed, "elapsed window restores capacity")
}

func TestMemoryLimiterErrorPenalty(t *testing.T) {
	t.Parallel()

	limiter := NewMemoryLimiter(MemoryLimiterConfig{Capacity: 10, Window: time.Minute, ErrorPenalty: 9}, testLogger())
	userID := uuid.New()

	assert.True(t, acquire(t, limiter, "gemini", "flash").Allowed)
	limiter.RecordErrorAndRetry(context.Background(), "gemini", userID, "flash", []byte(`{"chapter":1}`))

	// 10 - 1 - 9 = 0 permits remain.
	assert.False(t, acquire(t, limiter, "gemini", "flash").Allowed)
}

func TestMemoryLimiterPenaltyFloorsAtZero(t *testing.T) {
	t.Parallel()

	limiter := NewMemoryLimiter(MemoryLimiterConfig{Capacity: 2, Window: time.Minute, ErrorPenalty: 100}, testLogger())
	current := time.Now()
	limiter.now = func() time.Time { return current }
	userID := uuid.New()

	assert.True(t, acquire(t, limiter, "gemini", "flash").Allowed)
	limiter.RecordErrorAndRetry(context.Background(), "gemini", userID, "flash", nil)
	limiter.RecordErrorAndRetry(context.Background(), "gemini", userID, "flash", nil)

	assert.False(t, acquire(t, limiter, "gemini", "flash").Allowed)

	// A refill restores full capacity regardless of prior penalties.
	current = current.Add(2 * time.Minute)
	assert.True(t, acquire(t, limiter, "gemini", "flash").Allowed)
}

func TestMemoryLimiterPenaltyOnUnknownBucket(t *testing.T) {
	t.Parallel()

	limiter := NewMemoryLimiter(MemoryLimiterConfig{Capacity: 1, Window: time.Minute, ErrorPenalty: 1}, testLogger())
	limiter.RecordErrorAndRetry(context.Background(), "gemini", uuid.New(), "never-used", nil)

	assert.True(t, acquire(t, limiter, "gemini", "never-used").Allowed)
}

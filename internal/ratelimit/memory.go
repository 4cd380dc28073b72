package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLimiterConfig configures the in-memory token bucket limiter.
type MemoryLimiterConfig struct {
	// Capacity is the number of permits per window for each
	// (provider, model) bucket.
	Capacity int

	// Window is the refill period.
	Window time.Duration

	// ErrorPenalty is how many permits a reported error costs the bucket,
	// tightening throughput before the retry arrives.
	ErrorPenalty int
}

// DefaultMemoryLimiterConfig returns configuration with sensible defaults.
func DefaultMemoryLimiterConfig() MemoryLimiterConfig {
	return MemoryLimiterConfig{
		Capacity:     60,
		Window:       time.Minute,
		ErrorPenalty: 5,
	}
}

// bucket tracks available permits for one (provider, model) pair.
type bucket struct {
	available  int
	lastRefill time.Time
}

// MemoryLimiter is a token-bucket Limiter for single-node deployments.
// Buckets are keyed by (provider, model) and refill once per window.
type MemoryLimiter struct {
	config  MemoryLimiterConfig
	mu      sync.Mutex
	buckets map[string]*bucket
	logger  *slog.Logger
	now     func() time.Time
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter(config MemoryLimiterConfig, logger *slog.Logger) *MemoryLimiter {
	if config.Capacity <= 0 {
		config.Capacity = DefaultMemoryLimiterConfig().Capacity
	}
	if config.Window <= 0 {
		config.Window = DefaultMemoryLimiterConfig().Window
	}
	return &MemoryLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		logger:  logger.With("component", "memory_rate_limiter"),
		now:     time.Now,
	}
}

func bucketKey(provider, model string) string {
	return provider + "/" + model
}

// refillLocked resets the bucket when its window has elapsed.
func (l *MemoryLimiter) refillLocked(b *bucket, now time.Time) {
	if now.Sub(b.lastRefill) >= l.config.Window {
		b.available = l.config.Capacity
		b.lastRefill = now
	}
}

// TryAcquirePermit takes one permit from the (provider, model) bucket.
func (l *MemoryLimiter) TryAcquirePermit(ctx context.Context, provider string, userID uuid.UUID, model, requestID string) (PermitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := bucketKey(provider, model)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{available: l.config.Capacity, lastRefill: now}
		l.buckets[key] = b
	}
	l.refillLocked(b, now)

	if b.available <= 0 {
		l.logger.Debug("permit denied",
			"provider", provider,
			"model", model,
			"user_id", userID,
			"request_id", requestID)
		return PermitResult{
			Allowed: false,
			Message: fmt.Sprintf("rate limit exhausted for %s (window %s)", key, l.config.Window),
		}, nil
	}

	b.available--
	return PermitResult{Allowed: true}, nil
}

// RecordSuccess is a no-op for the fixed-window bucket; the window refill
// restores capacity on schedule.
func (l *MemoryLimiter) RecordSuccess(ctx context.Context, provider string, userID uuid.UUID, model string) {
}

// RecordErrorAndRetry charges the error penalty against the bucket so the
// scheduled retry finds a tighter budget.
func (l *MemoryLimiter) RecordErrorAndRetry(ctx context.Context, provider string, userID uuid.UUID, model string, parameters json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey(provider, model)
	b, ok := l.buckets[key]
	if !ok {
		return
	}

	b.available -= l.config.ErrorPenalty
	if b.available < 0 {
		b.available = 0
	}
	l.logger.Debug("charged error penalty",
		"provider", provider,
		"model", model,
		"user_id", userID,
		"available", b.available,
		"parameters_bytes", len(parameters))
}

var _ Limiter = (*MemoryLimiter)(nil)

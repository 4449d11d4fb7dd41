// Package ratelimit throttles and deduplicates the scan ingress protocol
// (§6.1): a semaphore bounds concurrently in-flight scans, a Redis-backed
// sliding-window limiter caps request rate per source IP, and a debouncer
// folds a burst of retried submissions of the same queue id within a
// short window into a single admitted scan.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Ingress protection layer
// layers: Semaphore -> Debounce -> Sliding-window limiter -> scan
// =============================================================================

// Config holds ingress guard configuration.
type Config struct {
	MaxConcurrent int // max scans in flight at once (default: 100)

	RequestsPerSecond int // allowed scan requests per source IP per second (default: 10)
	BurstSize         int // burst allowance on top of RequestsPerSecond (default: 20)

	DebounceDuration time.Duration // window a repeated queue id is folded into one scan (default: 1 minute)

	MaxPayloadSize int // max Rcpt/header repeats accepted per task (default: 50)
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:     100,
		RequestsPerSecond: 10,
		BurstSize:         20,
		DebounceDuration:  1 * time.Minute,
		MaxPayloadSize:    50,
	}
}

// =============================================================================
// IngressGuard - combined protection layer for the scan ingress protocol
// =============================================================================

// IngressGuard protects the scan ingress protocol (§6.1) from an
// overloaded or retrying upstream MTA: too many concurrent scans, too
// high a submission rate from one source IP, or the same queue id
// submitted twice in quick succession.
type IngressGuard struct {
	config      *Config
	semaphore   chan struct{}
	rateLimiter *SlidingWindowLimiter
	debouncer   *Debouncer
	redis       *redis.Client
	mu          sync.RWMutex
}

// NewIngressGuard builds an IngressGuard backed by redisClient. A nil
// config falls back to DefaultConfig.
func NewIngressGuard(redisClient *redis.Client, config *Config) *IngressGuard {
	if config == nil {
		config = DefaultConfig()
	}

	return &IngressGuard{
		config:      config,
		semaphore:   make(chan struct{}, config.MaxConcurrent),
		rateLimiter: NewSlidingWindowLimiter(redisClient, config.RequestsPerSecond, config.BurstSize),
		debouncer:   NewDebouncer(redisClient, config.DebounceDuration),
		redis:       redisClient,
	}
}

// GuardResult reports whether a scan request may proceed.
type GuardResult struct {
	Allowed      bool
	Reason       string
	ShouldWait   bool
	WaitDuration time.Duration
	FromDebounce bool
}

// Acquire tries to admit one scan request. The concurrency semaphore is
// shared by every caller; rateKey scopes the rate budget (the source IP,
// per §6.1's `IP` header);
// dedupeKey scopes the debounce check (the message's queue id, so two
// distinct messages from the same peer are never folded into one, but a
// retried delivery of the same queue id within the debounce window is).
// On success the returned release func must be called once the scan
// finishes to free its semaphore slot.
func (g *IngressGuard) Acquire(ctx context.Context, rateKey, dedupeKey string) (*GuardResult, func()) {
	select {
	case g.semaphore <- struct{}{}:
	default:
		return &GuardResult{
			Allowed: false,
			Reason:  "too many concurrent scans",
		}, nil
	}

	release := func() {
		<-g.semaphore
	}

	if dedupeKey != "" && g.debouncer.IsDuplicate(ctx, dedupeKey) {
		release()
		return &GuardResult{
			Allowed:      false,
			Reason:       "duplicate submission (debounced)",
			FromDebounce: true,
		}, nil
	}

	allowed, waitDuration := g.rateLimiter.Allow(ctx, rateKey)
	if !allowed {
		release()
		return &GuardResult{
			Allowed:      false,
			Reason:       "rate limit exceeded",
			ShouldWait:   waitDuration > 0,
			WaitDuration: waitDuration,
		}, nil
	}

	if dedupeKey != "" {
		g.debouncer.Mark(ctx, dedupeKey)
	}

	return &GuardResult{Allowed: true}, release
}

// AcquireWithWait is Acquire, but sleeps out a rate-limit wait (up to
// maxWait) and retries once instead of rejecting outright.
func (g *IngressGuard) AcquireWithWait(ctx context.Context, rateKey, dedupeKey string, maxWait time.Duration) (*GuardResult, func()) {
	result, release := g.Acquire(ctx, rateKey, dedupeKey)

	if !result.Allowed && result.ShouldWait && result.WaitDuration <= maxWait {
		select {
		case <-time.After(result.WaitDuration):
			return g.Acquire(ctx, rateKey, dedupeKey)
		case <-ctx.Done():
			return &GuardResult{
				Allowed: false,
				Reason:  "context cancelled",
			}, nil
		}
	}

	return result, release
}

// MaxPayloadSize returns the configured max repeated-header count.
func (g *IngressGuard) MaxPayloadSize() int {
	return g.config.MaxPayloadSize
}

// =============================================================================
// SlidingWindowLimiter - Redis-backed sliding window rate limiter
// =============================================================================

// SlidingWindowLimiter implements sliding window rate limiting using Redis.
type SlidingWindowLimiter struct {
	redis     *redis.Client
	rate      int           // requests per window
	window    time.Duration // window size
	burstSize int           // allowed burst
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(redisClient *redis.Client, requestsPerSecond, burstSize int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		redis:     redisClient,
		rate:      requestsPerSecond,
		window:    time.Second,
		burstSize: burstSize,
	}
}

// Allow checks if request is allowed and returns wait duration if not.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l.redis == nil {
		// no backend configured, fail open
		return true, 0
	}

	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	// Lua script for atomic sliding window check
	script := redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local max_requests = tonumber(ARGV[3])
		local window_ms = tonumber(ARGV[4])

		-- Remove old entries
		redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

		-- Count current requests
		local count = redis.call('ZCARD', key)

		if count < max_requests then
			-- Add new request
			redis.call('ZADD', key, now, now .. '-' .. math.random())
			redis.call('PEXPIRE', key, window_ms * 2)
			return 1
		else
			-- Get oldest entry to calculate wait time
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			if #oldest > 0 then
				return -(oldest[2] + window_ms - now)
			end
			return 0
		end
	`)

	result, err := script.Run(ctx, l.redis, []string{redisKey},
		now.UnixMilli(),
		windowStart.UnixMilli(),
		l.rate+l.burstSize,
		l.window.Milliseconds(),
	).Int64()

	if err != nil {
		// backend error, fail open
		return true, 0
	}

	if result == 1 {
		return true, 0
	}

	// result is negative wait time in milliseconds
	if result < 0 {
		return false, time.Duration(-result) * time.Millisecond
	}

	return false, l.window
}

// =============================================================================
// Debouncer - folds a repeated queue id into a single scan
// =============================================================================

// Debouncer prevents duplicate requests within a time window.
type Debouncer struct {
	redis    *redis.Client
	duration time.Duration
	local    map[string]time.Time // fallback for no redis
	mu       sync.RWMutex
}

// NewDebouncer creates a new debouncer.
func NewDebouncer(redisClient *redis.Client, duration time.Duration) *Debouncer {
	return &Debouncer{
		redis:    redisClient,
		duration: duration,
		local:    make(map[string]time.Time),
	}
}

// IsDuplicate checks if this is a duplicate request.
func (d *Debouncer) IsDuplicate(ctx context.Context, key string) bool {
	redisKey := fmt.Sprintf("debounce:%s", key)

	if d.redis != nil {
		exists, err := d.redis.Exists(ctx, redisKey).Result()
		if err == nil {
			return exists > 0
		}
	}

	// Fallback to local map
	d.mu.RLock()
	lastTime, exists := d.local[key]
	d.mu.RUnlock()

	if exists && time.Since(lastTime) < d.duration {
		return true
	}

	return false
}

// Mark marks this request as processed.
func (d *Debouncer) Mark(ctx context.Context, key string) {
	redisKey := fmt.Sprintf("debounce:%s", key)

	if d.redis != nil {
		d.redis.Set(ctx, redisKey, "1", d.duration)
	}

	// Also update local map
	d.mu.Lock()
	d.local[key] = time.Now()
	d.mu.Unlock()

	// Cleanup old entries periodically
	go d.cleanup()
}

func (d *Debouncer) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, v := range d.local {
		if now.Sub(v) > d.duration*2 {
			delete(d.local, k)
		}
	}
}

// =============================================================================
// MemoryGuard - caps repeated-header counts on a task
// =============================================================================

// MemoryGuard caps the number of repeated headers (e.g. Rcpt) a single
// ingress request is allowed to carry, so a malformed or hostile MTA
// cannot force unbounded allocation per task.
type MemoryGuard struct {
	MaxPayloadSize int
}

// NewMemoryGuard creates a new memory guard.
func NewMemoryGuard(maxPayloadSize int) *MemoryGuard {
	return &MemoryGuard{MaxPayloadSize: maxPayloadSize}
}

// LimitInt limits integer value to max.
func (g *MemoryGuard) LimitInt(value, max int) int {
	if value > max {
		return max
	}
	return value
}

// LimitSliceLen returns min(sliceLen, MaxPayloadSize).
func (g *MemoryGuard) LimitSliceLen(sliceLen int) int {
	if sliceLen > g.MaxPayloadSize {
		return g.MaxPayloadSize
	}
	return sliceLen
}

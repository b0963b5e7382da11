package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"auth-core/internal/client"
	"auth-core/internal/util"
)

const (
	attemptWindowPrefix = "rate_limit:attempts:"
	blockPrefix         = "blocked:"
	blockCountPrefix    = "block_count:"
	failedLogPrefix     = "failed_attempts:"
)

// RateLimitCache is the Redis fast tier behind the rate limiter.
// Attempt history is a sorted set keyed by scope and identifier with
// timestamps as both score and member suffix.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

func attemptKey(scope, identifier string) string {
	return attemptWindowPrefix + scope + ":" + identifier
}

func blockKey(scope, identifier string) string {
	return blockPrefix + scope + ":" + identifier
}

// CountInWindow prunes entries older than the window and returns how
// many attempts remain. Prune and count run in one pipeline.
func (c *RateLimitCache) CountInWindow(scope, identifier string, window time.Duration, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := attemptKey(scope, identifier)
	cutoff := now.Add(-window).UnixMilli()

	pipe := c.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to count attempts in window",
			zap.String("scope", scope),
			zap.Error(err))
		return 0, fmt.Errorf("failed to count attempts in window: %w", err)
	}

	return countCmd.Val(), nil
}

// RecordAttempt appends an attempt to the sliding window. The key
// expires after the window so idle identifiers cost nothing.
func (c *RateLimitCache) RecordAttempt(scope, identifier string, window time.Duration, now time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := attemptKey(scope, identifier)
	ts := now.UnixMilli()

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score: float64(ts),
		// A random member suffix keeps same-millisecond failures as
		// distinct entries; the score alone carries the time.
		Member: fmt.Sprintf("%d:%s", ts, uuid.NewString()),
	})
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to record attempt",
			zap.String("scope", scope),
			zap.Error(err))
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	return nil
}

// BlockTTL returns the remaining block duration, or zero when the
// identifier is not blocked.
func (c *RateLimitCache) BlockTTL(scope, identifier string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ttl, err := c.client.TTL(ctx, blockKey(scope, identifier))
	if err != nil {
		return 0, fmt.Errorf("failed to check block: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// SetBlock blocks an identifier for the given duration and clears its
// attempt window so the block is authoritative.
func (c *RateLimitCache) SetBlock(scope, identifier string, duration time.Duration, now time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, blockKey(scope, identifier), strconv.FormatInt(now.Unix(), 10), duration)
	pipe.Del(ctx, attemptKey(scope, identifier))
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to set block",
			zap.String("scope", scope),
			zap.Duration("duration", duration),
			zap.Error(err))
		return fmt.Errorf("failed to set block: %w", err)
	}

	util.Warn("Identifier blocked",
		zap.String("scope", scope),
		zap.Duration("duration", duration))
	return nil
}

// IncrementBlockCount bumps the escalation counter and returns the new
// value. The counter expires after resetAfter of quiet.
func (c *RateLimitCache) IncrementBlockCount(scope, identifier string, resetAfter time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, blockCountPrefix+scope+":"+identifier, resetAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to increment block count: %w", err)
	}
	return count, nil
}

// ClearLimits removes the window, block, and escalation counter for an
// identifier. Used after a successful login and by admin unblock.
func (c *RateLimitCache) ClearLimits(scope, identifier string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys := []string{
		attemptKey(scope, identifier),
		blockKey(scope, identifier),
		blockCountPrefix + scope + ":" + identifier,
	}
	if err := c.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to clear rate limits",
			zap.String("scope", scope),
			zap.Error(err))
		return fmt.Errorf("failed to clear rate limits: %w", err)
	}

	util.Debug("Rate limits cleared", zap.String("scope", scope))
	return nil
}

// CountActiveBlocks counts blocks currently in force across all
// scopes. Monitoring surface only; the hot path never scans.
func (c *RateLimitCache) CountActiveBlocks() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := c.client.CountKeys(ctx, blockPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to count active blocks: %w", err)
	}
	return count, nil
}

// PushFailedAttempt prepends a failed attempt record to the bounded
// per-identifier journal.
func (c *RateLimitCache) PushFailedAttempt(identifier string, payload string, maxEntries int, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := failedLogPrefix + identifier

	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(maxEntries-1))
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to record failed attempt",
			zap.Error(err))
		return fmt.Errorf("failed to record failed attempt: %w", err)
	}

	return nil
}

// RecentFailedAttempts returns the journal newest first.
func (c *RateLimitCache) RecentFailedAttempts(identifier string, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries, err := c.client.LRange(ctx, failedLogPrefix+identifier, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("failed to read failed attempts: %w", err)
	}
	return entries, nil
}

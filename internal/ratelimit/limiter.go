package ratelimit

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"auth-core/internal/config"
	redisrepo "auth-core/internal/repository/redis"
	"auth-core/internal/util"
)

// Scope identifies which population a limit applies to.
type Scope string

const (
	ScopeIP     Scope = "ip"
	ScopeUser   Scope = "user"
	ScopeGlobal Scope = "global"
)

const globalIdentifier = "all"

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Scope      Scope
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces sliding-window limits per IP, per user identifier,
// and globally. Violations of the IP and user scopes trigger blocks
// whose duration escalates on repeat offenses; the global scope sheds
// load for the window but never blocks anyone individually.
type Limiter struct {
	cache *redisrepo.RateLimitCache
	cfg   config.RateLimitConfig
	now   func() time.Time
}

func NewLimiter(cache *redisrepo.RateLimitCache, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		cache: cache,
		cfg:   cfg,
		now:   time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) limitFor(scope Scope) config.ScopeLimit {
	switch scope {
	case ScopeIP:
		return l.cfg.IP
	case ScopeUser:
		return l.cfg.User
	default:
		return l.cfg.Global
	}
}

type scopedID struct {
	scope Scope
	id    string
}

// scopes lists the populations the attempt belongs to. The user scope
// is skipped when identifier is empty (unparseable logins still count
// against the IP); the IP scope is skipped the same way.
func (l *Limiter) scopes(ip, identifier string) []scopedID {
	candidates := []scopedID{
		{ScopeGlobal, globalIdentifier},
		{ScopeIP, ip},
		{ScopeUser, identifier},
	}
	out := candidates[:0]
	for _, c := range candidates {
		if c.id != "" {
			out = append(out, c)
		}
	}
	return out
}

// Check admits or rejects a login attempt. It only reads: block keys
// and failure windows are consulted, nothing is written, so
// legitimate successful traffic never burns the budget. Failures
// enter the windows through RecordFailure.
func (l *Limiter) Check(ip, identifier string) (*Decision, error) {
	now := l.now()

	for _, c := range l.scopes(ip, identifier) {
		d, err := l.checkScope(c.scope, c.id, now)
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			return d, nil
		}
	}
	return &Decision{Allowed: true, Scope: ScopeUser}, nil
}

// RecordFailure counts one failed attempt in every applicable window
// and installs an escalating block on any scope whose window just
// filled. Reports whether a new block was installed. Global never
// blocks; Check sheds its load by count alone.
func (l *Limiter) RecordFailure(ip, identifier string) (bool, error) {
	now := l.now()
	blocked := false

	for _, c := range l.scopes(ip, identifier) {
		limit := l.limitFor(c.scope)
		if err := l.cache.RecordAttempt(string(c.scope), c.id, limit.Window, now); err != nil {
			return blocked, fmt.Errorf("failed to record failure: %w", err)
		}
		if c.scope == ScopeGlobal {
			continue
		}

		count, err := l.cache.CountInWindow(string(c.scope), c.id, limit.Window, now)
		if err != nil {
			return blocked, fmt.Errorf("failed to record failure: %w", err)
		}
		if count < int64(limit.MaxAttempts) {
			continue
		}

		ttl, err := l.cache.BlockTTL(string(c.scope), c.id)
		if err != nil {
			return blocked, fmt.Errorf("failed to record failure: %w", err)
		}
		if ttl > 0 {
			// Already blocked; repeat failures inside the block do
			// not restart or escalate it.
			continue
		}

		if _, err := l.applyBlock(c.scope, c.id, now); err != nil {
			return blocked, err
		}
		blocked = true
	}
	return blocked, nil
}

func (l *Limiter) checkScope(scope Scope, identifier string, now time.Time) (*Decision, error) {
	blockTTL, err := l.cache.BlockTTL(string(scope), identifier)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if blockTTL > 0 {
		return &Decision{Allowed: false, Scope: scope, RetryAfter: blockTTL}, nil
	}

	limit := l.limitFor(scope)
	count, err := l.cache.CountInWindow(string(scope), identifier, limit.Window, now)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	if count >= int64(limit.MaxAttempts) {
		// Saturated but not blocked: global load shedding, or an ip
		// or user window whose block has lapsed while failures still
		// ride the window. Denied until entries age out.
		return &Decision{Allowed: false, Scope: scope, RetryAfter: limit.Window}, nil
	}

	return &Decision{
		Allowed:   true,
		Scope:     scope,
		Remaining: limit.MaxAttempts - int(count),
	}, nil
}

func (l *Limiter) applyBlock(scope Scope, identifier string, now time.Time) (time.Duration, error) {
	violations, err := l.cache.IncrementBlockCount(string(scope), identifier, l.cfg.EscalationReset)
	if err != nil {
		return 0, fmt.Errorf("failed to escalate block: %w", err)
	}

	idx := int(violations) - 1
	if idx >= len(l.cfg.BlockDurations) {
		idx = len(l.cfg.BlockDurations) - 1
	}
	if idx < 0 {
		idx = 0
	}
	duration := l.cfg.BlockDurations[idx]

	if err := l.cache.SetBlock(string(scope), identifier, duration, now); err != nil {
		return 0, err
	}

	util.Warn("Rate limit block applied",
		zap.String("scope", string(scope)),
		zap.Int64("violation", violations),
		zap.Duration("duration", duration))

	return duration, nil
}

// BlockedFor reports the remaining block on an identifier in a scope.
func (l *Limiter) BlockedFor(scope Scope, identifier string) (time.Duration, error) {
	return l.cache.BlockTTL(string(scope), identifier)
}

// ClearOnSuccess resets the user-scope window after a successful
// login so earlier failed tries do not haunt the account. IP and
// global windows deliberately keep counting.
func (l *Limiter) ClearOnSuccess(identifier string) error {
	if identifier == "" {
		return nil
	}
	return l.cache.ClearLimits(string(ScopeUser), identifier)
}

// Unblock lifts a block and its escalation history. Admin path.
func (l *Limiter) Unblock(scope Scope, identifier string) error {
	return l.cache.ClearLimits(string(scope), identifier)
}

// RecordFailedAttempt journals a failed attempt payload against the
// identifier for incident review.
func (l *Limiter) RecordFailedAttempt(identifier, payload string) error {
	return l.cache.PushFailedAttempt(identifier, payload, l.cfg.FailedAttemptLogSize, l.cfg.FailedAttemptTTL)
}

// RecentFailedAttempts returns the journal newest first.
func (l *Limiter) RecentFailedAttempts(identifier string, limit int) ([]string, error) {
	return l.cache.RecentFailedAttempts(identifier, limit)
}

// ActiveBlocks counts blocks currently in force across all scopes.
func (l *Limiter) ActiveBlocks() (int64, error) {
	return l.cache.CountActiveBlocks()
}

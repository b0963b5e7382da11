package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"auth-core/internal/client"
	"auth-core/internal/config"
	redisrepo "auth-core/internal/repository/redis"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = rc.Close() })

	cfg := config.RateLimitConfig{
		IP:     config.ScopeLimit{MaxAttempts: 10, Window: 15 * time.Minute},
		User:   config.ScopeLimit{MaxAttempts: 5, Window: 30 * time.Minute},
		Global: config.ScopeLimit{MaxAttempts: 1000, Window: 5 * time.Minute},
		BlockDurations: []time.Duration{
			15 * time.Minute,
			30 * time.Minute,
			60 * time.Minute,
		},
		EscalationReset:      24 * time.Hour,
		FailedAttemptLogSize: 50,
		FailedAttemptTTL:     24 * time.Hour,
	}

	return NewLimiter(redisrepo.NewRateLimitCache(rc), cfg), mr
}

// failTimes records n failures and returns whether any of them
// installed a block.
func failTimes(t *testing.T, limiter *Limiter, ip, identifier string, n int) bool {
	t.Helper()
	blocked := false
	for i := 0; i < n; i++ {
		b, err := limiter.RecordFailure(ip, identifier)
		require.NoError(t, err)
		blocked = blocked || b
	}
	return blocked
}

func TestCheckNeverCountsSuccessfulTraffic(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	// Many distinct users behind one NAT address, all logging in
	// cleanly. Check reads only, so the IP window never fills.
	for i := 0; i < 40; i++ {
		d, err := limiter.Check("198.51.100.20", fmt.Sprintf("user%d@example.com", i))
		require.NoError(t, err)
		require.True(t, d.Allowed, "clean login %d should be admitted", i+1)
		require.NoError(t, limiter.ClearOnSuccess(fmt.Sprintf("user%d@example.com", i)))
	}

	ttl, err := limiter.BlockedFor(ScopeIP, "198.51.100.20")
	require.NoError(t, err)
	require.Zero(t, ttl)
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	require.False(t, failTimes(t, limiter, "203.0.113.5", "alice@example.com", 4))

	d, err := limiter.Check("203.0.113.5", "alice@example.com")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestUserScopeBlocksAtThreshold(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	// User budget is 5 failures; the fifth installs the block.
	require.False(t, failTimes(t, limiter, "203.0.113.5", "alice@example.com", 4))

	blocked, err := limiter.RecordFailure("203.0.113.5", "alice@example.com")
	require.NoError(t, err)
	require.True(t, blocked)

	d, err := limiter.Check("203.0.113.5", "alice@example.com")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ScopeUser, d.Scope)
	require.Equal(t, 15*time.Minute, d.RetryAfter)
}

func TestBlockDurationEscalates(t *testing.T) {
	limiter, mr := newTestLimiter(t)

	exhaust := func() time.Duration {
		require.True(t, failTimes(t, limiter, "203.0.113.9", "bob@example.com", 5))
		ttl, err := limiter.BlockedFor(ScopeUser, "bob@example.com")
		require.NoError(t, err)
		return ttl
	}

	require.Equal(t, 15*time.Minute, exhaust())

	// Expire the first block, then violate again.
	mr.FastForward(16 * time.Minute)
	require.Equal(t, 30*time.Minute, exhaust())

	mr.FastForward(31 * time.Minute)
	require.Equal(t, 60*time.Minute, exhaust())

	// Escalation caps at the last tier.
	mr.FastForward(61 * time.Minute)
	require.Equal(t, 60*time.Minute, exhaust())
}

func TestEscalationLadderResetsAfterIdle(t *testing.T) {
	limiter, mr := newTestLimiter(t)

	require.True(t, failTimes(t, limiter, "203.0.113.10", "heidi@example.com", 5))
	ttl, err := limiter.BlockedFor(ScopeUser, "heidi@example.com")
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, ttl)

	mr.FastForward(31 * time.Minute)
	require.True(t, failTimes(t, limiter, "203.0.113.10", "heidi@example.com", 5))
	ttl, err = limiter.BlockedFor(ScopeUser, "heidi@example.com")
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, ttl)

	// A quiet day lets the escalation counter lapse; the next
	// violation starts the ladder over at the first tier.
	mr.FastForward(25 * time.Hour)
	require.True(t, failTimes(t, limiter, "203.0.113.10", "heidi@example.com", 5))
	ttl, err = limiter.BlockedFor(ScopeUser, "heidi@example.com")
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, ttl)
}

func TestBlockedIdentifierStaysBlocked(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	require.True(t, failTimes(t, limiter, "203.0.113.7", "carol@example.com", 5))

	for i := 0; i < 3; i++ {
		d, err := limiter.Check("203.0.113.7", "carol@example.com")
		require.NoError(t, err)
		require.False(t, d.Allowed)
		require.Greater(t, d.RetryAfter, time.Duration(0))
	}
}

func TestRepeatFailuresInsideBlockDoNotEscalate(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	require.True(t, failTimes(t, limiter, "203.0.113.8", "ivan@example.com", 5))

	// Hammering while blocked neither restarts nor escalates it.
	require.False(t, failTimes(t, limiter, "203.0.113.8", "ivan@example.com", 5))
	ttl, err := limiter.BlockedFor(ScopeUser, "ivan@example.com")
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, ttl)
}

func TestIPScopeIndependentOfUser(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	// Failures without a usable identifier still count against the
	// IP, whose budget is 10.
	require.False(t, failTimes(t, limiter, "198.51.100.1", "", 9))
	require.True(t, failTimes(t, limiter, "198.51.100.1", "", 1))

	d, err := limiter.Check("198.51.100.1", "someone@example.com")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ScopeIP, d.Scope)
}

func TestClearOnSuccessResetsUserWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	require.False(t, failTimes(t, limiter, "203.0.113.2", "dave@example.com", 4))
	require.NoError(t, limiter.ClearOnSuccess("dave@example.com"))

	// Full user budget available again.
	require.False(t, failTimes(t, limiter, "203.0.113.2", "dave@example.com", 4))
	d, err := limiter.Check("203.0.113.2", "dave@example.com")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestWindowSlidesForward(t *testing.T) {
	limiter, mr := newTestLimiter(t)

	require.True(t, failTimes(t, limiter, "203.0.113.3", "erin@example.com", 5))

	// After the block and the window pass, the identifier is clean.
	mr.FastForward(31 * time.Minute)

	d, err := limiter.Check("203.0.113.3", "erin@example.com")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestUnblockLiftsBlockAndEscalation(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	require.True(t, failTimes(t, limiter, "203.0.113.4", "frank@example.com", 5))

	ttl, err := limiter.BlockedFor(ScopeUser, "frank@example.com")
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	require.NoError(t, limiter.Unblock(ScopeUser, "frank@example.com"))

	ttl, err = limiter.BlockedFor(ScopeUser, "frank@example.com")
	require.NoError(t, err)
	require.Zero(t, ttl)

	// Next violation starts the ladder over at the first tier.
	require.True(t, failTimes(t, limiter, "203.0.113.4", "frank@example.com", 5))
	ttl, err = limiter.BlockedFor(ScopeUser, "frank@example.com")
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, ttl)
}

func TestFailedAttemptJournal(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	require.NoError(t, limiter.RecordFailedAttempt("grace@example.com", `{"reason":"invalid_credentials"}`))
	require.NoError(t, limiter.RecordFailedAttempt("grace@example.com", `{"reason":"invalid_totp"}`))

	entries, err := limiter.RecentFailedAttempts("grace@example.com", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Contains(t, entries[0], "invalid_totp")
}

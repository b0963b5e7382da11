package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"auth-core/internal/config"
	"auth-core/internal/crypto"
	"auth-core/internal/model"
	redisrepo "auth-core/internal/repository/redis"
	"auth-core/internal/repository/scylla"
	"auth-core/internal/util"
)

var (
	// ErrNotFound is returned when neither tier holds a live session.
	ErrNotFound = errors.New("session not found")
	// ErrTempSessionNotFound is returned for unknown or consumed
	// pending 2FA sessions.
	ErrTempSessionNotFound = errors.New("temp session not found")
	// ErrTempSessionExpired is returned when the pending 2FA window
	// has elapsed.
	ErrTempSessionExpired = errors.New("temp session expired")
)

// DurableStore is the slow tier. *scylla.SessionRepository satisfies
// it; tests substitute an in-memory implementation. Get returns
// scylla.ErrSessionNotFound when no row exists.
type DurableStore interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	ListByPrincipal(ctx context.Context, principalType model.PrincipalType, principalID uuid.UUID) ([]*model.Session, error)
	Touch(ctx context.Context, s *model.Session, lastActivity, expiresAt time.Time) error
	RotateRefreshToken(ctx context.Context, s *model.Session, refreshTokenID string, issuedAt time.Time) error
	Close(ctx context.Context, s *model.Session, reason model.LogoutReason, at time.Time) error
}

// Store keeps sessions in two tiers: encrypted blobs in Redis for the
// hot path, durable rows in Scylla for audit and cache-miss repair.
// The cache holds nothing that cannot be rebuilt from the durable row.
type Store struct {
	cache   *redisrepo.SessionCache
	durable DurableStore
	box     *crypto.Box
	cfg     config.SessionConfig
	tfa     config.TwoFactorConfig
	repair  singleflight.Group
	now     func() time.Time
}

func NewStore(cache *redisrepo.SessionCache, durable DurableStore, box *crypto.Box, cfg config.SessionConfig, tfa config.TwoFactorConfig) *Store {
	return &Store{
		cache:   cache,
		durable: durable,
		box:     box,
		cfg:     cfg,
		tfa:     tfa,
		now:     time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Create assigns identity and lifetime to the session, caches the
// encrypted blob, and appends the durable row. When the principal is
// at the session cap, the least recently active session is forced out
// first.
func (s *Store) Create(ctx context.Context, sess *model.Session) (string, error) {
	now := s.now().UTC()

	if sess.SessionID == "" {
		sess.SessionID = uuid.NewString()
	}
	if sess.RefreshTokenID == "" {
		sess.RefreshTokenID = uuid.NewString()
	}
	sess.RefreshIssuedAt = now
	sess.CreatedAt = now
	sess.LastActivityAt = now
	sess.ExpiresAt = now.Add(s.cfg.DurationFor(string(sess.PrincipalType)))
	sess.IsActive = true

	if err := s.evictOverCap(ctx, sess.PrincipalType, sess.PrincipalID); err != nil {
		util.Warn("Session cap eviction failed",
			zap.String("principal_id", util.MaskID(sess.PrincipalID.String())),
			zap.Error(err))
	}

	if err := s.cacheSession(sess, now); err != nil {
		return "", err
	}
	if err := s.durable.Create(ctx, sess); err != nil {
		return "", err
	}

	util.Info("Session created",
		zap.String("session_id", util.MaskID(sess.SessionID)),
		zap.String("principal_type", string(sess.PrincipalType)),
		zap.Time("expires_at", sess.ExpiresAt))
	return sess.SessionID, nil
}

// Get returns the live session or ErrNotFound. A fast-tier miss falls
// back to the durable row and rebuilds the cache entry with the
// remaining TTL; concurrent repairs of the same ID are collapsed into
// one durable read.
func (s *Store) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	now := s.now().UTC()

	blob, err := s.cache.GetSession(sessionID)
	if err == nil {
		return s.openCached(ctx, sessionID, blob, now)
	}
	if !errors.Is(err, redisrepo.ErrCacheMiss) {
		return nil, err
	}

	v, err, _ := s.repair.Do(sessionID, func() (interface{}, error) {
		return s.repairFromDurable(ctx, sessionID, now)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Session), nil
}

func (s *Store) openCached(ctx context.Context, sessionID, blob string, now time.Time) (*model.Session, error) {
	var sess model.Session
	mode, err := s.box.Open(crypto.PurposeSession, blob, &sess)
	if err != nil {
		// An unreadable blob is repaired from the durable row
		// rather than surfaced to the caller.
		util.Error("Failed to open cached session, falling back to durable tier",
			zap.String("session_id", util.MaskID(sessionID)),
			zap.Error(err))
		return s.repairFromDurable(ctx, sessionID, now)
	}

	if sess.Expired(now) {
		s.expire(ctx, &sess, now)
		return nil, ErrNotFound
	}

	// Legacy plaintext entries are resealed on first read so only
	// encrypted blobs remain in the cache.
	if mode == crypto.ModeLegacyPlaintext {
		if err := s.cacheSession(&sess, now); err != nil {
			util.Warn("Failed to reseal legacy session blob",
				zap.String("session_id", util.MaskID(sessionID)),
				zap.Error(err))
		}
	}
	return &sess, nil
}

func (s *Store) repairFromDurable(ctx context.Context, sessionID string, now time.Time) (*model.Session, error) {
	sess, err := s.durable.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, scylla.ErrSessionNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !sess.IsActive {
		return nil, ErrNotFound
	}
	if sess.Expired(now) {
		s.expire(ctx, sess, now)
		return nil, ErrNotFound
	}

	if err := s.cacheSession(sess, now); err != nil {
		// The durable copy answered the read; a failed repair only
		// costs the next caller another durable round trip.
		util.Warn("Cache-miss repair failed",
			zap.String("session_id", util.MaskID(sessionID)),
			zap.Error(err))
	} else {
		util.Debug("Session repaired into cache",
			zap.String("session_id", util.MaskID(sessionID)))
	}
	return sess, nil
}

func (s *Store) cacheSession(sess *model.Session, now time.Time) error {
	blob, err := s.box.Seal(crypto.PurposeSession, sess)
	if err != nil {
		return err
	}
	ttl := sess.ExpiresAt.Sub(now) + s.cfg.CacheTTLSlack
	return s.cache.StoreSession(sess.SessionID, string(sess.PrincipalType), sess.PrincipalID.String(), blob, ttl)
}

// expire lazily closes a session found past its lifetime.
func (s *Store) expire(ctx context.Context, sess *model.Session, now time.Time) {
	if err := s.cache.DeleteSession(sess.SessionID, string(sess.PrincipalType), sess.PrincipalID.String()); err != nil {
		util.Warn("Failed to drop expired session from cache", zap.Error(err))
	}
	if sess.IsActive {
		if err := s.durable.Close(ctx, sess, model.LogoutExpired, now); err != nil {
			util.Warn("Failed to close expired session", zap.Error(err))
		}
	}
}

// Touch implements sliding expiry. Activity always advances the
// in-memory view, but the stores are only rewritten once the session
// has less than the auto-extend threshold remaining; before that the
// original expiry stands.
func (s *Store) Touch(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if sess.ExpiresAt.Sub(now) >= s.cfg.AutoExtendThreshold {
		return sess, nil
	}

	sess.LastActivityAt = now
	sess.ExpiresAt = now.Add(s.cfg.DurationFor(string(sess.PrincipalType)))

	if err := s.cacheSession(sess, now); err != nil {
		return nil, err
	}
	if err := s.durable.Touch(ctx, sess, sess.LastActivityAt, sess.ExpiresAt); err != nil {
		return nil, err
	}

	util.Debug("Session extended",
		zap.String("session_id", util.MaskID(sessionID)),
		zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// CountActive counts live cached sessions across all principals.
func (s *Store) CountActive() (int64, error) {
	return s.cache.CountActiveSessions()
}

// RotateRefreshToken mints a fresh refresh token id for the session
// and records it in both tiers. The durable row is the source of
// truth; if the cache rewrite fails the stale entry is dropped so the
// next read repairs from the row.
func (s *Store) RotateRefreshToken(ctx context.Context, sess *model.Session) (string, error) {
	now := s.now().UTC()
	newID := uuid.NewString()

	if err := s.durable.RotateRefreshToken(ctx, sess, newID, now); err != nil {
		return "", err
	}
	sess.RefreshTokenID = newID
	sess.RefreshIssuedAt = now

	if err := s.cacheSession(sess, now); err != nil {
		util.Warn("Failed to recache session after refresh rotation, dropping cache entry",
			zap.String("session_id", util.MaskID(sess.SessionID)),
			zap.Error(err))
		if delErr := s.cache.DeleteSession(sess.SessionID, string(sess.PrincipalType), sess.PrincipalID.String()); delErr != nil {
			util.Warn("Failed to drop stale session cache entry", zap.Error(delErr))
		}
	}

	util.Info("Refresh token rotated",
		zap.String("session_id", util.MaskID(sess.SessionID)))
	return newID, nil
}

// Invalidate ends one session with the given reason. Returns false
// when no live session existed.
func (s *Store) Invalidate(ctx context.Context, sessionID string, reason model.LogoutReason) (bool, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	now := s.now().UTC()
	if err := s.cache.DeleteSession(sess.SessionID, string(sess.PrincipalType), sess.PrincipalID.String()); err != nil {
		return false, err
	}
	if err := s.durable.Close(ctx, sess, reason, now); err != nil {
		return false, err
	}
	return true, nil
}

// InvalidateAllForPrincipal ends every live session for the principal
// except exceptSessionID (pass "" to end all). Returns the number of
// sessions invalidated.
func (s *Store) InvalidateAllForPrincipal(ctx context.Context, principalType model.PrincipalType, principalID uuid.UUID, exceptSessionID string, reason model.LogoutReason) (int, error) {
	sessions, err := s.ListActive(ctx, principalType, principalID)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	closed := 0
	var dropIDs []string
	for _, sess := range sessions {
		if sess.SessionID == exceptSessionID {
			continue
		}
		if err := s.durable.Close(ctx, sess, reason, now); err != nil {
			return closed, err
		}
		dropIDs = append(dropIDs, sess.SessionID)
		closed++
	}

	if err := s.cache.DeleteSessions(string(principalType), principalID.String(), dropIDs); err != nil {
		return closed, err
	}

	util.Info("Principal sessions invalidated",
		zap.String("principal_id", util.MaskID(principalID.String())),
		zap.String("reason", string(reason)),
		zap.Int("count", closed))
	return closed, nil
}

// ListActive enumerates the principal's live sessions, pruning any
// cache-index ID that no longer resolves. The cache index alone is
// not trusted: it is a disposable tier, so the durable rows are
// unioned in and any session the cache lost is repaired on the way.
// Results are ordered most recently active first.
func (s *Store) ListActive(ctx context.Context, principalType model.PrincipalType, principalID uuid.UUID) ([]*model.Session, error) {
	ids, err := s.cache.SessionIDsForPrincipal(string(principalType), principalID.String())
	if err != nil {
		return nil, err
	}

	indexed := make(map[string]bool, len(ids))
	for _, id := range ids {
		indexed[id] = true
	}

	rows, err := s.durable.ListByPrincipal(ctx, principalType, principalID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	for _, row := range rows {
		if !row.IsActive || row.Expired(now) || indexed[row.SessionID] {
			continue
		}
		ids = append(ids, row.SessionID)
	}

	var (
		sessions []*model.Session
		stale    []string
	)
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if len(stale) > 0 {
		if err := s.cache.RemoveFromIndex(string(principalType), principalID.String(), stale...); err != nil {
			util.Warn("Failed to prune session index",
				zap.String("principal_id", util.MaskID(principalID.String())),
				zap.Error(err))
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions, nil
}

func (s *Store) evictOverCap(ctx context.Context, principalType model.PrincipalType, principalID uuid.UUID) error {
	if s.cfg.MaxSessionsPerPrincipal <= 0 {
		return nil
	}
	sessions, err := s.ListActive(ctx, principalType, principalID)
	if err != nil {
		return err
	}
	if len(sessions) < s.cfg.MaxSessionsPerPrincipal {
		return nil
	}

	now := s.now().UTC()
	// ListActive orders newest first; everything past the cap-1 mark
	// goes, oldest included, to leave room for the incoming session.
	for _, sess := range sessions[s.cfg.MaxSessionsPerPrincipal-1:] {
		if err := s.durable.Close(ctx, sess, model.LogoutForced, now); err != nil {
			return err
		}
		if err := s.cache.DeleteSession(sess.SessionID, string(principalType), principalID.String()); err != nil {
			return err
		}
		util.Info("Oldest session evicted at cap",
			zap.String("session_id", util.MaskID(sess.SessionID)),
			zap.String("principal_id", util.MaskID(principalID.String())))
	}
	return nil
}

// CreateTempSession stages a pending 2FA challenge after a successful
// password check. Fast tier only; nothing durable is written until the
// second factor succeeds.
func (s *Store) CreateTempSession(temp *model.TempTwoFactorSession) (string, error) {
	now := s.now().UTC()

	temp.TempSessionID = uuid.NewString()
	temp.AttemptsUsed = 0
	temp.CreatedAt = now
	temp.ExpiresAt = now.Add(s.tfa.TempSessionDuration)

	blob, err := s.box.Seal(crypto.PurposeSession, temp)
	if err != nil {
		return "", err
	}
	if err := s.cache.StoreTempSession(temp.TempSessionID, blob, s.tfa.TempSessionDuration); err != nil {
		return "", err
	}

	util.Info("2FA challenge staged",
		zap.String("temp_session_id", util.MaskID(temp.TempSessionID)),
		zap.Int("risk_score", temp.RiskScore))
	return temp.TempSessionID, nil
}

// GetTempSession returns the pending challenge, rejecting expired ones
// even if the cache key has not yet been evicted.
func (s *Store) GetTempSession(tempSessionID string) (*model.TempTwoFactorSession, error) {
	blob, err := s.cache.GetTempSession(tempSessionID)
	if err != nil {
		if errors.Is(err, redisrepo.ErrCacheMiss) {
			return nil, ErrTempSessionNotFound
		}
		return nil, err
	}

	var temp model.TempTwoFactorSession
	if _, err := s.box.Open(crypto.PurposeSession, blob, &temp); err != nil {
		return nil, fmt.Errorf("failed to open temp session: %w", err)
	}

	if s.now().UTC().After(temp.ExpiresAt) {
		if err := s.cache.DeleteTempSession(tempSessionID); err != nil {
			util.Warn("Failed to drop expired temp session", zap.Error(err))
		}
		return nil, ErrTempSessionExpired
	}
	return &temp, nil
}

// RecordTempFailure burns one attempt from the challenge's budget and
// returns how many remain. At zero the challenge is deleted and the
// caller must restart the login.
func (s *Store) RecordTempFailure(temp *model.TempTwoFactorSession) (int, error) {
	temp.AttemptsUsed++
	remaining := s.tfa.TempSessionMaxAttempts - temp.AttemptsUsed
	if remaining <= 0 {
		if err := s.cache.DeleteTempSession(temp.TempSessionID); err != nil {
			return 0, err
		}
		util.Warn("2FA attempt budget exhausted",
			zap.String("temp_session_id", util.MaskID(temp.TempSessionID)))
		return 0, nil
	}

	blob, err := s.box.Seal(crypto.PurposeSession, temp)
	if err != nil {
		return remaining, err
	}
	if err := s.cache.ReplaceTempSession(temp.TempSessionID, blob); err != nil {
		if errors.Is(err, redisrepo.ErrCacheMiss) {
			return 0, ErrTempSessionExpired
		}
		return remaining, err
	}
	return remaining, nil
}

// ConsumeTempSession removes the challenge after a successful second
// factor so it can never yield another session.
func (s *Store) ConsumeTempSession(tempSessionID string) error {
	return s.cache.DeleteTempSession(tempSessionID)
}

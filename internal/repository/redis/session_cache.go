package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"auth-core/internal/client"
	"auth-core/internal/util"
)

const (
	activeSessionPrefix = "active_session:"
	tempSessionPrefix   = "temp_2fa_session:"
	principalIndexFmt   = "user_sessions:%s:%s"
)

// ErrCacheMiss is returned when a session is absent from the fast tier.
var ErrCacheMiss = errors.New("session cache miss")

// SessionCache is the Redis fast tier for sessions. Values are opaque
// encrypted blobs; the cache never sees session plaintext.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func principalIndexKey(principalType, principalID string) string {
	return fmt.Sprintf(principalIndexFmt, principalType, principalID)
}

// StoreSession writes the blob and registers the session in the
// principal's index set in one pipeline.
func (c *SessionCache) StoreSession(sessionID, principalType, principalID, blob string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	indexKey := principalIndexKey(principalType, principalID)

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, activeSessionPrefix+sessionID, blob, ttl)
	pipe.SAdd(ctx, indexKey, sessionID)
	pipe.Expire(ctx, indexKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store session in cache",
			zap.String("session_id", util.MaskID(sessionID)),
			zap.Error(err))
		return fmt.Errorf("failed to store session: %w", err)
	}

	util.Debug("Session cached",
		zap.String("session_id", util.MaskID(sessionID)),
		zap.Duration("ttl", ttl))
	return nil
}

// GetSession returns the encrypted blob or ErrCacheMiss.
func (c *SessionCache) GetSession(sessionID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	blob, err := c.client.Get(ctx, activeSessionPrefix+sessionID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	return blob, nil
}

// DeleteSession removes the blob and the index entry.
func (c *SessionCache) DeleteSession(sessionID, principalType, principalID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, activeSessionPrefix+sessionID)
	pipe.SRem(ctx, principalIndexKey(principalType, principalID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to delete session from cache",
			zap.String("session_id", util.MaskID(sessionID)),
			zap.Error(err))
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

// SessionIDsForPrincipal returns the indexed session IDs. The index
// may contain stale members whose blobs already expired; callers
// should verify each via GetSession and prune with RemoveFromIndex.
func (c *SessionCache) SessionIDsForPrincipal(principalType, principalID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids, err := c.client.SMembers(ctx, principalIndexKey(principalType, principalID))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return ids, nil
}

// RemoveFromIndex drops stale members discovered during listing.
func (c *SessionCache) RemoveFromIndex(principalType, principalID string, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	members := make([]interface{}, len(sessionIDs))
	for i, id := range sessionIDs {
		members[i] = id
	}
	if err := c.client.SRem(ctx, principalIndexKey(principalType, principalID), members...); err != nil {
		return fmt.Errorf("failed to prune session index: %w", err)
	}
	return nil
}

// DeleteSessions removes multiple blobs and their index entries in a
// single pipeline. Used by invalidate-all.
func (c *SessionCache) DeleteSessions(principalType, principalID string, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	indexKey := principalIndexKey(principalType, principalID)

	pipe := c.client.TxPipeline()
	for _, id := range sessionIDs {
		pipe.Del(ctx, activeSessionPrefix+id)
		pipe.SRem(ctx, indexKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to bulk delete sessions",
			zap.Int("count", len(sessionIDs)),
			zap.Error(err))
		return fmt.Errorf("failed to bulk delete sessions: %w", err)
	}

	util.Info("Sessions invalidated in cache",
		zap.Int("count", len(sessionIDs)))
	return nil
}

// CountActiveSessions counts cached session blobs. Monitoring surface
// only; the hot path never scans.
func (c *SessionCache) CountActiveSessions() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := c.client.CountKeys(ctx, activeSessionPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// StoreTempSession writes a pending 2FA blob with its short TTL.
func (c *SessionCache) StoreTempSession(tempSessionID, blob string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, tempSessionPrefix+tempSessionID, blob, ttl); err != nil {
		return fmt.Errorf("failed to store temp session: %w", err)
	}
	return nil
}

// GetTempSession returns the pending 2FA blob or ErrCacheMiss.
func (c *SessionCache) GetTempSession(tempSessionID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	blob, err := c.client.Get(ctx, tempSessionPrefix+tempSessionID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("failed to get temp session: %w", err)
	}
	return blob, nil
}

// ReplaceTempSession rewrites a pending 2FA blob, preserving whatever
// TTL remains on the key.
func (c *SessionCache) ReplaceTempSession(tempSessionID, blob string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := tempSessionPrefix + tempSessionID

	ttl, err := c.client.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		return ErrCacheMiss
	}
	if err := c.client.Set(ctx, key, blob, ttl); err != nil {
		return fmt.Errorf("failed to replace temp session: %w", err)
	}
	return nil
}

// DeleteTempSession removes a pending 2FA blob.
func (c *SessionCache) DeleteTempSession(tempSessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, tempSessionPrefix+tempSessionID); err != nil {
		return fmt.Errorf("failed to delete temp session: %w", err)
	}
	return nil
}

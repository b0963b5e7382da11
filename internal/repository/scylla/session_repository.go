package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-core/internal/model"
	"auth-core/internal/util"
)

// ErrSessionNotFound is returned when no durable row exists.
var ErrSessionNotFound = errors.New("session not found")

// SessionRepository is the durable tier for sessions. Rows are written
// to two tables in a logged batch: auth_sessions keyed by session_id
// for point lookups, sessions_by_principal for per-principal listing.
type SessionRepository struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient) *SessionRepository {
	return &SessionRepository{client: client}
}

const insertByPrincipalCQL = `
    INSERT INTO sessions_by_principal (
        principal_type, principal_id, session_id, refresh_token_id, refresh_issued_at,
        device_fingerprint, ip_address, user_agent, country, city,
        login_method, is_2fa_verified, risk_score,
        created_at, last_activity_at, expires_at, is_active
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertSessionCQL = `
    INSERT INTO auth_sessions (
        session_id, refresh_token_id, refresh_issued_at, principal_id, principal_type,
        device_fingerprint, ip_address, user_agent, country, city,
        login_method, is_2fa_verified, risk_score,
        created_at, last_activity_at, expires_at, is_active
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Create writes the session to both tables atomically.
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(insertSessionCQL,
		s.SessionID, s.RefreshTokenID, s.RefreshIssuedAt, gocql.UUID(s.PrincipalID), string(s.PrincipalType),
		s.DeviceFingerprint, s.IPAddress, s.UserAgent, s.Country, s.City,
		string(s.LoginMethod), s.TwoFactorVerified, s.RiskScore,
		s.CreatedAt, s.LastActivityAt, s.ExpiresAt, s.IsActive)

	batch.Query(insertByPrincipalCQL,
		string(s.PrincipalType), gocql.UUID(s.PrincipalID), s.SessionID, s.RefreshTokenID, s.RefreshIssuedAt,
		s.DeviceFingerprint, s.IPAddress, s.UserAgent, s.Country, s.City,
		string(s.LoginMethod), s.TwoFactorVerified, s.RiskScore,
		s.CreatedAt, s.LastActivityAt, s.ExpiresAt, s.IsActive)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to persist session",
			zap.String("session_id", util.MaskID(s.SessionID)),
			zap.Error(err))
		return fmt.Errorf("failed to persist session: %w", err)
	}

	util.Debug("Session persisted",
		zap.String("session_id", util.MaskID(s.SessionID)))
	return nil
}

// Get loads a session by ID.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	var (
		s             model.Session
		principalID   gocql.UUID
		principalType string
		loginMethod   string
		logoutReason  string
		logoutAt      time.Time
	)

	q := r.client.Prepared.GetSession.WithContext(ctx).Bind(sessionID)
	err := r.client.ScanWithRetry(q,
		&s.SessionID, &s.RefreshTokenID, &s.RefreshIssuedAt, &principalID, &principalType,
		&s.DeviceFingerprint, &s.IPAddress, &s.UserAgent, &s.Country, &s.City,
		&loginMethod, &s.TwoFactorVerified, &s.RiskScore,
		&s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt, &s.IsActive,
		&logoutReason, &logoutAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	s.PrincipalID = uuid.UUID(principalID)
	s.PrincipalType = model.PrincipalType(principalType)
	s.LoginMethod = model.LoginMethod(loginMethod)
	s.LogoutReason = model.LogoutReason(logoutReason)
	if !logoutAt.IsZero() {
		s.LogoutAt = &logoutAt
	}

	return &s, nil
}

// ListByPrincipal returns all durable sessions for a principal,
// including closed ones.
func (r *SessionRepository) ListByPrincipal(ctx context.Context, principalType model.PrincipalType, principalID uuid.UUID) ([]*model.Session, error) {
	iter := r.client.Prepared.GetSessionsByPrincipal.
		WithContext(ctx).
		Bind(string(principalType), gocql.UUID(principalID)).
		Iter()

	var sessions []*model.Session
	for {
		var (
			s           model.Session
			pID         gocql.UUID
			pType       string
			loginMethod string
			reason      string
			logoutAt    time.Time
		)
		if !iter.Scan(
			&s.SessionID, &s.RefreshTokenID, &s.RefreshIssuedAt, &pID, &pType,
			&s.DeviceFingerprint, &s.IPAddress, &s.UserAgent, &s.Country, &s.City,
			&loginMethod, &s.TwoFactorVerified, &s.RiskScore,
			&s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt, &s.IsActive,
			&reason, &logoutAt) {
			break
		}
		s.PrincipalID = uuid.UUID(pID)
		s.PrincipalType = model.PrincipalType(pType)
		s.LoginMethod = model.LoginMethod(loginMethod)
		s.LogoutReason = model.LogoutReason(reason)
		if !logoutAt.IsZero() {
			at := logoutAt
			s.LogoutAt = &at
		}
		sessions = append(sessions, &s)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Touch advances activity and expiry timestamps in both tables.
func (r *SessionRepository) Touch(ctx context.Context, s *model.Session, lastActivity, expiresAt time.Time) error {
	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(`UPDATE auth_sessions SET last_activity_at = ?, expires_at = ? WHERE session_id = ?`,
		lastActivity, expiresAt, s.SessionID)
	batch.Query(`UPDATE sessions_by_principal SET last_activity_at = ?, expires_at = ?
        WHERE principal_type = ? AND principal_id = ? AND session_id = ?`,
		lastActivity, expiresAt, string(s.PrincipalType), gocql.UUID(s.PrincipalID), s.SessionID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// RotateRefreshToken replaces the refresh token id in both tables.
func (r *SessionRepository) RotateRefreshToken(ctx context.Context, s *model.Session, refreshTokenID string, issuedAt time.Time) error {
	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(`UPDATE auth_sessions SET refresh_token_id = ?, refresh_issued_at = ? WHERE session_id = ?`,
		refreshTokenID, issuedAt, s.SessionID)
	batch.Query(`UPDATE sessions_by_principal SET refresh_token_id = ?, refresh_issued_at = ?
        WHERE principal_type = ? AND principal_id = ? AND session_id = ?`,
		refreshTokenID, issuedAt, string(s.PrincipalType), gocql.UUID(s.PrincipalID), s.SessionID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	return nil
}

// Close marks the session inactive with the reason in both tables.
func (r *SessionRepository) Close(ctx context.Context, s *model.Session, reason model.LogoutReason, at time.Time) error {
	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(`UPDATE auth_sessions SET is_active = false, logout_reason = ?, logout_at = ? WHERE session_id = ?`,
		string(reason), at, s.SessionID)
	batch.Query(`UPDATE sessions_by_principal SET is_active = false, logout_reason = ?, logout_at = ?
        WHERE principal_type = ? AND principal_id = ? AND session_id = ?`,
		string(reason), at, string(s.PrincipalType), gocql.UUID(s.PrincipalID), s.SessionID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to close session",
			zap.String("session_id", util.MaskID(s.SessionID)),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return fmt.Errorf("failed to close session: %w", err)
	}

	util.Info("Session closed",
		zap.String("session_id", util.MaskID(s.SessionID)),
		zap.String("reason", string(reason)))
	return nil
}

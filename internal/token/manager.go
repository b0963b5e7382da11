package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"auth-core/internal/config"
	"auth-core/internal/model"
)

var (
	// ErrTokenInvalid covers malformed tokens, bad signatures and
	// wrong issuers.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired is returned for structurally valid but expired
	// tokens so callers can prompt a refresh.
	ErrTokenExpired = errors.New("token expired")
)

// AccessClaims binds an access token to one session.
type AccessClaims struct {
	SessionID     string `json:"sid"`
	PrincipalID   string `json:"pid"`
	PrincipalType string `json:"ptype"`
	jwt.RegisteredClaims
}

// Pair is what a successful login hands back to the transport layer.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshTokenID   string    `json:"refresh_token_id"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Manager signs and verifies access tokens with HMAC-SHA256. Refresh
// tokens are opaque IDs resolved through the session store, so the
// manager only tracks their rotation window.
type Manager struct {
	signingKey []byte
	cfg        config.TokenConfig
	now        func() time.Time
}

func NewManager(cfg config.TokenConfig) (*Manager, error) {
	if cfg.SigningKey == "" {
		return nil, fmt.Errorf("token signing key is required")
	}
	return &Manager{
		signingKey: []byte(cfg.SigningKey),
		cfg:        cfg,
		now:        time.Now,
	}, nil
}

// WithClock overrides the time source for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// IssuePair mints an access token for the session. The refresh token
// ID comes from the session itself; it is never signed.
func (m *Manager) IssuePair(sess *model.Session) (*Pair, error) {
	now := m.now().UTC()
	accessExpiry := now.Add(m.cfg.AccessTokenDuration)

	claims := AccessClaims{
		SessionID:     sess.SessionID,
		PrincipalID:   sess.PrincipalID.String(),
		PrincipalType: string(sess.PrincipalType),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.cfg.Issuer,
			Subject:   sess.PrincipalID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshIssued := sess.RefreshIssuedAt
	if refreshIssued.IsZero() {
		refreshIssued = now
	}

	return &Pair{
		AccessToken:      signed,
		RefreshTokenID:   sess.RefreshTokenID,
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: m.RefreshExpiresAt(refreshIssued),
	}, nil
}

// RefreshExpiresAt returns the expiry of a refresh token issued at the
// given time.
func (m *Manager) RefreshExpiresAt(issuedAt time.Time) time.Time {
	return issuedAt.Add(m.cfg.RefreshTokenDuration)
}

// ParseAccess verifies signature, algorithm and issuer, and returns
// the claims. Expiry is reported as ErrTokenExpired.
func (m *Manager) ParseAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (interface{}, error) { return m.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claims, nil
}

// ShouldRotate reports whether a refresh token issued at the given
// time is close enough to expiry that the next refresh must mint a
// new one.
func (m *Manager) ShouldRotate(issuedAt time.Time) bool {
	expiresAt := issuedAt.Add(m.cfg.RefreshTokenDuration)
	return expiresAt.Sub(m.now()) < m.cfg.RefreshRotationThreshold
}

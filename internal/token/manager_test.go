package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"auth-core/internal/config"
	"auth-core/internal/model"
)

func testTokenConfig() config.TokenConfig {
	return config.TokenConfig{
		SigningKey:               "test-signing-key-0123456789abcdef",
		Issuer:                   "auth-core",
		AccessTokenDuration:      15 * time.Minute,
		RefreshTokenDuration:     30 * 24 * time.Hour,
		RefreshRotationThreshold: 7 * 24 * time.Hour,
	}
}

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	m, err := NewManager(testTokenConfig())
	require.NoError(t, err)

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	m.WithClock(func() time.Time { return now })
	return m, &now
}

func testSession() *model.Session {
	return &model.Session{
		SessionID:      uuid.NewString(),
		RefreshTokenID: uuid.NewString(),
		PrincipalID:    uuid.New(),
		PrincipalType:  model.PrincipalInternalUser,
	}
}

func TestIssueAndParse(t *testing.T) {
	m, now := newTestManager(t)
	sess := testSession()

	pair, err := m.IssuePair(sess)
	require.NoError(t, err)
	require.Equal(t, sess.RefreshTokenID, pair.RefreshTokenID)
	require.Equal(t, now.Add(15*time.Minute), pair.AccessExpiresAt)

	claims, err := m.ParseAccess(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, sess.SessionID, claims.SessionID)
	require.Equal(t, sess.PrincipalID.String(), claims.PrincipalID)
	require.Equal(t, string(model.PrincipalInternalUser), claims.PrincipalType)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	m, now := newTestManager(t)

	pair, err := m.IssuePair(testSession())
	require.NoError(t, err)

	*now = now.Add(16 * time.Minute)

	_, err = m.ParseAccess(pair.AccessToken)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestParseRejectsWrongKey(t *testing.T) {
	m, _ := newTestManager(t)

	other := testTokenConfig()
	other.SigningKey = "another-signing-key-0123456789abcdef"
	m2, err := NewManager(other)
	require.NoError(t, err)

	pair, err := m2.IssuePair(testSession())
	require.NoError(t, err)

	_, err = m.ParseAccess(pair.AccessToken)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	m, now := newTestManager(t)

	claims := AccessClaims{
		SessionID: "s-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			IssuedAt:  jwt.NewNumericDate(*now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(testTokenConfig().SigningKey))
	require.NoError(t, err)

	_, err = m.ParseAccess(raw)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestParseRejectsUnsignedToken(t *testing.T) {
	m, now := newTestManager(t)

	claims := AccessClaims{
		SessionID: "s-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "auth-core",
			IssuedAt:  jwt.NewNumericDate(*now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.ParseAccess(raw)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestNewManagerRequiresKey(t *testing.T) {
	cfg := testTokenConfig()
	cfg.SigningKey = ""
	_, err := NewManager(cfg)
	require.Error(t, err)
}

func TestShouldRotate(t *testing.T) {
	m, now := newTestManager(t)

	require.False(t, m.ShouldRotate(now.Add(-10*24*time.Hour)))
	require.True(t, m.ShouldRotate(now.Add(-24*24*time.Hour)))
	require.True(t, m.ShouldRotate(now.Add(-40*24*time.Hour)))
}

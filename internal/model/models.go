package model

import (
	"time"

	"github.com/google/uuid"
)

// PrincipalType distinguishes the two authenticated populations.
type PrincipalType string

const (
	PrincipalInternalUser      PrincipalType = "internal_user"
	PrincipalInstitutionalUser PrincipalType = "institutional_user"
)

// PrincipalRef identifies an authenticated party without carrying
// credential material.
type PrincipalRef struct {
	ID   uuid.UUID     `json:"id"`
	Type PrincipalType `json:"type"`
}

// Principal is the credential-bearing account record as loaded from
// the identity store.
type Principal struct {
	ID           uuid.UUID     `json:"id"`
	Type         PrincipalType `json:"type"`
	Email        string        `json:"email"`
	PasswordHash string        `json:"-"`
	IsActive     bool          `json:"is_active"`
	IsLocked     bool          `json:"is_locked"`
	IsAdmin      bool          `json:"is_admin"`
	TwoFactorSet bool          `json:"two_factor_enabled"`
	CreatedAt    time.Time     `json:"created_at"`
}

// LoginMethod records how a session was established.
type LoginMethod string

const (
	LoginMethodPassword     LoginMethod = "password"
	LoginMethodPasswordTOTP LoginMethod = "password_totp"
	LoginMethodBackupCode   LoginMethod = "password_backup_code"
)

// LogoutReason explains why a session ended.
type LogoutReason string

const (
	LogoutManual   LogoutReason = "manual"
	LogoutExpired  LogoutReason = "expired"
	LogoutForced   LogoutReason = "forced"
	LogoutSecurity LogoutReason = "security"
)

// FailureReason enumerates why a login attempt was rejected.
type FailureReason string

const (
	FailureRateLimited        FailureReason = "rate_limited"
	FailureInvalidCredentials FailureReason = "invalid_credentials"
	FailureAccountBlocked     FailureReason = "account_blocked"
	FailureAccountInactive    FailureReason = "account_inactive"
	FailureInvalidTOTP        FailureReason = "invalid_totp"
	FailureInvalidTempSession FailureReason = "invalid_temp_session"
	FailureTempSessionExpired FailureReason = "temp_session_expired"
)

// Session is the durable session record. The fast tier caches an
// encrypted copy of this struct.
type Session struct {
	SessionID         string        `json:"session_id"`
	RefreshTokenID    string        `json:"refresh_token_id"`
	RefreshIssuedAt   time.Time     `json:"refresh_issued_at"`
	PrincipalID       uuid.UUID     `json:"principal_id"`
	PrincipalType     PrincipalType `json:"principal_type"`
	DeviceFingerprint string        `json:"device_fingerprint"`
	IPAddress         string        `json:"ip_address"`
	UserAgent         string        `json:"user_agent"`
	Country           string        `json:"country,omitempty"`
	City              string        `json:"city,omitempty"`
	LoginMethod       LoginMethod   `json:"login_method"`
	TwoFactorVerified bool          `json:"is_2fa_verified"`
	RiskScore         int           `json:"risk_score"`
	CreatedAt         time.Time     `json:"created_at"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	IsActive          bool          `json:"is_active"`
	LogoutReason      LogoutReason  `json:"logout_reason,omitempty"`
	LogoutAt          *time.Time    `json:"logout_at,omitempty"`
}

// Expired reports whether the session lifetime has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// TempTwoFactorSession bridges a verified password and a pending
// second factor. Short-lived, fast tier only.
type TempTwoFactorSession struct {
	TempSessionID     string        `json:"temp_session_id"`
	PrincipalID       uuid.UUID     `json:"principal_id"`
	PrincipalType     PrincipalType `json:"principal_type"`
	DeviceFingerprint string        `json:"device_fingerprint"`
	IPAddress         string        `json:"ip_address"`
	UserAgent         string        `json:"user_agent"`
	RiskScore         int           `json:"risk_score"`
	AttemptsUsed      int           `json:"attempts_used"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
}

// LoginAttempt is the append-only audit record for every terminal
// login outcome, successful or not.
type LoginAttempt struct {
	AttemptID         uuid.UUID     `json:"attempt_id"`
	Identifier        string        `json:"identifier"`
	IdentifierType    string        `json:"identifier_type"`
	PrincipalID       *uuid.UUID    `json:"principal_id,omitempty"`
	PrincipalType     PrincipalType `json:"principal_type,omitempty"`
	IPAddress         string        `json:"ip_address"`
	UserAgent         string        `json:"user_agent"`
	DeviceFingerprint string        `json:"device_fingerprint"`
	Country           string        `json:"country,omitempty"`
	City              string        `json:"city,omitempty"`
	Latitude          float64       `json:"latitude,omitempty"`
	Longitude         float64       `json:"longitude,omitempty"`
	Success           bool          `json:"success"`
	FailureReason     FailureReason `json:"failure_reason,omitempty"`
	RiskScore         int           `json:"risk_score"`
	RiskLevel         string        `json:"risk_level"`
	RiskFactors       []string      `json:"risk_factors,omitempty"`
	ResponseTimeMs    int64         `json:"response_time_ms"`
	AttemptedAt       time.Time     `json:"attempted_at"`
}

// TotpDevice is an enrolled authenticator.
type TotpDevice struct {
	DeviceID      uuid.UUID     `json:"device_id"`
	PrincipalID   uuid.UUID     `json:"principal_id"`
	PrincipalType PrincipalType `json:"principal_type"`
	DeviceName    string        `json:"device_name"`
	SecretKey     string        `json:"-"`
	Algorithm     string        `json:"algorithm"`
	Digits        int           `json:"digits"`
	Period        int           `json:"period"`
	LastCounter   int64         `json:"last_counter"`
	IsVerified    bool          `json:"is_verified"`
	IsActive      bool          `json:"is_active"`
	IsPrimary     bool          `json:"is_primary"`
	UseCount      int64         `json:"use_count"`
	CreatedAt     time.Time     `json:"created_at"`
	LastUsedAt    *time.Time    `json:"last_used_at,omitempty"`
}

// BackupCode is a single-use recovery credential. Only the bcrypt
// hash is stored.
type BackupCode struct {
	CodeID         uuid.UUID     `json:"code_id"`
	PrincipalID    uuid.UUID     `json:"principal_id"`
	PrincipalType  PrincipalType `json:"principal_type"`
	CodeHash       string        `json:"-"`
	BatchID        uuid.UUID     `json:"batch_id"`
	SequenceNumber int           `json:"sequence_number"`
	IsUsed         bool          `json:"is_used"`
	IsActive       bool          `json:"is_active"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	UsedAt         *time.Time    `json:"used_at,omitempty"`
}

// SecurityEvent is published to the event topic when a login carries
// elevated risk or triggers enforcement.
type SecurityEvent struct {
	EventID       uuid.UUID     `json:"event_id"`
	EventType     string        `json:"event_type"`
	PrincipalID   *uuid.UUID    `json:"principal_id,omitempty"`
	PrincipalType PrincipalType `json:"principal_type,omitempty"`
	Identifier    string        `json:"identifier"`
	IPAddress     string        `json:"ip_address"`
	RiskScore     int           `json:"risk_score"`
	RiskFactors   []string      `json:"risk_factors,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

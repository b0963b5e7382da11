package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-core/internal/config"
	"auth-core/internal/crypto"
	"auth-core/internal/hashing"
	"auth-core/internal/model"
	"auth-core/internal/ratelimit"
	"auth-core/internal/repository/clickhouse"
	"auth-core/internal/risk"
	"auth-core/internal/session"
	"auth-core/internal/token"
	"auth-core/internal/totp"
	"auth-core/internal/util"
)

// ErrPrincipalNotFound is returned by PrincipalStore implementations
// when no account matches.
var ErrPrincipalNotFound = errors.New("principal not found")

// PrincipalStore resolves accounts. The identity system lives outside
// this service; only lookups are needed here.
type PrincipalStore interface {
	FindByIdentifier(ctx context.Context, identifier string) (*model.Principal, error)
	FindByID(ctx context.Context, id uuid.UUID, principalType model.PrincipalType) (*model.Principal, error)
}

// AttemptLog is the audit trail. *clickhouse.AttemptRepository
// satisfies it.
type AttemptLog interface {
	Record(ctx context.Context, a *model.LoginAttempt)
	RecentFailures(ctx context.Context, identifier string, since time.Time) (*clickhouse.FailureSnapshot, error)
	SuccessfulLogins(ctx context.Context, principalID uuid.UUID, since time.Time) ([]clickhouse.KnownLogin, error)
	KnownFingerprints(ctx context.Context, principalID uuid.UUID, since time.Time) ([]string, error)
	KnownUserAgents(ctx context.Context, principalID uuid.UUID, since time.Time) ([]string, error)
	FailureReasonCounts(ctx context.Context, since time.Time) (map[string]int, error)
}

// State is the terminal outcome of one orchestrator call.
type State string

const (
	StateRateLimited        State = "rate_limited"
	StateCredentialsInvalid State = "credentials_invalid"
	StateAccountBlocked     State = "account_blocked"
	StateRequiresTwoFactor  State = "requires_two_factor"
	StateAuthenticated      State = "authenticated"
)

// LoginRequest carries everything the transport layer knows about the
// attempt.
type LoginRequest struct {
	Identifier        string
	Password          string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	Country           string
	City              string
	Latitude          float64
	Longitude         float64
	HasCoordinates    bool

	// ClientResponseTimeMs is the measured time between the client
	// receiving the form and submitting it. Zero means unmeasured.
	ClientResponseTimeMs int64
}

// TwoFactorRequest completes a pending challenge with either a TOTP
// code or a backup code.
type TwoFactorRequest struct {
	TempSessionID     string
	Code              string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	Country           string
	City              string
}

// LoginResult is the value-returned outcome. Rejections are states,
// not errors; only infrastructure failures surface as errors.
type LoginResult struct {
	State             State
	FailureReason     model.FailureReason
	RetryAfter        time.Duration
	BlockedUntil      *time.Time
	Risk              *risk.Assessment
	TempSessionID     string
	AttemptsRemaining int
	Session           *model.Session
	Tokens            *token.Pair
}

// Orchestrator drives a login from admission to session issuance.
// Every collaborator is injected; the orchestrator itself holds no
// connections and no mutable state beyond its clock.
type Orchestrator struct {
	limiter    *ratelimit.Limiter
	analyzer   *risk.Analyzer
	validator  *totp.Validator
	sessions   *session.Store
	tokens     *token.Manager
	principals PrincipalStore
	attempts   AttemptLog
	notifier   Notifier
	riskCfg    config.RiskConfig
	tfaCfg     config.TwoFactorConfig
	production bool
	now        func() time.Time
}

func NewOrchestrator(
	limiter *ratelimit.Limiter,
	analyzer *risk.Analyzer,
	validator *totp.Validator,
	sessions *session.Store,
	tokens *token.Manager,
	principals PrincipalStore,
	attempts AttemptLog,
	notifier Notifier,
	riskCfg config.RiskConfig,
	tfaCfg config.TwoFactorConfig,
	production bool,
) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Orchestrator{
		limiter:    limiter,
		analyzer:   analyzer,
		validator:  validator,
		sessions:   sessions,
		tokens:     tokens,
		principals: principals,
		attempts:   attempts,
		notifier:   notifier,
		riskCfg:    riskCfg,
		tfaCfg:     tfaCfg,
		production: production,
		now:        time.Now,
	}
}

// WithClock overrides the time source for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Login runs the full admission pipeline. The caller should present
// all credential rejections identically; the distinct states here are
// for auditing and retry timing only.
func (o *Orchestrator) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	start := o.now()

	decision, err := o.limiter.Check(req.IPAddress, req.Identifier)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		blockedUntil := start.Add(decision.RetryAfter)
		o.recordFailure(ctx, req, nil, model.FailureRateLimited, nil, start)
		return &LoginResult{
			State:         StateRateLimited,
			FailureReason: model.FailureRateLimited,
			RetryAfter:    decision.RetryAfter,
			BlockedUntil:  &blockedUntil,
		}, nil
	}

	principal, err := o.principals.FindByIdentifier(ctx, req.Identifier)
	if err != nil && !errors.Is(err, ErrPrincipalNotFound) {
		return nil, err
	}
	if principal == nil || hashing.VerifyPassword(req.Password, principal.PasswordHash) != nil {
		o.recordFailure(ctx, req, principal, model.FailureInvalidCredentials, nil, start)
		return &LoginResult{
			State:         StateCredentialsInvalid,
			FailureReason: model.FailureInvalidCredentials,
		}, nil
	}

	if !principal.IsActive {
		o.recordFailure(ctx, req, principal, model.FailureAccountInactive, nil, start)
		o.publishEvent(ctx, "inactive_account_login", principal, req.Identifier, req.IPAddress, 0, nil,
			"login attempted against a deactivated account")
		return &LoginResult{
			State:         StateAccountBlocked,
			FailureReason: model.FailureAccountInactive,
		}, nil
	}
	if principal.IsLocked {
		o.recordFailure(ctx, req, principal, model.FailureAccountBlocked, nil, start)
		o.publishEvent(ctx, "locked_account_login", principal, req.Identifier, req.IPAddress, 0, nil,
			"login attempted against a locked account")
		return &LoginResult{
			State:         StateAccountBlocked,
			FailureReason: model.FailureAccountBlocked,
		}, nil
	}

	assessment := o.assessRisk(ctx, req, principal)

	if assessment.RequiresImmediateAction {
		// Risk never denies a login on its own; it feeds the 2FA
		// decision below and alerts the incident stream.
		o.publishEvent(ctx, "high_risk_login", principal, req.Identifier, req.IPAddress,
			assessment.Score, assessment.Factors, "login flagged for immediate review by risk policy")
	}

	required, err := o.twoFactorRequired(ctx, principal, &assessment)
	if err != nil {
		return nil, err
	}
	if required {
		tempID, err := o.sessions.CreateTempSession(&model.TempTwoFactorSession{
			PrincipalID:       principal.ID,
			PrincipalType:     principal.Type,
			DeviceFingerprint: req.DeviceFingerprint,
			IPAddress:         req.IPAddress,
			UserAgent:         req.UserAgent,
			RiskScore:         assessment.Score,
		})
		if err != nil {
			return nil, err
		}
		if assessment.Score >= o.riskCfg.ThresholdHigh {
			o.publishEvent(ctx, "high_risk_login_challenged", principal, req.Identifier, req.IPAddress,
				assessment.Score, assessment.Factors, "second factor demanded by risk policy")
		}
		return &LoginResult{
			State:             StateRequiresTwoFactor,
			Risk:              &assessment,
			TempSessionID:     tempID,
			AttemptsRemaining: o.tfaCfg.TempSessionMaxAttempts,
		}, nil
	}

	return o.finalizeLogin(ctx, req.Identifier, principal, &assessment, model.LoginMethodPassword, false, sessionContext{
		DeviceFingerprint: req.DeviceFingerprint,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		Country:           req.Country,
		City:              req.City,
	}, start)
}

// CompleteTwoFactor finishes a login staged behind a 2FA challenge.
// Wrong codes burn the challenge's attempt budget; a correct code
// consumes the challenge so it can never mint a second session.
func (o *Orchestrator) CompleteTwoFactor(ctx context.Context, req TwoFactorRequest) (*LoginResult, error) {
	start := o.now()

	temp, err := o.sessions.GetTempSession(req.TempSessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrTempSessionExpired):
			o.recordTwoFactorFailure(ctx, req, nil, model.FailureTempSessionExpired, start)
			return &LoginResult{
				State:         StateCredentialsInvalid,
				FailureReason: model.FailureTempSessionExpired,
			}, nil
		case errors.Is(err, session.ErrTempSessionNotFound):
			o.recordTwoFactorFailure(ctx, req, nil, model.FailureInvalidTempSession, start)
			return &LoginResult{
				State:         StateCredentialsInvalid,
				FailureReason: model.FailureInvalidTempSession,
			}, nil
		}
		return nil, err
	}

	principal, err := o.principals.FindByID(ctx, temp.PrincipalID, temp.PrincipalType)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			o.recordTwoFactorFailure(ctx, req, temp, model.FailureInvalidTempSession, start)
			return &LoginResult{
				State:         StateCredentialsInvalid,
				FailureReason: model.FailureInvalidTempSession,
			}, nil
		}
		return nil, err
	}

	method := model.LoginMethodPasswordTOTP
	if _, err := o.validator.ValidateCode(ctx, principal.ID, req.Code); err != nil {
		if _, backupErr := o.validator.ValidateBackupCode(ctx, principal.ID, req.Code); backupErr != nil {
			remaining, budgetErr := o.sessions.RecordTempFailure(temp)
			if budgetErr != nil && !errors.Is(budgetErr, session.ErrTempSessionExpired) {
				return nil, budgetErr
			}
			o.recordTwoFactorFailure(ctx, req, temp, model.FailureInvalidTOTP, start)
			if remaining == 0 {
				o.publishEvent(ctx, "two_factor_budget_exhausted", principal, principal.Email, req.IPAddress,
					temp.RiskScore, nil, "2fa challenge abandoned after repeated wrong codes")
			}
			return &LoginResult{
				State:             StateCredentialsInvalid,
				FailureReason:     model.FailureInvalidTOTP,
				AttemptsRemaining: remaining,
			}, nil
		}
		method = model.LoginMethodBackupCode
	}

	if err := o.sessions.ConsumeTempSession(temp.TempSessionID); err != nil {
		util.Warn("Failed to consume temp session",
			zap.String("temp_session_id", util.MaskID(temp.TempSessionID)),
			zap.Error(err))
	}

	assessment := risk.Assessment{Score: temp.RiskScore}
	return o.finalizeLogin(ctx, principal.Email, principal, &assessment, method, true, sessionContext{
		DeviceFingerprint: temp.DeviceFingerprint,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		Country:           req.Country,
		City:              req.City,
	}, start)
}

// ValidateAccessToken resolves a bearer token to its live session,
// sliding the session expiry when it is close to running out.
func (o *Orchestrator) ValidateAccessToken(ctx context.Context, raw string) (*model.Session, error) {
	claims, err := o.tokens.ParseAccess(raw)
	if err != nil {
		return nil, err
	}
	return o.sessions.Touch(ctx, claims.SessionID)
}

// Refresh exchanges a live session's refresh token for a new access
// token. When the refresh token nears its own expiry it is rotated and
// the new id recorded on the session row; the returned pair always
// carries the id the client must present next.
func (o *Orchestrator) Refresh(ctx context.Context, sessionID, refreshTokenID string) (*token.Pair, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if refreshTokenID == "" || sess.RefreshTokenID != refreshTokenID {
		return nil, token.ErrTokenInvalid
	}
	if o.now().After(o.tokens.RefreshExpiresAt(sess.RefreshIssuedAt)) {
		return nil, token.ErrTokenExpired
	}

	if o.tokens.ShouldRotate(sess.RefreshIssuedAt) {
		if _, err := o.sessions.RotateRefreshToken(ctx, sess); err != nil {
			return nil, err
		}
	}

	return o.tokens.IssuePair(sess)
}

// Logout ends one session.
func (o *Orchestrator) Logout(ctx context.Context, sessionID string) (bool, error) {
	return o.sessions.Invalidate(ctx, sessionID, model.LogoutManual)
}

// LogoutAll ends every session for the principal except the one making
// the request. Used for "sign out everywhere" and incident response.
func (o *Orchestrator) LogoutAll(ctx context.Context, principalType model.PrincipalType, principalID uuid.UUID, exceptSessionID string, reason model.LogoutReason) (int, error) {
	return o.sessions.InvalidateAllForPrincipal(ctx, principalType, principalID, exceptSessionID, reason)
}

// RecentFailures returns the identifier's failure journal, newest
// first. Admin and incident-review path.
func (o *Orchestrator) RecentFailures(identifier string, limit int) ([]string, error) {
	return o.limiter.RecentFailedAttempts(identifier, limit)
}

// Unblock lifts a rate limit block and its escalation history. Admin
// path.
func (o *Orchestrator) Unblock(scope ratelimit.Scope, identifier string) error {
	return o.limiter.Unblock(scope, identifier)
}

// SecurityStats summarizes current enforcement state for the status
// surface.
type SecurityStats struct {
	ActiveBlocks   int64          `json:"active_blocks"`
	ActiveSessions int64          `json:"active_sessions"`
	FailureReasons map[string]int `json:"failure_reasons,omitempty"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// Stats counts blocks in force, live cached sessions, and the last
// day's failure reasons. An audit-store outage degrades the reason
// breakdown rather than failing the whole snapshot.
func (o *Orchestrator) Stats(ctx context.Context) (*SecurityStats, error) {
	blocks, err := o.limiter.ActiveBlocks()
	if err != nil {
		return nil, err
	}
	sessions, err := o.sessions.CountActive()
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	reasons, err := o.attempts.FailureReasonCounts(ctx, now.Add(-24*time.Hour))
	if err != nil {
		util.Warn("Failure reason breakdown unavailable", zap.Error(err))
		reasons = nil
	}

	return &SecurityStats{
		ActiveBlocks:   blocks,
		ActiveSessions: sessions,
		FailureReasons: reasons,
		GeneratedAt:    now,
	}, nil
}

type sessionContext struct {
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
	Country           string
	City              string
}

func (o *Orchestrator) finalizeLogin(ctx context.Context, identifier string, principal *model.Principal, assessment *risk.Assessment, method model.LoginMethod, twoFactorVerified bool, sc sessionContext, start time.Time) (*LoginResult, error) {
	sess := &model.Session{
		PrincipalID:       principal.ID,
		PrincipalType:     principal.Type,
		DeviceFingerprint: sc.DeviceFingerprint,
		IPAddress:         sc.IPAddress,
		UserAgent:         sc.UserAgent,
		Country:           sc.Country,
		City:              sc.City,
		LoginMethod:       method,
		TwoFactorVerified: twoFactorVerified,
		RiskScore:         assessment.Score,
	}
	if _, err := o.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	pair, err := o.tokens.IssuePair(sess)
	if err != nil {
		return nil, err
	}

	if err := o.limiter.ClearOnSuccess(identifier); err != nil {
		util.Warn("Failed to clear rate limit state after login",
			zap.String("identifier", crypto.MaskEmail(identifier)),
			zap.Error(err))
	}

	o.attempts.Record(ctx, o.newAttempt(identifier, principal, sc.IPAddress, sc.UserAgent, sc.DeviceFingerprint,
		sc.Country, sc.City, true, "", assessment, start))

	util.Info("Login succeeded",
		zap.String("identifier", crypto.MaskEmail(identifier)),
		zap.String("session_id", util.MaskID(sess.SessionID)),
		zap.String("method", string(method)),
		zap.Int("risk_score", assessment.Score))

	return &LoginResult{
		State:   StateAuthenticated,
		Risk:    assessment,
		Session: sess,
		Tokens:  pair,
	}, nil
}

// assessRisk assembles the history snapshots and runs the pure
// analyzer. Audit-store outages degrade to an empty history rather
// than failing the login.
func (o *Orchestrator) assessRisk(ctx context.Context, req LoginRequest, principal *model.Principal) risk.Assessment {
	now := o.now().UTC()

	in := risk.Input{
		PrincipalKnown:    true,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: req.DeviceFingerprint,
		Country:           req.Country,
		City:              req.City,
		Latitude:          req.Latitude,
		Longitude:         req.Longitude,
		HasCoordinates:    req.HasCoordinates,
		ResponseTimeMs:    req.ClientResponseTimeMs,
		Now:               now,
		Production:        o.production,
	}

	if failures, err := o.attempts.RecentFailures(ctx, req.Identifier, now.Add(-time.Hour)); err != nil {
		util.Warn("Failure history unavailable for risk scoring", zap.Error(err))
	} else {
		for _, at := range failures.Timestamps {
			in.RecentFailures = append(in.RecentFailures, risk.FailureRecord{At: at})
		}
		// The snapshot collapses IPs into a distinct count; synthesize
		// that many distinct addresses for the analyzer.
		for i := 0; i < failures.DistinctIPs && i < len(in.RecentFailures); i++ {
			in.RecentFailures[i].IPAddress = "ip-" + string(rune('a'+i))
		}
	}

	historySince := now.Add(-o.riskCfg.HistoryLookback)
	if logins, err := o.attempts.SuccessfulLogins(ctx, principal.ID, historySince); err != nil {
		util.Warn("Login history unavailable for risk scoring", zap.Error(err))
	} else {
		for _, l := range logins {
			in.SuccessfulLogins = append(in.SuccessfulLogins, risk.HistoricalLogin{
				Country:        l.Country,
				City:           l.City,
				Latitude:       l.Latitude,
				Longitude:      l.Longitude,
				HasCoordinates: l.Latitude != 0 || l.Longitude != 0,
				At:             l.AttemptedAt,
			})
		}
	}

	if fps, err := o.attempts.KnownFingerprints(ctx, principal.ID, historySince); err != nil {
		util.Warn("Fingerprint history unavailable for risk scoring", zap.Error(err))
	} else {
		in.KnownFingerprints = fps
	}
	if uas, err := o.attempts.KnownUserAgents(ctx, principal.ID, historySince); err != nil {
		util.Warn("User agent history unavailable for risk scoring", zap.Error(err))
	} else {
		in.KnownUserAgents = uas
	}

	return o.analyzer.Analyze(in)
}

// twoFactorRequired applies the challenge policy. A verified device is
// a precondition; beyond that the principal's own 2FA flag, the admin
// policy, elevated risk, or a new location/device triggers the
// challenge.
func (o *Orchestrator) twoFactorRequired(ctx context.Context, principal *model.Principal, assessment *risk.Assessment) (bool, error) {
	enrolled, err := o.validator.HasVerifiedDevice(ctx, principal.ID)
	if err != nil {
		return false, err
	}
	if !enrolled {
		return false, nil
	}

	switch {
	case principal.TwoFactorSet:
		return true, nil
	case o.tfaCfg.ForceForAdmin && principal.IsAdmin:
		return true, nil
	case assessment.Score >= o.riskCfg.Require2FAScore:
		return true, nil
	case assessment.IsLocationChange || assessment.IsNewDevice:
		return true, nil
	}
	return false, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, req LoginRequest, principal *model.Principal, reason model.FailureReason, assessment *risk.Assessment, start time.Time) {
	o.countFailure(ctx, principal, req.Identifier, req.IPAddress, reason)
	o.attempts.Record(ctx, o.newAttempt(req.Identifier, principal, req.IPAddress, req.UserAgent,
		req.DeviceFingerprint, req.Country, req.City, false, reason, assessment, start))
	o.journalFailure(req.Identifier, req.IPAddress, reason)
}

func (o *Orchestrator) recordTwoFactorFailure(ctx context.Context, req TwoFactorRequest, temp *model.TempTwoFactorSession, reason model.FailureReason, start time.Time) {
	identifier := "temp:" + req.TempSessionID
	var principal *model.Principal
	if temp != nil {
		principal = &model.Principal{ID: temp.PrincipalID, Type: temp.PrincipalType}
	}
	o.countFailure(ctx, principal, identifier, req.IPAddress, reason)
	o.attempts.Record(ctx, o.newAttempt(identifier, principal, req.IPAddress, req.UserAgent,
		req.DeviceFingerprint, req.Country, req.City, false, reason, nil, start))
	o.journalFailure(identifier, req.IPAddress, reason)
}

// countFailure charges the failed attempt to the rate limit windows.
// Attempts bounced by the limiter itself are not charged again, and a
// freshly installed block raises an event on the incident stream.
func (o *Orchestrator) countFailure(ctx context.Context, principal *model.Principal, identifier, ip string, reason model.FailureReason) {
	if reason == model.FailureRateLimited {
		return
	}
	blocked, err := o.limiter.RecordFailure(ip, identifier)
	if err != nil {
		util.Warn("Failed to count login failure",
			zap.String("identifier", crypto.MaskEmail(identifier)),
			zap.Error(err))
		return
	}
	if blocked {
		o.publishEvent(ctx, "account_blocked", principal, identifier, ip, 0, nil,
			"rate limit block installed after repeated failures")
	}
}

func (o *Orchestrator) newAttempt(identifier string, principal *model.Principal, ip, userAgent, fingerprint, country, city string, success bool, reason model.FailureReason, assessment *risk.Assessment, start time.Time) *model.LoginAttempt {
	now := o.now()
	a := &model.LoginAttempt{
		AttemptID:         uuid.New(),
		Identifier:        identifier,
		IdentifierType:    "email",
		IPAddress:         ip,
		UserAgent:         userAgent,
		DeviceFingerprint: fingerprint,
		Country:           country,
		City:              city,
		Success:           success,
		FailureReason:     reason,
		ResponseTimeMs:    now.Sub(start).Milliseconds(),
		AttemptedAt:       now.UTC(),
	}
	if principal != nil {
		id := principal.ID
		a.PrincipalID = &id
		a.PrincipalType = principal.Type
	}
	if assessment != nil {
		a.RiskScore = assessment.Score
		a.RiskLevel = string(assessment.Level)
		a.RiskFactors = assessment.Factors
	}
	return a
}

// journalFailure pushes a compact record onto the identifier's failure
// journal in Redis for incident review.
func (o *Orchestrator) journalFailure(identifier, ip string, reason model.FailureReason) {
	if identifier == "" {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"reason": string(reason),
		"ip":     ip,
		"at":     o.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := o.limiter.RecordFailedAttempt(identifier, string(payload)); err != nil {
		util.Warn("Failed to journal login failure",
			zap.String("identifier", crypto.MaskEmail(identifier)),
			zap.Error(err))
	}
}

func (o *Orchestrator) publishEvent(ctx context.Context, eventType string, principal *model.Principal, identifier, ip string, score int, factors []string, detail string) {
	event := &model.SecurityEvent{
		EventID:     uuid.New(),
		EventType:   eventType,
		Identifier:  identifier,
		IPAddress:   ip,
		RiskScore:   score,
		RiskFactors: factors,
		Detail:      detail,
		OccurredAt:  o.now().UTC(),
	}
	if principal != nil {
		id := principal.ID
		event.PrincipalID = &id
		event.PrincipalType = principal.Type
	}
	o.notifier.Publish(ctx, event)
}

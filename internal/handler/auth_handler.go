package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"auth-core/internal/auth"
	"auth-core/internal/model"
	"auth-core/internal/ratelimit"
	"auth-core/internal/repository/scylla"
	"auth-core/internal/session"
	"auth-core/internal/token"
	"auth-core/internal/totp"
	"auth-core/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HealthChecker reports per-dependency health. Implemented by the
// factory.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

// AuthHandler handles HTTP requests for authentication operations
type AuthHandler struct {
	orch      *auth.Orchestrator
	validator *totp.Validator
	health    HealthChecker
	logger    *zap.Logger
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(orch *auth.Orchestrator, validator *totp.Validator, health HealthChecker, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		orch:      orch,
		validator: validator,
		health:    health,
		logger:    logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

var (
	errInvalidRequest     = errors.New("invalid request")
	errMissingCredentials = errors.New("identifier and password are required")
	errMissingBearerToken = errors.New("missing bearer token")
)

// loginRequest is the login request body. IP address and user agent
// are always taken from the connection, never from the body.
type loginRequest struct {
	Identifier           string   `json:"identifier"`
	Password             string   `json:"password"`
	DeviceFingerprint    string   `json:"device_fingerprint,omitempty"`
	Country              string   `json:"country,omitempty"`
	City                 string   `json:"city,omitempty"`
	Latitude             *float64 `json:"latitude,omitempty"`
	Longitude            *float64 `json:"longitude,omitempty"`
	ClientResponseTimeMs int64    `json:"client_response_time_ms,omitempty"`
}

type twoFactorRequest struct {
	TempSessionID     string `json:"temp_session_id"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	Country           string `json:"country,omitempty"`
	City              string `json:"city,omitempty"`
}

type totpSetupRequest struct {
	AccountName string `json:"account_name,omitempty"`
	DeviceName  string `json:"device_name"`
}

type totpConfirmRequest struct {
	DeviceID string `json:"device_id"`
	Code     string `json:"code"`
}

type unblockRequest struct {
	Scope      string `json:"scope"`
	Identifier string `json:"identifier"`
}

type refreshRequest struct {
	SessionID      string `json:"session_id"`
	RefreshTokenID string `json:"refresh_token_id"`
}

// RegisterRoutes registers all authentication routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		// Public routes
		r.Post("/login", h.Login)
		r.Post("/login/2fa", h.CompleteTwoFactor)
		r.Post("/token/refresh", h.RefreshToken)
		r.Get("/health", h.HealthCheck)

		// Protected routes (require a valid access token)
		r.Group(func(r chi.Router) {
			r.Get("/sessions/current", h.CurrentSession)
			r.Post("/logout", h.Logout)
			r.Post("/logout-all", h.LogoutAll)

			// TOTP enrollment
			r.Post("/totp/setup", h.StartTotpSetup)
			r.Post("/totp/confirm", h.ConfirmTotpSetup)
			r.Post("/totp/backup-codes", h.IssueBackupCodes)
		})

		// Administrative operations
		r.Get("/admin/failures/{identifier}", h.RecentFailures)
		r.Post("/admin/unblock", h.Unblock)
		r.Get("/admin/stats", h.GetSecurityStats)
	})
}

// Login handles password authentication
// @Summary Authenticate with identifier and password
// @Description Run the full login pipeline: rate limiting, credential check, risk analysis, session issuance
// @Tags auth
// @Accept json
// @Produce json
// @Param request body loginRequest true "Login request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 429 {object} Response
// @Failure 500 {object} Response
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Identifier == "" || req.Password == "" {
		h.respondWithError(w, http.StatusBadRequest, errMissingCredentials, "Invalid request body")
		return
	}

	in := auth.LoginRequest{
		Identifier:           req.Identifier,
		Password:             req.Password,
		IPAddress:            clientIP(r),
		UserAgent:            r.UserAgent(),
		DeviceFingerprint:    req.DeviceFingerprint,
		Country:              req.Country,
		City:                 req.City,
		ClientResponseTimeMs: req.ClientResponseTimeMs,
	}
	if req.Latitude != nil && req.Longitude != nil {
		in.Latitude = *req.Latitude
		in.Longitude = *req.Longitude
		in.HasCoordinates = true
	}

	result, err := h.orch.Login(ctx, in)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Login failed")
		return
	}

	h.respondWithLoginResult(w, result)
	h.logger.Info("Login handled via HTTP",
		util.String("state", string(result.State)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Login"),
	)
}

// CompleteTwoFactor handles the second step of a challenged login
// @Summary Complete a pending two-factor challenge
// @Description Exchange a temp session and a TOTP or backup code for a full session
// @Tags auth
// @Accept json
// @Produce json
// @Param request body twoFactorRequest true "Two-factor completion request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 500 {object} Response
// @Router /auth/login/2fa [post]
func (h *AuthHandler) CompleteTwoFactor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req twoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.TempSessionID == "" || req.Code == "" {
		h.respondWithError(w, http.StatusBadRequest, errInvalidRequest, "temp_session_id and code are required")
		return
	}

	result, err := h.orch.CompleteTwoFactor(ctx, auth.TwoFactorRequest{
		TempSessionID:     req.TempSessionID,
		Code:              req.Code,
		IPAddress:         clientIP(r),
		UserAgent:         r.UserAgent(),
		DeviceFingerprint: req.DeviceFingerprint,
		Country:           req.Country,
		City:              req.City,
	})
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Two-factor verification failed")
		return
	}

	h.respondWithLoginResult(w, result)
	h.logger.Info("Two-factor completion handled via HTTP",
		util.String("state", string(result.State)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "CompleteTwoFactor"),
	)
}

// respondWithLoginResult maps an orchestrator outcome onto the wire.
// All credential rejections look identical to the caller.
func (h *AuthHandler) respondWithLoginResult(w http.ResponseWriter, result *auth.LoginResult) {
	switch result.State {
	case auth.StateAuthenticated:
		h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
			"session_id":         result.Session.SessionID,
			"principal_id":       result.Session.PrincipalID,
			"principal_type":     result.Session.PrincipalType,
			"two_factor":         result.Session.TwoFactorVerified,
			"expires_at":         result.Session.ExpiresAt,
			"access_token":       result.Tokens.AccessToken,
			"refresh_token_id":   result.Tokens.RefreshTokenID,
			"access_expires_at":  result.Tokens.AccessExpiresAt,
			"refresh_expires_at": result.Tokens.RefreshExpiresAt,
		}, "Authenticated"))

	case auth.StateRequiresTwoFactor:
		h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
			"temp_session_id":    result.TempSessionID,
			"attempts_remaining": result.AttemptsRemaining,
		}, "Two-factor verification required"))

	case auth.StateRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
		resp := errorResponse(errors.New("too many attempts"), "Too many attempts, try again later")
		resp.Data = map[string]interface{}{
			"retry_after_seconds": int(result.RetryAfter.Seconds()),
			"blocked_until":       result.BlockedUntil,
		}
		h.respondWithJSON(w, http.StatusTooManyRequests, resp)

	default:
		// credentials_invalid and account_blocked are
		// indistinguishable on the wire. The audit trail keeps the
		// real reason.
		resp := errorResponse(errors.New("authentication failed"), "Invalid credentials")
		switch result.FailureReason {
		case model.FailureTempSessionExpired:
			resp = errorResponse(errors.New("temp session expired"), "Challenge expired, log in again")
		case model.FailureInvalidTempSession:
			resp = errorResponse(errors.New("invalid temp session"), "Invalid or consumed challenge")
		case model.FailureInvalidTOTP:
			resp = errorResponse(errors.New("invalid code"), "Invalid verification code")
			resp.Data = map[string]interface{}{"attempts_remaining": result.AttemptsRemaining}
		}
		h.respondWithJSON(w, http.StatusUnauthorized, resp)
	}
}

// RefreshToken handles access token renewal
// @Summary Exchange a refresh token for a new access token
// @Description Rotates the refresh token when it nears expiry; callers must store the returned refresh_token_id
// @Tags auth
// @Accept json
// @Produce json
// @Param request body refreshRequest true "Refresh request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 500 {object} Response
// @Router /auth/token/refresh [post]
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.SessionID == "" || req.RefreshTokenID == "" {
		h.respondWithError(w, http.StatusBadRequest, errInvalidRequest, "session_id and refresh_token_id are required")
		return
	}

	pair, err := h.orch.Refresh(ctx, req.SessionID, req.RefreshTokenID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Token refresh failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Token refreshed"))
}

// CurrentSession handles session introspection
// @Summary Get the session behind the presented access token
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/sessions/current [get]
func (h *AuthHandler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authorize(w, r)
	if !ok {
		return
	}

	h.sanitizeSession(sess)
	h.respondWithJSON(w, http.StatusOK, successResponse(sess, "Session is active"))
}

// Logout handles single-session logout
// @Summary End the current session
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 500 {object} Response
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := h.authorize(w, r)
	if !ok {
		return
	}

	ended, err := h.orch.Logout(ctx, sess.SessionID)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Logout failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"ended": ended,
	}, "Logged out"))
	h.logger.Info("Session ended via HTTP",
		util.String("session_id", util.MaskID(sess.SessionID)),
		util.String("method", "Logout"),
	)
}

// LogoutAll handles sign-out-everywhere
// @Summary End every other session for the authenticated principal
// @Description Ends all sessions for the principal except the one presenting the token
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 500 {object} Response
// @Router /auth/logout-all [post]
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := h.authorize(w, r)
	if !ok {
		return
	}

	ended, err := h.orch.LogoutAll(ctx, sess.PrincipalType, sess.PrincipalID, sess.SessionID, model.LogoutSecurity)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Logout failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"sessions_ended": ended,
	}, "Other sessions ended"))
	h.logger.Info("All other sessions ended via HTTP",
		util.String("principal_id", util.MaskID(sess.PrincipalID.String())),
		util.Int("sessions_ended", ended),
		util.String("method", "LogoutAll"),
	)
}

// StartTotpSetup handles authenticator enrollment
// @Summary Enroll a new TOTP authenticator
// @Description Creates an unverified device and returns the secret and otpauth URL for provisioning
// @Tags auth
// @Accept json
// @Produce json
// @Param request body totpSetupRequest true "Setup request"
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 500 {object} Response
// @Router /auth/totp/setup [post]
func (h *AuthHandler) StartTotpSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req totpSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	accountName := req.AccountName
	if accountName == "" {
		accountName = sess.PrincipalID.String()
	}

	setup, err := h.validator.StartSetup(ctx, model.PrincipalRef{ID: sess.PrincipalID, Type: sess.PrincipalType}, accountName, req.DeviceName)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to start setup")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"device_id":   setup.Device.DeviceID,
		"device_name": setup.Device.DeviceName,
		"secret":      setup.Secret,
		"otpauth_url": setup.OtpauthURL,
	}, "Confirm with a code from the authenticator to activate"))
}

// ConfirmTotpSetup handles enrollment confirmation
// @Summary Verify a pending authenticator with its first code
// @Tags auth
// @Accept json
// @Produce json
// @Param request body totpConfirmRequest true "Confirmation request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Router /auth/totp/confirm [post]
func (h *AuthHandler) ConfirmTotpSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req totpConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid device ID")
		return
	}

	if err := h.validator.ConfirmSetup(ctx, sess.PrincipalID, deviceID, req.Code); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to confirm setup")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Authenticator activated"))
	h.logger.Info("TOTP device confirmed via HTTP",
		util.String("principal_id", util.MaskID(sess.PrincipalID.String())),
		util.String("method", "ConfirmTotpSetup"),
	)
}

// IssueBackupCodes handles backup code issuance
// @Summary Issue a fresh batch of single-use backup codes
// @Description Retires any previous batch. The plaintext codes are returned once and never stored
// @Tags auth
// @Produce json
// @Success 201 {object} Response
// @Failure 401 {object} Response
// @Failure 500 {object} Response
// @Router /auth/totp/backup-codes [post]
func (h *AuthHandler) IssueBackupCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := h.authorize(w, r)
	if !ok {
		return
	}

	codes, err := h.validator.IssueBackupCodes(ctx, model.PrincipalRef{ID: sess.PrincipalID, Type: sess.PrincipalType})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to issue backup codes")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"codes": codes,
	}, "Store these codes securely, they will not be shown again"))
}

// RecentFailures handles failure journal lookup
// @Summary List recent failed attempts for an identifier
// @Tags auth
// @Produce json
// @Param identifier path string true "Identifier"
// @Param limit query int false "Maximum entries"
// @Success 200 {object} Response
// @Failure 500 {object} Response
// @Router /auth/admin/failures/{identifier} [get]
func (h *AuthHandler) RecentFailures(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.respondWithError(w, http.StatusBadRequest, errInvalidRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := h.orch.RecentFailures(identifier, limit)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to read failure journal")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"identifier": identifier,
		"failures":   entries,
	}, "Failure journal retrieved"))
}

// Unblock handles manual rate limit removal
// @Summary Lift a rate limit block
// @Tags auth
// @Accept json
// @Produce json
// @Param request body unblockRequest true "Unblock request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /auth/admin/unblock [post]
func (h *AuthHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	scope := ratelimit.Scope(req.Scope)
	switch scope {
	case ratelimit.ScopeIP, ratelimit.ScopeUser, ratelimit.ScopeGlobal:
	default:
		h.respondWithError(w, http.StatusBadRequest, errInvalidRequest, "Unknown scope")
		return
	}
	if req.Identifier == "" {
		h.respondWithError(w, http.StatusBadRequest, errInvalidRequest, "Identifier is required")
		return
	}

	if err := h.orch.Unblock(scope, req.Identifier); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to unblock")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Block lifted"))
	h.logger.Info("Rate limit block lifted via HTTP",
		util.String("scope", req.Scope),
		util.String("identifier", util.MaskID(req.Identifier)),
		util.String("method", "Unblock"),
	)
}

// GetSecurityStats handles enforcement statistics
// @Summary Get security enforcement statistics
// @Description Counts of rate limit blocks in force and live sessions
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 500 {object} Response
// @Router /auth/admin/stats [get]
func (h *AuthHandler) GetSecurityStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.orch.Stats(ctx)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to get security stats")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Security stats retrieved"))
}

// HealthCheck handles service health check
// @Summary Health check
// @Description Check the health of every backing dependency
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 503 {object} Response
// @Router /auth/health [get]
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	results := h.health.HealthCheck(ctx)
	status := make(map[string]string, len(results))
	healthy := true
	for name, err := range results {
		if err != nil {
			status[name] = err.Error()
			// Event delivery is fire-and-forget; a kafka outage
			// degrades but does not fail the service.
			if name != "kafka" {
				healthy = false
			}
			continue
		}
		status[name] = "ok"
	}

	if !healthy {
		h.respondWithJSON(w, http.StatusServiceUnavailable, Response{
			Success: false,
			Data:    status,
			Error:   "service unhealthy",
		})
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(status, "Service is healthy"))
}

// Helper Methods

// authorize resolves the bearer token into a live session, writing the
// error response itself when the token is missing or rejected.
func (h *AuthHandler) authorize(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	raw := bearerToken(r)
	if raw == "" {
		h.respondWithError(w, http.StatusUnauthorized, errMissingBearerToken, "Authorization required")
		return nil, false
	}

	sess, err := h.orch.ValidateAccessToken(r.Context(), raw)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Authorization failed")
		return nil, false
	}
	return sess, true
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return ""
	}
	return header[len(prefix):]
}

// clientIP returns the remote address without the port. The RealIP
// middleware has already resolved proxy headers by the time this runs.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// respondWithJSON sends a JSON response
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, token.ErrTokenExpired), errors.Is(err, token.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrTempSessionNotFound), errors.Is(err, session.ErrTempSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, totp.ErrInvalidCode), errors.Is(err, totp.ErrReplayedCode), errors.Is(err, totp.ErrInvalidBackup):
		return http.StatusBadRequest
	case errors.Is(err, totp.ErrNoActiveDevice), errors.Is(err, scylla.ErrDeviceNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeSession removes token material from a session before it is
// sent in a response body.
func (h *AuthHandler) sanitizeSession(sess *model.Session) {
	sess.RefreshTokenID = ""
}

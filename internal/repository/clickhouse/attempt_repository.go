package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-core/internal/bucketing"
	"auth-core/internal/client"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

// AttemptRepository is the append-only audit tier. Every terminal
// login outcome lands here; the risk analyzer's history snapshots are
// read back out of it.
type AttemptRepository struct {
	client  *client.ClickHouseClient
	buckets *bucketing.Manager
}

func NewAttemptRepository(ch *client.ClickHouseClient, buckets *bucketing.Manager) *AttemptRepository {
	return &AttemptRepository{client: ch, buckets: buckets}
}

const insertAttemptQuery = `
    INSERT INTO login_attempts (
        attempt_id, principal_bucket, identifier, identifier_type,
        principal_id, principal_type, ip_address, user_agent,
        device_fingerprint, country, city, latitude, longitude,
        success, failure_reason, risk_score, risk_level, risk_factors,
        response_time_ms, attempted_at, date_bucket
    )`

// Record appends one attempt. Failures are logged but swallowed so
// audit lag never blocks a login.
func (r *AttemptRepository) Record(ctx context.Context, a *model.LoginAttempt) {
	var principalID uuid.UUID
	bucket := r.buckets.EventBucket(a.Identifier)
	if a.PrincipalID != nil {
		principalID = *a.PrincipalID
		bucket = r.buckets.PrincipalBucket(principalID)
	}

	row := []interface{}{
		a.AttemptID, uint16(bucket), a.Identifier, a.IdentifierType,
		principalID, string(a.PrincipalType), a.IPAddress, a.UserAgent,
		a.DeviceFingerprint, a.Country, a.City, a.Latitude, a.Longitude,
		a.Success, string(a.FailureReason), uint8(a.RiskScore), a.RiskLevel, a.RiskFactors,
		a.ResponseTimeMs, a.AttemptedAt, r.buckets.DateBucket(a.AttemptedAt),
	}

	if err := r.client.BatchInsert(ctx, insertAttemptQuery, [][]interface{}{row}); err != nil {
		util.Error("Failed to record login attempt",
			zap.String("identifier", util.MaskID(a.Identifier)),
			zap.Bool("success", a.Success),
			zap.Error(err))
	}
}

// FailureSnapshot summarizes recent failures for one identifier.
type FailureSnapshot struct {
	Count       int
	DistinctIPs int
	Timestamps  []time.Time
}

// RecentFailures returns the failure picture for an identifier since
// the cutoff, newest first.
func (r *AttemptRepository) RecentFailures(ctx context.Context, identifier string, since time.Time) (*FailureSnapshot, error) {
	rows, err := r.client.QueryRows(ctx, `
        SELECT ip_address, attempted_at
        FROM login_attempts
        WHERE identifier = ? AND success = false AND attempted_at >= ?
        ORDER BY attempted_at DESC
        LIMIT 100`,
		identifier, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent failures: %w", err)
	}
	defer rows.Close()

	snap := &FailureSnapshot{}
	ips := make(map[string]struct{})
	for rows.Next() {
		var (
			ip string
			at time.Time
		)
		if err := rows.Scan(&ip, &at); err != nil {
			return nil, fmt.Errorf("failed to scan failure row: %w", err)
		}
		snap.Count++
		snap.Timestamps = append(snap.Timestamps, at)
		if ip != "" {
			ips[ip] = struct{}{}
		}
	}
	snap.DistinctIPs = len(ips)

	return snap, rows.Err()
}

// KnownLogin is one successful historical login with its geo context.
type KnownLogin struct {
	Country     string
	City        string
	Latitude    float64
	Longitude   float64
	AttemptedAt time.Time
}

// SuccessfulLogins returns successful logins for a principal since the
// cutoff, newest first.
func (r *AttemptRepository) SuccessfulLogins(ctx context.Context, principalID uuid.UUID, since time.Time) ([]KnownLogin, error) {
	rows, err := r.client.QueryRows(ctx, `
        SELECT country, city, latitude, longitude, attempted_at
        FROM login_attempts
        WHERE principal_bucket = ? AND principal_id = ? AND success = true AND attempted_at >= ?
        ORDER BY attempted_at DESC
        LIMIT 200`,
		uint16(r.buckets.PrincipalBucket(principalID)), principalID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query successful logins: %w", err)
	}
	defer rows.Close()

	var logins []KnownLogin
	for rows.Next() {
		var l KnownLogin
		if err := rows.Scan(&l.Country, &l.City, &l.Latitude, &l.Longitude, &l.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan login row: %w", err)
		}
		logins = append(logins, l)
	}

	return logins, rows.Err()
}

// KnownFingerprints returns the distinct device fingerprints a
// principal has logged in with since the cutoff.
func (r *AttemptRepository) KnownFingerprints(ctx context.Context, principalID uuid.UUID, since time.Time) ([]string, error) {
	return r.distinctColumn(ctx, "device_fingerprint", principalID, since)
}

// KnownUserAgents returns the distinct user agents a principal has
// logged in with since the cutoff.
func (r *AttemptRepository) KnownUserAgents(ctx context.Context, principalID uuid.UUID, since time.Time) ([]string, error) {
	return r.distinctColumn(ctx, "user_agent", principalID, since)
}

func (r *AttemptRepository) distinctColumn(ctx context.Context, column string, principalID uuid.UUID, since time.Time) ([]string, error) {
	rows, err := r.client.QueryRows(ctx, fmt.Sprintf(`
        SELECT DISTINCT %s
        FROM login_attempts
        WHERE principal_bucket = ? AND principal_id = ? AND success = true AND attempted_at >= ?
        LIMIT 100`, column),
		uint16(r.buckets.PrincipalBucket(principalID)), principalID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct %s: %w", column, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", column, err)
		}
		if strings.TrimSpace(v) != "" {
			values = append(values, v)
		}
	}

	return values, rows.Err()
}

// FailureReasonCounts aggregates failure reasons across all
// identifiers over a window. Feeds the operational stats endpoint.
func (r *AttemptRepository) FailureReasonCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.client.QueryRows(ctx, `
        SELECT failure_reason, count() AS failures
        FROM login_attempts
        WHERE success = false AND attempted_at >= ?
        GROUP BY failure_reason`,
		since)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			reason   string
			failures uint64
		)
		if err := rows.Scan(&reason, &failures); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		counts[reason] = int(failures)
	}

	return counts, rows.Err()
}

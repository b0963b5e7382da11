package risk

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"auth-core/internal/config"
)

const desktopChrome = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		WeightFailedAttempts: 30,
		WeightNewLocation:    25,
		WeightNewDevice:      20,
		WeightUnusualTime:    15,
		WeightSuspiciousIP:   35,
		WeightBotBehavior:    25,
		ThresholdLow:         30,
		ThresholdMedium:      60,
		ThresholdHigh:        80,
		ImmediateActionScore: 85,
		Require2FAScore:      60,
		HistoryLookback:      30 * 24 * time.Hour,
		SuspiciousNetworks: []netip.Prefix{
			netip.MustParsePrefix("192.42.116.0/24"),
			netip.MustParsePrefix("185.220.100.0/24"),
		},
	}
}

// baselineInput is a login that looks exactly like the principal's
// history: same country, city, fingerprint, and user agent, at a
// usual hour from a public IP.
func baselineInput(now time.Time) Input {
	var history []HistoricalLogin
	for i := 0; i < 8; i++ {
		history = append(history, HistoricalLogin{
			Country:        "DE",
			City:           "Berlin",
			Latitude:       52.52,
			Longitude:      13.405,
			HasCoordinates: true,
			At:             now.Add(-time.Duration(i+1) * 24 * time.Hour),
		})
	}

	return Input{
		PrincipalKnown:    true,
		IPAddress:         "93.184.216.34",
		UserAgent:         desktopChrome,
		DeviceFingerprint: "fp-known",
		Country:           "DE",
		City:              "Berlin",
		Latitude:          52.52,
		Longitude:         13.405,
		HasCoordinates:    true,
		ResponseTimeMs:    850,
		Now:               now,
		Production:        true,
		SuccessfulLogins:  history,
		KnownFingerprints: []string{"fp-known"},
		KnownUserAgents:   []string{desktopChrome},
	}
}

func TestBaselineLoginScoresMinimal(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	out := analyzer.Analyze(baselineInput(now))
	require.Equal(t, LevelMinimal, out.Level)
	require.False(t, out.RequiresImmediateAction)
	require.Less(t, out.Score, 30)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	in := baselineInput(now)
	in.Country = "BR"
	in.City = "Recife"
	in.DeviceFingerprint = "fp-unknown"

	first := analyzer.Analyze(in)
	for i := 0; i < 5; i++ {
		again := analyzer.Analyze(in)
		require.Equal(t, first, again)
	}
}

func TestScoreIsClamped(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 7, 3, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	in.Country = "KP"
	in.City = "Pyongyang"
	in.Latitude = 39.03
	in.Longitude = 125.75
	in.DeviceFingerprint = "fp-stolen"
	in.UserAgent = "curl/8.4.0"
	in.KnownUserAgents = []string{desktopChrome}
	in.IPAddress = "192.42.116.50"
	in.ResponseTimeMs = 40
	for i := 0; i < 8; i++ {
		in.RecentFailures = append(in.RecentFailures, FailureRecord{
			IPAddress: "10.0.0.1",
			Reason:    "invalid_credentials",
			At:        now.Add(-time.Duration(i) * time.Minute),
		})
	}

	out := analyzer.Analyze(in)
	require.LessOrEqual(t, out.Score, 100)
	require.GreaterOrEqual(t, out.Score, 0)
	require.Equal(t, LevelHigh, out.Level)
	require.True(t, out.RequiresImmediateAction)
}

func TestRecentFailureTiers(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	mkFailures := func(n int) []FailureRecord {
		var out []FailureRecord
		for i := 0; i < n; i++ {
			out = append(out, FailureRecord{
				IPAddress: "93.184.216.34",
				Reason:    "invalid_credentials",
				At:        now.Add(-time.Duration(i+1) * 3 * time.Hour),
			})
		}
		return out
	}

	in := baselineInput(now)
	in.RecentFailures = mkFailures(2)
	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("few_recent_failures"))

	in.RecentFailures = mkFailures(3)
	out = analyzer.Analyze(in)
	require.True(t, out.HasFactor("recent_failures"))

	in.RecentFailures = mkFailures(6)
	out = analyzer.Analyze(in)
	require.True(t, out.HasFactor("multiple_recent_failures"))
}

func TestRapidFireAndMultipleIPs(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	for i := 0; i < 5; i++ {
		in.RecentFailures = append(in.RecentFailures, FailureRecord{
			IPAddress: []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"}[i],
			At:        now.Add(-time.Duration(i+1) * time.Minute),
		})
	}

	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("multiple_failure_ips"))
	require.True(t, out.HasFactor("rapid_fire_attempts"))
}

func TestNewCountryFlagsLocationChange(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	in.Country = "JP"
	in.City = "Tokyo"
	in.Latitude = 35.68
	in.Longitude = 139.69

	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("new_country"))
	require.True(t, out.IsLocationChange)
	require.Contains(t, out.RecommendedActions, "verify_location_change")
}

func TestImpossibleTravelSpeed(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	// Last login from Berlin one hour ago, current attempt from Tokyo.
	in.SuccessfulLogins[0].At = now.Add(-time.Hour)
	in.Country = "JP"
	in.City = "Tokyo"
	in.Latitude = 35.68
	in.Longitude = 139.69

	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("impossible_travel_speed"))
	require.Contains(t, out.RecommendedActions, "flag_account_compromise")
}

func TestNoLocationHistory(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	in.SuccessfulLogins = nil
	in.KnownFingerprints = nil
	in.KnownUserAgents = nil

	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("no_location_history"))
	require.True(t, out.HasFactor("no_device_history"))
}

func TestNewDeviceFingerprint(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	in.DeviceFingerprint = "fp-never-seen"

	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("new_device_fingerprint"))
	require.True(t, out.IsNewDevice)
	require.Contains(t, out.RecommendedActions, "register_new_device")
}

func TestSimilarUserAgentNotPenalized(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	// Same browser and OS family, newer version.
	in := baselineInput(now)
	in.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

	out := analyzer.Analyze(in)
	require.False(t, out.HasFactor("new_user_agent"))
}

func TestDifferentBrowserFamilyPenalized(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	in.UserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:122.0) Gecko/20100101 Firefox/122.0"

	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("new_user_agent"))
}

func TestUnusualHour(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())

	// History is all midday logins; the attempt is at 03:00.
	noon := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	in := baselineInput(noon)
	in.Now = time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC)

	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("unusual_hour"))
	require.True(t, out.HasFactor("unusual_night_access"))
	require.True(t, out.IsSuspiciousTiming)
}

func TestSuspiciousIPRange(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	in.IPAddress = "185.220.100.7"

	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("suspicious_ip_range"))
}

func TestMissingAndInvalidIP(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	in.IPAddress = ""
	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("no_ip_address"))

	in.IPAddress = "not-an-ip"
	out = analyzer.Analyze(in)
	require.True(t, out.HasFactor("invalid_ip_format"))
}

func TestPrivateIPOnlyFlaggedInProduction(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	in.IPAddress = "10.1.2.3"
	in.Production = true
	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("private_ip_address"))

	in.Production = false
	out = analyzer.Analyze(in)
	require.False(t, out.HasFactor("private_ip_address"))
}

func TestBotBehavior(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	in.UserAgent = "python-requests/2.31.0"
	in.ResponseTimeMs = 50

	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("bot_user_agent"))
	require.True(t, out.HasFactor("very_fast_response"))
	require.True(t, out.IsBotBehavior)
	require.True(t, out.RequiresImmediateAction, "fast bot combo forces immediate action")
	require.Contains(t, out.RecommendedActions, "implement_captcha")
}

func TestUnmeasuredResponseTimeNotPenalized(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	in.ResponseTimeMs = 0

	out := analyzer.Analyze(in)
	require.False(t, out.HasFactor("very_fast_response"))
	require.False(t, out.HasFactor("fast_response"))
}

func TestDangerousCombinationForcesAction(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	// Impossible travel plus an unknown fingerprint triggers
	// immediate action regardless of total score.
	in := baselineInput(now)
	in.SuccessfulLogins[0].At = now.Add(-time.Hour)
	in.Country = "JP"
	in.City = "Tokyo"
	in.Latitude = 35.68
	in.Longitude = 139.69
	in.DeviceFingerprint = "fp-stolen"

	out := analyzer.Analyze(in)
	require.True(t, out.HasFactor("impossible_travel_speed"))
	require.True(t, out.HasFactor("new_device_fingerprint"))
	require.True(t, out.RequiresImmediateAction)
}

func TestHighScoreRecommendations(t *testing.T) {
	analyzer := NewAnalyzer(testRiskConfig())
	now := time.Date(2026, 3, 7, 3, 0, 0, 0, time.UTC)

	in := baselineInput(now)
	in.Country = "JP"
	in.DeviceFingerprint = "fp-stolen"
	in.UserAgent = "curl/8.4.0"
	in.ResponseTimeMs = 40
	for i := 0; i < 6; i++ {
		in.RecentFailures = append(in.RecentFailures, FailureRecord{
			IPAddress: "93.184.216.34",
			At:        now.Add(-time.Duration(i+1) * time.Minute),
		})
	}

	out := analyzer.Analyze(in)
	require.GreaterOrEqual(t, out.Score, 80)
	require.Contains(t, out.RecommendedActions, "block_temporarily")
	require.Contains(t, out.RecommendedActions, "require_2fa")
	require.Contains(t, out.RecommendedActions, "notify_security_team")
}

func TestHaversineDistance(t *testing.T) {
	// Berlin to Tokyo is roughly 8900 km.
	d := haversineKm(52.52, 13.405, 35.68, 139.69)
	require.InDelta(t, 8900, d, 200)

	require.InDelta(t, 0, haversineKm(52.52, 13.405, 52.52, 13.405), 0.001)
}

package risk

import (
	"math"
	"net/netip"
	"sort"
	"strings"
	"time"

	"auth-core/internal/config"
)

// Level buckets a score for policy decisions.
type Level string

const (
	LevelMinimal Level = "minimal"
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
)

// FailureRecord is one recent failed attempt against the identifier.
type FailureRecord struct {
	IPAddress string
	Reason    string
	At        time.Time
}

// HistoricalLogin is one successful past login with geo context.
type HistoricalLogin struct {
	Country        string
	City           string
	Latitude       float64
	Longitude      float64
	HasCoordinates bool
	At             time.Time
}

// Input is everything the analyzer looks at. The caller assembles the
// history snapshots; the analyzer itself touches no storage and no
// clocks, so identical inputs always produce identical assessments.
type Input struct {
	PrincipalKnown    bool
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	Country           string
	City              string
	Latitude          float64
	Longitude         float64
	HasCoordinates    bool

	// ResponseTimeMs is the measured client interaction time. Zero or
	// negative means unmeasured and is treated as unremarkable.
	ResponseTimeMs int64

	Now        time.Time
	Production bool

	RecentFailures    []FailureRecord
	SuccessfulLogins  []HistoricalLogin
	KnownFingerprints []string
	KnownUserAgents   []string
}

// Assessment is the analyzer's verdict.
type Assessment struct {
	Score                   int
	Level                   Level
	Factors                 []string
	RequiresImmediateAction bool
	RecommendedActions      []string

	IsLocationChange   bool
	IsNewDevice        bool
	IsSuspiciousTiming bool
	IsBotBehavior      bool
}

// HasFactor reports whether a named factor contributed to the score.
func (a *Assessment) HasFactor(name string) bool {
	for _, f := range a.Factors {
		if f == name {
			return true
		}
	}
	return false
}

var dangerousCombinations = [][]string{
	{"impossible_travel_speed", "new_device_fingerprint"},
	{"detected_bot", "multiple_recent_failures"},
	{"suspicious_ip_range", "new_country"},
	{"very_fast_response", "bot_user_agent"},
}

// Analyzer scores login attempts. It is stateless and safe for
// concurrent use.
type Analyzer struct {
	cfg config.RiskConfig
}

func NewAnalyzer(cfg config.RiskConfig) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Analyze runs all six sub-analyses and combines them into a bounded
// score with its level, factors, and recommended actions.
func (a *Analyzer) Analyze(in Input) Assessment {
	var (
		score   float64
		factors []string
	)

	subs := []func(Input) (float64, []string){
		a.analyzeRecentFailures,
		a.analyzeLocation,
		a.analyzeDevice,
		a.analyzeTemporalPatterns,
		a.analyzeNetwork,
		a.analyzeBehavior,
	}
	for _, sub := range subs {
		s, f := sub(in)
		score += s
		factors = append(factors, f...)
	}

	final := int(math.Round(math.Min(score, 100)))
	if final < 0 {
		final = 0
	}

	out := Assessment{
		Score:   final,
		Level:   a.levelFor(final),
		Factors: factors,
	}
	out.RequiresImmediateAction = a.requiresImmediateAction(final, factors)
	out.RecommendedActions = recommendedActions(final, factors)
	out.IsLocationChange = out.HasFactor("new_country") || out.HasFactor("new_city")
	out.IsNewDevice = out.HasFactor("new_device_fingerprint")
	out.IsSuspiciousTiming = out.HasFactor("unusual_hour")
	out.IsBotBehavior = out.HasFactor("detected_bot") || out.HasFactor("bot_user_agent")

	return out
}

func (a *Analyzer) analyzeRecentFailures(in Input) (float64, []string) {
	if len(in.RecentFailures) == 0 {
		return 0, nil
	}

	weight := float64(a.cfg.WeightFailedAttempts)
	count := len(in.RecentFailures)

	var (
		score   float64
		factors []string
	)
	switch {
	case count >= 5:
		score = weight
		factors = append(factors, "multiple_recent_failures")
	case count >= 3:
		score = weight * 0.7
		factors = append(factors, "recent_failures")
	default:
		score = weight * 0.3
		factors = append(factors, "few_recent_failures")
	}

	ips := make(map[string]struct{})
	var earliest, latest time.Time
	for i, f := range in.RecentFailures {
		if f.IPAddress != "" {
			ips[f.IPAddress] = struct{}{}
		}
		if i == 0 || f.At.Before(earliest) {
			earliest = f.At
		}
		if i == 0 || f.At.After(latest) {
			latest = f.At
		}
	}

	if len(ips) > 3 {
		score += 10
		factors = append(factors, "multiple_failure_ips")
	}

	if count > 1 {
		span := latest.Sub(earliest)
		if span > 0 && span < time.Hour {
			score += 15
			factors = append(factors, "rapid_fire_attempts")
		}
	}

	return math.Min(score, weight), factors
}

func (a *Analyzer) analyzeLocation(in Input) (float64, []string) {
	if in.Country == "" {
		return 0, nil
	}

	weight := float64(a.cfg.WeightNewLocation)

	history := in.SuccessfulLogins
	if len(history) > 10 {
		history = history[:10]
	}
	if len(history) == 0 {
		return 5, []string{"no_location_history"}
	}

	knownCountries := make(map[string]struct{})
	knownCities := make(map[string]struct{})
	for _, l := range history {
		if l.Country != "" {
			knownCountries[l.Country] = struct{}{}
			if l.City != "" {
				knownCities[l.City+","+l.Country] = struct{}{}
			}
		}
	}

	var (
		score   float64
		factors []string
	)

	if _, ok := knownCountries[in.Country]; !ok {
		score += weight
		factors = append(factors, "new_country")
	}

	if in.City != "" {
		if _, ok := knownCities[in.City+","+in.Country]; !ok {
			score += weight * 0.5
			factors = append(factors, "new_city")
		}
	}

	if in.HasCoordinates {
		minDistance := math.Inf(1)
		for _, l := range history {
			if !l.HasCoordinates {
				continue
			}
			d := haversineKm(in.Latitude, in.Longitude, l.Latitude, l.Longitude)
			minDistance = math.Min(minDistance, d)
		}

		if !math.IsInf(minDistance, 1) {
			if minDistance > 1000 {
				score += 15
				factors = append(factors, "large_distance_travel")
			} else if minDistance > 500 {
				score += 8
				factors = append(factors, "significant_travel")
			}
		}

		// Compare against the most recent login for travel speed.
		last := history[0]
		if last.HasCoordinates {
			hours := in.Now.Sub(last.At).Hours()
			if hours > 0 {
				d := haversineKm(in.Latitude, in.Longitude, last.Latitude, last.Longitude)
				speed := d / hours
				if speed > 1000 {
					score += 25
					factors = append(factors, "impossible_travel_speed")
				} else if speed > 500 {
					score += 10
					factors = append(factors, "very_fast_travel")
				}
			}
		}
	}

	return math.Min(score, weight), factors
}

func (a *Analyzer) analyzeDevice(in Input) (float64, []string) {
	weight := float64(a.cfg.WeightNewDevice)

	var (
		score   float64
		factors []string
	)

	profile := parseUserAgent(in.UserAgent)
	if profile.IsBot {
		score += float64(a.cfg.WeightBotBehavior)
		factors = append(factors, "detected_bot")
	}

	hasHistory := len(in.KnownFingerprints) > 0 || len(in.KnownUserAgents) > 0
	if !hasHistory {
		score += 5
		factors = append(factors, "no_device_history")
	} else {
		if in.DeviceFingerprint != "" {
			known := false
			for _, fp := range in.KnownFingerprints {
				if fp == in.DeviceFingerprint {
					known = true
					break
				}
			}
			if !known {
				score += weight
				factors = append(factors, "new_device_fingerprint")
			}
		}

		if in.UserAgent != "" {
			exact := false
			for _, ua := range in.KnownUserAgents {
				if ua == in.UserAgent {
					exact = true
					break
				}
			}
			if !exact {
				similar := false
				for _, ua := range in.KnownUserAgents {
					if SimilarUserAgent(in.UserAgent, ua) {
						similar = true
						break
					}
				}
				if !similar {
					score += weight * 0.7
					factors = append(factors, "new_user_agent")
				}
			}
		}
	}

	lower := strings.ToLower(in.UserAgent)
	suspicious := []string{
		"curl", "wget", "python", "bot", "crawler", "scraper",
		"automated", "script", "tool", "scanner",
	}
	for _, pattern := range suspicious {
		if strings.Contains(lower, pattern) {
			score += 15
			factors = append(factors, "suspicious_user_agent")
			break
		}
	}

	if len(in.UserAgent) < 20 {
		score += 10
		factors = append(factors, "minimal_user_agent")
	}

	return math.Min(score, weight), factors
}

func (a *Analyzer) analyzeTemporalPatterns(in Input) (float64, []string) {
	if len(in.SuccessfulLogins) < 5 {
		return 0, nil
	}

	weight := float64(a.cfg.WeightUnusualTime)
	total := len(in.SuccessfulLogins)

	hourFrequency := make(map[int]int)
	nightLogins := 0
	weekendLogins := 0
	var lastLogin time.Time
	for _, l := range in.SuccessfulLogins {
		hour := l.At.UTC().Hour()
		hourFrequency[hour]++
		if hour < 6 || hour > 22 {
			nightLogins++
		}
		wd := l.At.UTC().Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			weekendLogins++
		}
		if l.At.After(lastLogin) {
			lastLogin = l.At
		}
	}

	// A common hour holds at least 10% of historical logins.
	commonHours := make(map[int]struct{})
	for hour, count := range hourFrequency {
		if float64(count) >= float64(total)*0.1 {
			commonHours[hour] = struct{}{}
		}
	}

	var (
		score   float64
		factors []string
	)

	now := in.Now.UTC()
	currentHour := now.Hour()
	if _, ok := commonHours[currentHour]; !ok {
		score += weight
		factors = append(factors, "unusual_hour")
	}

	isNight := currentHour < 6 || currentHour > 22
	if isNight && float64(nightLogins)/float64(total) < 0.2 {
		score += 10
		factors = append(factors, "unusual_night_access")
	}

	wd := now.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		if float64(weekendLogins)/float64(total) < 0.3 {
			score += 8
			factors = append(factors, "unusual_weekend_access")
		}
	}

	if hours := in.Now.Sub(lastLogin).Hours(); hours >= 0 && hours < 0.5 {
		score += 5
		factors = append(factors, "very_recent_login")
	}

	return math.Min(score, weight), factors
}

func (a *Analyzer) analyzeNetwork(in Input) (float64, []string) {
	weight := float64(a.cfg.WeightSuspiciousIP)

	if in.IPAddress == "" || in.IPAddress == "unknown" {
		return 20, []string{"no_ip_address"}
	}

	ip, err := netip.ParseAddr(in.IPAddress)
	if err != nil {
		return 15, []string{"invalid_ip_format"}
	}

	var (
		score   float64
		factors []string
	)

	if ip.IsPrivate() && in.Production {
		score += 15
		factors = append(factors, "private_ip_address")
	}

	if ip.IsLoopback() {
		score += 10
		factors = append(factors, "loopback_ip")
	}

	for _, network := range a.cfg.SuspiciousNetworks {
		if network.Contains(ip) {
			score += weight
			factors = append(factors, "suspicious_ip_range")
			break
		}
	}

	return math.Min(score, weight), factors
}

func (a *Analyzer) analyzeBehavior(in Input) (float64, []string) {
	weight := float64(a.cfg.WeightBotBehavior)

	var (
		score   float64
		factors []string
	)

	responseTime := in.ResponseTimeMs
	if responseTime <= 0 {
		responseTime = 1000
	}
	if responseTime < 100 {
		score += weight * 0.8
		factors = append(factors, "very_fast_response")
	} else if responseTime < 200 {
		score += weight * 0.4
		factors = append(factors, "fast_response")
	}

	if in.UserAgent == "" {
		score += 15
		factors = append(factors, "missing_user_agent")
	}

	lower := strings.ToLower(in.UserAgent)
	botIndicators := []string{
		"bot", "crawler", "spider", "scraper", "automated",
		"curl", "wget", "python-requests", "http",
	}
	for _, indicator := range botIndicators {
		if strings.Contains(lower, indicator) {
			score += 20
			factors = append(factors, "bot_user_agent")
			break
		}
	}

	trimmed := strings.TrimSpace(lower)
	if trimmed == "mozilla/5.0" || trimmed == "mozilla/4.0" {
		score += 10
		factors = append(factors, "generic_user_agent")
	}

	return math.Min(score, weight), factors
}

func (a *Analyzer) levelFor(score int) Level {
	switch {
	case score >= a.cfg.ThresholdHigh:
		return LevelHigh
	case score >= a.cfg.ThresholdMedium:
		return LevelMedium
	case score >= a.cfg.ThresholdLow:
		return LevelLow
	default:
		return LevelMinimal
	}
}

func (a *Analyzer) requiresImmediateAction(score int, factors []string) bool {
	if score >= a.cfg.ImmediateActionScore {
		return true
	}

	has := func(name string) bool {
		for _, f := range factors {
			if f == name {
				return true
			}
		}
		return false
	}

	for _, combo := range dangerousCombinations {
		all := true
		for _, f := range combo {
			if !has(f) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}

	return false
}

func recommendedActions(score int, factors []string) []string {
	actions := make(map[string]struct{})

	add := func(names ...string) {
		for _, n := range names {
			actions[n] = struct{}{}
		}
	}

	switch {
	case score >= 80:
		add("block_temporarily", "require_2fa", "notify_security_team")
	case score >= 60:
		add("require_2fa", "log_security_event")
	case score >= 40:
		add("require_email_verification", "increase_monitoring")
	}

	has := func(name string) bool {
		for _, f := range factors {
			if f == name {
				return true
			}
		}
		return false
	}

	if has("new_country") || has("new_city") {
		add("verify_location_change")
	}
	if has("new_device_fingerprint") {
		add("register_new_device")
	}
	if has("detected_bot") || has("bot_user_agent") {
		add("implement_captcha")
	}
	if has("impossible_travel_speed") {
		add("flag_account_compromise")
	}

	out := make([]string, 0, len(actions))
	for action := range actions {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}

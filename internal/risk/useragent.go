package risk

import "strings"

// uaProfile is a coarse classification of a user agent string. It
// exists to answer two questions: does the agent look automated, and
// is it the same browser and OS family as one seen before.
type uaProfile struct {
	BrowserFamily string
	OSFamily      string
	IsBot         bool
}

var knownBots = []string{
	"googlebot", "bingbot", "slurp", "duckduckbot", "baiduspider",
	"yandexbot", "facebookexternalhit", "twitterbot", "applebot",
	"semrushbot", "ahrefsbot", "petalbot",
}

func parseUserAgent(ua string) uaProfile {
	lower := strings.ToLower(ua)

	p := uaProfile{
		BrowserFamily: "Other",
		OSFamily:      "Other",
	}

	for _, bot := range knownBots {
		if strings.Contains(lower, bot) {
			p.IsBot = true
			break
		}
	}

	switch {
	case strings.Contains(lower, "edg/") || strings.Contains(lower, "edge/"):
		p.BrowserFamily = "Edge"
	case strings.Contains(lower, "opr/") || strings.Contains(lower, "opera"):
		p.BrowserFamily = "Opera"
	case strings.Contains(lower, "firefox/"):
		p.BrowserFamily = "Firefox"
	case strings.Contains(lower, "chrome/") || strings.Contains(lower, "crios/"):
		p.BrowserFamily = "Chrome"
	case strings.Contains(lower, "safari/"):
		p.BrowserFamily = "Safari"
	case strings.Contains(lower, "curl/"):
		p.BrowserFamily = "curl"
	case strings.Contains(lower, "wget/"):
		p.BrowserFamily = "wget"
	case strings.Contains(lower, "python"):
		p.BrowserFamily = "Python"
	}

	switch {
	case strings.Contains(lower, "windows"):
		p.OSFamily = "Windows"
	case strings.Contains(lower, "android"):
		p.OSFamily = "Android"
	case strings.Contains(lower, "iphone") || strings.Contains(lower, "ipad") || strings.Contains(lower, "ios"):
		p.OSFamily = "iOS"
	case strings.Contains(lower, "mac os") || strings.Contains(lower, "macintosh"):
		p.OSFamily = "macOS"
	case strings.Contains(lower, "linux"):
		p.OSFamily = "Linux"
	}

	return p
}

// SimilarUserAgent reports whether two user agents share browser and
// OS family. Replaceable so deployments with a richer UA database can
// swap in their own comparison.
var SimilarUserAgent = func(current, known string) bool {
	a := parseUserAgent(current)
	b := parseUserAgent(known)
	return a.BrowserFamily == b.BrowserFamily && a.OSFamily == b.OSFamily
}

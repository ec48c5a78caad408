package tracking

import "strings"

// Client is the coarse classification of a user agent.
type Client struct {
	DeviceType string
	Browser    string
	OS         string
}

type uaRule struct {
	contains []string
	excludes []string
	value    string
}

func (r uaRule) match(ua string) bool {
	for _, ex := range r.excludes {
		if strings.Contains(ua, ex) {
			return false
		}
	}
	for _, c := range r.contains {
		if strings.Contains(ua, c) {
			return true
		}
	}
	return false
}

// Rules are checked in order against the lowercased user agent and the first
// match wins, so more specific tokens come first: Edge and Opera both carry
// "chrome", and Chrome carries "safari".
var (
	deviceRules = []uaRule{
		{contains: []string{"ipad", "tablet", "kindle", "silk/", "playbook"}, value: "tablet"},
		{contains: []string{"android"}, excludes: []string{"mobile"}, value: "tablet"},
		{contains: []string{"mobi", "iphone", "ipod", "android", "blackberry", "windows phone", "opera mini"}, value: "mobile"},
	}
	browserRules = []uaRule{
		{contains: []string{"edg/", "edge/", "edga/", "edgios/"}, value: "Edge"},
		{contains: []string{"opr/", "opera", "opios/"}, value: "Opera"},
		{contains: []string{"firefox/", "fxios/"}, value: "Firefox"},
		{contains: []string{"chrome/", "crios/", "chromium/"}, value: "Chrome"},
		{contains: []string{"safari/"}, value: "Safari"},
	}
	osRules = []uaRule{
		{contains: []string{"iphone", "ipad", "ipod"}, excludes: []string{"windows phone"}, value: "iOS"},
		{contains: []string{"android"}, value: "Android"},
		{contains: []string{"windows"}, value: "Windows"},
		{contains: []string{"mac os x", "macintosh"}, value: "macOS"},
		{contains: []string{"linux", "x11", "cros "}, value: "Linux"},
	}
)

func firstMatch(rules []uaRule, ua, fallback string) string {
	for _, r := range rules {
		if r.match(ua) {
			return r.value
		}
	}
	return fallback
}

// ClassifyUserAgent maps a raw user agent to device, browser and OS. It is
// a best-effort substring classifier, not a full UA database.
func ClassifyUserAgent(userAgent string) Client {
	ua := strings.ToLower(userAgent)
	return Client{
		DeviceType: firstMatch(deviceRules, ua, "desktop"),
		Browser:    firstMatch(browserRules, ua, "Other"),
		OS:         firstMatch(osRules, ua, "Other"),
	}
}

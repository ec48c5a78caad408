package tracking

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/coder/quartz"
	"github.com/google/uuid"
)

const (
	fallbackIP        = "127.0.0.1"
	fallbackUserAgent = "unknown"
)

// Signals are the request attributes identity is derived from.
type Signals struct {
	IP        string
	UserAgent string
	// UserID is an explicit identified-user id supplied by the site. When set
	// it replaces the IP and user agent for hashing.
	UserID  string
	Country string
}

var ipHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP", "True-Client-IP"}

// ClientSignals extracts identity signals from r. It never fails: missing
// values fall back to fixed defaults.
func ClientSignals(r *http.Request) Signals {
	s := Signals{
		IP:        fallbackIP,
		UserAgent: strings.TrimSpace(r.UserAgent()),
		Country:   country(r.Header.Get("CF-IPCountry")),
	}
	if s.UserAgent == "" {
		s.UserAgent = fallbackUserAgent
	}

	for _, h := range ipHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		if ip := parseIP(v); ip != "" {
			s.IP = ip
			return s
		}
	}
	if ip := parseIP(r.RemoteAddr); ip != "" {
		s.IP = ip
	}
	return s
}

func parseIP(v string) string {
	v = strings.TrimSpace(v)
	if host, _, err := net.SplitHostPort(v); err == nil {
		v = host
	}
	if ip := net.ParseIP(v); ip != nil {
		return ip.String()
	}
	return ""
}

func country(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if len(v) != 2 || v == "XX" || v == "T1" {
		return ""
	}
	return v
}

// IdentityResolver derives pseudonymous visitor hashes. Anonymous hashes
// include the UTC day, so the same browser gets a new hash every day.
type IdentityResolver struct {
	salt  string
	clock quartz.Clock
}

func NewIdentityResolver(salt string, clock quartz.Clock) *IdentityResolver {
	return &IdentityResolver{salt: salt, clock: clock}
}

func (r *IdentityResolver) VisitorHash(s Signals) string {
	h := sha256.New()
	if s.UserID != "" {
		h.Write([]byte("user|" + r.salt + "|" + s.UserID))
	} else {
		day := r.clock.Now().UTC().Format("2006-01-02")
		h.Write([]byte(r.salt + "|" + s.IP + "|" + s.UserAgent + "|" + day))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NewSessionID mints a random opaque session id.
func NewSessionID() string {
	return uuid.NewString()
}

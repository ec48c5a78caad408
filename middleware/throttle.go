package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type limiterInfo struct {
	limiter      *rate.Limiter
	lastAccessed time.Time
}

// IngestThrottle is a token bucket per client IP for the collector
// endpoints. Idle buckets are dropped by Purge.
type IngestThrottle struct {
	mu       sync.Mutex
	clock    quartz.Clock
	limiters map[string]*limiterInfo
	every    rate.Limit
	burst    int
	idle     time.Duration
}

// NewIngestThrottle allows requestsPerMinute per IP with the given burst.
// A non-positive rate disables throttling.
func NewIngestThrottle(clock quartz.Clock, requestsPerMinute, burst int) *IngestThrottle {
	t := &IngestThrottle{
		clock:    clock,
		limiters: make(map[string]*limiterInfo),
		burst:    burst,
		idle:     10 * time.Minute,
	}
	if requestsPerMinute > 0 {
		t.every = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	return t
}

// Allow takes one token for ip. When it is refused the duration is how long
// until the next token.
func (t *IngestThrottle) Allow(ip string) (bool, time.Duration) {
	if t.every == 0 {
		return true, 0
	}
	now := t.clock.Now()

	t.mu.Lock()
	info, ok := t.limiters[ip]
	if !ok {
		info = &limiterInfo{limiter: rate.NewLimiter(t.every, t.burst)}
		t.limiters[ip] = info
	}
	info.lastAccessed = now
	t.mu.Unlock()

	r := info.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Purge drops buckets idle for longer than ten minutes.
func (t *IngestThrottle) Purge() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ip, info := range t.limiters {
		if now.Sub(info.lastAccessed) > t.idle {
			delete(t.limiters, ip)
			n++
		}
	}
	return n
}

// Middleware rejects over-limit clients with 429 and the collector envelope.
// Clients are keyed by gin's ClientIP, so forwarding headers only count when
// the engine trusts the proxy that sent them.
func (t *IngestThrottle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ok, wait := t.Allow(ip); !ok {
			secs := int(wait.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "too many requests"})
			return
		}
		c.Next()
	}
}

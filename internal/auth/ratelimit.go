package auth

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// DefaultLimiterIdleTTL is how long a subject's bucket survives without use.
const DefaultLimiterIdleTTL = 10 * time.Minute

type subjectLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per authenticated subject. Buckets
// idle for longer than the TTL are swept so the map stays bounded by the
// number of recently active subjects.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*subjectLimiter
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter allows rps sustained requests per subject with the given
// burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*subjectLimiter),
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  DefaultLimiterIdleTTL,
		now:      time.Now,
	}
}

// WithIdleTTL changes how long unused buckets are kept.
func (l *RateLimiter) WithIdleTTL(ttl time.Duration) *RateLimiter {
	if ttl > 0 {
		l.idleTTL = ttl
	}
	return l
}

// Allow consumes a token for subject.
func (l *RateLimiter) Allow(subject string) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweep(now)
	}
	entry, ok := l.limiters[subject]
	if !ok {
		entry = &subjectLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[subject] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Len reports how many subjects currently hold a bucket.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// sweep drops idle buckets. Callers hold l.mu.
func (l *RateLimiter) sweep(now time.Time) {
	for subject, entry := range l.limiters {
		if now.Sub(entry.lastSeen) >= l.idleTTL {
			delete(l.limiters, subject)
		}
	}
	l.lastSweep = now
}

// Middleware rejects requests over the subject's budget with 429. It must run
// after authentication; unauthenticated requests share one bucket.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, _ := GetUserID(c.Request.Context())
		if !l.Allow(subject) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long a caller's bucket survives without traffic.
const limiterIdle = 10 * time.Minute

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// OperatorLimiter hands out one token bucket per operator. Callers are keyed
// by the admin token subject so a scheduler behind a shared NAT does not
// starve a human operator; requests without a subject fall back to the
// client address.
type OperatorLimiter struct {
	mu        sync.Mutex
	callers   map[string]*callerLimiter
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastPrune time.Time
}

// NewOperatorLimiter allows rps requests per second with the given burst per caller.
func NewOperatorLimiter(rps float64, burst int) *OperatorLimiter {
	return &OperatorLimiter{
		callers: make(map[string]*callerLimiter),
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether key may make another request now.
func (l *OperatorLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	c, ok := l.callers[key]
	if !ok {
		c = &callerLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.callers[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// prune drops idle callers at most once per idle period. Caller holds l.mu.
func (l *OperatorLimiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < limiterIdle {
		return
	}
	l.lastPrune = now
	cutoff := now.Add(-limiterIdle)
	for key, c := range l.callers {
		if c.lastSeen.Before(cutoff) {
			delete(l.callers, key)
		}
	}
}

func (l *OperatorLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

// retryAfter is the whole number of seconds until one token refills.
func (l *OperatorLimiter) retryAfter() string {
	if l.limit <= 0 {
		return "60"
	}
	return strconv.Itoa(int(math.Ceil(1 / float64(l.limit))))
}

// Middleware rejects callers over their budget with 429 and a Retry-After
// hint. Mount it after AdminJWT so the token subject is available.
func (l *OperatorLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(rateLimitKey(r)) {
			w.Header().Set("Retry-After", l.retryAfter())
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OperatorRateLimit is the router-facing form of NewOperatorLimiter.
func OperatorRateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	return NewOperatorLimiter(rps, burst).Middleware
}

func rateLimitKey(r *http.Request) string {
	if sub := AdminSubject(r); sub != "" {
		return "subject:" + sub
	}
	// chi's RealIP runs first and leaves a bare IP here
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return "addr:" + addr
}

package auth

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"session-auth/internal/observability"
)

// LoginRateLimiter is a coarse per-IP token bucket in front of the login
// route. It only sheds request floods; lockout semantics live in the Guard.
type LoginRateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	visitors  map[string]*visitor
	maxMemory int
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLoginRateLimiter(perSecond float64, burst int) *LoginRateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 10
	}

	return &LoginRateLimiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		idleTTL:   5 * time.Minute,
		visitors:  make(map[string]*visitor),
		maxMemory: 5000,
		now:       time.Now,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(observability.ClientIP(r), l.now())
		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now

	if len(l.visitors) > l.maxMemory {
		for key, value := range l.visitors {
			if now.Sub(value.lastSeen) > l.idleTTL {
				delete(l.visitors, key)
			}
		}
	}

	reservation := v.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}

	return true, 0
}

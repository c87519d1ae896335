package server

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxLimiters = 10000

// rateLimiter keeps one token bucket per client IP for requests under prefix.
type rateLimiter struct {
	prefix string
	rate   rate.Limit
	burst  int
	log    *logrus.Entry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimiter(prefix string, perSecond float64, burst int, log *logrus.Entry) *rateLimiter {
	if perSecond <= 0 {
		perSecond = 20
	}
	if burst <= 0 {
		burst = int(perSecond * 2)
	}
	return &rateLimiter{
		prefix:   prefix,
		rate:     rate.Limit(perSecond),
		burst:    burst,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *rateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= maxLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, rl.prefix) {
			next.ServeHTTP(w, r)
			return
		}
		key := clientIP(r)
		if !rl.limiter(key).Allow() {
			rl.log.WithFields(logrus.Fields{"ip": key, "path": r.URL.Path}).Warn("webhook rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "", "rate limit exceeded", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

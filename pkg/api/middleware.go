package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/scitix/netpulse/pkg/metrics"
	"github.com/scitix/netpulse/pkg/types"
)

// authMiddleware checks the API key carried in a configurable header
type authMiddleware struct {
	header string
	key    string
}

func newAuthMiddleware(header, key string) *authMiddleware {
	if header == "" {
		header = "X-API-KEY"
	}
	return &authMiddleware{header: header, key: key}
}

func (a *authMiddleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No configured key means authentication is disabled
		if a.key != "" {
			presented := r.Header.Get(a.header)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(a.key)) != 1 {
				writeError(w, types.NewError(types.ErrKindAuth, "invalid api key"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter throttles per client IP
type rateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *rateLimiter) limiterFor(clientIP string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[clientIP]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[clientIP] = l
	}
	return l
}

func (rl *rateLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limit > 0 {
			if !rl.limiterFor(clientIP(r)).Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error": types.NewError(types.ErrKindValidation, "rate limit exceeded"),
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per path
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.URL.Path)
	})
}

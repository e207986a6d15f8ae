package api

import (
	"net/http"
	"sync"

	"github.com/riverine/focus/pkg/metrics"
	"golang.org/x/time/rate"
)

// throttle applies a per-client token bucket to the mutating endpoints.
type throttle struct {
	limit   rate.Limit
	burst   int
	metrics *metrics.Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newThrottle(config Config, m *metrics.Metrics) *throttle {
	return &throttle{
		limit:    rate.Limit(config.RateLimit),
		burst:    config.RateBurst,
		metrics:  m,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *throttle) limiterFor(client string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	limiter, ok := t.limiters[client]
	if !ok {
		limiter = rate.NewLimiter(t.limit, t.burst)
		t.limiters[client] = limiter
	}
	return limiter
}

func (t *throttle) middleware(next http.Handler) http.Handler {
	if t.limit == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.limiterFor(clientAddr(r)).Allow() {
			t.metrics.ThrottledRequests.Inc()
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client address with a token bucket.
// The least recently seen clients are forgotten once MaxClients is reached.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a limiter allowing requestsPerMin with the given
// burst. A non-positive requestsPerMin disables limiting.
func NewRateLimiter(requestsPerMin float64, burst, maxClients int) (*RateLimiter, error) {
	if burst <= 0 {
		burst = 1
	}
	if maxClients <= 0 {
		maxClients = 4096
	}
	clients, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if requestsPerMin > 0 {
		limit = rate.Limit(requestsPerMin / 60)
	}
	return &RateLimiter{limit: limit, burst: burst, clients: clients}, nil
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate limit exceeded",
				"code":    "RATE_LIMITED",
				"message": "Rate limit exceeded. Please try again later.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow reports whether one more request from client fits the budget.
func (rl *RateLimiter) Allow(client string) bool {
	if rl.limit == rate.Inf {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.clients.Get(client)
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.clients.Add(client, lim)
	}
	rl.mu.Unlock()
	return lim.Allow()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/httprate"

	"github.com/apirun/apirun/internal/api"
)

// Limiter keeps one sliding-window rate limiter per endpoint definition.
// Limiters are created lazily from the definition's policy; a policy change
// produces a new limiter because the parameters are part of the registry
// key.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*httprate.RateLimiter
}

func New() *Limiter {
	return &Limiter{limiters: make(map[string]*httprate.RateLimiter)}
}

// OnLimit reports whether this request exceeds the endpoint's rate limit.
// The underlying limiter writes the X-RateLimit-* and Retry-After headers;
// the caller owns the response body.
func (l *Limiter) OnLimit(w http.ResponseWriter, r *http.Request, def *api.EndpointDefinition, identity *api.Identity) bool {
	policy := def.RateLimit
	if policy == nil || !policy.Enabled || policy.MaxRequests <= 0 || policy.WindowSeconds <= 0 {
		return false
	}
	limiter := l.limiterFor(def.ID, policy)
	return limiter.OnLimit(w, r, clientKey(r, policy, identity))
}

// Invalidate drops the limiters for one endpoint. Called alongside
// definition-cache invalidation.
func (l *Limiter) Invalidate(endpointID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.limiters {
		if strings.HasPrefix(key, endpointID+":") {
			delete(l.limiters, key)
		}
	}
}

func (l *Limiter) limiterFor(endpointID string, policy *api.RateLimitPolicy) *httprate.RateLimiter {
	key := fmt.Sprintf("%s:%d:%d", endpointID, policy.MaxRequests, policy.WindowSeconds)

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[key]; ok {
		return limiter
	}
	limiter := httprate.NewRateLimiter(
		policy.MaxRequests,
		time.Duration(policy.WindowSeconds)*time.Second,
	)
	l.limiters[key] = limiter
	return limiter
}

// clientKey picks the limiter key for a caller. The user policy falls back
// to the client IP for anonymous traffic so unauthenticated callers cannot
// share one unbounded bucket.
func clientKey(r *http.Request, policy *api.RateLimitPolicy, identity *api.Identity) string {
	if policy.KeyingPolicy == api.RateLimitKeyUser && identity != nil && identity.ID != "" {
		return "user:" + identity.ID
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

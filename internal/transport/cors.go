package transport

import (
	"net/http"
	"strings"

	"github.com/samber/lo"

	"github.com/apirun/apirun/internal/api"
)

// corsDecision is the outcome of evaluating an endpoint's CORS policy
// against one request.
type corsDecision int

const (
	corsPass corsDecision = iota
	corsForbidden
	corsPreflight
)

// evaluateCORS applies the endpoint's CORS policy. A request without an
// Origin header is same-origin and always passes. Preflights short-circuit
// with a synthetic 200 and never reach the engine.
func evaluateCORS(w http.ResponseWriter, r *http.Request, def *api.EndpointDefinition) corsDecision {
	policy := def.CORS
	if policy == nil || !policy.Enabled {
		return corsPass
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return corsPass
	}
	if !originAllowed(origin, policy.AllowedOrigins) {
		return corsForbidden
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Vary", "Origin")

	if r.Method == http.MethodOptions {
		methods := policy.AllowedMethods
		if len(methods) == 0 {
			methods = []string{def.Method}
		}
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusOK)
		return corsPreflight
	}
	return corsPass
}

func originAllowed(origin string, allowed []string) bool {
	return lo.SomeBy(allowed, func(candidate string) bool {
		return candidate == "*" || strings.EqualFold(candidate, origin)
	})
}

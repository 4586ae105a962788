package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/quantumlayerhq/ql-billing/pkg/resilience"
)

// healthCheck reports whether a dependency is usable.
type healthCheck func(ctx context.Context) error

// breakerSource exposes notification circuit breaker counters.
type breakerSource interface {
	BreakerStats() []resilience.BreakerStats
}

// healthHandler serves /healthz. Every check is required; an open
// notification breaker only degrades the status.
type healthHandler struct {
	checks   map[string]healthCheck
	breakers breakerSource
	timeout  time.Duration
}

type healthResponse struct {
	Status   string                    `json:"status"`
	Checks   map[string]string         `json:"checks"`
	Breakers []resilience.BreakerStats `json:"breakers,omitempty"`
}

func newHealthHandler(checks map[string]healthCheck, breakers breakerSource) *healthHandler {
	return &healthHandler{checks: checks, breakers: breakers, timeout: 5 * time.Second}
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	httpStatus := http.StatusOK

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = "unhealthy: " + err.Error()
			resp.Status = "unavailable"
			httpStatus = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "healthy"
	}

	if h.breakers != nil {
		resp.Breakers = h.breakers.BreakerStats()
		for _, b := range resp.Breakers {
			if b.State != resilience.StateClosed.String() && resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

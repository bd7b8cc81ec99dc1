package http

import (
	"context"
	"net/http"
	"time"
)

// Check reports the health of one group of components, keyed by name.
type Check func(ctx context.Context) map[string]error

// HealthHandler serves GET /health. The plain form is a liveness check;
// ?deep=1 runs every registered check.
type HealthHandler struct {
	checks  map[string]Check
	timeout time.Duration
}

func NewHealthHandler(timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthHandler{checks: make(map[string]Check), timeout: timeout}
}

// AddCheck registers a check group, e.g. "agents" or "channels".
func (h *HealthHandler) AddCheck(group string, c Check) { h.checks[group] = c }

// RegisterRoutes registers the health route on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	report := make(map[string]map[string]string, len(h.checks))
	for group, check := range h.checks {
		results := make(map[string]string)
		for name, err := range check(ctx) {
			if err != nil {
				results[name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		report[group] = results
	}
	writeJSON(w, code, map[string]interface{}{"status": status, "checks": report})
}

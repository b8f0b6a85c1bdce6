package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		resp := map[string]any{"status": "ok"}
		if len(checks) > 0 {
			results := make(map[string]string, len(checks))
			for name, check := range checks {
				if err := check(ctx); err != nil {
					results[name] = err.Error()
					status = http.StatusServiceUnavailable
					resp["status"] = "degraded"
					continue
				}
				results[name] = "ok"
			}
			resp["checks"] = results
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

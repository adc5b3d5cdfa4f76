package handlers

import (
	"encoding/json"
	"net/http"
)

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services,omitempty"`
}

// HealthHandler returns a handler function for the health check endpoint.
// Every dependency check must pass for a 200; any failure returns 503
// so the endpoint doubles as a load-balancer/orchestrator readiness probe.
func HealthHandler(version string, dependencies map[string]func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		services := make(map[string]string)

		for name, check := range dependencies {
			if err := check(); err != nil {
				status = "degraded"
				services[name] = "unhealthy: " + err.Error()
			} else {
				services[name] = "healthy"
			}
		}

		response := HealthResponse{
			Status:   status,
			Version:  version,
			Services: services,
		}

		w.Header().Set("Content-Type", "application/json")
		if status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(response)
	}
}

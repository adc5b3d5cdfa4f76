package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandlerAllDependenciesHealthy(t *testing.T) {
	h := HealthHandler("1.2.3", map[string]func() error{
		"postgres": func() error { return nil },
		"kafka":    func() error { return nil },
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Services["postgres"])
	assert.Equal(t, "healthy", resp.Services["kafka"])
}

func TestHealthHandlerDegradedOnDependencyFailure(t *testing.T) {
	h := HealthHandler("1.2.3", map[string]func() error{
		"postgres": func() error { return errors.New("connection refused") },
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Services["postgres"], "connection refused")
}

func TestHealthHandlerNoDependenciesIsHealthy(t *testing.T) {
	h := HealthHandler("1.2.3", nil)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

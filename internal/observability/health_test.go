package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler("1.2.3")(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "healthy" || status.Version != "1.2.3" || status.Service != serviceName {
		t.Errorf("Unexpected health payload: %+v", status)
	}
}

func TestReadinessHandler_AllHealthy(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"database": func(context.Context) (bool, error) { return true, nil },
		"cache":    func(context.Context) (bool, error) { return true, nil },
	}

	rec := httptest.NewRecorder()
	ReadinessHandler("dev", checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "ready" {
		t.Errorf("Expected ready, got %s", status.Status)
	}
	if len(status.Dependencies) != 2 {
		t.Errorf("Expected 2 dependencies, got %d", len(status.Dependencies))
	}
}

func TestReadinessHandler_Unhealthy(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"database":     func(context.Context) (bool, error) { return true, nil },
		"orchestrator": func(context.Context) (bool, error) { return false, errors.New("connection refused") },
	}

	rec := httptest.NewRecorder()
	ReadinessHandler("dev", checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	dep := status.Dependencies["orchestrator"]
	if dep.Status != "unhealthy" || dep.Message != "connection refused" {
		t.Errorf("Unexpected orchestrator status: %+v", dep)
	}
	if status.Dependencies["database"].Status != "healthy" {
		t.Error("Expected database to stay healthy")
	}
}

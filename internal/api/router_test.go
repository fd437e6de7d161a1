// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/schoolworks/auditcast/internal/audit"
	"github.com/schoolworks/auditcast/internal/auth"
	"github.com/schoolworks/auditcast/internal/fallback"
	"github.com/schoolworks/auditcast/internal/gateway"
	"github.com/schoolworks/auditcast/internal/health"
	"github.com/schoolworks/auditcast/internal/logging"
	"github.com/schoolworks/auditcast/internal/registry"
	"github.com/schoolworks/auditcast/internal/subscription"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

type nullSink struct{}

func (nullSink) LogActivity(*audit.Event) {}

type fakeStats struct{}

func (fakeStats) ConnectionStats() registry.Stats {
	return registry.Stats{Active: 2, TotalRegistered: 4}
}

func (fakeStats) FallbackStats() fallback.Stats {
	return fallback.Stats{Size: 1}
}

func (fakeStats) AggregatorStats() health.AggregatorStats {
	return health.AggregatorStats{CachedSnapshots: 3}
}

func newTestRouter(t *testing.T, config RouterConfig) http.Handler {
	t.Helper()

	verifier, err := auth.NewVerifier("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	sink := nullSink{}
	conns := registry.New(registry.Limits{
		MaxTotal:            10,
		MaxPerUser:          5,
		MaxPerIP:            5,
		SuspiciousThreshold: 100,
		SuspiciousDecay:     time.Minute,
	}, sink)
	queue := fallback.New(fallback.DefaultConfig(), nil)
	hub := gateway.NewHub(conns, subscription.NewRegistry(), sink, verifier, auth.NewRolePolicy(nil), queue, gateway.NewAdmissionInterceptor(10, 20))
	monitor := health.NewMonitor(fakeStats{}, sink, health.Thresholds{})

	return NewRouter(hub, monitor, fakeStats{}, config).Setup()
}

func doGet(t *testing.T, handler http.Handler, path string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp APIResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return rec, resp
}

func TestHealthEndpoints(t *testing.T) {
	handler := newTestRouter(t, DefaultRouterConfig())

	for _, path := range []string{"/healthz", "/api/v1/health/live", "/api/v1/health/ready", "/api/v1/health/"} {
		rec, resp := doGet(t, handler, path)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
		if !resp.Success {
			t.Errorf("%s success = false", path)
		}
	}
}

func TestHealthReportsAssessment(t *testing.T) {
	handler := newTestRouter(t, DefaultRouterConfig())

	rec, resp := doGet(t, handler, "/api/v1/health/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data = %T, want object", resp.Data)
	}
	if _, ok := data["score"]; !ok {
		t.Error("expected a score in the assessment")
	}
	if _, ok := data["status"]; !ok {
		t.Error("expected a status in the assessment")
	}
}

func TestDistributionStats(t *testing.T) {
	handler := newTestRouter(t, DefaultRouterConfig())

	rec, resp := doGet(t, handler, "/api/v1/distribution/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data = %T, want object", resp.Data)
	}
	for _, key := range []string{"connections", "fallback", "gateway"} {
		if _, ok := data[key]; !ok {
			t.Errorf("missing %q section", key)
		}
	}
}

func TestMonitoringStats(t *testing.T) {
	handler := newTestRouter(t, DefaultRouterConfig())

	rec, resp := doGet(t, handler, "/api/v1/distribution/monitoring")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !resp.Success {
		t.Error("success = false")
	}
}

func TestStatsRateLimit(t *testing.T) {
	config := DefaultRouterConfig()
	config.StatsLimitPerIP = 2
	handler := newTestRouter(t, config)

	for i := 0; i < 2; i++ {
		rec, _ := doGet(t, handler, "/api/v1/distribution/stats")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	rec, _ := doGet(t, handler, "/api/v1/distribution/stats")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 once the limit is spent", rec.Code)
	}
}

func TestWebsocketRouteRequiresCredential(t *testing.T) {
	handler := newTestRouter(t, DefaultRouterConfig())

	rec, _ := doGet(t, handler, "/ws")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without a credential", rec.Code)
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	handler := newTestRouter(t, DefaultRouterConfig())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	handler := newTestRouter(t, DefaultRouterConfig())

	rec, _ := doGet(t, handler, "/api/v1/unknown")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

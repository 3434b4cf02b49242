package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaygrid/core/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
}

func TestGatewayForwardsToHealthyUpstream(t *testing.T) {
	backend := newBackend(t, "hello")
	defer backend.Close()

	routes := []*Route{
		{
			Name:      "echo",
			Methods:   []string{"GET"},
			Path:      "/echo",
			Upstreams: []Upstream{{URL: backend.URL, Weight: 1}},
			Strategy:  RoundRobin,
			Enabled:   true,
		},
	}
	gw := New(Config{Routes: routes, HealthCheck: HealthCheckConfig{Interval: time.Hour}})
	defer gw.Close()

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Backend"))
}

func TestGatewayReturns404ForUnmatchedRoute(t *testing.T) {
	gw := New(Config{Routes: nil, HealthCheck: HealthCheckConfig{Interval: time.Hour}})
	defer gw.Close()

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGatewayReturns401WhenUnauthenticated(t *testing.T) {
	routes := []*Route{
		{Name: "secure", Methods: []string{"GET"}, Path: "/secure", Upstreams: []Upstream{{URL: "http://unused"}}, RequiredRoles: []string{"admin"}, Enabled: true},
	}
	gw := New(Config{Routes: routes, HealthCheck: HealthCheckConfig{Interval: time.Hour}})
	defer gw.Close()

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGatewayReturns403WhenMissingRole(t *testing.T) {
	routes := []*Route{
		{Name: "secure", Methods: []string{"GET"}, Path: "/secure", Upstreams: []Upstream{{URL: "http://unused"}}, RequiredRoles: []string{"admin"}, Enabled: true},
	}
	gw := New(Config{
		Routes:      routes,
		HealthCheck: HealthCheckConfig{Interval: time.Hour},
		Resolver: func(r *http.Request) security.Context {
			return &security.Static{ID: "user-1", RoleSet: []string{"viewer"}}
		},
	})
	defer gw.Close()

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGatewayReturns503WhenNoUpstreamHealthy(t *testing.T) {
	routes := []*Route{
		{Name: "down", Methods: []string{"GET"}, Path: "/down", Upstreams: nil, Enabled: true},
	}
	gw := New(Config{Routes: routes, HealthCheck: HealthCheckConfig{Interval: time.Hour}})
	defer gw.Close()

	req := httptest.NewRequest(http.MethodGet, "/down", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGatewayReturns429WhenRateLimited(t *testing.T) {
	backend := newBackend(t, "ok")
	defer backend.Close()

	routes := []*Route{
		{
			Name:      "limited",
			Methods:   []string{"GET"},
			Path:      "/limited",
			Upstreams: []Upstream{{URL: backend.URL}},
			RateLimit: RateLimitConfig{Capacity: 1, RefillPerSec: 0.001},
			Enabled:   true,
		},
	}
	gw := New(Config{Routes: routes, HealthCheck: HealthCheckConfig{Interval: time.Hour}})
	defer gw.Close()

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "203.0.113.9:1234"

	rec1 := httptest.NewRecorder()
	gw.ServeHTTP(rec1, req)
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	gw.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.NotEmpty(t, rec2.Header().Get("Retry-After"))
}

func TestGatewayOverCapacityReturns503Immediately(t *testing.T) {
	backend := newBackend(t, "ok")
	defer backend.Close()

	routes := []*Route{
		{Name: "cap", Methods: []string{"GET"}, Path: "/cap", Upstreams: []Upstream{{URL: backend.URL}}, Enabled: true},
	}
	gw := New(Config{Routes: routes, MaxConcurrent: 1, HealthCheck: HealthCheckConfig{Interval: time.Hour}})
	defer gw.Close()
	gw.sem <- struct{}{} // simulate a slot already in use

	req := httptest.NewRequest(http.MethodGet, "/cap", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NodeTunnel/relay-server/internal/metrics"
)

func TestHealthEndpointReturnsOK(t *testing.T) {
	e := NewServer(metrics.New(), "/metrics")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetricsEndpointServesPrometheusExposition(t *testing.T) {
	m := metrics.New()
	m.MessagesReceived.Inc()
	e := NewServer(m, "/metrics")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_messages_received_total")
}

func TestMetricsEndpointHonorsConfiguredRoute(t *testing.T) {
	e := NewServer(metrics.New(), "/custom-metrics")

	req := httptest.NewRequest(http.MethodGet, "/custom-metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "the default route must not also be registered")
}

func TestMetricsEndpointFallsBackWhenRouteEmpty(t *testing.T) {
	e := NewServer(metrics.New(), "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

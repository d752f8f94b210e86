package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flarerelay/msgcore/internal/breaker"
	"github.com/flarerelay/msgcore/internal/stream"
)

type fakeBreakerReporter struct {
	stats map[string]breaker.Stats
}

func (f *fakeBreakerReporter) BreakerStats() map[string]breaker.Stats {
	return f.stats
}

func newTestBus(t *testing.T) stream.EventBus {
	t.Helper()
	bus, err := stream.NewStubBus(stream.DefaultStubConfig())
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	return bus
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	bus := newTestBus(t)
	reporter := &fakeBreakerReporter{stats: map[string]breaker.Stats{
		"friend_service": {State: breaker.StateClosed},
	}}
	srv := NewServer(DefaultConfig(":0"), bus, reporter)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Healthy)
	require.Len(t, resp.Components, 2)
}

func TestHandleHealth_OpenBreakerReportsUnhealthy(t *testing.T) {
	bus := newTestBus(t)
	reporter := &fakeBreakerReporter{stats: map[string]breaker.Stats{
		"friend_service": {State: breaker.StateOpen},
	}}
	srv := NewServer(DefaultConfig(":0"), bus, reporter)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.False(t, resp.Healthy)
}

func TestHandleHealth_NoDependenciesConfigured(t *testing.T) {
	srv := NewServer(DefaultConfig(":0"), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsEndpoint_ServesPrometheusFormat(t *testing.T) {
	srv := NewServer(DefaultConfig(":0"), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "msgcore_")
}

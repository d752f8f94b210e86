package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flarerelay/msgcore/internal/infrastructure/async"
	"github.com/flarerelay/msgcore/internal/model"
)

func TestHTTPGatewayPusher_PostsToRouteAddress(t *testing.T) {
	var gotPath, gotDeviceID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDeviceID = r.Header.Get("X-Device-ID")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := async.NewConnectionPool(async.DefaultPoolConfig())
	defer pool.Close()
	pusher := NewHTTPGatewayPusher(pool, "/internal/push")

	route := model.RouteEntry{DeviceID: "device-1", Address: strings.TrimPrefix(srv.URL, "http://")}
	err := pusher.Push(context.Background(), route, []byte(`{"hello":"world"}`))
	require.NoError(t, err)
	require.Equal(t, "/internal/push", gotPath)
	require.Equal(t, "device-1", gotDeviceID)
}

func TestHTTPGatewayPusher_ErrorsOnRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	pool := async.NewConnectionPool(async.DefaultPoolConfig())
	defer pool.Close()
	pusher := NewHTTPGatewayPusher(pool, "/internal/push")

	route := model.RouteEntry{DeviceID: "device-1", Address: strings.TrimPrefix(srv.URL, "http://")}
	err := pusher.Push(context.Background(), route, []byte(`{}`))
	require.Error(t, err)
}

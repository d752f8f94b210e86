package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/flarerelay/msgcore/internal/infrastructure/async"
	"github.com/flarerelay/msgcore/internal/model"
)

// HTTPGatewayPusher pushes a message to a connected device's gateway over
// HTTP, reusing one pooled client per gateway host so a hot gateway under
// sustained load reuses kept-alive connections instead of dialing per
// message. Pushes use plain http://, not TLS.
type HTTPGatewayPusher struct {
	pool *async.ConnectionPool
	path string
}

// NewHTTPGatewayPusher builds a pusher that POSTs to
// http://{route.Address}{path} for every delivery.
func NewHTTPGatewayPusher(pool *async.ConnectionPool, path string) *HTTPGatewayPusher {
	return &HTTPGatewayPusher{pool: pool, path: path}
}

// Push satisfies delivery.GatewayPusher.
func (p *HTTPGatewayPusher) Push(ctx context.Context, route model.RouteEntry, payload []byte) error {
	url := fmt.Sprintf("http://%s%s", route.Address, p.path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build push request to %s: %w", route.Address, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", route.DeviceID)

	resp, err := p.pool.DoRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("push to %s: %w", route.Address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway %s rejected push: HTTP %d", route.Address, resp.StatusCode)
	}
	return nil
}

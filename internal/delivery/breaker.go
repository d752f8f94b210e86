package delivery

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// gatewayBreakers owns one sony/gobreaker.CircuitBreaker per gateway
// address, created lazily. Gateway pushes are addressed by instance, so
// a breaker per address sheds load from a single unhealthy instance
// without penalizing pushes to every other gateway.
type gatewayBreakers struct {
	mu       sync.Mutex
	byAddr   map[string]*gobreaker.CircuitBreaker
}

func newGatewayBreakers() *gatewayBreakers {
	return &gatewayBreakers{byAddr: make(map[string]*gobreaker.CircuitBreaker)}
}

func (g *gatewayBreakers) get(address string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.byAddr[address]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway:" + address,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	g.byAddr[address] = cb
	return cb
}

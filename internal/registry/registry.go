// Package registry implements the Session Registry: the connect,
// disconnect, heartbeat, and route-lookup operations that map a user's
// live devices to the gateway address each is attached to. State lives
// in Redis: a hash session:{user_id} of device_id -> encoded RouteEntry
// with a TTL refreshed on every heartbeat, plus a reverse index
// session_id -> {user_id, device_id} so a gateway disconnect event (which
// only knows the session id) can find what to remove.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flarerelay/msgcore/internal/metrics"
	"github.com/flarerelay/msgcore/internal/model"
)

const (
	sessionKeyPrefix = "session:"
	reverseKeyPrefix = "session_id:"
)

// Registry is the Redis-backed Session Registry.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a Registry against an already-configured Redis client.
// heartbeatTimeout is the TTL applied to every route on connect and
// refreshed on every heartbeat.
func New(client *redis.Client, heartbeatTimeout time.Duration) *Registry {
	return &Registry{client: client, ttl: heartbeatTimeout}
}

func sessionKey(userID string) string { return sessionKeyPrefix + userID }
func reverseKey(sessionID string) string { return reverseKeyPrefix + sessionID }

// Connect records a new live route for userID/deviceID at address,
// keyed by a fresh session id, and returns that session id.
func (r *Registry) Connect(ctx context.Context, userID, deviceID, address string) (string, error) {
	route := model.RouteEntry{
		UserID:     userID,
		DeviceID:   deviceID,
		SessionID:  fmt.Sprintf("%s:%s:%d", userID, deviceID, time.Now().UnixNano()),
		Address:    address,
		LastSeen:   time.Now(),
	}

	encoded, err := json.Marshal(route)
	if err != nil {
		return "", fmt.Errorf("encode route for %s/%s: %w", userID, deviceID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(userID), deviceID, encoded)
	pipe.Expire(ctx, sessionKey(userID), r.ttl)
	pipe.Set(ctx, reverseKey(route.SessionID), userID+"|"+deviceID, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("connect %s/%s: %w", userID, deviceID, err)
	}

	metrics.ActiveSessions.Inc()
	return route.SessionID, nil
}

// Disconnect removes a route by session id, looked up through the
// reverse index.
func (r *Registry) Disconnect(ctx context.Context, sessionID string) error {
	raw, err := r.client.Get(ctx, reverseKey(sessionID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve session %s: %w", sessionID, err)
	}

	userID, deviceID, err := splitUserDevice(raw)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, sessionKey(userID), deviceID)
	pipe.Del(ctx, reverseKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("disconnect %s: %w", sessionID, err)
	}

	metrics.ActiveSessions.Dec()
	return nil
}

// Heartbeat refreshes the TTL on userID's session hash and the reverse
// index entry for sessionID, keeping the route alive.
func (r *Registry) Heartbeat(ctx context.Context, userID, sessionID string) error {
	pipe := r.client.TxPipeline()
	pipe.Expire(ctx, sessionKey(userID), r.ttl)
	pipe.Expire(ctx, reverseKey(sessionID), r.ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat %s/%s: %w", userID, sessionID, err)
	}
	return nil
}

// GetRoutes returns every live route for userID.
func (r *Registry) GetRoutes(ctx context.Context, userID string) ([]model.RouteEntry, error) {
	raw, err := r.client.HGetAll(ctx, sessionKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get routes for %s: %w", userID, err)
	}

	routes := make([]model.RouteEntry, 0, len(raw))
	for _, encoded := range raw {
		var route model.RouteEntry
		if err := json.Unmarshal([]byte(encoded), &route); err != nil {
			continue
		}
		if route.Live(r.ttl, time.Now()) {
			routes = append(routes, route)
		}
	}
	return routes, nil
}

// GetRoutesBatch resolves routes for many users in one round trip,
// used by the Delivery Worker's group fan-out.
func (r *Registry) GetRoutesBatch(ctx context.Context, userIDs []string) (map[string][]model.RouteEntry, error) {
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(userIDs))
	for _, userID := range userIDs {
		cmds[userID] = pipe.HGetAll(ctx, sessionKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("batch get routes: %w", err)
	}

	result := make(map[string][]model.RouteEntry, len(userIDs))
	for userID, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			continue
		}
		routes := make([]model.RouteEntry, 0, len(raw))
		for _, encoded := range raw {
			var route model.RouteEntry
			if err := json.Unmarshal([]byte(encoded), &route); err == nil && route.Live(r.ttl, time.Now()) {
				routes = append(routes, route)
			}
		}
		result[userID] = routes
	}
	return result, nil
}

func splitUserDevice(raw string) (userID, deviceID string, err error) {
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '|' {
			return raw[:i], raw[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed reverse index value %q", raw)
}

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"

	"github.com/flarerelay/msgcore/internal/model"
)

// legacyRoute is the pre-migration wire shape written by an older
// registry client generation: gateway_addr instead of address, and a
// unix-millis heartbeat instead of a last_seen timestamp.
type legacyRoute struct {
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	GatewayAddr  string `json:"gateway_addr"`
	HeartbeatMS  int64  `json:"heartbeat_ms"`
}

// LegacyMigrator reads session hashes written in the pre-v9 format
// through a go-redis/v8 client and converts them into the current
// RouteEntry shape. It exists only to drain sessions created before a
// registry node was upgraded; the v9-backed Registry owns every new
// write.
type LegacyMigrator struct {
	client *redisv8.Client
}

// NewLegacyMigrator wraps an existing go-redis/v8 client.
func NewLegacyMigrator(client *redisv8.Client) *LegacyMigrator {
	return &LegacyMigrator{client: client}
}

// ReadLegacySession decodes every device entry in userID's legacy
// session hash into the current RouteEntry shape.
func (m *LegacyMigrator) ReadLegacySession(ctx context.Context, userID string) ([]model.RouteEntry, error) {
	raw, err := m.client.HGetAll(ctx, sessionKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read legacy session for %s: %w", userID, err)
	}

	routes := make([]model.RouteEntry, 0, len(raw))
	for deviceID, encoded := range raw {
		var legacy legacyRoute
		if err := json.Unmarshal([]byte(encoded), &legacy); err != nil {
			return nil, fmt.Errorf("decode legacy route %s/%s: %w", userID, deviceID, err)
		}
		routes = append(routes, model.RouteEntry{
			UserID:   legacy.UserID,
			DeviceID: legacy.DeviceID,
			Address:  legacy.GatewayAddr,
			LastSeen: time.UnixMilli(legacy.HeartbeatMS),
		})
	}
	return routes, nil
}

// Migrate reads userID's legacy session through the v8 client and
// rewrites it in the current format through dst. Both formats share the
// session:{user_id} hash, so each migrated device's field is overwritten
// in place and dst.Connect refreshes the key's TTL.
func (m *LegacyMigrator) Migrate(ctx context.Context, dst *Registry, userID string) error {
	routes, err := m.ReadLegacySession(ctx, userID)
	if err != nil {
		return err
	}
	for _, route := range routes {
		if _, err := dst.Connect(ctx, route.UserID, route.DeviceID, route.Address); err != nil {
			return fmt.Errorf("migrate route %s/%s: %w", route.UserID, route.DeviceID, err)
		}
	}
	return nil
}

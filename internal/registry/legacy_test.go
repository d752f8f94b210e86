package registry

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/require"
)

func TestLegacyMigrator_ReadLegacySession(t *testing.T) {
	client, mock := redismock.NewClientMock()
	migrator := NewLegacyMigrator(client)

	mock.ExpectHGetAll(sessionKey("u1")).SetVal(map[string]string{
		"d1": `{"user_id":"u1","device_id":"d1","gateway_addr":"gw-old-1","heartbeat_ms":1700000000000}`,
	})

	routes, err := migrator.ReadLegacySession(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	require.Equal(t, "gw-old-1", routes[0].Address)
	require.Equal(t, "d1", routes[0].DeviceID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLegacyMigrator_ReadLegacySession_MalformedEntry(t *testing.T) {
	client, mock := redismock.NewClientMock()
	migrator := NewLegacyMigrator(client)

	mock.ExpectHGetAll(sessionKey("u1")).SetVal(map[string]string{
		"d1": `not-json`,
	})

	_, err := migrator.ReadLegacySession(context.Background(), "u1")
	require.Error(t, err)
}

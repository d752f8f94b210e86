package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionAndReverseKeys(t *testing.T) {
	require.Equal(t, "session:u1", sessionKey("u1"))
	require.Equal(t, "session_id:sess-1", reverseKey("sess-1"))
}

func TestSplitUserDevice(t *testing.T) {
	userID, deviceID, err := splitUserDevice("u1|d1")
	require.NoError(t, err)
	require.Equal(t, "u1", userID)
	require.Equal(t, "d1", deviceID)

	_, _, err = splitUserDevice("no-separator")
	require.Error(t, err)
}

func TestSplitUserDevice_DeviceIDContainsNoSeparator(t *testing.T) {
	userID, deviceID, err := splitUserDevice("user|with|pipes|d1")
	require.NoError(t, err)
	require.Equal(t, "user|with|pipes", userID)
	require.Equal(t, "d1", deviceID)
}

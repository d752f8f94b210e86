package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flarerelay/msgcore/internal/model"
	"github.com/flarerelay/msgcore/internal/stream"
)

func newStubBus(t *testing.T) *stream.StubBus {
	t.Helper()
	bus, err := stream.NewStubBus(stream.DefaultStubConfig())
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	return bus.(*stream.StubBus)
}

func TestTopicPublisher_PublishStatus_FlushesOnIntervalElapse(t *testing.T) {
	bus := newStubBus(t)
	pub := NewTopicPublisher(bus, "offline_notifications", "message_status")

	ctx := context.Background()
	require.NoError(t, pub.Start(ctx))

	require.NoError(t, pub.PublishStatus(ctx, "msg-1", model.StatusDelivered))
	require.NoError(t, pub.PublishStatus(ctx, "msg-2", model.StatusRead))

	require.Eventually(t, func() bool {
		return len(bus.GetAllMessages("message_status")) == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, pub.Stop(context.Background()))
}

func TestTopicPublisher_PublishOffline_FlushesOnBatchSizeReached(t *testing.T) {
	bus := newStubBus(t)
	pub := NewTopicPublisher(bus, "offline_notifications", "message_status")

	ctx := context.Background()
	require.NoError(t, pub.Start(ctx))
	defer pub.Stop(context.Background())

	msg := &model.Message{ServerMsgID: "server-1", SendID: "user-a", RecvID: "user-b"}
	for i := 0; i < 50; i++ {
		require.NoError(t, pub.PublishOffline(ctx, "user-b", msg))
	}

	require.Eventually(t, func() bool {
		return len(bus.GetAllMessages("offline_notifications")) == 50
	}, time.Second, 10*time.Millisecond)
}

func TestTopicPublisher_Stop_FlushesRemainingBuffer(t *testing.T) {
	bus := newStubBus(t)
	pub := NewTopicPublisher(bus, "offline_notifications", "message_status")

	ctx := context.Background()
	require.NoError(t, pub.Start(ctx))
	require.NoError(t, pub.PublishStatus(ctx, "msg-3", model.StatusSent))

	require.NoError(t, pub.Stop(context.Background()))
	require.Len(t, bus.GetAllMessages("message_status"), 1)
}

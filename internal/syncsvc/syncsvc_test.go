package syncsvc

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/require"

	"github.com/flarerelay/msgcore/internal/model"
	"github.com/flarerelay/msgcore/internal/stream"
)

type fakePresence struct {
	online map[string]bool
}

func (f *fakePresence) GetRoutes(ctx context.Context, userID string) ([]model.RouteEntry, error) {
	if f.online[userID] {
		return []model.RouteEntry{{UserID: userID, DeviceID: "d1", Address: "gw-1"}}, nil
	}
	return nil, nil
}

func newTestBus(t *testing.T) *stream.StubBus {
	t.Helper()
	bus, err := stream.NewStubBus(stream.DefaultStubConfig())
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	return bus.(*stream.StubBus)
}

func newTestService(t *testing.T) (*Service, redismock.ClientMock, *InMemoryStore) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	store := NewInMemoryStore()
	presence := &fakePresence{online: map[string]bool{}}
	bus := newTestBus(t)
	svc := New(client, store, presence, bus, "message_distribution")
	return svc, mock, store
}

func TestGetSequence_ReservesContiguousBlock(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.ExpectIncrBy(sequenceKey("conv-1"), 5).SetVal(5)

	start, end, err := svc.GetSequence(context.Background(), "conv-1", 5)
	require.NoError(t, err)
	require.Equal(t, int64(1), start)
	require.Equal(t, int64(5), end)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextSequence_SingleIncrement(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.ExpectIncrBy(sequenceKey("conv-1"), 1).SetVal(1)

	seq, err := svc.NextSequence(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
}

func TestSyncPoint_RoundTrip(t *testing.T) {
	svc, mock, _ := newTestService(t)
	point := model.SyncPoint{UserID: "u1", DeviceID: "d1", Sequence: 42}

	mock.Regexp().ExpectSet(syncPointKey("u1", "d1"), `.*`, 0).SetVal("OK")
	require.NoError(t, svc.UpdateSyncPoint(context.Background(), point))

	mock.ExpectGet(syncPointKey("u1", "d1")).SetVal(`{"user_id":"u1","device_id":"d1","sequence":42,"sync_time":"2026-01-01T00:00:00Z"}`)
	got, err := svc.GetSyncPoint(context.Background(), "u1", "d1")
	require.NoError(t, err)
	require.Equal(t, int64(42), got.Sequence)
}

func TestGetSyncPoint_Unset(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.ExpectGet(syncPointKey("u1", "d1")).RedisNil()

	got, err := svc.GetSyncPoint(context.Background(), "u1", "d1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestIncrementalSync_RejectsStaleClientSequence(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.ExpectGet(syncPointKey("u1", "d1")).SetVal(`{"user_id":"u1","device_id":"d1","sequence":50}`)

	_, err := svc.IncrementalSync(context.Background(), "u1", "d1", 10, 100)
	require.ErrorIs(t, err, ErrSequence)
}

func TestIncrementalSync_ReturnsMessagesAfterSeq(t *testing.T) {
	svc, mock, store := newTestService(t)
	mock.ExpectGet(syncPointKey("u1", "d1")).RedisNil()

	store.AddMessage("u1", model.Message{ServerMsgID: "m1", SendID: "u1", RecvID: "u2", Seq: 1, CreateTime: time.Unix(1, 0)})
	store.AddMessage("u1", model.Message{ServerMsgID: "m2", SendID: "u1", RecvID: "u2", Seq: 2, CreateTime: time.Unix(2, 0)})

	result, err := svc.IncrementalSync(context.Background(), "u1", "d1", 1, 10)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	require.Equal(t, "m2", result.Messages[0].ServerMsgID)
	require.Equal(t, int64(2), result.CurrentSequence)
}

func TestFullSync_BuildsConversationsAndPresence(t *testing.T) {
	svc, _, store := newTestService(t)
	svc.presence = &fakePresence{online: map[string]bool{"u2": true}}

	store.AddMessage("u1", model.Message{ServerMsgID: "m1", SendID: "u1", RecvID: "u2", Seq: 1, CreateTime: time.Unix(1, 0)})

	result, err := svc.FullSync(context.Background(), "u1", "d1", 50, 0)
	require.NoError(t, err)
	require.Len(t, result.Conversations, 1)
	require.Len(t, result.UserStatuses, 1)
	require.Equal(t, "u2", result.UserStatuses[0].UserID)
	require.Equal(t, model.PresenceOnline, result.UserStatuses[0].Status)
}

func TestMessageOperation_AssignsSequenceAndBroadcasts(t *testing.T) {
	svc, mock, store := newTestService(t)
	mock.ExpectIncrBy(sequenceKey("conv-1"), 1).SetVal(1)

	seq, err := svc.MessageOperation(context.Background(), model.MessageOperation{
		ConversationID: "conv-1",
		MessageID:      "m1",
		UserID:         "u1",
		Type:           model.OpRecall,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	ops, err := store.OperationsAfter(context.Background(), "u1", 0, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, int64(1), ops[0].Sequence)
	require.NotEmpty(t, ops[0].ID)
}

func TestSyncStatus_MarksRead(t *testing.T) {
	svc, _, store := newTestService(t)
	store.AddMessage("u1", model.Message{ServerMsgID: "m1", SendID: "u1", RecvID: "u2", Seq: 1})

	statuses, err := svc.SyncStatus(context.Background(), "u2", []string{"m1"}, "read")
	require.NoError(t, err)
	require.Len(t, statuses, 1)

	statuses, err = store.Statuses(context.Background(), []string{"m1"})
	require.NoError(t, err)
	require.Equal(t, model.StatusRead, statuses[0].Status)
}

func TestPeerIDs_ExtractsDistinctCounterparts(t *testing.T) {
	ids := peerIDs([]string{"u1:u2", "u1:u3", "group-conv"}, "u1")
	require.ElementsMatch(t, []string{"u2", "u3"}, ids)
}

package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flarerelay/msgcore/internal/model"
	"github.com/flarerelay/msgcore/internal/stream"
)

func newTestBus(t *testing.T) *stream.StubBus {
	t.Helper()
	bus, err := stream.NewStubBus(stream.DefaultStubConfig())
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	return bus.(*stream.StubBus)
}

type fakeSync struct {
	seqCalls    int
	notifyCalls int
	notifyErr   error
	lastSeq     int64
}

func (f *fakeSync) NextSequence(ctx context.Context, conversationID string) (int64, error) {
	f.seqCalls++
	f.lastSeq++
	return f.lastSeq, nil
}

func (f *fakeSync) NotifyNewMessage(ctx context.Context, conversationID string, seq int64) error {
	f.notifyCalls++
	return f.notifyErr
}

func TestRoute_AssignsServerMsgIDAndAppendsBothTopics(t *testing.T) {
	bus := newTestBus(t)
	sync := &fakeSync{}
	r := New(bus, "message_store", "message_distribution", sync)

	msg := &model.Message{SendID: "u1", RecvID: "u2", SessionType: model.SessionSingle, Content: []byte("hi")}
	id, err := r.Route(context.Background(), msg)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, id, msg.ServerMsgID)

	require.Len(t, bus.GetAllMessages("message_store"), 1)
	require.Len(t, bus.GetAllMessages("message_distribution"), 1)
	require.Equal(t, 1, sync.notifyCalls)
	require.Equal(t, int64(1), msg.Seq, "router assigns the conversation's next sequence number")

	var env stream.Envelope
	require.NoError(t, json.Unmarshal(bus.GetAllMessages("message_store")[0].Payload, &env))
	require.Equal(t, id, env.MessageID)
	require.Equal(t, msg.ConversationID(), env.ConversationID)
}

func TestRoute_KeepsClientSuppliedServerMsgID(t *testing.T) {
	bus := newTestBus(t)
	r := New(bus, "message_store", "message_distribution", nil)

	msg := &model.Message{ServerMsgID: "preset", SendID: "u1", RecvID: "u2", Content: []byte("hi")}
	id, err := r.Route(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, "preset", id)
}

func TestRoute_SyncFailureIsNonFatal(t *testing.T) {
	bus := newTestBus(t)
	sync := &fakeSync{notifyErr: errors.New("sync coordinator unreachable")}
	r := New(bus, "message_store", "message_distribution", sync)

	msg := &model.Message{SendID: "u1", RecvID: "u2", Content: []byte("hi")}
	_, err := r.Route(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, 1, sync.notifyCalls)
}

func TestRoute_PartitionsByConversationID(t *testing.T) {
	bus := newTestBus(t)
	r := New(bus, "message_store", "message_distribution", nil)

	msgA := &model.Message{SendID: "u1", RecvID: "u2", Content: []byte("a")}
	msgB := &model.Message{SendID: "u2", RecvID: "u1", Content: []byte("b")}
	_, err := r.Route(context.Background(), msgA)
	require.NoError(t, err)
	_, err = r.Route(context.Background(), msgB)
	require.NoError(t, err)

	msgs := bus.GetAllMessages("message_store")
	require.Len(t, msgs, 2)
	require.Equal(t, msgs[0].Key, msgs[1].Key, "both directions of a 1:1 conversation must share a partition key")
}

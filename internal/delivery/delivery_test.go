package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flarerelay/msgcore/internal/collaborator"
	"github.com/flarerelay/msgcore/internal/config"
	"github.com/flarerelay/msgcore/internal/model"
	"github.com/flarerelay/msgcore/internal/stream"
)

type fakeRoutes struct {
	mu     sync.Mutex
	byUser map[string][]model.RouteEntry
}

func newFakeRoutes() *fakeRoutes { return &fakeRoutes{byUser: make(map[string][]model.RouteEntry)} }

func (f *fakeRoutes) set(userID string, routes ...model.RouteEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byUser[userID] = routes
}

func (f *fakeRoutes) GetRoutes(ctx context.Context, userID string) ([]model.RouteEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byUser[userID], nil
}

func (f *fakeRoutes) GetRoutesBatch(ctx context.Context, userIDs []string) (map[string][]model.RouteEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]model.RouteEntry, len(userIDs))
	for _, userID := range userIDs {
		if routes := f.byUser[userID]; len(routes) > 0 {
			out[userID] = routes
		}
	}
	return out, nil
}

type fakeGateway struct {
	mu      sync.Mutex
	pushes  int
	failFor map[string]bool
}

func newFakeGateway() *fakeGateway { return &fakeGateway{failFor: make(map[string]bool)} }

func (g *fakeGateway) Push(ctx context.Context, route model.RouteEntry, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes++
	if g.failFor[route.Address] {
		return errors.New("gateway unreachable")
	}
	return nil
}

type fakeOffline struct {
	mu    sync.Mutex
	calls []string
}

func (o *fakeOffline) PublishOffline(ctx context.Context, userID string, msg *model.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, userID)
	return nil
}

type fakeStatus struct {
	mu       sync.Mutex
	statuses []model.Status
}

func (s *fakeStatus) PublishStatus(ctx context.Context, serverMsgID string, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func newTestWorker(t *testing.T) (*Worker, *fakeRoutes, *fakeGateway, *fakeOffline, *fakeStatus, *collaborator.FakeGroupService) {
	t.Helper()
	bus, err := stream.NewStubBus(stream.DefaultStubConfig())
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))

	routes := newFakeRoutes()
	gateway := newFakeGateway()
	offline := &fakeOffline{}
	status := &fakeStatus{}
	groups := collaborator.NewFakeGroupService()

	cfg := config.Default()
	w := New(bus, routes, groups, gateway, offline, status, cfg.Kafka.TopicDistribution, cfg.Delivery, cfg.Retry)
	return w, routes, gateway, offline, status, groups
}

func TestDeliver1to1_PushesToLiveRoute(t *testing.T) {
	w, routes, gateway, offline, status, _ := newTestWorker(t)
	routes.set("u2", model.RouteEntry{UserID: "u2", DeviceID: "d1", Address: "gw1"})

	msg := &model.Message{ServerMsgID: "m1", SendID: "u1", RecvID: "u2", SessionType: model.SessionSingle, Content: []byte("hi")}
	err := w.Deliver(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, 1, gateway.pushes)
	require.Empty(t, offline.calls)
	require.Contains(t, status.statuses, model.StatusDelivered)
}

func TestDeliver1to1_FallsBackToOfflineWhenNoRoutes(t *testing.T) {
	w, _, _, offline, _, _ := newTestWorker(t)

	msg := &model.Message{ServerMsgID: "m1", SendID: "u1", RecvID: "u2", SessionType: model.SessionSingle, Content: []byte("hi")}
	err := w.Deliver(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, offline.calls)
}

func TestDeliverGroup_FansOutToMembers(t *testing.T) {
	w, routes, gateway, _, _, groups := newTestWorker(t)
	groups.AddMember("g1", "u1")
	groups.AddMember("g1", "u2")
	groups.AddMember("g1", "u3")
	routes.set("u2", model.RouteEntry{UserID: "u2", DeviceID: "d2", Address: "gw1"})
	routes.set("u3", model.RouteEntry{UserID: "u3", DeviceID: "d3", Address: "gw2"})

	msg := &model.Message{ServerMsgID: "m1", SendID: "u1", GroupID: "g1", SessionType: model.SessionNormalGroup, Content: []byte("hi")}
	err := w.Deliver(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, 2, gateway.pushes, "sender is excluded from fan-out, two other members each receive one push")
}

func TestHandleFailure_DeadLettersWhenRetriesExhausted(t *testing.T) {
	w, routes, gateway, _, status, _ := newTestWorker(t)
	routes.set("u2", model.RouteEntry{UserID: "u2", DeviceID: "d1", Address: "gw-down"})
	gateway.failFor["gw-down"] = true
	w.retry = &RetryScheduler{maxRetries: 0, baseDelay: time.Millisecond, maxDelay: time.Millisecond}

	msg := &model.Message{ServerMsgID: "m1", SendID: "u1", RecvID: "u2", SessionType: model.SessionSingle, Content: []byte("hi")}
	err := w.Deliver(context.Background(), msg)
	require.Error(t, err)
	require.Contains(t, status.statuses, model.StatusFailed)
}

func TestHandleMessagesPriority_UrgentQueuedSeparately(t *testing.T) {
	w, _, _, _, _, _ := newTestWorker(t)
	urgent := &model.Message{ServerMsgID: "u", Status: model.StatusUrgent}
	normal := &model.Message{ServerMsgID: "n"}

	// HandleMessagesPriority now blocks until Run (not started in this
	// test) reports an outcome, so call it in the background and drain
	// the queues directly to observe which channel each message landed on.
	normalDone := make(chan error, 1)
	go func() { normalDone <- w.HandleMessagesPriority(context.Background(), normal) }()
	urgentDone := make(chan error, 1)
	go func() { urgentDone <- w.HandleMessagesPriority(context.Background(), urgent) }()

	var urgentPending *pendingMessage
	select {
	case urgentPending = <-w.urgent:
		require.Equal(t, "u", urgentPending.msg.ServerMsgID)
	case <-time.After(time.Second):
		t.Fatal("expected urgent message queued on the urgent channel")
	}

	var normalPending *pendingMessage
	select {
	case normalPending = <-w.normal:
		require.Equal(t, "n", normalPending.msg.ServerMsgID)
	case <-time.After(time.Second):
		t.Fatal("expected normal message queued on the normal channel")
	}

	urgentPending.result <- nil
	normalPending.result <- nil
	require.NoError(t, <-urgentDone)
	require.NoError(t, <-normalDone)
}

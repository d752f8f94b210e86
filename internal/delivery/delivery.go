// Package delivery implements the Delivery Worker: it consumes the
// message_distribution topic and pushes each message to its recipients'
// connected gateways, falling back to an offline push when nobody is
// connected, retrying transient failures with exponential backoff, and
// handing permanently-failed messages to the dead_letter topic.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/flarerelay/msgcore/internal/collaborator"
	"github.com/flarerelay/msgcore/internal/config"
	"github.com/flarerelay/msgcore/internal/infrastructure/async"
	"github.com/flarerelay/msgcore/internal/log"
	"github.com/flarerelay/msgcore/internal/metrics"
	"github.com/flarerelay/msgcore/internal/model"
	"github.com/flarerelay/msgcore/internal/stream"
)

var logger = log.For("delivery.worker")

// RouteProvider is the Session Registry capability the worker depends
// on: resolving a user (or a page of group members) to their live
// routes. GetRoutesBatch resolves a whole page of group members in one
// round trip, bounding per-RPC size to the page size instead of issuing
// one lookup per member.
type RouteProvider interface {
	GetRoutes(ctx context.Context, userID string) ([]model.RouteEntry, error)
	GetRoutesBatch(ctx context.Context, userIDs []string) (map[string][]model.RouteEntry, error)
}

// GatewayPusher delivers one envelope to one connected device. The
// worker wraps every call in a per-address gobreaker circuit breaker
// so one unhealthy gateway instance doesn't stall delivery to others.
type GatewayPusher interface {
	Push(ctx context.Context, route model.RouteEntry, payload []byte) error
}

// OfflinePublisher forwards a message to the offline_notifications
// topic when a recipient has no live route.
type OfflinePublisher interface {
	PublishOffline(ctx context.Context, userID string, msg *model.Message) error
}

// StatusPublisher announces a terminal or intermediate delivery status
// on the message_status topic.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, serverMsgID string, status model.Status) error
}

// Worker consumes message_distribution and fans each message out to
// its recipients.
type Worker struct {
	bus              stream.EventBus
	routes           RouteProvider
	groups           collaborator.GroupService
	gateway          GatewayPusher
	offline          OfflinePublisher
	status           StatusPublisher
	retry            *RetryScheduler
	concurrency      *async.ConcurrencyManager
	breakers         *gatewayBreakers
	cfg              config.DeliveryConfig
	groupPage        int
	routeConcurrency int

	urgent chan *pendingMessage
	normal chan *pendingMessage
}

// pendingMessage pairs a queued message with the channel its eventual
// delivery outcome is reported on, so HandleMessagesPriority's caller
// (the Kafka consumer loop) can block for the real outcome before
// deciding whether to commit the offset, instead of committing the
// instant the message is merely queued.
type pendingMessage struct {
	msg    *model.Message
	result chan error
}

// New builds a Worker. deliveryCfg.GroupFanoutPageSize bounds how many
// members are paged per ListMembersPage call during group fan-out. distributionTopic is
// where a failed delivery's retry is re-appended, per the Distribution
// topic's at-least-once redelivery contract.
func New(bus stream.EventBus, routes RouteProvider, groups collaborator.GroupService, gateway GatewayPusher, offline OfflinePublisher, status StatusPublisher, distributionTopic string, deliveryCfg config.DeliveryConfig, retryCfg config.RetryConfig) *Worker {
	return &Worker{
		bus:              bus,
		routes:           routes,
		groups:           groups,
		gateway:          gateway,
		offline:          offline,
		status:           status,
		retry:            NewRetryScheduler(bus, distributionTopic, retryCfg),
		concurrency:      async.NewConcurrencyManager(deliveryCfg.MaxConcurrentDeliveries, 200*time.Millisecond),
		breakers:         newGatewayBreakers(),
		cfg:              deliveryCfg,
		groupPage:        deliveryCfg.GroupFanoutPageSize,
		routeConcurrency: deliveryCfg.RouteFanoutConcurrency,
		urgent:           make(chan *pendingMessage, 1024),
		normal:           make(chan *pendingMessage, 4096),
	}
}

// HandleMessagesPriority is the entry point a message_distribution
// consumer hands each decoded message to. Urgent messages (those whose
// Status is StatusUrgent; AtUserList is not consulted) are queued
// ahead of normal traffic; everything else is FIFO. It blocks until
// Run has actually delivered (or exhausted retries for) msg, so the
// caller's Kafka offset commit reflects the real delivery outcome
// rather than the mere fact that the message was queued.
func (w *Worker) HandleMessagesPriority(ctx context.Context, msg *model.Message) error {
	pending := &pendingMessage{msg: msg, result: make(chan error, 1)}

	queue := w.normal
	if msg.Status == model.StatusUrgent {
		queue = w.urgent
	}

	select {
	case queue <- pending:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-pending.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the priority queues until ctx is cancelled, dispatching
// each message to Deliver under the worker's bounded concurrency gate.
// Urgent messages are always offered first.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case pending := <-w.urgent:
			w.dispatch(ctx, pending)
			continue
		default:
		}

		select {
		case pending := <-w.urgent:
			w.dispatch(ctx, pending)
		case pending := <-w.normal:
			w.dispatch(ctx, pending)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, pending *pendingMessage) {
	if err := w.concurrency.AcquireWorker(ctx); err != nil {
		logger.Warn().Err(err).Msg("concurrency gate rejected delivery")
		pending.result <- err
		return
	}
	go func() {
		start := time.Now()
		err := w.Deliver(ctx, pending.msg)
		w.concurrency.ReleaseWorker(err == nil, time.Since(start))
		pending.result <- err
	}()
}

// Deliver attempts one delivery of msg, branching on whether it is a
// group or 1:1 message, and handing the outcome to handleOutcome.
func (w *Worker) Deliver(ctx context.Context, msg *model.Message) error {
	var err error
	if msg.IsGroupMessage() {
		err = w.deliverGroup(ctx, msg)
	} else {
		err = w.deliver1to1(ctx, msg)
	}
	w.handleOutcome(ctx, msg, err)
	return err
}

// deliver1to1 pushes to every live route of the single recipient in
// parallel, bounded by the worker's per-message fan-out budget,
// accepting a partial success (any route succeeding counts as
// delivered) and falling back to an offline push when there are no
// live routes at all.
func (w *Worker) deliver1to1(ctx context.Context, msg *model.Message) error {
	routes, err := w.routes.GetRoutes(ctx, msg.RecvID)
	if err != nil {
		return fmt.Errorf("resolve routes for %s: %w", msg.RecvID, err)
	}

	if len(routes) == 0 {
		metrics.DeliveryAttempts.WithLabelValues("offline").Inc()
		return w.offline.PublishOffline(ctx, msg.RecvID, msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ServerMsgID, err)
	}

	if !w.pushRoutesConcurrently(ctx, routes, payload) {
		metrics.DeliveryAttempts.WithLabelValues("retry").Inc()
		return fmt.Errorf("all %d routes failed for %s", len(routes), msg.RecvID)
	}
	metrics.DeliveryAttempts.WithLabelValues("sent").Inc()
	return nil
}

// deliverGroup pages group membership in chunks of groupPage, batch
// resolving the whole page's routes in one round trip and pushing the
// page's live routes in parallel, bounded by the worker's per-message
// fan-out budget; it never blocks the whole delivery on a single
// member's offline push, which is dispatched in the background.
func (w *Worker) deliverGroup(ctx context.Context, msg *model.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ServerMsgID, err)
	}

	cursor := ""
	anySucceeded := false
	for {
		members, next, hasMore, err := w.groups.ListMembersPage(ctx, msg.GroupID, cursor, w.groupPage)
		if err != nil {
			return fmt.Errorf("list members of %s: %w", msg.GroupID, err)
		}
		if len(members) == 0 {
			break
		}

		recipients := members[:0:0]
		for _, userID := range members {
			if userID != msg.SendID {
				recipients = append(recipients, userID)
			}
		}

		routesByUser, err := w.routes.GetRoutesBatch(ctx, recipients)
		if err != nil {
			return fmt.Errorf("batch resolve routes for group %s: %w", msg.GroupID, err)
		}

		var pageRoutes []model.RouteEntry
		for _, userID := range recipients {
			routes := routesByUser[userID]
			if len(routes) == 0 {
				go func(uid string) {
					bgCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					defer cancel()
					if pubErr := w.offline.PublishOffline(bgCtx, uid, msg); pubErr != nil {
						logger.Warn().Err(pubErr).Str("user_id", uid).Msg("offline notification publish failed")
					}
				}(userID)
				continue
			}
			pageRoutes = append(pageRoutes, routes...)
		}

		if w.pushRoutesConcurrently(ctx, pageRoutes, payload) {
			anySucceeded = true
		}

		if !hasMore {
			break
		}
		cursor = next
	}

	if !anySucceeded {
		metrics.DeliveryAttempts.WithLabelValues("retry").Inc()
		return fmt.Errorf("no group member reachable for %s in group %s", msg.ServerMsgID, msg.GroupID)
	}
	metrics.DeliveryAttempts.WithLabelValues("sent").Inc()
	return nil
}

// pushRoutesConcurrently pushes payload to every route in parallel,
// bounded by routeConcurrency, and reports whether at least one push
// succeeded.
func (w *Worker) pushRoutesConcurrently(ctx context.Context, routes []model.RouteEntry, payload []byte) bool {
	limit := w.routeConcurrency
	if limit <= 0 {
		limit = 1
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var succeeded int32

	for _, route := range routes {
		route := route
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.pushToRoute(ctx, route, payload); err == nil {
				atomic.AddInt32(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	return atomic.LoadInt32(&succeeded) > 0
}

// pushToRoute pushes payload through the per-gateway-address gobreaker,
// under the configured gateway call deadline, so a degraded gateway
// instance is shed quickly instead of stalling every message addressed
// to it.
func (w *Worker) pushToRoute(ctx context.Context, route model.RouteEntry, payload []byte) error {
	pushCtx := ctx
	if timeout := w.cfg.GatewayCallTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cb := w.breakers.get(route.Address)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, w.gateway.Push(pushCtx, route, payload)
	})
	metrics.GatewayCircuitState.WithLabelValues(route.Address).Set(gobreakerStateValue(cb.State()))
	return err
}

func gobreakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// handleOutcome records a terminal or retry status and, on failure,
// schedules a backoff retry or dead-letters the message once retries
// are exhausted.
func (w *Worker) handleOutcome(ctx context.Context, msg *model.Message, err error) {
	if err == nil {
		msg.Status = model.StatusDelivered
		if w.status != nil {
			if pubErr := w.status.PublishStatus(ctx, msg.ServerMsgID, msg.Status); pubErr != nil {
				logger.Warn().Err(pubErr).Str("server_msg_id", msg.ServerMsgID).Msg("status publish failed")
			}
		}
		return
	}

	w.handleFailure(ctx, msg, err)
}

// handleFailure is the retry/dead-letter split: re-append the message
// to the Distribution topic if it hasn't exhausted its retry budget, so
// the consumer picks it up again, otherwise hand it to the dead_letter
// topic. The retry is durable the moment this call returns — nothing
// about it is held only in this process's memory.
func (w *Worker) handleFailure(ctx context.Context, msg *model.Message, cause error) {
	retryCount := retryCountOf(msg)

	if !w.retry.ShouldRetry(retryCount) {
		w.handleDeadLetter(ctx, msg, cause, retryCount)
		return
	}

	delay := w.retry.Delay(retryCount)
	msg.SetOption("retry_count", fmt.Sprintf("%d", retryCount+1))
	msg.Status = model.StatusFailed

	logger.Info().Str("server_msg_id", msg.ServerMsgID).Int("retry_count", retryCount+1).Dur("delay", delay).Msg("republishing delivery retry to distribution topic")

	if err := w.retry.Republish(ctx, msg); err != nil {
		logger.Error().Err(err).Str("server_msg_id", msg.ServerMsgID).Msg("retry republish failed")
		w.handleDeadLetter(ctx, msg, fmt.Errorf("retry republish failed after %s: %w", cause, err), retryCount)
	}
}

func (w *Worker) handleDeadLetter(ctx context.Context, msg *model.Message, cause error, retryCount int) {
	record := model.DeadLetterRecord{
		Message:       *msg,
		ErrorReason:   cause.Error(),
		RetryCount:    retryCount,
		MaxRetryCount: w.retry.maxRetries,
		LastRetryTime: time.Now(),
		DeadTime:      time.Now(),
		ErrorMetadata: model.ErrorMetadata{
			OriginalStatus: msg.Status,
			ErrorTimestamp: time.Now(),
		},
	}

	body, err := json.Marshal(record)
	if err != nil {
		logger.Error().Err(err).Str("server_msg_id", msg.ServerMsgID).Msg("marshal dead letter record failed")
		return
	}

	if err := w.bus.Publish(ctx, "dead_letter", msg.ConversationID(), body); err != nil {
		logger.Error().Err(err).Str("server_msg_id", msg.ServerMsgID).Msg("publish to dead_letter failed")
		return
	}

	metrics.DeadLetters.WithLabelValues("retries_exhausted").Inc()
	if w.status != nil {
		_ = w.status.PublishStatus(ctx, msg.ServerMsgID, model.StatusFailed)
	}
}

func retryCountOf(msg *model.Message) int {
	count := 0
	fmt.Sscanf(msg.Option("retry_count", "0"), "%d", &count)
	return count
}

// Package router implements the Router Front-End: the stage that takes
// an admitted message, assigns its server_msg_id, and publishes it to
// the message_store topic and then the message_distribution topic,
// partitioned by conversation id so every message in a conversation
// lands in the same partition and preserves order for a single
// consumer.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flarerelay/msgcore/internal/log"
	"github.com/flarerelay/msgcore/internal/metrics"
	"github.com/flarerelay/msgcore/internal/model"
	"github.com/flarerelay/msgcore/internal/stream"
)

const sourceName = "router"

var logger = log.For(sourceName)

// SyncNotifier is the Router's view of the Sync Coordinator: it assigns
// the per-conversation monotonic sequence number every message carries,
// and is then best-effort notified once the message is durably appended
// so the coordinator's recorded position can advance. Only the notify is
// allowed to fail silently: a missed notification is caught up by a
// later incremental sync, but a message without an assigned sequence
// would break per-conversation ordering for every recipient.
type SyncNotifier interface {
	NextSequence(ctx context.Context, conversationID string) (int64, error)
	NotifyNewMessage(ctx context.Context, conversationID string, seq int64) error
}

// Router publishes admitted messages onto the store and distribution
// topics in order, then best-effort notifies the Sync Coordinator.
type Router struct {
	bus               stream.EventBus
	storeTopic        string
	distributionTopic string
	sync              SyncNotifier
}

// New builds a Router over bus, addressing the two fixed topic names
// configured for this deployment.
func New(bus stream.EventBus, storeTopic, distributionTopic string, sync SyncNotifier) *Router {
	return &Router{bus: bus, storeTopic: storeTopic, distributionTopic: distributionTopic, sync: sync}
}

// Route assigns msg a server_msg_id (client_msg_id is left untouched,
// it identifies the client's local copy) and publishes it to
// message_store, then message_distribution. The store append is fatal
// on failure: a message the core cannot persist must not be
// distributed as if it were durable. The distribution append is also
// fatal, since a stored-but-undistributed message would silently never
// reach a recipient.
func (r *Router) Route(ctx context.Context, msg *model.Message) (string, error) {
	if msg.ServerMsgID == "" {
		msg.ServerMsgID = uuid.NewString()
	}

	conversationID := msg.ConversationID()

	if r.sync != nil {
		seq, err := r.sync.NextSequence(ctx, conversationID)
		if err != nil {
			return "", fmt.Errorf("assign sequence for %s: %w", conversationID, err)
		}
		msg.Seq = seq
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message %s: %w", msg.ServerMsgID, err)
	}

	envelope, err := stream.NewBuilder(conversationID, sourceName).
		WithPayload(payload).
		WithKind("message").
		WithMessageID(msg.ServerMsgID).
		Build()
	if err != nil {
		return "", fmt.Errorf("build envelope for %s: %w", msg.ServerMsgID, err)
	}

	body, err := envelope.ToJSON()
	if err != nil {
		return "", fmt.Errorf("encode envelope for %s: %w", msg.ServerMsgID, err)
	}

	if err := r.bus.Publish(ctx, r.storeTopic, conversationID, body); err != nil {
		return "", fmt.Errorf("append %s to %s: %w", msg.ServerMsgID, r.storeTopic, err)
	}

	if err := r.bus.Publish(ctx, r.distributionTopic, conversationID, body); err != nil {
		return "", fmt.Errorf("append %s to %s: %w", msg.ServerMsgID, r.distributionTopic, err)
	}

	metrics.RoutedMessages.WithLabelValues(msg.SessionType.String()).Inc()

	if r.sync != nil {
		if err := r.sync.NotifyNewMessage(ctx, conversationID, msg.Seq); err != nil {
			logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("sync notify failed, will be caught up by incremental sync")
		}
	}

	return msg.ServerMsgID, nil
}

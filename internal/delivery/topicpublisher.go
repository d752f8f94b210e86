package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flarerelay/msgcore/internal/infrastructure/async"
	"github.com/flarerelay/msgcore/internal/model"
	"github.com/flarerelay/msgcore/internal/stream"
)

// offlineNotification is the payload published to offline_notifications:
// enough for a push-notification fan-out service to alert a user's
// disconnected devices without replaying the full message body.
type offlineNotification struct {
	UserID         string    `json:"user_id"`
	ServerMsgID    string    `json:"server_msg_id"`
	SendID         string    `json:"send_id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// statusUpdate is the payload published to message_status.
type statusUpdate struct {
	ServerMsgID string       `json:"server_msg_id"`
	Status      model.Status `json:"status"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TopicPublisher implements both OfflinePublisher and StatusPublisher.
// Status updates run far hotter than offline notifications (every
// delivered/read ack vs. one push per offline recipient), so each topic
// gets its own batcher rather than publishing one message at a time:
// the message_status batcher coalesces acks into a single
// stream.EventBus.PublishBatch call per flush window, and the
// offline_notifications batcher does the same for push fan-out.
type TopicPublisher struct {
	bus          stream.EventBus
	offlineTopic string
	statusTopic  string

	offlineBatcher *async.Batcher[stream.Message]
	statusBatcher  *async.Batcher[stream.Message]
}

// NewTopicPublisher builds a TopicPublisher over bus. Its batchers are
// not running yet: callers must call Start before publishing, and Stop
// to flush and release them.
func NewTopicPublisher(bus stream.EventBus, offlineTopic, statusTopic string) *TopicPublisher {
	p := &TopicPublisher{bus: bus, offlineTopic: offlineTopic, statusTopic: statusTopic}

	batchCfg := async.BatchConfig{
		MaxBatchSize:    50,
		FlushInterval:   200 * time.Millisecond,
		MaxConcurrency:  2,
		BufferCapacity:  5000,
		FlushOnShutdown: true,
	}
	p.offlineBatcher = async.NewBatcher(p.flushOffline, batchCfg)
	p.statusBatcher = async.NewBatcher(p.flushStatus, batchCfg)
	return p
}

// Start begins the background flush timers for both batchers.
func (p *TopicPublisher) Start(ctx context.Context) error {
	if err := p.offlineBatcher.Start(ctx); err != nil {
		return fmt.Errorf("start offline notification batcher: %w", err)
	}
	if err := p.statusBatcher.Start(ctx); err != nil {
		return fmt.Errorf("start status update batcher: %w", err)
	}
	return nil
}

// Stop flushes any buffered notifications and stops both batchers.
func (p *TopicPublisher) Stop(ctx context.Context) error {
	offlineErr := p.offlineBatcher.Stop(ctx)
	statusErr := p.statusBatcher.Stop(ctx)
	if offlineErr != nil {
		return offlineErr
	}
	return statusErr
}

// PublishOffline satisfies delivery.OfflinePublisher.
func (p *TopicPublisher) PublishOffline(ctx context.Context, userID string, msg *model.Message) error {
	note := offlineNotification{
		UserID:         userID,
		ServerMsgID:    msg.ServerMsgID,
		SendID:         msg.SendID,
		ConversationID: msg.ConversationID(),
		CreatedAt:      time.Now(),
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode offline notification for %s: %w", msg.ServerMsgID, err)
	}
	message, err := p.buildMessage(p.offlineTopic, userID, msg.ServerMsgID, payload)
	if err != nil {
		return err
	}
	return p.offlineBatcher.Submit(ctx, message)
}

// PublishStatus satisfies delivery.StatusPublisher.
func (p *TopicPublisher) PublishStatus(ctx context.Context, serverMsgID string, status model.Status) error {
	update := statusUpdate{ServerMsgID: serverMsgID, Status: status, UpdatedAt: time.Now()}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode status update for %s: %w", serverMsgID, err)
	}
	message, err := p.buildMessage(p.statusTopic, serverMsgID, serverMsgID, payload)
	if err != nil {
		return err
	}
	return p.statusBatcher.Submit(ctx, message)
}

func (p *TopicPublisher) buildMessage(topic, partitionKey, messageID string, payload []byte) (stream.Message, error) {
	envelope, err := stream.NewBuilder(partitionKey, "delivery.worker").
		WithPayload(payload).
		WithKind("notification").
		WithMessageID(messageID).
		Build()
	if err != nil {
		return stream.Message{}, fmt.Errorf("build envelope for %s: %w", messageID, err)
	}
	body, err := envelope.ToJSON()
	if err != nil {
		return stream.Message{}, fmt.Errorf("encode envelope for %s: %w", messageID, err)
	}
	return stream.Message{
		ID:        messageID,
		Topic:     topic,
		Key:       partitionKey,
		Payload:   body,
		Timestamp: time.Now(),
	}, nil
}

func (p *TopicPublisher) flushOffline(ctx context.Context, batch []stream.Message) error {
	return p.bus.PublishBatch(ctx, batch)
}

func (p *TopicPublisher) flushStatus(ctx context.Context, batch []stream.Message) error {
	return p.bus.PublishBatch(ctx, batch)
}

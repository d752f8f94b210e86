package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flarerelay/msgcore/internal/config"
	"github.com/flarerelay/msgcore/internal/model"
	"github.com/flarerelay/msgcore/internal/stream"
)

const retrySourceName = "delivery.worker.retry"

// RetryScheduler computes the exponential backoff delay before the
// next delivery attempt (base_delay * 2^retry_count, capped at
// max_delay) and re-appends a failed message to the Distribution
// topic so the existing consumer path picks it up again, per the
// Distribution topic's at-least-once redelivery contract. It never
// holds a retry only in process memory.
type RetryScheduler struct {
	bus   stream.EventBus
	topic string

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryScheduler builds a scheduler publishing retries onto topic
// through bus, backed off per the configured schedule.
func NewRetryScheduler(bus stream.EventBus, topic string, cfg config.RetryConfig) *RetryScheduler {
	return &RetryScheduler{
		bus:        bus,
		topic:      topic,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay(),
		maxDelay:   cfg.MaxDelay(),
	}
}

// Republish re-appends msg to the Distribution topic, keyed by its
// conversation id exactly as the Router's original publish was, so
// ordering within the conversation's partition is preserved.
func (r *RetryScheduler) Republish(ctx context.Context, msg *model.Message) error {
	conversationID := msg.ConversationID()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s for retry: %w", msg.ServerMsgID, err)
	}

	envelope, err := stream.NewBuilder(conversationID, retrySourceName).
		WithPayload(payload).
		WithKind("message").
		WithMessageID(msg.ServerMsgID).
		Build()
	if err != nil {
		return fmt.Errorf("build retry envelope for %s: %w", msg.ServerMsgID, err)
	}

	body, err := envelope.ToJSON()
	if err != nil {
		return fmt.Errorf("encode retry envelope for %s: %w", msg.ServerMsgID, err)
	}

	if err := r.bus.Publish(ctx, r.topic, conversationID, body); err != nil {
		return fmt.Errorf("republish %s to %s: %w", msg.ServerMsgID, r.topic, err)
	}
	return nil
}

// ShouldRetry reports whether retryCount has not yet exhausted the
// configured retry budget.
func (r *RetryScheduler) ShouldRetry(retryCount int) bool {
	return retryCount < r.maxRetries
}

// Delay returns the backoff delay before attempt number retryCount+1.
func (r *RetryScheduler) Delay(retryCount int) time.Duration {
	delay := r.baseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= r.maxDelay {
			return r.maxDelay
		}
	}
	return delay
}

// Package syncsvc implements the Sync Coordinator: per-conversation
// sequence assignment, sync-point bookkeeping, and the incremental/full/
// quick sync reads a reconnecting device uses to catch up. Sequence
// counters and sync points live in Redis; message and operation history
// is read through the MessageStore capability.
package syncsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flarerelay/msgcore/internal/log"
	"github.com/flarerelay/msgcore/internal/metrics"
	"github.com/flarerelay/msgcore/internal/model"
	"github.com/flarerelay/msgcore/internal/stream"
)

const (
	sequenceKeyPrefix  = "sync:sequence:"
	syncPointKeyPrefix = "sync:point:"

	defaultIncrementalLimit = 100
	quickSyncLimit          = 20
	quickSyncRecentConvos   = 10
	defaultFullSyncLimit    = 100
)

var logger = log.For("syncsvc")

// ErrSequence is returned when a client's claimed last_seq is behind the
// coordinator's recorded sync point: the server's memory has moved ahead
// and the client must resync from a snapshot rather than incrementally.
var ErrSequence = fmt.Errorf("client sync point is behind the server's recorded position")

// PresenceProvider resolves a user's live routes, used to derive the
// online/offline presence surfaced by a full sync. registry.Registry
// satisfies this directly.
type PresenceProvider interface {
	GetRoutes(ctx context.Context, userID string) ([]model.RouteEntry, error)
}

// Service is the Redis-backed Sync Coordinator.
type Service struct {
	redis             *redis.Client
	store             MessageStore
	presence          PresenceProvider
	bus               stream.EventBus
	distributionTopic string
}

// New builds a Service. distributionTopic is where MessageOperation
// republishes each operation so every device converges on it.
func New(client *redis.Client, store MessageStore, presence PresenceProvider, bus stream.EventBus, distributionTopic string) *Service {
	return &Service{redis: client, store: store, presence: presence, bus: bus, distributionTopic: distributionTopic}
}

func sequenceKey(conversationID string) string { return sequenceKeyPrefix + conversationID }
func syncPointKey(userID, deviceID string) string {
	return syncPointKeyPrefix + userID + ":" + deviceID
}

// GetSequence atomically reserves a contiguous block of count sequence
// numbers for conversationID and returns [start, end]. Redis INCRBY is
// atomic against concurrent callers by construction.
func (s *Service) GetSequence(ctx context.Context, conversationID string, count int64) (start, end int64, err error) {
	if count <= 0 {
		count = 1
	}
	end, err = s.redis.IncrBy(ctx, sequenceKey(conversationID), count).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("reserve %d sequence numbers for %s: %w", count, conversationID, err)
	}
	return end - count + 1, end, nil
}

// NextSequence satisfies router.SyncNotifier: it reserves a single
// sequence number for conversationID, the per-message case of
// GetSequence.
func (s *Service) NextSequence(ctx context.Context, conversationID string) (int64, error) {
	start, _, err := s.GetSequence(ctx, conversationID, 1)
	return start, err
}

// NotifyNewMessage satisfies router.SyncNotifier's best-effort post-append
// hook. The sequence counter itself already advanced when the Router
// called NextSequence; there is nothing further to persist here, but a
// real deployment might fan this out to a push-wakeup for idle devices,
// so the hook is kept rather than folded away.
func (s *Service) NotifyNewMessage(ctx context.Context, conversationID string, seq int64) error {
	return nil
}

// UpdateSyncPoint records the highest sequence number a device has
// acknowledged.
func (s *Service) UpdateSyncPoint(ctx context.Context, point model.SyncPoint) error {
	point.SyncTime = time.Now()
	encoded, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("encode sync point for %s/%s: %w", point.UserID, point.DeviceID, err)
	}
	if err := s.redis.Set(ctx, syncPointKey(point.UserID, point.DeviceID), encoded, 0).Err(); err != nil {
		return fmt.Errorf("save sync point for %s/%s: %w", point.UserID, point.DeviceID, err)
	}
	return nil
}

// GetSyncPoint returns the recorded sync point for a device, or nil if
// the device has never synced.
func (s *Service) GetSyncPoint(ctx context.Context, userID, deviceID string) (*model.SyncPoint, error) {
	raw, err := s.redis.Get(ctx, syncPointKey(userID, deviceID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync point for %s/%s: %w", userID, deviceID, err)
	}
	var point model.SyncPoint
	if err := json.Unmarshal([]byte(raw), &point); err != nil {
		return nil, fmt.Errorf("decode sync point for %s/%s: %w", userID, deviceID, err)
	}
	return &point, nil
}

func (s *Service) checkSequence(ctx context.Context, userID, deviceID string, lastSeq int64) error {
	point, err := s.GetSyncPoint(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if point != nil && lastSeq < point.Sequence {
		return ErrSequence
	}
	return nil
}

// Sync runs whichever sync strategy mode selects.
func (s *Service) Sync(ctx context.Context, userID, deviceID string, lastSeq int64, mode model.SyncMode) (model.SyncResult, error) {
	switch mode {
	case model.SyncFull:
		return s.FullSync(ctx, userID, deviceID, defaultFullSyncLimit, 0)
	case model.SyncQuick:
		result, err := s.IncrementalSync(ctx, userID, deviceID, lastSeq, quickSyncLimit)
		if err != nil {
			return model.SyncResult{}, err
		}
		recent, err := s.store.RecentConversations(ctx, userID, quickSyncRecentConvos)
		if err != nil {
			return model.SyncResult{}, fmt.Errorf("recent conversations for %s: %w", userID, err)
		}
		result.Conversations = s.summarize(ctx, recent)
		metrics.SyncOperations.WithLabelValues("quick_sync").Inc()
		return result, nil
	default:
		return s.IncrementalSync(ctx, userID, deviceID, lastSeq, defaultIncrementalLimit)
	}
}

// IncrementalSync returns every message and operation with seq > lastSeq
// across all of userID's conversations, capped at limit.
func (s *Service) IncrementalSync(ctx context.Context, userID, deviceID string, lastSeq int64, limit int) (model.SyncResult, error) {
	if err := s.checkSequence(ctx, userID, deviceID, lastSeq); err != nil {
		return model.SyncResult{}, err
	}

	messages, err := s.store.MessagesAfter(ctx, userID, lastSeq, limit)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("messages after %d for %s: %w", lastSeq, userID, err)
	}
	operations, err := s.store.OperationsAfter(ctx, userID, lastSeq, limit)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("operations after %d for %s: %w", lastSeq, userID, err)
	}

	current := lastSeq
	if n := len(messages); n > 0 && messages[n-1].Seq > current {
		current = messages[n-1].Seq
	}
	if n := len(operations); n > 0 && operations[n-1].Sequence > current {
		current = operations[n-1].Sequence
	}

	metrics.SyncOperations.WithLabelValues("incremental_sync").Inc()
	return model.SyncResult{
		Messages:        messages,
		Operations:      operations,
		CurrentSequence: current,
		SyncTime:        time.Now(),
		HasMore:         len(messages) >= limit,
	}, nil
}

// FullSync returns the user's conversations, a bounded page of messages
// across them, and current peer presence.
func (s *Service) FullSync(ctx context.Context, userID, deviceID string, limit, offset int) (model.SyncResult, error) {
	conversationIDs, err := s.store.UserConversations(ctx, userID)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("conversations for %s: %w", userID, err)
	}

	messages, err := s.store.ConversationMessages(ctx, conversationIDs, limit, offset)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("conversation messages for %s: %w", userID, err)
	}

	statuses, err := s.presenceStatuses(ctx, peerIDs(conversationIDs, userID))
	if err != nil {
		return model.SyncResult{}, err
	}

	var current int64
	if n := len(messages); n > 0 {
		current = messages[n-1].Seq
	}

	metrics.SyncOperations.WithLabelValues("full_sync").Inc()
	return model.SyncResult{
		Messages:        messages,
		Conversations:   s.summarize(ctx, conversationIDs),
		UserStatuses:    statuses,
		CurrentSequence: current,
		SyncTime:        time.Now(),
		HasMore:         len(messages) >= limit,
	}, nil
}

// summarize builds a bounded conversation summary (last message, updated
// time) for each conversation id, skipping any it can't resolve.
func (s *Service) summarize(ctx context.Context, conversationIDs []string) []model.ConversationSummary {
	summaries := make([]model.ConversationSummary, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		// Pages are oldest-first, so walk to the final page for the last message.
		var last *model.Message
		for offset := 0; ; offset += defaultFullSyncLimit {
			page, err := s.store.ConversationMessages(ctx, []string{id}, defaultFullSyncLimit, offset)
			if err != nil || len(page) == 0 {
				break
			}
			m := page[len(page)-1]
			last = &m
			if len(page) < defaultFullSyncLimit {
				break
			}
		}
		if last == nil {
			summaries = append(summaries, model.ConversationSummary{ConversationID: id})
			continue
		}
		summaries = append(summaries, model.ConversationSummary{
			ConversationID: id,
			LastMessage:    last,
			UpdatedAt:      last.CreateTime,
		})
	}
	return summaries
}

// peerIDs extracts the distinct 1:1 counterpart user ids out of a set of
// conversation ids built by Message.ConversationID (group conversation
// ids don't contain the ":" separator and are skipped).
func peerIDs(conversationIDs []string, self string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range conversationIDs {
		parts := strings.SplitN(id, ":", 2)
		if len(parts) != 2 {
			continue
		}
		for _, p := range parts {
			if p != self && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func (s *Service) presenceStatuses(ctx context.Context, userIDs []string) ([]model.UserStatus, error) {
	statuses := make([]model.UserStatus, 0, len(userIDs))
	for _, id := range userIDs {
		routes, err := s.presence.GetRoutes(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("presence for %s: %w", id, err)
		}
		status := model.PresenceOffline
		if len(routes) > 0 {
			status = model.PresenceOnline
		}
		statuses = append(statuses, model.UserStatus{UserID: id, Status: status})
	}
	return statuses, nil
}

// MessageOperation assigns op a sequence number, persists it, and
// best-effort republishes it on the distribution topic so every device
// converges on it.
func (s *Service) MessageOperation(ctx context.Context, op model.MessageOperation) (int64, error) {
	seq, err := s.NextSequence(ctx, op.ConversationID)
	if err != nil {
		return 0, fmt.Errorf("assign sequence for operation on %s: %w", op.MessageID, err)
	}
	op.Sequence = seq
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.CreatedAt = time.Now()

	if err := s.store.SaveOperation(ctx, op); err != nil {
		return 0, fmt.Errorf("save operation %s: %w", op.ID, err)
	}

	if err := s.broadcast(ctx, op); err != nil {
		logger.Warn().Err(err).Str("operation_id", op.ID).Msg("operation broadcast failed, devices will catch up on next sync")
	}

	metrics.SyncOperations.WithLabelValues(strings.ToLower(op.Type.String())).Inc()
	return seq, nil
}

func (s *Service) broadcast(ctx context.Context, op model.MessageOperation) error {
	if s.bus == nil {
		return nil
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	envelope, err := stream.NewBuilder(op.ConversationID, "syncsvc").
		WithPayload(payload).
		WithKind("operation").
		WithMessageID(op.ID).
		Build()
	if err != nil {
		return fmt.Errorf("build envelope for operation %s: %w", op.ID, err)
	}
	body, err := envelope.ToJSON()
	if err != nil {
		return fmt.Errorf("encode envelope for operation %s: %w", op.ID, err)
	}
	return s.bus.Publish(ctx, s.distributionTopic, op.ConversationID, body)
}

// SyncStatus resolves each message id's current status and, for
// statusType "delivery" or "read", records that userID reached that status.
func (s *Service) SyncStatus(ctx context.Context, userID string, messageIDs []string, statusType string) ([]MessageStatusEntry, error) {
	statuses, err := s.store.Statuses(ctx, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("statuses for %s: %w", userID, err)
	}

	switch statusType {
	case "delivery":
		for _, st := range statuses {
			if err := s.store.MarkDelivered(ctx, st.MessageID, userID); err != nil {
				return nil, fmt.Errorf("mark delivered %s: %w", st.MessageID, err)
			}
		}
	case "read":
		for _, st := range statuses {
			if err := s.store.MarkRead(ctx, st.MessageID, userID); err != nil {
				return nil, fmt.Errorf("mark read %s: %w", st.MessageID, err)
			}
		}
	}
	return statuses, nil
}

package syncsvc

import (
	"context"
	"sort"
	"sync"

	"github.com/flarerelay/msgcore/internal/model"
)

// MessageStatusEntry is one message's current delivery/read state,
// returned by MessageStore.Statuses and updated by SyncStatus.
type MessageStatusEntry struct {
	MessageID string
	Status    model.Status
}

// MessageStore is the Sync Coordinator's view of message_store's durable
// history: every message and operation ever appended, queryable by user
// and by conversation. A real deployment backs this by whatever indexes
// the Store topic's consumer maintains; this core only depends on the
// capability.
type MessageStore interface {
	// MessagesAfter returns userID's messages across every conversation
	// with seq > afterSeq, oldest first, capped at limit.
	MessagesAfter(ctx context.Context, userID string, afterSeq int64, limit int) ([]model.Message, error)
	// OperationsAfter mirrors MessagesAfter for recorded operations.
	OperationsAfter(ctx context.Context, userID string, afterSeq int64, limit int) ([]model.MessageOperation, error)
	// UserConversations lists every conversation id userID participates in.
	UserConversations(ctx context.Context, userID string) ([]string, error)
	// RecentConversations lists userID's most recently active conversation
	// ids, most recent first, capped at limit.
	RecentConversations(ctx context.Context, userID string, limit int) ([]string, error)
	// ConversationMessages returns a bounded, offset page of messages
	// across the given conversations, oldest first.
	ConversationMessages(ctx context.Context, conversationIDs []string, limit, offset int) ([]model.Message, error)
	// SaveOperation persists a sequenced operation.
	SaveOperation(ctx context.Context, op model.MessageOperation) error
	// Statuses returns the current status of each message id found.
	Statuses(ctx context.Context, messageIDs []string) ([]MessageStatusEntry, error)
	// MarkDelivered records that userID has received messageID.
	MarkDelivered(ctx context.Context, messageID, userID string) error
	// MarkRead records that userID has read messageID.
	MarkRead(ctx context.Context, messageID, userID string) error
}

// InMemoryStore is a test/development MessageStore backed by a map. It
// is not safe to use as the durable store for a real deployment; the
// real Store-topic index lives outside this module's scope.
type InMemoryStore struct {
	mu            sync.Mutex
	messages      map[string][]model.Message // userID -> messages, insertion order
	operations    map[string][]model.MessageOperation
	conversations map[string][]string // userID -> conversation ids, most-recent-last
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages:      make(map[string][]model.Message),
		operations:    make(map[string][]model.MessageOperation),
		conversations: make(map[string][]string),
	}
}

// AddMessage records msg as delivered to userID's timeline, used by tests
// to seed fixture state.
func (s *InMemoryStore) AddMessage(userID string, msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[userID] = append(s.messages[userID], msg)
	s.touchConversation(userID, msg.ConversationID())
}

func (s *InMemoryStore) touchConversation(userID, conversationID string) {
	convs := s.conversations[userID]
	for i, id := range convs {
		if id == conversationID {
			convs = append(convs[:i], convs[i+1:]...)
			break
		}
	}
	s.conversations[userID] = append(convs, conversationID)
}

func (s *InMemoryStore) MessagesAfter(ctx context.Context, userID string, afterSeq int64, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]model.Message, 0, limit)
	for _, msg := range s.messages[userID] {
		if msg.Seq <= afterSeq {
			continue
		}
		result = append(result, msg)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *InMemoryStore) OperationsAfter(ctx context.Context, userID string, afterSeq int64, limit int) ([]model.MessageOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]model.MessageOperation, 0, limit)
	for _, op := range s.operations[userID] {
		if op.Sequence <= afterSeq {
			continue
		}
		result = append(result, op)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *InMemoryStore) UserConversations(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.conversations[userID]))
	copy(out, s.conversations[userID])
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) RecentConversations(ctx context.Context, userID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convs := s.conversations[userID]
	start := 0
	if len(convs) > limit {
		start = len(convs) - limit
	}
	out := make([]string, len(convs)-start)
	for i := len(convs) - 1; i >= start; i-- {
		out[len(convs)-1-i] = convs[i]
	}
	return out, nil
}

func (s *InMemoryStore) ConversationMessages(ctx context.Context, conversationIDs []string, limit, offset int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		wanted[id] = true
	}

	var all []model.Message
	seen := make(map[string]bool)
	for _, msgs := range s.messages {
		for _, msg := range msgs {
			if !wanted[msg.ConversationID()] || seen[msg.ServerMsgID] {
				continue
			}
			seen[msg.ServerMsgID] = true
			all = append(all, msg)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreateTime.Before(all[j].CreateTime) })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *InMemoryStore) SaveOperation(ctx context.Context, op model.MessageOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations[op.UserID] = append(s.operations[op.UserID], op)
	return nil
}

func (s *InMemoryStore) Statuses(ctx context.Context, messageIDs []string) ([]MessageStatusEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}
	var out []MessageStatusEntry
	for _, msgs := range s.messages {
		for _, msg := range msgs {
			if wanted[msg.ServerMsgID] {
				out = append(out, MessageStatusEntry{MessageID: msg.ServerMsgID, Status: msg.Status})
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) MarkDelivered(ctx context.Context, messageID, userID string) error {
	return s.setStatus(messageID, model.StatusDelivered)
}

func (s *InMemoryStore) MarkRead(ctx context.Context, messageID, userID string) error {
	return s.setStatus(messageID, model.StatusRead)
}

func (s *InMemoryStore) setStatus(messageID string, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, msgs := range s.messages {
		for i, msg := range msgs {
			if msg.ServerMsgID == messageID {
				s.messages[userID][i].Status = status
			}
		}
	}
	return nil
}

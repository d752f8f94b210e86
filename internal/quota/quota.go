// Package quota tracks the per-conversation daily message cap admitted
// by the Admission stage: a UTC-day budget, reset at a configurable hour.
package quota

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrExhausted is returned once a conversation has used its full daily
// allowance.
type ErrExhausted struct {
	ConversationID string
	Used           int64
	Limit          int64
	ResetAt        time.Time
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("daily message cap exhausted for conversation %s: %d/%d used, resets at %s",
		e.ConversationID, e.Used, e.Limit, e.ResetAt.Format("15:04 UTC"))
}

// Tracker tracks daily message usage for a single conversation.
type Tracker struct {
	limit     int64
	used      int64 // atomic
	resetHour int
	lastReset time.Time
	mu        sync.RWMutex
}

// NewTracker creates a tracker with limit consumed per UTC day, resetting
// at resetHour (0-23).
func NewTracker(limit int64, resetHour int) *Tracker {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	now := time.Now().UTC()
	return &Tracker{
		limit:     limit,
		resetHour: resetHour,
		lastReset: lastResetBoundary(now, resetHour),
	}
}

func lastResetBoundary(now time.Time, resetHour int) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), resetHour, 0, 0, 0, time.UTC)
	if now.Hour() >= resetHour {
		return today
	}
	return today.AddDate(0, 0, -1)
}

func (t *Tracker) nextReset() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastReset.Add(24 * time.Hour)
}

func (t *Tracker) resetIfDue() {
	now := time.Now().UTC()
	if now.Before(t.nextReset()) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.After(t.lastReset.Add(24 * time.Hour)) {
		atomic.StoreInt64(&t.used, 0)
		t.lastReset = lastResetBoundary(now, t.resetHour)
	}
}

// Consume charges one message against the conversation's daily cap.
// Returns *ErrExhausted if the conversation is already at its limit.
func (t *Tracker) Consume(conversationID string) error {
	t.resetIfDue()

	newUsed := atomic.AddInt64(&t.used, 1)
	if newUsed > t.limit {
		atomic.AddInt64(&t.used, -1)
		return &ErrExhausted{
			ConversationID: conversationID,
			Used:           newUsed - 1,
			Limit:          t.limit,
			ResetAt:        t.nextReset(),
		}
	}
	return nil
}

// Stats is a point-in-time snapshot of a conversation's daily usage.
type Stats struct {
	Limit     int64
	Used      int64
	Remaining int64
	ResetAt   time.Time
}

func (t *Tracker) Stats() Stats {
	t.resetIfDue()
	used := atomic.LoadInt64(&t.used)
	return Stats{
		Limit:     t.limit,
		Used:      used,
		Remaining: t.limit - used,
		ResetAt:   t.nextReset(),
	}
}

// Manager owns one Tracker per conversation, created lazily on first use.
type Manager struct {
	limit     int64
	resetHour int

	mu       sync.RWMutex
	trackers map[string]*Tracker
}

// NewManager creates a manager applying the same limit/resetHour to
// every conversation it sees.
func NewManager(limit int64, resetHour int) *Manager {
	return &Manager{
		limit:     limit,
		resetHour: resetHour,
		trackers:  make(map[string]*Tracker),
	}
}

func (m *Manager) tracker(conversationID string) *Tracker {
	m.mu.RLock()
	t, ok := m.trackers[conversationID]
	m.mu.RUnlock()
	if ok {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[conversationID]; ok {
		return t
	}
	t = NewTracker(m.limit, m.resetHour)
	m.trackers[conversationID] = t
	return t
}

// Consume charges one message against conversationID's daily cap.
func (m *Manager) Consume(conversationID string) error {
	return m.tracker(conversationID).Consume(conversationID)
}

// Stats returns the current usage snapshot for conversationID.
func (m *Manager) Stats(conversationID string) Stats {
	return m.tracker(conversationID).Stats()
}

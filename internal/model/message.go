// Package model holds the canonical message envelope and the small value
// types the routing pipeline passes between stages.
package model

import "time"

// SessionType identifies the kind of conversation a message belongs to.
type SessionType int

const (
	SessionSingle SessionType = iota
	SessionNormalGroup
	SessionSuperGroup
	SessionWorkGroup
)

func (t SessionType) String() string {
	switch t {
	case SessionSingle:
		return "single"
	case SessionNormalGroup:
		return "normal_group"
	case SessionSuperGroup:
		return "super_group"
	case SessionWorkGroup:
		return "work_group"
	default:
		return "unknown"
	}
}

// IsGroup reports whether this session type carries group semantics.
func (t SessionType) IsGroup() bool {
	switch t {
	case SessionNormalGroup, SessionSuperGroup, SessionWorkGroup:
		return true
	default:
		return false
	}
}

// OfflinePushInfo carries push-notification hints for an offline recipient.
// The actual push send is a collaborator concern; this is just the payload
// the Delivery Worker forwards onto the Offline Notifications topic.
type OfflinePushInfo struct {
	Title         string `json:"title"`
	Desc          string `json:"desc"`
	IOSPushSound  string `json:"ios_push_sound"`
	IOSBadgeCount bool   `json:"ios_badge_count"`
	SignalInfo    string `json:"signal_info"`
}

// Message is the canonical envelope carried through every stage of the
// pipeline: admission, router, store/distribution topics, and delivery.
type Message struct {
	ServerMsgID string `json:"server_msg_id"`
	ClientMsgID string `json:"client_msg_id"`

	SendID  string `json:"send_id"`
	RecvID  string `json:"recv_id"`
	GroupID string `json:"group_id"`

	SessionType SessionType `json:"session_type"`

	Content     []byte `json:"content"`
	ContentType int32  `json:"content_type"`

	// Sender presentation metadata, carried so gateways can render the
	// message without a second profile lookup.
	SendPlatformID int32  `json:"send_platform_id"`
	SendNickname   string `json:"send_nickname"`
	SendFaceURL    string `json:"send_face_url"`

	// AtUserList names mentioned recipients within a group message. It is
	// carried on the envelope only; the Delivery Worker does not read it
	// (priority queuing keys on Status == StatusUrgent).
	AtUserList []string `json:"at_user_list,omitempty"`

	CreateTime time.Time `json:"create_time"`
	SendTime   int64     `json:"send_time"` // monotonic client timestamp

	Seq int64 `json:"seq"`

	Status Status `json:"status"`

	// Options is a free-form string map carrying retry counters, rate
	// limit hints, device identifiers, and per-message overrides of the
	// business limits (see limits keys in package config).
	Options map[string]string `json:"options,omitempty"`

	OfflinePushInfo *OfflinePushInfo `json:"offline_push_info,omitempty"`
}

// ConversationID returns the canonical partition key for this message:
// the group id for group messages, or a deterministic ordering of the two
// participant ids for 1:1 messages so both sides hash to the same
// partition/conversation regardless of who is "send" and who is "recv".
func (m *Message) ConversationID() string {
	if m.SessionType.IsGroup() {
		return m.GroupID
	}
	a, b := m.SendID, m.RecvID
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// IsGroupMessage reports whether a message is a group message: its
// SessionType must be a group type AND GroupID must be non-empty.
func (m *Message) IsGroupMessage() bool {
	return m.SessionType.IsGroup() && m.GroupID != ""
}

// Option returns an options value, defaulting to def when unset.
func (m *Message) Option(key, def string) string {
	if m.Options == nil {
		return def
	}
	if v, ok := m.Options[key]; ok {
		return v
	}
	return def
}

// SetOption sets an options value, initializing the map if needed.
func (m *Message) SetOption(key, value string) {
	if m.Options == nil {
		m.Options = make(map[string]string)
	}
	m.Options[key] = value
}

const (
	// MaxContentBytes is the hard content-size ceiling.
	MaxContentBytes = 1 << 20 // 1 MiB
	// MaxAttachmentBytes is the hard attachment-size ceiling.
	MaxAttachmentBytes = 100 << 20 // 100 MiB
)

package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps a routed message payload with the metadata every topic
// consumer needs regardless of which of the five fixed topics it reads
// from: message_store, message_distribution,
// offline_notifications, message_status, dead_letter.
type Envelope struct {
	Timestamp      time.Time       `json:"ts"`
	ConversationID string          `json:"conversation_id"`
	Source         string          `json:"source"` // component that published this envelope
	Payload        json.RawMessage `json:"payload"`
	Checksum       string          `json:"checksum"` // sha256(payload||ts||conversation_id||source)
	Version        int             `json:"version"`

	MessageID string            `json:"message_id,omitempty"` // server_msg_id
	Headers   map[string]string `json:"headers,omitempty"`
	Kind      string            `json:"kind,omitempty"` // "message", "status", "operation", "dead_letter"
}

// ComputeChecksum derives a deterministic integrity hash over the
// envelope's identifying fields, guarding against truncated or
// corrupted Kafka records reaching a consumer undetected.
func (e *Envelope) ComputeChecksum() string {
	hashInput := fmt.Sprintf("%s||%d||%s||%s",
		string(e.Payload),
		e.Timestamp.UnixNano(),
		e.ConversationID,
		e.Source)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// Validate checks required fields and, if present, verifies the checksum.
func Validate(e *Envelope) error {
	if e.ConversationID == "" {
		return fmt.Errorf("envelope conversation_id is empty")
	}
	if e.Source == "" {
		return fmt.Errorf("envelope source is empty")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope payload is empty")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("envelope timestamp is zero")
	}
	if e.Version <= 0 {
		return fmt.Errorf("envelope version must be positive, got %d", e.Version)
	}

	if e.Checksum != "" {
		expected := e.ComputeChecksum()
		if e.Checksum != expected {
			return fmt.Errorf("envelope checksum mismatch: expected %s, got %s", expected, e.Checksum)
		}
	}

	return nil
}

// SetChecksum computes and stores the envelope's checksum.
func (e *Envelope) SetChecksum() {
	e.Checksum = e.ComputeChecksum()
}

// IsValid reports whether the envelope passes Validate.
func (e *Envelope) IsValid() bool {
	return Validate(e) == nil
}

// Age returns how long ago the envelope was produced.
func (e *Envelope) Age() time.Duration {
	return time.Since(e.Timestamp)
}

// GetHeader returns a header value, or "" if unset.
func (e *Envelope) GetHeader(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// SetHeader sets a header, initializing the map if needed.
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// NewEnvelope builds an envelope for conversationID/source/payload at the
// current time, version 1, with its checksum already set.
func NewEnvelope(conversationID, source string, payload json.RawMessage) *Envelope {
	e := &Envelope{
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		Source:         source,
		Payload:        payload,
		Version:        1,
	}
	e.SetChecksum()
	return e
}

// ToJSON serializes the envelope.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes and validates an envelope.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := Validate(&e); err != nil {
		return nil, fmt.Errorf("validate envelope: %w", err)
	}
	return &e, nil
}

// Builder provides a fluent interface for envelope construction, used by
// the Router and Delivery Worker when assembling outbound envelopes.
type Builder struct {
	envelope *Envelope
}

// NewBuilder starts a Builder for conversationID/source.
func NewBuilder(conversationID, source string) *Builder {
	return &Builder{
		envelope: &Envelope{
			Timestamp:      time.Now(),
			ConversationID: conversationID,
			Source:         source,
			Version:        1,
		},
	}
}

func (b *Builder) WithPayload(payload json.RawMessage) *Builder {
	b.envelope.Payload = payload
	return b
}

func (b *Builder) WithKind(kind string) *Builder {
	b.envelope.Kind = kind
	return b
}

func (b *Builder) WithMessageID(id string) *Builder {
	b.envelope.MessageID = id
	return b
}

func (b *Builder) WithHeader(key, value string) *Builder {
	b.envelope.SetHeader(key, value)
	return b
}

// Build validates and finalizes the envelope, setting its checksum.
func (b *Builder) Build() (*Envelope, error) {
	b.envelope.SetChecksum()
	if err := Validate(b.envelope); err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}
	return b.envelope, nil
}

package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reserved recipient tokens.
const (
	RecipientBroadcast = "broadcast"
	RecipientAll       = "all"
)

// Metadata keys used across the system.
const (
	MetaRoomID  = "room_id"
	MetaHistory = "history"
)

// Type is the closed set of message types agents exchange.
type Type string

const (
	TypeUserMessage       Type = "user_message"
	TypeProposal          Type = "proposal"
	TypeEvaluationRequest Type = "evaluation_request"
	TypeEvaluationResult  Type = "evaluation_result"
	TypeBroadcast         Type = "broadcast"
	TypeSystem            Type = "system"
)

func (t Type) Valid() bool {
	switch t {
	case TypeUserMessage, TypeProposal, TypeEvaluationRequest,
		TypeEvaluationResult, TypeBroadcast, TypeSystem:
		return true
	}
	return false
}

// Message is the envelope routed between agents. Values are treated as
// immutable after construction; Reply and ReplyTo build new messages
// instead of mutating the parent.
type Message struct {
	ID            string            `json:"id"`
	Type          Type              `json:"type"`
	SenderID      string            `json:"sender_id"`
	RecipientID   string            `json:"recipient_id"`
	Content       Content           `json:"-"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Option configures optional Message fields at construction.
type Option func(*Message)

// WithCorrelationID sets the correlation id linking this message to an
// existing conversation.
func WithCorrelationID(id string) Option {
	return func(m *Message) { m.CorrelationID = id }
}

// WithMetadata merges the given keys into the message metadata.
func WithMetadata(meta map[string]string) Option {
	return func(m *Message) {
		for k, v := range meta {
			m.Metadata[k] = v
		}
	}
}

// New builds a validated message. The content must match the schema for
// the declared type; a mismatch returns a *PayloadValidationError.
func New(typ Type, senderID, recipientID string, content Content, opts ...Option) (*Message, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown message type %q", typ)
	}
	if senderID == "" {
		return nil, &PayloadValidationError{Type: typ, Field: "sender_id", Reason: "must not be empty"}
	}
	if recipientID == "" {
		return nil, &PayloadValidationError{Type: typ, Field: "recipient_id", Reason: "must not be empty"}
	}
	if err := validateContent(typ, content); err != nil {
		return nil, err
	}

	m := &Message{
		ID:          uuid.New().String(),
		Type:        typ,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Metadata:    make(map[string]string),
		CreatedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Reply builds a response addressed to the parent's sender. The
// correlation id is inherited from the parent, or set to the parent's id
// when the parent started the conversation. Metadata is copied so a
// room id set on the request survives the round trip.
func (m *Message) Reply(typ Type, content Content, senderID string) (*Message, error) {
	return m.ReplyTo(typ, content, senderID, m.SenderID)
}

// ReplyTo is Reply with an explicit recipient.
func (m *Message) ReplyTo(typ Type, content Content, senderID, recipientID string) (*Message, error) {
	corr := m.CorrelationID
	if corr == "" {
		corr = m.ID
	}
	reply, err := New(typ, senderID, recipientID, content, WithCorrelationID(corr), WithMetadata(m.Metadata))
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// RoomID returns the room identifier carried in metadata, if any.
func (m *Message) RoomID() string {
	return m.Metadata[MetaRoomID]
}

// wireMessage is the JSON shape published to streams and persisted by
// the store. Content travels as a raw JSON value decoded by Type.
type wireMessage struct {
	ID            string            `json:"id"`
	Type          Type              `json:"type"`
	SenderID      string            `json:"sender_id"`
	RecipientID   string            `json:"recipient_id"`
	Content       json.RawMessage   `json:"content"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	content, err := marshalContent(m.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return json.Marshal(wireMessage{
		ID:            m.ID,
		Type:          m.Type,
		SenderID:      m.SenderID,
		RecipientID:   m.RecipientID,
		Content:       content,
		CorrelationID: m.CorrelationID,
		Metadata:      m.Metadata,
		CreatedAt:     m.CreatedAt,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	content, err := unmarshalContent(w.Type, w.Content)
	if err != nil {
		return err
	}
	m.ID = w.ID
	m.Type = w.Type
	m.SenderID = w.SenderID
	m.RecipientID = w.RecipientID
	m.Content = content
	m.CorrelationID = w.CorrelationID
	m.Metadata = w.Metadata
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.CreatedAt = w.CreatedAt
	return nil
}

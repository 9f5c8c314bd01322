package model

import (
	"encoding/json"
	"time"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageImage      MessageType = "image"
	MessageFile       MessageType = "file"
	MessageVideo      MessageType = "video"
	MessageAudio      MessageType = "audio"
	MessageGameInvite MessageType = "game_invite"
	MessageCallInvite MessageType = "call_invite"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Message is one entry of a conversation.
//
// Exactly one of ID (server-assigned) and TempID (client-assigned, pending)
// identifies the entry locally. A confirmed message may keep its TempID so
// echoes can be correlated.
type Message struct {
	ID             string        `json:"id,omitempty"`
	TempID         CorrelationID `json:"temp_id,omitempty"`
	ConversationID string        `json:"chat_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content,omitempty"`
	Type           MessageType   `json:"type"`
	Status         MessageStatus `json:"status"`
	Metadata       Metadata      `json:"-"`
	ReplyTo        string        `json:"reply_to,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	EditedAt       *time.Time    `json:"edited_at,omitempty"`
}

// Key returns the local identity of the entry: the server id once known,
// otherwise the correlation id.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return string(m.TempID)
}

// Pending reports whether the message has not been confirmed by the server.
func (m *Message) Pending() bool {
	return m.ID == ""
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	cp := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	if m.Metadata != nil {
		cp.Metadata = m.Metadata.cloneMeta()
	}
	return &cp
}

// Before orders messages ascending by CreatedAt, ties broken by Key.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Key() < other.Key()
}

type messageAlias Message

type messageWire struct {
	*messageAlias
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// MarshalJSON encodes the metadata variant under "metadata".
func (m *Message) MarshalJSON() ([]byte, error) {
	w := messageWire{messageAlias: (*messageAlias)(m)}
	if m.Metadata != nil {
		raw, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, err
		}
		w.Metadata = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes "metadata" into the variant implied by Type.
func (m *Message) UnmarshalJSON(data []byte) error {
	w := messageWire{messageAlias: (*messageAlias)(m)}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Metadata = nil
	if len(w.Metadata) > 0 && string(w.Metadata) != "null" {
		meta, err := DecodeMetadata(m.Type, w.Metadata)
		if err != nil {
			return err
		}
		m.Metadata = meta
	}
	return nil
}

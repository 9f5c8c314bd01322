package model

import (
	"encoding/json"
	"fmt"
)

// Metadata is a sealed tagged variant over the known message metadata
// shapes. The variant is selected by the message type; anything else lands
// in UnknownMeta with its raw bytes preserved.
type Metadata interface {
	Kind() string
	cloneMeta() Metadata
}

// FileMeta describes an attachment for image, file, video and audio messages.
type FileMeta struct {
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	FileType string `json:"file_type,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	Duration int64  `json:"duration,omitempty"`
}

// CallInviteMeta accompanies call_invite messages.
type CallInviteMeta struct {
	CallID   string   `json:"call_id,omitempty"`
	CallType CallKind `json:"call_type"`
	Duration int64    `json:"duration,omitempty"`
}

// GameInviteMeta accompanies game_invite messages. Game state itself is
// owned by the games collaborator; only the reference travels here.
type GameInviteMeta struct {
	GameType  string `json:"game_type"`
	SessionID string `json:"session_id,omitempty"`
}

// UnknownMeta preserves metadata the engine has no shape for.
type UnknownMeta struct {
	Raw json.RawMessage
}

func (FileMeta) Kind() string       { return "file" }
func (CallInviteMeta) Kind() string { return "call_invite" }
func (GameInviteMeta) Kind() string { return "game_invite" }
func (UnknownMeta) Kind() string    { return "unknown" }

func (m FileMeta) cloneMeta() Metadata       { return m }
func (m CallInviteMeta) cloneMeta() Metadata { return m }
func (m GameInviteMeta) cloneMeta() Metadata { return m }
func (m UnknownMeta) cloneMeta() Metadata {
	raw := make(json.RawMessage, len(m.Raw))
	copy(raw, m.Raw)
	return UnknownMeta{Raw: raw}
}

// MarshalJSON emits the preserved bytes.
func (m UnknownMeta) MarshalJSON() ([]byte, error) {
	if len(m.Raw) == 0 {
		return []byte("{}"), nil
	}
	return m.Raw, nil
}

// DecodeMetadata selects the metadata variant for a message type.
func DecodeMetadata(t MessageType, raw json.RawMessage) (Metadata, error) {
	switch t {
	case MessageImage, MessageFile, MessageVideo, MessageAudio:
		var m FileMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode file metadata: %w", err)
		}
		return m, nil
	case MessageCallInvite:
		var m CallInviteMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode call invite metadata: %w", err)
		}
		return m, nil
	case MessageGameInvite:
		var m GameInviteMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode game invite metadata: %w", err)
		}
		return m, nil
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return UnknownMeta{Raw: cp}, nil
}

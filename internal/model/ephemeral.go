package model

import "time"

// TypingEntry marks a user as typing in a conversation.
//
// Timestamp is the sender's clock and is informational. ExpiresAt is
// assigned by the receiving tracker from the local clock and never travels
// on the wire.
type TypingEntry struct {
	ConversationID string    `json:"chat_id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"user_name"`
	Timestamp      time.Time `json:"timestamp"`
	ExpiresAt      time.Time `json:"-"`
}

// Expired reports whether the entry is no longer observable at now.
func (t *TypingEntry) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// PresenceStatus is a user's availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return true
	}
	return false
}

// PresenceEntry is the last known availability of a user.
// EventTimestamp orders updates; older or equal timestamps are rejected.
type PresenceEntry struct {
	UserID         string         `json:"id"`
	Status         PresenceStatus `json:"status"`
	LastSeen       *time.Time     `json:"last_seen,omitempty"`
	EventTimestamp time.Time      `json:"event_timestamp"`
}

// Clone returns a deep copy.
func (p *PresenceEntry) Clone() *PresenceEntry {
	cp := *p
	if p.LastSeen != nil {
		t := *p.LastSeen
		cp.LastSeen = &t
	}
	return &cp
}

// NewerThan reports whether p strictly supersedes other.
func (p *PresenceEntry) NewerThan(other *PresenceEntry) bool {
	if other == nil {
		return true
	}
	return p.EventTimestamp.After(other.EventTimestamp)
}

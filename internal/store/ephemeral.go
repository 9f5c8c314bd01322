package store

import (
	"sort"
	"time"

	"github.com/roach88/parley/internal/model"
)

// Typing returns the entries of a conversation still observable at now,
// ordered by user id.
func (s *Store) Typing(conversationID string, now time.Time) []*model.TypingEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.TypingEntry
	for k, e := range s.typing {
		if k.conversation != conversationID || e.Expired(now) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// PutTyping inserts or refreshes an entry keyed by (conversation, user).
func (s *Store) PutTyping(e *model.TypingEntry) {
	cp := *e
	s.mu.Lock()
	s.typing[typingKey{e.ConversationID, e.UserID}] = &cp
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeTyping, ConversationID: e.ConversationID, UserID: e.UserID})
}

// RemoveTyping deletes an entry. Returns false if absent.
func (s *Store) RemoveTyping(conversationID, userID string) bool {
	k := typingKey{conversationID, userID}
	s.mu.Lock()
	_, ok := s.typing[k]
	delete(s.typing, k)
	s.mu.Unlock()
	if ok {
		s.emit(Change{Kind: ChangeTyping, ConversationID: conversationID, UserID: userID})
	}
	return ok
}

// ExpireTyping removes every entry expired at now and returns how many
// were dropped.
func (s *Store) ExpireTyping(now time.Time) int {
	s.mu.Lock()
	var gone []typingKey
	for k, e := range s.typing {
		if e.Expired(now) {
			gone = append(gone, k)
			delete(s.typing, k)
		}
	}
	s.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool {
		if gone[i].conversation != gone[j].conversation {
			return gone[i].conversation < gone[j].conversation
		}
		return gone[i].user < gone[j].user
	})
	for _, k := range gone {
		s.emit(Change{Kind: ChangeTyping, ConversationID: k.conversation, UserID: k.user})
	}
	return len(gone)
}

// NextTypingExpiry returns the earliest ExpiresAt among stored entries.
func (s *Store) NextTypingExpiry() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next time.Time
	for _, e := range s.typing {
		if next.IsZero() || e.ExpiresAt.Before(next) {
			next = e.ExpiresAt
		}
	}
	return next, !next.IsZero()
}

// Presence returns the last accepted entry for a user.
func (s *Store) Presence(userID string) (*model.PresenceEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[userID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// SetPresence stores p unconditionally. Ordering is the tracker's job.
func (s *Store) SetPresence(p *model.PresenceEntry) {
	s.mu.Lock()
	s.presence[p.UserID] = p.Clone()
	s.mu.Unlock()
	s.emit(Change{Kind: ChangePresence, UserID: p.UserID})
}

// ClearPresence forgets every user's presence.
func (s *Store) ClearPresence() {
	s.mu.Lock()
	users := make([]string, 0, len(s.presence))
	for id := range s.presence {
		users = append(users, id)
	}
	clear(s.presence)
	s.mu.Unlock()

	sort.Strings(users)
	for _, id := range users {
		s.emit(Change{Kind: ChangePresence, UserID: id})
	}
}

// Call returns the current call view.
func (s *Store) Call() (*CallView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.call == nil {
		return nil, false
	}
	return s.call.clone(), true
}

// SetCall replaces the call view; nil clears it.
func (s *Store) SetCall(v *CallView) {
	s.mu.Lock()
	var key string
	if v == nil {
		if s.call != nil && s.call.Session != nil {
			key = s.call.Session.ID
		}
		s.call = nil
	} else {
		s.call = v.clone()
		if v.Session != nil {
			key = v.Session.ID
		}
	}
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeCall, Key: key})
}

// ActiveConversation returns the conversation the user has open.
func (s *Store) ActiveConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActiveConversation records the open conversation; empty means none.
func (s *Store) SetActiveConversation(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeView, ConversationID: conversationID})
}

// Visible reports whether the app is in the foreground.
func (s *Store) Visible() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visible
}

// SetVisible records app visibility.
func (s *Store) SetVisible(visible bool) {
	s.mu.Lock()
	changed := s.visible != visible
	s.visible = visible
	s.mu.Unlock()
	if changed {
		s.emit(Change{Kind: ChangeView})
	}
}

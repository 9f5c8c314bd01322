package store

import (
	"slices"

	"github.com/roach88/parley/internal/model"
)

// Messages returns a copy of a conversation's entries in display order.
func (s *Store) Messages(conversationID string) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.conversations[conversationID])
}

// Find returns a copy of the entry whose server id or correlation id
// equals key.
func (s *Store) Find(conversationID, key string) (*model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := indexOf(s.conversations[conversationID], key)
	if i < 0 {
		return nil, false
	}
	return s.conversations[conversationID][i].Clone(), true
}

// AppendPending adds an optimistic entry at the tail of its conversation,
// regardless of CreatedAt. Pending entries stay where the user saw them
// appear until confirmed.
func (s *Store) AppendPending(m *model.Message) {
	s.mu.Lock()
	s.conversations[m.ConversationID] = append(s.conversations[m.ConversationID], m.Clone())
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeMessages, ConversationID: m.ConversationID, Key: m.Key()})
}

// Insert places m in order (ascending CreatedAt, ties by id). Returns
// false, leaving the list untouched, if an entry with the same key exists.
func (s *Store) Insert(m *model.Message) bool {
	s.mu.Lock()
	msgs := s.conversations[m.ConversationID]
	if indexOf(msgs, m.Key()) >= 0 || (m.TempID != "" && indexOf(msgs, string(m.TempID)) >= 0) {
		s.mu.Unlock()
		return false
	}
	s.conversations[m.ConversationID] = slices.Insert(msgs, insertionPoint(msgs, m), m.Clone())
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeMessages, ConversationID: m.ConversationID, Key: m.Key()})
	return true
}

// Replace swaps the entry identified by key for m, keeping its position.
// Returns false if key is absent.
func (s *Store) Replace(conversationID, key string, m *model.Message) bool {
	s.mu.Lock()
	msgs := s.conversations[conversationID]
	i := indexOf(msgs, key)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	msgs[i] = m.Clone()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeMessages, ConversationID: conversationID, Key: m.Key()})
	return true
}

// Update applies fn to the stored entry identified by key. A confirmed
// entry whose CreatedAt changed moves to its new place in the order.
// Returns false if key is absent.
func (s *Store) Update(conversationID, key string, fn func(*model.Message)) bool {
	s.mu.Lock()
	msgs := s.conversations[conversationID]
	i := indexOf(msgs, key)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	m := msgs[i]
	createdAt := m.CreatedAt
	fn(m)
	if !m.Pending() && !m.CreatedAt.Equal(createdAt) {
		msgs = slices.Delete(msgs, i, i+1)
		s.conversations[conversationID] = slices.Insert(msgs, insertionPoint(msgs, m), m)
	}
	newKey := m.Key()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeMessages, ConversationID: conversationID, Key: newKey})
	return true
}

// Remove deletes the entry identified by key. Returns false if absent.
func (s *Store) Remove(conversationID, key string) bool {
	s.mu.Lock()
	msgs := s.conversations[conversationID]
	i := indexOf(msgs, key)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.conversations[conversationID] = append(msgs[:i:i], msgs[i+1:]...)
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeMessages, ConversationID: conversationID, Key: key})
	return true
}

// Unread returns the unread counter of a conversation.
func (s *Store) Unread(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[conversationID]
}

// UnreadTotal sums every conversation's counter.
func (s *Store) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.unread {
		n += c
	}
	return n
}

// IncrementUnread bumps a conversation's counter by one.
func (s *Store) IncrementUnread(conversationID string) {
	s.mu.Lock()
	s.unread[conversationID]++
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeUnread, ConversationID: conversationID})
}

// MarkRead resets a conversation's counter.
func (s *Store) MarkRead(conversationID string) {
	s.mu.Lock()
	_, had := s.unread[conversationID]
	delete(s.unread, conversationID)
	s.mu.Unlock()
	if had {
		s.emit(Change{Kind: ChangeUnread, ConversationID: conversationID})
	}
}

// insertionPoint returns where confirmed m belongs: before the first
// confirmed entry it sorts before. Pending entries are skipped since they
// keep the place they were shown at.
func insertionPoint(msgs []*model.Message, m *model.Message) int {
	for i, cur := range msgs {
		if !cur.Pending() && m.Before(cur) {
			return i
		}
	}
	return len(msgs)
}

func indexOf(msgs []*model.Message, key string) int {
	if key == "" {
		return -1
	}
	for i, m := range msgs {
		if m.ID == key || string(m.TempID) == key {
			return i
		}
	}
	return -1
}

func cloneMessages(msgs []*model.Message) []*model.Message {
	out := make([]*model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/parley/internal/media"
	"github.com/roach88/parley/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func msg(id string, at time.Duration) *model.Message {
	return &model.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "bob",
		Content:        id,
		Type:           model.MessageText,
		Status:         model.StatusSent,
		CreatedAt:      t0.Add(at),
	}
}

func keys(msgs []*model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}
	return out
}

func TestInsert_OrdersByCreatedAtThenID(t *testing.T) {
	s := New()

	assert.True(t, s.Insert(msg("m3", 3*time.Second)))
	assert.True(t, s.Insert(msg("m1", time.Second)))
	assert.True(t, s.Insert(msg("m2b", 2*time.Second)))
	assert.True(t, s.Insert(msg("m2a", 2*time.Second)))

	assert.Equal(t, []string{"m1", "m2a", "m2b", "m3"}, keys(s.Messages("c1")))
}

func TestInsert_RejectsDuplicateKey(t *testing.T) {
	s := New()
	require.True(t, s.Insert(msg("m1", 0)))
	assert.False(t, s.Insert(msg("m1", time.Second)))
	assert.Len(t, s.Messages("c1"), 1)
}

func TestInsert_RejectsConfirmedCopyOfPending(t *testing.T) {
	s := New()
	pending := &model.Message{TempID: "tmp-1", ConversationID: "c1", Status: model.StatusSending, CreatedAt: t0}
	s.AppendPending(pending)

	confirmed := msg("m1", 0)
	confirmed.TempID = "tmp-1"
	assert.False(t, s.Insert(confirmed))
	assert.Equal(t, []string{"tmp-1"}, keys(s.Messages("c1")))
}

func TestAppendPending_StaysAtTail(t *testing.T) {
	s := New()
	s.Insert(msg("m1", 10*time.Second))
	s.AppendPending(&model.Message{TempID: "tmp-1", ConversationID: "c1", Status: model.StatusSending, CreatedAt: t0})

	assert.Equal(t, []string{"m1", "tmp-1"}, keys(s.Messages("c1")))
}

func TestReplace_KeepsPosition(t *testing.T) {
	s := New()
	s.Insert(msg("m1", 0))
	s.AppendPending(&model.Message{TempID: "tmp-1", ConversationID: "c1", Status: model.StatusSending, CreatedAt: t0})
	s.Insert(msg("m0", -time.Second))

	confirmed := msg("m9", 0)
	confirmed.TempID = "tmp-1"
	require.True(t, s.Replace("c1", "tmp-1", confirmed))

	assert.Equal(t, []string{"m0", "m1", "m9"}, keys(s.Messages("c1")))
	got, ok := s.Find("c1", "tmp-1")
	require.True(t, ok, "confirmed entries stay findable by correlation id")
	assert.Equal(t, "m9", got.ID)

	assert.False(t, s.Replace("c1", "missing", confirmed))
}

func TestInsert_SkipsPendingEntries(t *testing.T) {
	s := New()
	s.Insert(msg("m1", time.Second))
	s.AppendPending(&model.Message{TempID: "tmp-1", ConversationID: "c1", Status: model.StatusSending, CreatedAt: t0.Add(9 * time.Second)})
	s.Insert(msg("m5", 5*time.Second))
	s.Insert(msg("m0", 0))

	assert.Equal(t, []string{"m0", "m1", "m5", "tmp-1"}, keys(s.Messages("c1")))
}

func TestUpdate_MovesEntryWhenCreatedAtChanges(t *testing.T) {
	s := New()
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		s.Insert(msg(id, time.Duration(i+1)*time.Second))
	}

	require.True(t, s.Update("c1", "m2", func(m *model.Message) { m.CreatedAt = t0.Add(9 * time.Second) }))
	assert.Equal(t, []string{"m1", "m3", "m4", "m2"}, keys(s.Messages("c1")))

	s.Insert(msg("m5", 5*time.Second))
	assert.Equal(t, []string{"m1", "m3", "m4", "m5", "m2"}, keys(s.Messages("c1")))
}

func TestUpdateAndRemove(t *testing.T) {
	s := New()
	s.Insert(msg("m1", 0))

	require.True(t, s.Update("c1", "m1", func(m *model.Message) { m.Status = model.StatusRead }))
	got, _ := s.Find("c1", "m1")
	assert.Equal(t, model.StatusRead, got.Status)
	assert.False(t, s.Update("c1", "nope", func(*model.Message) { t.Fatal("must not run") }))

	assert.True(t, s.Remove("c1", "m1"))
	assert.False(t, s.Remove("c1", "m1"))
	assert.Empty(t, s.Messages("c1"))
}

func TestMessages_ReturnsCopies(t *testing.T) {
	s := New()
	s.Insert(msg("m1", 0))

	s.Messages("c1")[0].Content = "mutated"
	got, _ := s.Find("c1", "m1")
	got.Status = model.StatusFailed

	again, _ := s.Find("c1", "m1")
	assert.Equal(t, "m1", again.Content)
	assert.Equal(t, model.StatusSent, again.Status)
}

func TestTyping_FilteredByExpiry(t *testing.T) {
	s := New()
	s.PutTyping(&model.TypingEntry{ConversationID: "c1", UserID: "bob", ExpiresAt: t0.Add(3 * time.Second)})
	s.PutTyping(&model.TypingEntry{ConversationID: "c1", UserID: "amy", ExpiresAt: t0.Add(time.Second)})
	s.PutTyping(&model.TypingEntry{ConversationID: "c2", UserID: "cat", ExpiresAt: t0.Add(time.Second)})

	got := s.Typing("c1", t0)
	require.Len(t, got, 2)
	assert.Equal(t, "amy", got[0].UserID)

	got = s.Typing("c1", t0.Add(time.Second))
	require.Len(t, got, 1, "entries are never observable at or past ExpiresAt")
	assert.Equal(t, "bob", got[0].UserID)

	next, ok := s.NextTypingExpiry()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), next)

	assert.Equal(t, 2, s.ExpireTyping(t0.Add(time.Second)))
	assert.Empty(t, s.Typing("c2", t0))
	assert.True(t, s.RemoveTyping("c1", "bob"))
	assert.False(t, s.RemoveTyping("c1", "bob"))

	_, ok = s.NextTypingExpiry()
	assert.False(t, ok)
}

func TestPresence(t *testing.T) {
	s := New()
	_, ok := s.Presence("bob")
	assert.False(t, ok)

	s.SetPresence(&model.PresenceEntry{UserID: "bob", Status: model.PresenceAway, EventTimestamp: t0})
	got, ok := s.Presence("bob")
	require.True(t, ok)
	assert.Equal(t, model.PresenceAway, got.Status)

	var changed []string
	s.Watch(func(c Change) { changed = append(changed, c.UserID) })
	s.SetPresence(&model.PresenceEntry{UserID: "amy", Status: model.PresenceOnline, EventTimestamp: t0})
	s.ClearPresence()
	_, ok = s.Presence("bob")
	assert.False(t, ok)
	assert.Empty(t, s.Snapshot().Presence)
	assert.Equal(t, []string{"amy", "amy", "bob"}, changed)
}

func TestCallView(t *testing.T) {
	s := New()
	_, ok := s.Call()
	assert.False(t, ok)

	session := &model.CallSession{ID: "call-1", ParticipantIDs: []string{"amy", "bob"}}
	s.SetCall(&CallView{Session: session, State: "active", Local: media.StreamInfo{ID: "s1", Local: true, Audio: true}})
	session.ParticipantIDs[0] = "zed"

	got, ok := s.Call()
	require.True(t, ok)
	assert.Equal(t, "active", got.State)
	assert.Equal(t, []string{"amy", "bob"}, got.Session.ParticipantIDs)

	s.SetCall(nil)
	_, ok = s.Call()
	assert.False(t, ok)
}

func TestUnreadAndView(t *testing.T) {
	s := New()
	s.IncrementUnread("c1")
	s.IncrementUnread("c1")
	s.IncrementUnread("c2")
	assert.Equal(t, 2, s.Unread("c1"))
	assert.Equal(t, 3, s.UnreadTotal())

	s.MarkRead("c1")
	assert.Equal(t, 0, s.Unread("c1"))

	assert.True(t, s.Visible())
	s.SetVisible(false)
	assert.False(t, s.Visible())
	s.SetActiveConversation("c2")
	assert.Equal(t, "c2", s.ActiveConversation())
}

func TestWatch(t *testing.T) {
	s := New()
	var got []Change
	unwatch := s.Watch(func(c Change) { got = append(got, c) })

	s.Insert(msg("m1", 0))
	s.IncrementUnread("c1")
	s.MarkRead("c1")
	s.MarkRead("c1") // no-op, no change
	s.SetVisible(true)

	unwatch()
	s.Insert(msg("m2", 0))

	require.Len(t, got, 3)
	assert.Equal(t, Change{Kind: ChangeMessages, ConversationID: "c1", Key: "m1"}, got[0])
	assert.Equal(t, ChangeUnread, got[1].Kind)
	assert.Equal(t, ChangeUnread, got[2].Kind)
}

func TestSnapshot(t *testing.T) {
	s := New()
	s.Insert(msg("m1", 0))
	s.PutTyping(&model.TypingEntry{ConversationID: "c1", UserID: "bob", ExpiresAt: t0.Add(time.Second)})
	s.IncrementUnread("c1")

	snap := s.Snapshot()
	assert.Len(t, snap.Conversations["c1"], 1)
	assert.Len(t, snap.Typing, 1)
	assert.Equal(t, 1, snap.Unread["c1"])
	assert.Nil(t, snap.Call)

	snap.Conversations["c1"][0].Content = "x"
	got, _ := s.Find("c1", "m1")
	assert.Equal(t, "m1", got.Content)
}

package journal

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/parley/internal/loop"
	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/testutil"
	"github.com/roach88/parley/internal/transport"
)

// createTestJournal opens a journal in a temp dir.
func createTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func messageEvent(id, eventID, content string) transport.Event {
	return transport.Event{
		ID:    eventID,
		Topic: "chat:c1",
		Op:    model.OpInsert,
		Record: &model.Message{
			ID: id, ConversationID: "c1", SenderID: "bob", Content: content,
			Type: model.MessageText, Status: model.StatusSent, CreatedAt: testutil.Epoch,
		},
	}
}

func TestOpen_Pragmas(t *testing.T) {
	j := createTestJournal(t)
	for name, want := range map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"user_version": strconv.Itoa(version),
	} {
		got, err := j.pragma(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestOpen_UpgradesOlderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(schemaSQL)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO events (seq, event_id, topic, tbl, op, record_key, record, received_at)
		VALUES (1, 'evt-1', 'chat:c1', 'messages', 'insert', 'm1', '{}', 0)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	got, err := j.pragma(context.Background(), "user_version")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(version), got)

	entry, err := NewEntry(2, messageEvent("m1", "evt-1", "again"), testutil.Epoch)
	require.NoError(t, err)
	require.NoError(t, j.Append(context.Background(), entry))
	n, err := j.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "event ids are unique after the upgrade")
}

func TestOpen_RefusesNewerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version+1))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is newer than")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j1, err := Open(path)
	require.NoError(t, err)
	entry, err := NewEntry(1, messageEvent("m1", "evt-1", "hi"), testutil.Epoch)
	require.NoError(t, err)
	require.NoError(t, j1.Append(context.Background(), entry))
	require.NoError(t, j1.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()
	n, err := j2.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppend_DuplicateEventIDIgnored(t *testing.T) {
	ctx := context.Background()
	j := createTestJournal(t)

	for seq, ev := range []transport.Event{
		messageEvent("m1", "evt-1", "first"),
		messageEvent("m1", "evt-1", "first again"),
		messageEvent("m2", "", "no id"),
		messageEvent("m3", "", "no id either"),
	} {
		e, err := NewEntry(int64(seq+1), ev, testutil.Epoch)
		require.NoError(t, err)
		require.NoError(t, j.Append(ctx, e))
	}

	entries, err := j.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{1, 3, 4}, []int64{entries[0].Seq, entries[1].Seq, entries[2].Seq})
}

func TestList_FiltersAndDecodes(t *testing.T) {
	ctx := context.Background()
	j := createTestJournal(t)

	presence := transport.Event{ID: "evt-p", Topic: "presence", Op: model.OpUpdate,
		Record: &model.PresenceEntry{UserID: "bob", Status: model.PresenceAway, EventTimestamp: testutil.Epoch}}

	for seq, ev := range []transport.Event{messageEvent("m1", "evt-1", "hi"), presence, messageEvent("m2", "evt-2", "yo")} {
		e, err := NewEntry(int64(seq+1), ev, testutil.Epoch.Add(time.Duration(seq)*time.Second))
		require.NoError(t, err)
		require.NoError(t, j.Append(ctx, e))
	}

	msgs, err := j.List(ctx, Query{Table: model.TableMessages})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].Key)
	assert.Equal(t, "m2", msgs[1].Key)

	limited, err := j.List(ctx, Query{Limit: 1, AfterSeq: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, model.TablePresence, limited[0].Table)
	assert.True(t, limited[0].ReceivedAt.Equal(testutil.Epoch.Add(time.Second)))

	ev, err := limited[0].Event()
	require.NoError(t, err)
	assert.Equal(t, model.PresenceAway, ev.Record.(*model.PresenceEntry).Status)

	empty, err := j.List(ctx, Query{Table: model.TableCalls})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestCallOutcomes(t *testing.T) {
	ctx := context.Background()
	j := createTestJournal(t)

	started := testutil.Epoch
	require.NoError(t, j.RecordCallOutcome(ctx, CallOutcome{
		CallID: "k1", ConversationID: "c1", Kind: model.CallVideo, Reason: model.ReasonCompleted,
		StartedAt: &started, EndedAt: started.Add(90 * time.Second), Seq: 5,
	}))
	require.NoError(t, j.RecordCallOutcome(ctx, CallOutcome{
		CallID: "k1", ConversationID: "c1", Kind: model.CallVideo, Reason: model.ReasonRemoteEnded,
		EndedAt: started.Add(time.Hour), Seq: 6,
	}))
	require.NoError(t, j.RecordCallOutcome(ctx, CallOutcome{
		CallID: "k2", ConversationID: "c1", Kind: model.CallVoice, Reason: model.ReasonNoAnswer,
		EndedAt: started.Add(2 * time.Hour), Seq: 9,
	}))

	outcomes, err := j.CallOutcomes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "k2", outcomes[0].CallID)
	assert.Zero(t, outcomes[0].Duration())
	assert.Equal(t, model.ReasonCompleted, outcomes[1].Reason, "first outcome wins")
	assert.Equal(t, 90*time.Second, outcomes[1].Duration())

	top, err := j.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), top)
}

func TestMaxSeq_Empty(t *testing.T) {
	top, err := createTestJournal(t).MaxSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, top)
}

func TestRecordKey(t *testing.T) {
	assert.Equal(t, "m1", RecordKey(&model.Message{ID: "m1"}))
	assert.Equal(t, "tmp-1", RecordKey(&model.Message{TempID: "tmp-1"}))
	assert.Equal(t, "c1/bob", RecordKey(&model.TypingEntry{ConversationID: "c1", UserID: "bob"}))
	assert.Equal(t, "bob", RecordKey(&model.PresenceEntry{UserID: "bob"}))
	assert.Equal(t, "k1/alice/offer", RecordKey(&model.SignalingMessage{CallID: "k1", FromID: "alice", Kind: model.SignalOffer}))
	assert.Empty(t, RecordKey(&model.Unknown{Source: "games"}))
}

func TestWriter_FlushesOnClose(t *testing.T) {
	ctx := context.Background()
	j := createTestJournal(t)
	seq := loop.NewSequenceAt(10)

	w := NewWriter(j, seq.Next, func() time.Time { return testutil.Epoch }, 0)
	w.Record(messageEvent("m1", "evt-1", "a"))
	w.Record(messageEvent("m2", "evt-2", "b"))
	ended := testutil.Epoch.Add(time.Minute)
	w.RecordCall(&model.CallSession{ID: "k1", ConversationID: "c1", Kind: model.CallVoice, EndReason: model.ReasonDeclined, EndedAt: &ended})
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	// Writes after close are ignored.
	w.Record(messageEvent("m3", "evt-3", "c"))

	entries, err := j.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(11), entries[0].Seq)

	outcomes, err := j.CallOutcomes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, int64(13), outcomes[0].Seq)
	assert.True(t, outcomes[0].EndedAt.Equal(ended))
	assert.Zero(t, w.Dropped())
}

package wsgateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/parley/internal/model"
)

func TestWriteAllowed(t *testing.T) {
	call := &model.CallSession{ID: "k1", InitiatorID: "alice", ParticipantIDs: []string{"alice", "bob"}}

	tests := []struct {
		name string
		op   model.Op
		rec  model.Record
		want bool
	}{
		{"own message", model.OpInsert, &model.Message{SenderID: "alice"}, true},
		{"foreign message", model.OpInsert, &model.Message{SenderID: "bob"}, false},
		{"own typing", model.OpDelete, &model.TypingEntry{UserID: "alice"}, true},
		{"own presence", model.OpUpdate, &model.PresenceEntry{UserID: "alice"}, true},
		{"foreign presence", model.OpUpdate, &model.PresenceEntry{UserID: "bob"}, false},
		{"own signal", model.OpInsert, &model.SignalingMessage{FromID: "alice"}, true},
		{"initiate call", model.OpInsert, call, true},
		{"participant updates call", model.OpUpdate, call, true},
		{"unknown table", model.OpInsert, &model.Unknown{Source: "games"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WriteAllowed("alice", tt.op, tt.rec))
		})
	}

	assert.False(t, WriteAllowed("carol", model.OpUpdate, call))
	assert.False(t, WriteAllowed("bob", model.OpInsert, call), "only the initiator creates a call")
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", bearerToken(r))

	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	assert.Equal(t, "xyz", bearerToken(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	assert.Empty(t, bearerToken(r))
}

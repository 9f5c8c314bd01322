package store

import (
	"sort"
	"sync"

	"github.com/roach88/parley/internal/media"
	"github.com/roach88/parley/internal/model"
)

// ChangeKind names the slice of state a mutation touched.
type ChangeKind string

const (
	ChangeMessages ChangeKind = "messages"
	ChangeTyping   ChangeKind = "typing"
	ChangePresence ChangeKind = "presence"
	ChangeCall     ChangeKind = "call"
	ChangeUnread   ChangeKind = "unread"
	ChangeView     ChangeKind = "view"
)

// Change describes one mutation. Only the fields relevant to Kind are set.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	UserID         string
	Key            string
}

// CallView is what the UI needs to render the current call. Stream fields
// are read-only descriptions; the call machine owns the tracks.
type CallView struct {
	Session *model.CallSession
	State   string
	Reason  string

	// Error describes the last failed intent (a media or negotiation
	// failure that left the machine where it was).
	Error string

	Local        media.StreamInfo
	Remote       media.StreamInfo
	Muted        bool
	VideoEnabled bool
}

func (v *CallView) clone() *CallView {
	cp := *v
	if v.Session != nil {
		cp.Session = v.Session.Clone()
	}
	return &cp
}

type typingKey struct {
	conversation string
	user         string
}

type watcher struct {
	id int
	fn func(Change)
}

// Store is the explicit client state container. See the package doc for
// the ownership rules.
type Store struct {
	mu            sync.RWMutex
	conversations map[string][]*model.Message
	typing        map[typingKey]*model.TypingEntry
	presence      map[string]*model.PresenceEntry
	call          *CallView
	unread        map[string]int
	active        string
	visible       bool

	watchMu  sync.Mutex
	watchers []watcher
	nextID   int
}

// New creates an empty store. The app starts visible.
func New() *Store {
	return &Store{
		conversations: make(map[string][]*model.Message),
		typing:        make(map[typingKey]*model.TypingEntry),
		presence:      make(map[string]*model.PresenceEntry),
		unread:        make(map[string]int),
		visible:       true,
	}
}

// Watch registers fn for every subsequent change and returns a func that
// removes it.
func (s *Store) Watch(fn func(Change)) (unwatch func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.nextID++
	id := s.nextID
	s.watchers = append(s.watchers, watcher{id: id, fn: fn})

	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		for i, w := range s.watchers {
			if w.id == id {
				s.watchers = append(s.watchers[:i:i], s.watchers[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) emit(c Change) {
	s.watchMu.Lock()
	ws := append([]watcher(nil), s.watchers...)
	s.watchMu.Unlock()
	for _, w := range ws {
		w.fn(c)
	}
}

// Snapshot is a deep copy of the whole store, used for traces and the
// CLI's periodic dump.
type Snapshot struct {
	Conversations map[string][]*model.Message
	Typing        []*model.TypingEntry
	Presence      map[string]*model.PresenceEntry
	Call          *CallView
	Unread        map[string]int
	Active        string
	Visible       bool
}

// Snapshot copies the current state. Typing entries are included as
// stored; callers filter by expiry when they care.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Conversations: make(map[string][]*model.Message, len(s.conversations)),
		Presence:      make(map[string]*model.PresenceEntry, len(s.presence)),
		Unread:        make(map[string]int, len(s.unread)),
		Active:        s.active,
		Visible:       s.visible,
	}
	for id, msgs := range s.conversations {
		snap.Conversations[id] = cloneMessages(msgs)
	}
	for _, e := range s.typing {
		cp := *e
		snap.Typing = append(snap.Typing, &cp)
	}
	sort.Slice(snap.Typing, func(i, j int) bool {
		a, b := snap.Typing[i], snap.Typing[j]
		if a.ConversationID != b.ConversationID {
			return a.ConversationID < b.ConversationID
		}
		return a.UserID < b.UserID
	})
	for id, p := range s.presence {
		snap.Presence[id] = p.Clone()
	}
	if s.call != nil {
		snap.Call = s.call.clone()
	}
	for id, n := range s.unread {
		snap.Unread[id] = n
	}
	return snap
}

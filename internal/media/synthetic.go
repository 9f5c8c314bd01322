package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/parley/internal/model"
)

// Synthetic is a signaling-only media engine: tracks carry no data and
// SDP blobs are placeholders, but every lifecycle rule (acquire, negotiate,
// candidate gathering, stop) behaves like the real thing. It backs
// `parley connect` when no platform media engine exists, and tests.
//
// Failures can be injected per step with FailNext, and a step can be held
// open with Hold to exercise late completions.
//
// Thread-safety: all methods are safe for concurrent use.
type Synthetic struct {
	mu       sync.Mutex
	seq      int
	tracks   []*syntheticTrack
	peers    []*syntheticPeer
	failures map[string][]error
	holds    map[string]chan struct{}
}

// Injectable steps.
const (
	StepGetUserMedia    = "get-user-media"
	StepOpen            = "open-connection"
	StepCreateOffer     = "create-offer"
	StepCreateAnswer    = "create-answer"
	StepSetRemote       = "set-remote-description"
	StepAddIceCandidate = "add-ice-candidate"
)

// NewSynthetic creates a synthetic engine.
func NewSynthetic() *Synthetic {
	return &Synthetic{
		failures: make(map[string][]error),
		holds:    make(map[string]chan struct{}),
	}
}

// FailNext makes the next call of step fail with err.
func (s *Synthetic) FailNext(step string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[step] = append(s.failures[step], err)
}

// Hold blocks every call of step until the returned release func runs.
func (s *Synthetic) Hold(step string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[step] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[step] == ch {
				delete(s.holds, step)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// LiveTracks returns how many acquired tracks have not been stopped.
func (s *Synthetic) LiveTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tracks {
		if !t.stopped {
			n++
		}
	}
	return n
}

// LocalTrackEnabled reports whether the newest live local track of kind
// is enabled; false if there is none.
func (s *Synthetic) LocalTrackEnabled(kind TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.tracks) - 1; i >= 0; i-- {
		t := s.tracks[i]
		if t.local && t.kind == kind && !t.stopped {
			return t.enabled
		}
	}
	return false
}

// OpenPeers returns how many connections have not been closed.
func (s *Synthetic) OpenPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.peers {
		if !p.closed {
			n++
		}
	}
	return n
}

// Peers returns the number of connections ever opened.
func (s *Synthetic) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// AppliedCandidates returns the remote candidates applied to the most
// recently opened connection.
func (s *Synthetic) AppliedCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.peers) == 0 {
		return nil
	}
	p := s.peers[len(s.peers)-1]
	return append([]string(nil), p.candidates...)
}

// step applies holds and injected failures for one call.
func (s *Synthetic) step(ctx context.Context, name string) error {
	s.mu.Lock()
	hold := s.holds[name]
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if errs := s.failures[name]; len(errs) > 0 {
		s.failures[name] = errs[1:]
		return errs[0]
	}
	return nil
}

func (s *Synthetic) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// GetUserMedia implements Devices.
func (s *Synthetic) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := s.step(ctx, StepGetUserMedia); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stream := &Stream{ID: s.nextID("stream")}
	if c.Audio {
		t := &syntheticTrack{engine: s, id: s.nextID("audio"), kind: TrackAudio, local: true, enabled: true}
		s.tracks = append(s.tracks, t)
		stream.Tracks = append(stream.Tracks, t)
	}
	if c.Video {
		t := &syntheticTrack{engine: s, id: s.nextID("video"), kind: TrackVideo, local: true, enabled: true}
		s.tracks = append(s.tracks, t)
		stream.Tracks = append(stream.Tracks, t)
	}
	return stream, nil
}

// NewPeer implements PeerFactory.
func (s *Synthetic) NewPeer() (PeerConnection, error) {
	if err := s.step(context.Background(), StepOpen); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &syntheticPeer{engine: s, id: s.nextID("peer")}
	s.peers = append(s.peers, p)
	return p, nil
}

type syntheticTrack struct {
	engine *Synthetic
	id     string
	kind   TrackKind
	local  bool

	// guarded by engine.mu
	enabled bool
	stopped bool
}

func (t *syntheticTrack) ID() string      { return t.id }
func (t *syntheticTrack) Kind() TrackKind { return t.kind }

func (t *syntheticTrack) Enabled() bool {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	return t.enabled
}

func (t *syntheticTrack) SetEnabled(enabled bool) {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	t.enabled = enabled
}

func (t *syntheticTrack) Stop() {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	t.stopped = true
}

type syntheticPeer struct {
	engine *Synthetic
	id     string

	// guarded by engine.mu
	closed     bool
	remoteSet  bool
	candidates []string
	onIce      func(string)
	onRemote   func(*Stream)
	gathered   bool
}

func (p *syntheticPeer) AddStream(*Stream) error { return nil }

func (p *syntheticPeer) CreateOffer(ctx context.Context) (string, error) {
	if err := p.engine.step(ctx, StepCreateOffer); err != nil {
		return "", err
	}
	p.gather()
	return "offer:" + p.id, nil
}

func (p *syntheticPeer) CreateAnswer(ctx context.Context) (string, error) {
	if err := p.engine.step(ctx, StepCreateAnswer); err != nil {
		return "", err
	}
	p.engine.mu.Lock()
	remoteSet := p.remoteSet
	p.engine.mu.Unlock()
	if !remoteSet {
		return "", fmt.Errorf("create answer without remote offer")
	}
	p.gather()
	return "answer:" + p.id, nil
}

func (p *syntheticPeer) SetRemoteDescription(ctx context.Context, kind model.SignalKind, sdp string) error {
	if err := p.engine.step(ctx, StepSetRemote); err != nil {
		return err
	}
	if sdp == "" {
		return fmt.Errorf("empty %s description", kind)
	}

	p.engine.mu.Lock()
	if p.closed {
		p.engine.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	p.remoteSet = true
	remote := &Stream{ID: p.engine.nextID("remote")}
	audio := &syntheticTrack{engine: p.engine, id: p.engine.nextID("audio"), kind: TrackAudio, enabled: true}
	p.engine.tracks = append(p.engine.tracks, audio)
	remote.Tracks = append(remote.Tracks, audio)
	onRemote := p.onRemote
	p.engine.mu.Unlock()

	if onRemote != nil {
		onRemote(remote)
	} else {
		audio.Stop()
	}
	return nil
}

func (p *syntheticPeer) AddIceCandidate(ctx context.Context, candidate string) error {
	if err := p.engine.step(ctx, StepAddIceCandidate); err != nil {
		return err
	}
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	if !p.remoteSet {
		return fmt.Errorf("candidate before remote description")
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *syntheticPeer) OnIceCandidate(f func(string)) {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	p.onIce = f
}

func (p *syntheticPeer) OnRemoteStream(f func(*Stream)) {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	p.onRemote = f
}

func (p *syntheticPeer) Close() error {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	p.closed = true
	return nil
}

// gather emits one host candidate after the first local description.
func (p *syntheticPeer) gather() {
	p.engine.mu.Lock()
	if p.gathered || p.closed {
		p.engine.mu.Unlock()
		return
	}
	p.gathered = true
	onIce := p.onIce
	candidate := "candidate:" + p.id + ":host"
	p.engine.mu.Unlock()

	if onIce != nil {
		onIce(candidate)
	}
}

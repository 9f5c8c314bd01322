package media

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/parley/internal/model"
)

// Adapter drives the media side of one call.
//
// Every method may block and is called off the loop. Once Close has run,
// anything a late operation produces (an acquired stream, a connection) is
// released immediately instead of being kept.
//
// Thread-safety: all methods are safe for concurrent use.
type Adapter struct {
	devices Devices
	newPeer PeerFactory

	mu          sync.Mutex
	local       *Stream
	remote      *Stream
	pc          PeerConnection
	remoteSet   bool
	queued      []string
	closed      bool
	onCandidate func(string)
	onRemote    func(StreamInfo)
}

// NewAdapter creates an adapter for one call.
func NewAdapter(devices Devices, newPeer PeerFactory) *Adapter {
	return &Adapter{devices: devices, newPeer: newPeer}
}

// OnLocalCandidate sets where locally gathered ICE candidates go. Must be
// set before negotiation starts.
func (a *Adapter) OnLocalCandidate(f func(candidate string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCandidate = f
}

// OnRemoteStream sets the callback for the peer's stream.
func (a *Adapter) OnRemoteStream(f func(StreamInfo)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRemote = f
}

// AcquireLocalMedia opens the local devices for a call of kind. Failures
// are *MediaError.
func (a *Adapter) AcquireLocalMedia(ctx context.Context, kind model.CallKind) (StreamInfo, error) {
	s, err := a.devices.GetUserMedia(ctx, ConstraintsFor(kind))
	if err != nil {
		if IsMediaError(err) {
			return StreamInfo{}, err
		}
		return StreamInfo{}, &MediaError{Code: ErrCodeDeviceUnavailable, Message: "get user media", Err: err}
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		stopAll(s)
		return StreamInfo{}, ErrClosed
	}
	old := a.local
	a.local = s
	pc := a.pc
	a.mu.Unlock()

	stopAll(old)
	if pc != nil {
		if err := pc.AddStream(s); err != nil {
			return StreamInfo{}, negotiationError("add-stream", err)
		}
	}
	return Describe(s, true), nil
}

// CreateOffer produces the local offer SDP.
func (a *Adapter) CreateOffer(ctx context.Context) (string, error) {
	pc, err := a.connection()
	if err != nil {
		return "", err
	}
	sdp, err := pc.CreateOffer(ctx)
	if err != nil {
		return "", negotiationError("create-offer", err)
	}
	return sdp, nil
}

// CreateAnswer produces the local answer SDP. The remote offer must have
// been set.
func (a *Adapter) CreateAnswer(ctx context.Context) (string, error) {
	pc, err := a.connection()
	if err != nil {
		return "", err
	}
	sdp, err := pc.CreateAnswer(ctx)
	if err != nil {
		return "", negotiationError("create-answer", err)
	}
	return sdp, nil
}

// SetRemoteDescription applies the peer's offer or answer, then flushes
// any candidates that arrived early, in arrival order.
func (a *Adapter) SetRemoteDescription(ctx context.Context, kind model.SignalKind, sdp string) error {
	pc, err := a.connection()
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(ctx, kind, sdp); err != nil {
		return negotiationError("set-remote-description", err)
	}

	a.mu.Lock()
	a.remoteSet = true
	queued := a.queued
	a.queued = nil
	a.mu.Unlock()

	for _, c := range queued {
		if err := pc.AddIceCandidate(ctx, c); err != nil {
			// A rejected candidate is not fatal.
			slog.Warn("queued ice candidate rejected", "error", err)
		}
	}
	return nil
}

// AddIceCandidate applies a remote candidate, or queues it until the
// remote description is set.
func (a *Adapter) AddIceCandidate(ctx context.Context, candidate string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if !a.remoteSet {
		a.queued = append(a.queued, candidate)
		a.mu.Unlock()
		return nil
	}
	pc := a.pc
	a.mu.Unlock()

	if err := pc.AddIceCandidate(ctx, candidate); err != nil {
		return negotiationError("add-ice-candidate", err)
	}
	return nil
}

// SetMuted enables or disables the local audio tracks.
func (a *Adapter) SetMuted(muted bool) {
	a.setEnabled(TrackAudio, !muted)
}

// SetVideoEnabled enables or disables the local video tracks.
func (a *Adapter) SetVideoEnabled(enabled bool) {
	a.setEnabled(TrackVideo, enabled)
}

func (a *Adapter) setEnabled(kind TrackKind, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.local == nil {
		return
	}
	for _, t := range a.local.Tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

// Queued returns how many remote candidates await the remote description.
func (a *Adapter) Queued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queued)
}

// Closed reports whether Close has run.
func (a *Adapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close stops every track and closes the connection. Safe to call
// repeatedly; only the first call releases anything.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	local, remote, pc := a.local, a.remote, a.pc
	a.local, a.remote, a.pc = nil, nil, nil
	a.queued = nil
	a.mu.Unlock()

	stopAll(local)
	stopAll(remote)
	if pc != nil {
		return pc.Close()
	}
	return nil
}

// connection returns the peer connection, opening it on first use.
func (a *Adapter) connection() (PeerConnection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	if a.pc != nil {
		return a.pc, nil
	}

	pc, err := a.newPeer()
	if err != nil {
		return nil, negotiationError("open-connection", err)
	}
	pc.OnIceCandidate(func(c string) {
		a.mu.Lock()
		f, closed := a.onCandidate, a.closed
		a.mu.Unlock()
		if f != nil && !closed {
			f(c)
		}
	})
	pc.OnRemoteStream(func(s *Stream) {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			stopAll(s)
			return
		}
		a.remote = s
		f := a.onRemote
		a.mu.Unlock()
		if f != nil {
			f(Describe(s, false))
		}
	})
	if a.local != nil {
		if err := pc.AddStream(a.local); err != nil {
			_ = pc.Close()
			return nil, negotiationError("add-stream", err)
		}
	}
	a.pc = pc
	return pc, nil
}

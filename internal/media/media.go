// Package media is the seam between the call machine and a WebRTC-style
// media engine.
//
// Devices and PeerConnection are the collaborator interfaces a platform
// provides. Adapter wraps one call's worth of them: it maps failures to
// typed errors, queues remote ICE candidates until the remote description
// is set, and releases tracks and the connection exactly once.
package media

import (
	"context"

	"github.com/roach88/parley/internal/model"
)

// TrackKind is the media type of a track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one local or remote media track.
type Track interface {
	ID() string
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// Stream is a set of tracks.
type Stream struct {
	ID     string
	Tracks []Track
}

// Constraints selects which tracks to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// ConstraintsFor returns the constraints of a call kind.
func ConstraintsFor(kind model.CallKind) Constraints {
	return Constraints{Audio: true, Video: kind == model.CallVideo}
}

// Devices acquires local media.
type Devices interface {
	// GetUserMedia returns a stream or a *MediaError.
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// PeerConnection is one peer-to-peer media session.
type PeerConnection interface {
	AddStream(s *Stream) error
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(ctx context.Context, kind model.SignalKind, sdp string) error
	AddIceCandidate(ctx context.Context, candidate string) error

	// OnIceCandidate registers the callback for locally gathered
	// candidates. It may be invoked from any goroutine.
	OnIceCandidate(func(candidate string))

	// OnRemoteStream registers the callback for the peer's stream.
	OnRemoteStream(func(s *Stream))

	Close() error
}

// PeerFactory opens a new PeerConnection.
type PeerFactory func() (PeerConnection, error)

// StreamInfo is a read-only description of a stream, safe to keep in the
// client store. Only the call machine controls the underlying tracks.
type StreamInfo struct {
	ID    string
	Local bool
	Audio bool
	Video bool
}

// Describe summarizes s.
func Describe(s *Stream, local bool) StreamInfo {
	if s == nil {
		return StreamInfo{}
	}
	info := StreamInfo{ID: s.ID, Local: local}
	for _, t := range s.Tracks {
		switch t.Kind() {
		case TrackAudio:
			info.Audio = true
		case TrackVideo:
			info.Video = true
		}
	}
	return info
}

// stopAll stops every track of s.
func stopAll(s *Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

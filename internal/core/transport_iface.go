package core

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

// RemoteTrack is a negotiated inbound media track. The owning peer link
// controls its lifetime; consumers may hold it but must expect it to end
// when the link closes.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() TrackKind
}

// LinkStats is the advisory statistics slice the orchestrator derives
// network quality from. Never used for control decisions.
type LinkStats struct {
	RTT time.Duration
}

// PeerTransport wraps one peer-to-peer connection.
// Owned by the peer manager; the manager must Close() it.
type PeerTransport interface {
	// AddLocalTrack attaches an outgoing track. Must be called before the
	// first offer so the SDP carries the matching m-lines.
	AddLocalTrack(track MediaTrack) error
	// ReplaceVideoTrack swaps the outgoing video in place, without an ICE
	// restart. Returns ErrNoSender when no video sender exists yet.
	ReplaceVideoTrack(track MediaTrack) error
	ReplaceAudioTrack(track MediaTrack) error

	// CreateOffer builds an offer and installs it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer and produces an answer.
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// ApplyAnswer installs the remote answer for an outstanding offer.
	ApplyAnswer(answer webrtc.SessionDescription) error
	// HasRemoteDescription reports whether candidates can be applied yet.
	HasRemoteDescription() bool
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnRemoteTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Stats() (LinkStats, error)
	// Close releases the transport. Idempotent.
	Close()
}

// TransportFactory builds a fresh PeerTransport. The peer manager calls it
// once per remote participant, and again when glare resolution forces a
// transport reset.
type TransportFactory func() (PeerTransport, error)

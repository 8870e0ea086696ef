package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// MediaTrack is one locally captured track. Enabled is an instantaneous
// application-level gate: flipping it never stops capture and never triggers
// renegotiation.
type MediaTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	// OnEnded fires when the underlying capture ends outside our control
	// (device unplugged, user stopped a screen share from the OS picker).
	OnEnded(fn func())
	// Stop releases the capture device. Idempotent; stopping an already
	// stopped track must not return an error.
	Stop() error
	// Unwrap exposes the transport-attachable form of this track.
	Unwrap() webrtc.TrackLocal
}

// MediaStream groups the tracks produced by one acquisition call.
type MediaStream interface {
	ID() string
	Tracks() []MediaTrack
	AudioTrack() MediaTrack
	VideoTrack() MediaTrack
}

type MediaDeviceInfo struct {
	DeviceID string    `json:"device_id"`
	Label    string    `json:"label"`
	Kind     TrackKind `json:"kind"`
}

// MediaConstraints selects what to capture. Empty device ids mean default.
type MediaConstraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
}

// MediaDevices abstracts the platform capture API (camera, microphone,
// screen). Implementations must honor ctx cancellation before returning an
// acquired stream; a late grant must be stopped by the caller, never adopted.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints MediaConstraints) (MediaStream, error)
	GetDisplayMedia(ctx context.Context) (MediaStream, error)
	EnumerateDevices() []MediaDeviceInfo
}

package core

import (
	"errors"
	"fmt"

	"github.com/stagemesh/stagemesh/internal/domain"
)

// Sentinel errors for classification with errors.Is.
var (
	// ErrAlreadyActive indicates Initialize was called while a session is
	// still connecting or connected on the same orchestrator.
	ErrAlreadyActive = errors.New("session already active")

	// ErrAttemptsExhausted indicates the reconnect cap was reached.
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

	// ErrNoActiveSession indicates a media or control operation was called
	// outside a connected session.
	ErrNoActiveSession = errors.New("no active session")

	// ErrPermissionDenied indicates the user refused device access.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrNoDevice indicates no capture device matched the constraints.
	ErrNoDevice = errors.New("no media device available")

	// ErrNoSender indicates a track replacement was requested on a
	// transport that never negotiated a sender of that kind.
	ErrNoSender = errors.New("no sender for track kind")

	// ErrChannelClosed indicates a send on a left or dropped channel.
	ErrChannelClosed = errors.New("signaling channel closed")

	// ErrBackpressure indicates the outbound signaling buffer is full.
	ErrBackpressure = errors.New("backpressure")
)

// MediaAcquisitionError aborts the whole session. It is user-actionable
// (grant permission, free the device) and never retried automatically.
type MediaAcquisitionError struct {
	Reason string
	Err    error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("media acquisition: %s: %v", e.Reason, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// SignalingError aborts or interrupts the session; retriable with backoff.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// NegotiationError is contained to one peer link; the rest of the call
// continues.
type NegotiationError struct {
	Peer domain.UserID
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s: %v", e.Peer, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

//go:build !linux || !cgo

package media

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/stagemesh/stagemesh/internal/core"
)

// Acquirer stub for platforms without capture drivers wired in.
type Acquirer struct{}

func NewAcquirer() (*Acquirer, error) { return &Acquirer{}, nil }

func (a *Acquirer) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (a *Acquirer) GetUserMedia(_ context.Context, _ core.MediaConstraints) (core.MediaStream, error) {
	return nil, &core.MediaAcquisitionError{Reason: "getUserMedia", Err: core.ErrNoDevice}
}

func (a *Acquirer) GetDisplayMedia(_ context.Context) (core.MediaStream, error) {
	return nil, &core.MediaAcquisitionError{Reason: "getDisplayMedia", Err: core.ErrNoDevice}
}

func (a *Acquirer) EnumerateDevices() []core.MediaDeviceInfo { return nil }

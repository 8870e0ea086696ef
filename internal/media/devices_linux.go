//go:build linux && cgo

package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the V4L2 camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the screen capture adapter
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/core"
)

// Acquirer captures camera, microphone and screen via pion/mediadevices.
// One Acquirer carries one codec selector; the peer transport's media engine
// must be populated from the same selector or negotiation will not carry
// the encoded formats.
type Acquirer struct {
	selector *mediadevices.CodecSelector
}

func NewAcquirer() (*Acquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &Acquirer{selector: selector}, nil
}

// PopulateMediaEngine registers the selector's codecs on a media engine.
func (a *Acquirer) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	a.selector.Populate(me)
	return nil
}

func (a *Acquirer) GetUserMedia(ctx context.Context, constraints core.MediaConstraints) (core.MediaStream, error) {
	md := mediadevices.MediaStreamConstraints{Codec: a.selector}
	if constraints.Video {
		md.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node that
			// produces malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 1280}
			c.Height = prop.IntRanged{Max: 720}
			if constraints.VideoDeviceID != "" {
				c.DeviceID = prop.String(constraints.VideoDeviceID)
			}
		}
	}
	if constraints.Audio {
		md.Audio = func(c *mediadevices.MediaTrackConstraints) {
			if constraints.AudioDeviceID != "" {
				c.DeviceID = prop.String(constraints.AudioDeviceID)
			}
		}
	}

	s, err := mediadevices.GetUserMedia(md)
	if err != nil && constraints.Audio && constraints.Video {
		// Degrade instead of failing the whole call: a missing camera
		// should not take the microphone down with it, and vice versa.
		log.Warn().Err(err).Str("module", "media.devices").Msg("full capture failed, trying video only")
		audioFn := md.Audio
		md.Audio = nil
		s, err = mediadevices.GetUserMedia(md)
		if err != nil {
			log.Warn().Err(err).Str("module", "media.devices").Msg("video capture failed, trying audio only")
			md.Video = nil
			md.Audio = audioFn
			s, err = mediadevices.GetUserMedia(md)
		}
	}
	if err != nil {
		return nil, &core.MediaAcquisitionError{Reason: "getUserMedia", Err: err}
	}
	return a.adoptOrDiscard(ctx, s)
}

func (a *Acquirer) GetDisplayMedia(ctx context.Context) (core.MediaStream, error) {
	md := mediadevices.MediaStreamConstraints{
		Codec: a.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	}
	s, err := mediadevices.GetDisplayMedia(md)
	if err != nil {
		return nil, &core.MediaAcquisitionError{Reason: "getDisplayMedia", Err: err}
	}
	return a.adoptOrDiscard(ctx, s)
}

// adoptOrDiscard wraps granted tracks, unless ctx ended while the platform
// was granting: a late grant is stopped on the spot, never adopted.
func (a *Acquirer) adoptOrDiscard(ctx context.Context, s mediadevices.MediaStream) (core.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		for _, t := range s.GetTracks() {
			if cerr := t.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("module", "media.devices").Msg("discard late grant")
			}
		}
		return nil, err
	}

	tracks := make([]core.MediaTrack, 0, len(s.GetTracks()))
	for _, t := range s.GetTracks() {
		tracks = append(tracks, wrapTrack(t))
	}
	return NewStream(uuid.NewString(), tracks...), nil
}

func wrapTrack(t mediadevices.Track) *Track {
	kind := core.TrackKindAudio
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		kind = core.TrackKindVideo
	}
	w := NewTrack(t.ID(), kind, t, t.Close)
	t.OnEnded(func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("module", "media.devices").Str("track", t.ID()).Msg("capture ended")
		}
		w.FireEnded()
	})
	return w
}

func (a *Acquirer) EnumerateDevices() []core.MediaDeviceInfo {
	devices := mediadevices.EnumerateDevices()
	out := make([]core.MediaDeviceInfo, 0, len(devices))
	for _, d := range devices {
		kind := core.TrackKindAudio
		if d.Kind == mediadevices.VideoInput {
			kind = core.TrackKindVideo
		}
		out = append(out, core.MediaDeviceInfo{DeviceID: d.DeviceID, Label: d.Label, Kind: kind})
	}
	return out
}

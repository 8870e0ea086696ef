package stage

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/core"
	"github.com/stagemesh/stagemesh/internal/media"
)

// ToggleAudio flips the microphone gate. Disabling detaches the track from
// every link's audio sender (replacement, not renegotiation) so remote
// peers stop receiving media, not just a control frame claiming silence.
// Toggling twice restores the original state.
func (o *Orchestrator) ToggleAudio() (bool, error) {
	return o.toggle(core.TrackKindAudio)
}

// ToggleVideo flips the camera gate. Same contract as ToggleAudio; while a
// screen share is running the video sender carries the screen and stays
// untouched, the gate only decides what StopScreenShare restores.
func (o *Orchestrator) ToggleVideo() (bool, error) {
	return o.toggle(core.TrackKindVideo)
}

func (o *Orchestrator) toggle(kind core.TrackKind) (bool, error) {
	o.mu.Lock()
	if !o.active() {
		o.mu.Unlock()
		return false, core.ErrNoActiveSession
	}
	stream := o.cameraStream
	var track core.MediaTrack
	if stream != nil {
		if kind == core.TrackKindAudio {
			track = stream.AudioTrack()
		} else {
			track = stream.VideoTrack()
		}
	}
	if track == nil {
		o.mu.Unlock()
		return false, core.ErrNoDevice
	}
	enabled := !track.Enabled()
	track.SetEnabled(enabled)
	op := core.ControlAudioToggle
	if kind == core.TrackKindAudio {
		o.sess.MediaState.AudioEnabled = enabled
	} else {
		op = core.ControlVideoToggle
		o.sess.MediaState.VideoEnabled = enabled
	}
	peers := o.peers
	sharing := o.sess.MediaState.ScreenSharing
	o.mu.Unlock()

	if peers != nil {
		var outgoing core.MediaTrack
		if enabled {
			outgoing = track
		}
		if kind == core.TrackKindAudio {
			peers.SetOutgoingAudio(o.sessionContext(), outgoing)
		} else if !sharing {
			peers.SetOutgoingVideo(o.sessionContext(), outgoing)
		}
	}

	o.broadcastControl(op, &enabled)
	log.Info().Str("module", "stage").Str("kind", string(kind)).Bool("enabled", enabled).Msg("media toggled")
	return enabled, nil
}

// RaiseHand broadcasts a hand-raise. Pure signaling, no media involved.
func (o *Orchestrator) RaiseHand() error {
	o.mu.Lock()
	if !o.active() {
		o.mu.Unlock()
		return core.ErrNoActiveSession
	}
	o.mu.Unlock()
	o.broadcastControl(core.ControlHandRaise, nil)
	return nil
}

// StartScreenShare acquires a display capture and swaps it in as the
// outgoing video via sender replacement, keeping the ICE session intact.
// The capture is registered before the swap so an OS-side stop (the user
// clicking the picker's stop button) still funnels through the registry.
func (o *Orchestrator) StartScreenShare(ctx context.Context) error {
	o.mu.Lock()
	if !o.active() {
		o.mu.Unlock()
		return core.ErrNoActiveSession
	}
	if o.sess.MediaState.ScreenSharing {
		o.mu.Unlock()
		return nil
	}
	sessCtx := o.sessCtx
	peers := o.peers
	o.mu.Unlock()

	acquireCtx, cancel := mergeContexts(ctx, sessCtx)
	defer cancel()
	stream, err := o.deps.Devices.GetDisplayMedia(acquireCtx)
	if err != nil {
		return wrapAcquisition(err)
	}
	o.deps.Registry.Register(stream, media.PurposeScreenShare, o.ownerID)

	o.mu.Lock()
	if stillActive := o.active(); !stillActive || o.sess.MediaState.ScreenSharing {
		// Lost a race with Leave or a concurrent share; discard the grant.
		o.mu.Unlock()
		o.deps.Registry.Unregister(stream)
		if !stillActive {
			return core.ErrNoActiveSession
		}
		return nil
	}
	o.screenStream = stream
	o.sess.MediaState.ScreenSharing = true
	o.mu.Unlock()

	track := stream.VideoTrack()
	if track != nil {
		track.OnEnded(func() {
			// Ended by the OS/user outside our API; same teardown path.
			log.Info().Str("module", "stage").Msg("screen capture ended externally")
			if err := o.StopScreenShare(context.Background()); err != nil {
				log.Warn().Err(err).Str("module", "stage").Msg("stop screen share after external end")
			}
		})
	}
	if peers != nil {
		peers.SetOutgoingVideo(o.sessionContext(), track)
	}
	o.broadcastControl(core.ControlScreenShareStart, nil)
	log.Info().Str("module", "stage").Str("stream", stream.ID()).Msg("screen share started")
	return nil
}

// StopScreenShare releases the display capture and restores the camera as
// the outgoing video when the camera is enabled, otherwise mutes outgoing
// video. Idempotent.
func (o *Orchestrator) StopScreenShare(_ context.Context) error {
	o.mu.Lock()
	stream := o.screenStream
	o.screenStream = nil
	wasSharing := o.sess.MediaState.ScreenSharing
	o.sess.MediaState.ScreenSharing = false
	var restore core.MediaTrack
	if o.cameraStream != nil && o.sess.MediaState.VideoEnabled {
		restore = o.cameraStream.VideoTrack()
	}
	peers := o.peers
	active := o.active()
	o.mu.Unlock()

	if !wasSharing {
		return nil
	}
	if peers != nil {
		peers.SetOutgoingVideo(o.sessionContext(), restore)
	}
	if stream != nil {
		o.deps.Registry.Unregister(stream)
	}
	if active {
		o.broadcastControl(core.ControlScreenShareStop, nil)
	}
	log.Info().Str("module", "stage").Msg("screen share stopped")
	return nil
}

// SwitchInputDevice re-acquires camera/mic from the named devices and swaps
// the tracks into every link in place. The previous capture is released
// only after the new one is live, so a failed acquisition leaves the
// session on the old devices.
func (o *Orchestrator) SwitchInputDevice(ctx context.Context, audioDeviceID, videoDeviceID string) error {
	o.mu.Lock()
	if !o.active() {
		o.mu.Unlock()
		return core.ErrNoActiveSession
	}
	old := o.cameraStream
	ms := o.sess.MediaState
	sessCtx := o.sessCtx
	peers := o.peers
	o.mu.Unlock()

	constraints := core.MediaConstraints{
		Audio:         old != nil && old.AudioTrack() != nil,
		Video:         old != nil && old.VideoTrack() != nil,
		AudioDeviceID: audioDeviceID,
		VideoDeviceID: videoDeviceID,
	}

	acquireCtx, cancel := mergeContexts(ctx, sessCtx)
	defer cancel()
	stream, err := o.deps.Devices.GetUserMedia(acquireCtx, constraints)
	if err != nil {
		return wrapAcquisition(err)
	}
	o.deps.Registry.Register(stream, media.PurposeCameraMic, o.ownerID)
	applyEnabled(stream, ms)

	o.mu.Lock()
	if !o.active() {
		o.mu.Unlock()
		o.deps.Registry.Unregister(stream)
		return core.ErrNoActiveSession
	}
	o.cameraStream = stream
	ms = o.sess.MediaState
	o.mu.Unlock()

	if peers != nil {
		if ms.ScreenSharing {
			// Screen keeps the video sender; only swap the mic, and keep it
			// detached while muted.
			var audio core.MediaTrack
			if ms.AudioEnabled {
				audio = stream.AudioTrack()
			}
			peers.SetOutgoingAudio(o.sessionContext(), audio)
		} else {
			peers.UpdateLocalStream(o.sessionContext(), gatedStream{stream: stream, ms: ms})
		}
	}
	if old != nil {
		o.deps.Registry.Unregister(old)
	}
	log.Info().Str("module", "stage").Str("audio_device", audioDeviceID).Str("video_device", videoDeviceID).Msg("input devices switched")
	return nil
}

// EnumerateDevices lists the capture devices available right now.
func (o *Orchestrator) EnumerateDevices() []core.MediaDeviceInfo {
	return o.deps.Devices.EnumerateDevices()
}

// active reports whether signaling operations may run. Callers hold o.mu.
func (o *Orchestrator) active() bool {
	switch o.sess.ConnectionState {
	case core.StateConnected, core.StateReconnecting:
		return true
	}
	return false
}

func (o *Orchestrator) broadcastControl(op core.ControlOp, enabled *bool) {
	o.mu.Lock()
	msg := core.SignalingMessage{
		Type:    core.MessageControl,
		StageID: o.sess.StageID,
		From:    o.sess.LocalUserID,
		Control: &core.ControlPayload{Op: op, Enabled: enabled},
	}
	o.mu.Unlock()
	if err := o.deps.Channel.Send(msg); err != nil {
		log.Warn().Err(err).Str("module", "stage").Str("op", string(op)).Msg("control broadcast")
	}
}

// gatedStream hides tracks whose gate is off, so stream swaps never
// re-arm a muted sender.
type gatedStream struct {
	stream core.MediaStream
	ms     core.MediaState
}

func (g gatedStream) ID() string { return g.stream.ID() }

func (g gatedStream) Tracks() []core.MediaTrack {
	var out []core.MediaTrack
	if t := g.AudioTrack(); t != nil {
		out = append(out, t)
	}
	if t := g.VideoTrack(); t != nil {
		out = append(out, t)
	}
	return out
}

func (g gatedStream) AudioTrack() core.MediaTrack {
	if !g.ms.AudioEnabled {
		return nil
	}
	return g.stream.AudioTrack()
}

func (g gatedStream) VideoTrack() core.MediaTrack {
	if !g.ms.VideoEnabled {
		return nil
	}
	return g.stream.VideoTrack()
}

// mergeContexts cancels when either parent does.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	if b == nil {
		return context.WithCancel(a)
	}
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() { stop(); cancel() }
}

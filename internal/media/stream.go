package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/stagemesh/stagemesh/internal/core"
)

// Track adapts a platform capture track to core.MediaTrack. The enabled
// flag is an application-level gate: flipping it is instantaneous and
// never touches the device or the negotiation.
type Track struct {
	id      string
	kind    core.TrackKind
	local   webrtc.TrackLocal
	stop    func() error
	enabled atomic.Bool
	stopped atomic.Bool

	mu      sync.Mutex
	onEnded func()
}

func NewTrack(id string, kind core.TrackKind, local webrtc.TrackLocal, stop func() error) *Track {
	t := &Track{id: id, kind: kind, local: local, stop: stop}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() core.TrackKind      { return t.kind }
func (t *Track) Enabled() bool             { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *Track) Unwrap() webrtc.TrackLocal { return t.local }

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// FireEnded invokes the ended callback once. Called by the acquirer glue
// when the underlying capture reports its own end.
func (t *Track) FireEnded() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Stop releases the capture. The second and later calls are no-ops.
func (t *Track) Stop() error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if t.stop == nil {
		return nil
	}
	return t.stop()
}

// Stream is a plain grouping of tracks from one acquisition.
type Stream struct {
	id     string
	tracks []core.MediaTrack
}

func NewStream(id string, tracks ...core.MediaTrack) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string                { return s.id }
func (s *Stream) Tracks() []core.MediaTrack { return s.tracks }

func (s *Stream) AudioTrack() core.MediaTrack { return s.trackOfKind(core.TrackKindAudio) }
func (s *Stream) VideoTrack() core.MediaTrack { return s.trackOfKind(core.TrackKindVideo) }

func (s *Stream) trackOfKind(kind core.TrackKind) core.MediaTrack {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

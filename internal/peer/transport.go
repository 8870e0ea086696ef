package peer

import (
	"context"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/core"
)

type TransportConfig struct {
	ICEServers []string
	// EngineSetup registers codecs on the media engine. Must come from the
	// same codec selector the acquirer captures with; nil falls back to
	// pion's defaults.
	EngineSetup func(*webrtc.MediaEngine) error
}

func DefaultICEServers() []string {
	return []string{"stun:stun.l.google.com:19302"}
}

// NewTransportFactory builds PeerTransports backed by pion/webrtc.
func NewTransportFactory(cfg TransportConfig) core.TransportFactory {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers()
	}
	return func() (core.PeerTransport, error) {
		me := &webrtc.MediaEngine{}
		if cfg.EngineSetup != nil {
			if err := cfg.EngineSetup(me); err != nil {
				return nil, err
			}
		} else if err := me.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}

		ir := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
			return nil, err
		}

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
		)
		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: cfg.ICEServers}},
		})
		if err != nil {
			return nil, err
		}
		return &webrtcTransport{
			pc:      pc,
			senders: make(map[core.TrackKind]*webrtc.RTPSender),
		}, nil
	}
}

type webrtcTransport struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[core.TrackKind]*webrtc.RTPSender
	closed  bool
}

func (t *webrtcTransport) AddLocalTrack(track core.MediaTrack) error {
	sender, err := t.pc.AddTrack(track.Unwrap())
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.senders[track.Kind()] = sender
	t.mu.Unlock()
	return nil
}

func (t *webrtcTransport) ReplaceVideoTrack(track core.MediaTrack) error {
	return t.replace(core.TrackKindVideo, track)
}

func (t *webrtcTransport) ReplaceAudioTrack(track core.MediaTrack) error {
	return t.replace(core.TrackKindAudio, track)
}

func (t *webrtcTransport) replace(kind core.TrackKind, track core.MediaTrack) error {
	t.mu.Lock()
	sender := t.senders[kind]
	t.mu.Unlock()
	if sender == nil {
		return core.ErrNoSender
	}
	var local webrtc.TrackLocal
	if track != nil {
		local = track.Unwrap()
	}
	return sender.ReplaceTrack(local)
}

func (t *webrtcTransport) CreateOffer(_ context.Context) (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (t *webrtcTransport) CreateAnswer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (t *webrtcTransport) ApplyAnswer(answer webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(answer)
}

func (t *webrtcTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *webrtcTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *webrtcTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (t *webrtcTransport) OnRemoteTrack(fn func(core.RemoteTrack)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "peer.transport").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		fn(&remoteTrack{tr: track})
	})
}

func (t *webrtcTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *webrtcTransport) Stats() (core.LinkStats, error) {
	report := t.pc.GetStats()
	var stats core.LinkStats
	for _, s := range report {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		stats.RTT = time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
	}
	return stats, nil
}

func (t *webrtcTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "peer.transport").Msg("close error")
	}
}

// remoteTrack adapts *webrtc.TrackRemote to core.RemoteTrack.
type remoteTrack struct {
	tr *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string       { return r.tr.ID() }
func (r *remoteTrack) StreamID() string { return r.tr.StreamID() }

func (r *remoteTrack) Kind() core.TrackKind {
	if r.tr.Kind() == webrtc.RTPCodecTypeVideo {
		return core.TrackKindVideo
	}
	return core.TrackKindAudio
}

// Unwrap exposes the underlying pion track for consumers that render media.
func (r *remoteTrack) Unwrap() *webrtc.TrackRemote { return r.tr }

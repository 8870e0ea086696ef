package peer

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/stagemesh/stagemesh/internal/core"
	"github.com/stagemesh/stagemesh/internal/domain"
)

// fakeTransport implements core.PeerTransport in memory.
type fakeTransport struct {
	mu          sync.Mutex
	remoteDesc  bool
	candidates  []webrtc.ICECandidateInit
	localTracks []core.MediaTrack
	senders     map[core.TrackKind]core.MediaTrack
	closed      bool
	rtt         time.Duration

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{senders: make(map[core.TrackKind]core.MediaTrack)}
}

func (f *fakeTransport) AddLocalTrack(track core.MediaTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localTracks = append(f.localTracks, track)
	f.senders[track.Kind()] = track
	return nil
}

func (f *fakeTransport) ReplaceVideoTrack(track core.MediaTrack) error {
	return f.replace(core.TrackKindVideo, track)
}

func (f *fakeTransport) ReplaceAudioTrack(track core.MediaTrack) error {
	return f.replace(core.TrackKindAudio, track)
}

func (f *fakeTransport) replace(kind core.TrackKind, track core.MediaTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.senders[kind]; !ok {
		return core.ErrNoSender
	}
	f.senders[kind] = track
	return nil
}

func (f *fakeTransport) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakeTransport) CreateAnswer(_ context.Context, _ webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	f.remoteDesc = true
	f.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) ApplyAnswer(webrtc.SessionDescription) error {
	f.mu.Lock()
	f.remoteDesc = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc
}

func (f *fakeTransport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, ci)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.onICE = fn }
func (f *fakeTransport) OnRemoteTrack(fn func(core.RemoteTrack))         { f.onTrack = fn }

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.onState = fn
}

func (f *fakeTransport) Stats() (core.LinkStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return core.LinkStats{RTT: f.rtt}, nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) appliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.candidates))
	copy(out, f.candidates)
	return out
}

// fakeFactory hands out fakeTransports and remembers them in order.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
}

func (ff *fakeFactory) factory() core.TransportFactory {
	return func() (core.PeerTransport, error) {
		t := newFakeTransport()
		ff.mu.Lock()
		ff.created = append(ff.created, t)
		ff.mu.Unlock()
		return t, nil
	}
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.created)
}

func (ff *fakeFactory) at(i int) *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.created[i]
}

// fakeSignaling records outbound messages; inbound flow is driven by the
// test calling the manager handlers directly.
type fakeSignaling struct {
	mu       sync.Mutex
	sent     []core.SignalingMessage
	presence []domain.UserID
}

func (f *fakeSignaling) Join(context.Context, domain.StageID, domain.UserID) (bool, error) {
	return true, nil
}

func (f *fakeSignaling) Send(msg core.SignalingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaling) Subscribe() (<-chan core.SignalingMessage, func()) {
	ch := make(chan core.SignalingMessage)
	return ch, func() { close(ch) }
}

func (f *fakeSignaling) Presence() []domain.UserID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.UserID(nil), f.presence...)
}

func (f *fakeSignaling) OnDisconnect(func(err error)) {}
func (f *fakeSignaling) Leave()                       {}

func (f *fakeSignaling) sentOfType(t core.MessageType) []core.SignalingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.SignalingMessage
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

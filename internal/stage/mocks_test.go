package stage

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/stagemesh/stagemesh/internal/core"
	"github.com/stagemesh/stagemesh/internal/domain"
	"github.com/stagemesh/stagemesh/internal/media"
)

// fakeDevices fabricates streams out of media.Track wrappers with no real
// capture behind them.
type fakeDevices struct {
	mu         sync.Mutex
	grantErr   error
	displayErr error
	blockCtx   bool
	grantHook  func()
	seq        int
	lastCamera *media.Stream
	lastScreen *media.Stream
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, constraints core.MediaConstraints) (core.MediaStream, error) {
	d.mu.Lock()
	block, grantErr, hook := d.blockCtx, d.grantErr, d.grantHook
	d.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if grantErr != nil {
		return nil, grantErr
	}

	d.mu.Lock()
	d.seq++
	id := fmt.Sprintf("cam-%d", d.seq)
	var tracks []core.MediaTrack
	if constraints.Audio {
		tracks = append(tracks, media.NewTrack(id+"-audio", core.TrackKindAudio, nil, func() error { return nil }))
	}
	if constraints.Video {
		tracks = append(tracks, media.NewTrack(id+"-video", core.TrackKindVideo, nil, func() error { return nil }))
	}
	d.lastCamera = media.NewStream(id, tracks...)
	stream := d.lastCamera
	d.mu.Unlock()

	// Lets a test race something against the moment the grant lands.
	if hook != nil {
		hook()
	}
	return stream, nil
}

func (d *fakeDevices) GetDisplayMedia(ctx context.Context) (core.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.displayErr != nil {
		return nil, d.displayErr
	}
	d.seq++
	id := fmt.Sprintf("screen-%d", d.seq)
	track := media.NewTrack(id+"-video", core.TrackKindVideo, nil, func() error { return nil })
	d.lastScreen = media.NewStream(id, track)
	return d.lastScreen, nil
}

func (d *fakeDevices) EnumerateDevices() []core.MediaDeviceInfo {
	return []core.MediaDeviceInfo{
		{DeviceID: "cam0", Label: "Integrated Camera", Kind: core.TrackKindVideo},
		{DeviceID: "mic0", Label: "Internal Microphone", Kind: core.TrackKindAudio},
	}
}

// stubChannel is an in-memory SignalingChannel with scripted join results.
type stubChannel struct {
	mu           sync.Mutex
	joinResults  []error
	joinCalls    int
	joined       bool
	sent         []core.SignalingMessage
	presence     []domain.UserID
	onDisconnect func(error)
	subs         map[chan core.SignalingMessage]struct{}
}

func newStubChannel() *stubChannel {
	return &stubChannel{subs: make(map[chan core.SignalingMessage]struct{})}
}

func (s *stubChannel) Join(ctx context.Context, _ domain.StageID, _ domain.UserID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinCalls++
	if len(s.joinResults) > 0 {
		err := s.joinResults[0]
		s.joinResults = s.joinResults[1:]
		if err != nil {
			return false, err
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.joined = true
	return true, nil
}

func (s *stubChannel) Send(msg core.SignalingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubChannel) Subscribe() (<-chan core.SignalingMessage, func()) {
	ch := make(chan core.SignalingMessage, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

func (s *stubChannel) Presence() []domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.UserID(nil), s.presence...)
}

func (s *stubChannel) OnDisconnect(fn func(err error)) {
	s.mu.Lock()
	s.onDisconnect = fn
	s.mu.Unlock()
}

func (s *stubChannel) Leave() {
	s.mu.Lock()
	s.joined = false
	s.mu.Unlock()
}

func (s *stubChannel) push(msg core.SignalingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (s *stubChannel) drop(err error) {
	s.mu.Lock()
	fn := s.onDisconnect
	s.joined = false
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (s *stubChannel) joinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinCalls
}

func (s *stubChannel) sentOfType(t core.MessageType) []core.SignalingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.SignalingMessage
	for _, m := range s.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *stubChannel) controlOps() []core.ControlOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ControlOp
	for _, m := range s.sent {
		if m.Type == core.MessageControl && m.Control != nil {
			out = append(out, m.Control.Op)
		}
	}
	return out
}

// nullTransport satisfies core.PeerTransport for flows that never exercise
// real negotiation.
type nullTransport struct {
	mu      sync.Mutex
	senders map[core.TrackKind]core.MediaTrack
	closed  bool
	onState func(webrtc.PeerConnectionState)
}

func newNullTransport() *nullTransport {
	return &nullTransport{senders: make(map[core.TrackKind]core.MediaTrack)}
}

func (n *nullTransport) AddLocalTrack(track core.MediaTrack) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.senders[track.Kind()] = track
	return nil
}

func (n *nullTransport) ReplaceVideoTrack(track core.MediaTrack) error {
	return n.replace(core.TrackKindVideo, track)
}

func (n *nullTransport) ReplaceAudioTrack(track core.MediaTrack) error {
	return n.replace(core.TrackKindAudio, track)
}

func (n *nullTransport) replace(kind core.TrackKind, track core.MediaTrack) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.senders[kind]; !ok {
		return core.ErrNoSender
	}
	n.senders[kind] = track
	return nil
}

func (n *nullTransport) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (n *nullTransport) CreateAnswer(context.Context, webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}

func (n *nullTransport) ApplyAnswer(webrtc.SessionDescription) error { return nil }
func (n *nullTransport) HasRemoteDescription() bool                  { return true }
func (n *nullTransport) AddICECandidate(webrtc.ICECandidateInit) error {
	return nil
}
func (n *nullTransport) OnICECandidate(func(webrtc.ICECandidateInit)) {}
func (n *nullTransport) OnRemoteTrack(func(core.RemoteTrack))         {}

func (n *nullTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	n.mu.Lock()
	n.onState = fn
	n.mu.Unlock()
}

func (n *nullTransport) fireState(s webrtc.PeerConnectionState) {
	n.mu.Lock()
	fn := n.onState
	n.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (n *nullTransport) Stats() (core.LinkStats, error) { return core.LinkStats{}, nil }

func (n *nullTransport) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}

func (n *nullTransport) videoSender() core.MediaTrack {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.senders[core.TrackKindVideo]
}

func (n *nullTransport) audioSender() core.MediaTrack {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.senders[core.TrackKindAudio]
}

type nullFactory struct {
	mu      sync.Mutex
	created []*nullTransport
}

func (f *nullFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *nullFactory) at(i int) *nullTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func (f *nullFactory) factory() core.TransportFactory {
	return func() (core.PeerTransport, error) {
		t := newNullTransport()
		f.mu.Lock()
		f.created = append(f.created, t)
		f.mu.Unlock()
		return t, nil
	}
}

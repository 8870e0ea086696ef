package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/core"
	"github.com/stagemesh/stagemesh/internal/domain"
)

// Link is one remote participant's transport plus negotiation bookkeeping.
//
// Negotiation on a single link is serialized: while one round is in flight,
// later rounds queue behind it. Concurrent SDP exchanges on the same link
// corrupt negotiation state, so the queue is not optional.
type Link struct {
	remoteID  domain.UserID
	transport core.PeerTransport

	mu    sync.Mutex
	state webrtc.PeerConnectionState
	// offerNonce is non-empty while our own offer is outstanding; it is
	// the glare detector and the stale-answer filter.
	offerNonce string
	// pending buffers remote candidates that arrived before the remote
	// description; they are applied on flush, never dropped.
	pending []webrtc.ICECandidateInit
	applied map[string]struct{}

	negotiating bool
	queue       []func()

	lastReason   string
	remoteTracks []core.RemoteTrack
}

func newLink(remoteID domain.UserID, transport core.PeerTransport) *Link {
	return &Link{
		remoteID:  remoteID,
		transport: transport,
		state:     webrtc.PeerConnectionStateNew,
		applied:   make(map[string]struct{}),
	}
}

func (l *Link) RemoteID() domain.UserID { return l.remoteID }

// Transport returns the current transport; glare resets may swap it.
func (l *Link) Transport() core.PeerTransport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transport
}

func (l *Link) State() webrtc.PeerConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s webrtc.PeerConnectionState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Link) RemoteTracks() []core.RemoteTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.RemoteTrack, len(l.remoteTracks))
	copy(out, l.remoteTracks)
	return out
}

func (l *Link) addRemoteTrack(t core.RemoteTrack) {
	l.mu.Lock()
	l.remoteTracks = append(l.remoteTracks, t)
	l.mu.Unlock()
}

func (l *Link) offerOutstanding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offerNonce != ""
}

func (l *Link) setOfferNonce(nonce string) {
	l.mu.Lock()
	l.offerNonce = nonce
	l.mu.Unlock()
}

func (l *Link) matchAnswer(nonce string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offerNonce == "" || l.offerNonce != nonce {
		return false
	}
	l.offerNonce = ""
	return true
}

func (l *Link) setReason(reason string) {
	l.mu.Lock()
	l.lastReason = reason
	l.mu.Unlock()
}

// enqueue serializes negotiation work on this link. op runs on its own
// goroutine when the link is idle, otherwise it waits its turn.
func (l *Link) enqueue(op func()) {
	l.mu.Lock()
	if l.negotiating {
		l.queue = append(l.queue, op)
		l.mu.Unlock()
		return
	}
	l.negotiating = true
	l.mu.Unlock()
	go l.run(op)
}

func (l *Link) run(op func()) {
	for {
		op()
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.negotiating = false
			l.mu.Unlock()
			return
		}
		op = l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
	}
}

// bufferOrApply applies a remote candidate now, or buffers it until the
// remote description lands. Re-applying an identical candidate is a no-op.
func (l *Link) bufferOrApply(ci webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if _, dup := l.applied[ci.Candidate]; dup {
		l.mu.Unlock()
		return nil
	}
	l.applied[ci.Candidate] = struct{}{}
	transport := l.transport
	if !transport.HasRemoteDescription() {
		l.pending = append(l.pending, ci)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return transport.AddICECandidate(ci)
}

// flushCandidates applies everything buffered before the remote description.
func (l *Link) flushCandidates() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	transport := l.transport
	l.mu.Unlock()
	for _, ci := range pending {
		if err := transport.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "peer.link").Str("remote", string(l.remoteID)).Msg("flush candidate")
		}
	}
}

// resetTransport swaps in a fresh transport after losing a glare round.
// Candidate bookkeeping restarts with it; the queue and state survive.
func (l *Link) resetTransport(transport core.PeerTransport) {
	l.mu.Lock()
	old := l.transport
	l.transport = transport
	l.offerNonce = ""
	l.pending = nil
	l.applied = make(map[string]struct{})
	l.mu.Unlock()
	old.Close()
}

func (l *Link) close() {
	l.Transport().Close()
}

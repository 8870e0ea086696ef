// Package peer maintains one Link per remote participant: offer/answer/ICE
// exchange over the signaling channel, remote track surfacing and link
// lifecycle, including glare resolution and late-candidate buffering.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/core"
	"github.com/stagemesh/stagemesh/internal/domain"
)

type EventKind int

const (
	PeerAdded EventKind = iota
	PeerRemoved
	RemoteTrackAdded
	LinkStateChanged
)

// Event flows up to the orchestrator over the Events channel. Failure is
// set on PeerRemoved when the link died rather than the peer leaving.
type Event struct {
	Kind    EventKind
	User    domain.UserID
	Track   core.RemoteTrack
	State   webrtc.PeerConnectionState
	Reason  string
	Failure bool
}

type Config struct {
	LocalID            domain.UserID
	StageID            domain.StageID
	Signaling          core.SignalingChannel
	Factory            core.TransportFactory
	NegotiationTimeout time.Duration
	DisconnectGrace    time.Duration
}

type Manager struct {
	cfg Config

	mu       sync.RWMutex
	links    map[domain.UserID]*Link
	audio    core.MediaTrack
	video    core.MediaTrack
	closed   bool
	events   chan Event
	watchers map[domain.UserID]*time.Timer
	grace    map[domain.UserID]*time.Timer
}

func NewManager(cfg Config) *Manager {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 30 * time.Second
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 10 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		links:    make(map[domain.UserID]*Link),
		events:   make(chan Event, 64),
		watchers: make(map[domain.UserID]*time.Timer),
		grace:    make(map[domain.UserID]*time.Timer),
	}
}

// Events is the manager-to-orchestrator stream; closed by Cleanup.
func (m *Manager) Events() <-chan Event { return m.events }

// SetLocalTracks installs the outgoing tracks new links will be created
// with. Call before ConnectToExistingUsers.
func (m *Manager) SetLocalTracks(audio, video core.MediaTrack) {
	m.mu.Lock()
	m.audio, m.video = audio, video
	m.mu.Unlock()
}

// ConnectToExistingUsers sends an offer to every participant present at
// join time that we are not yet linked with. Links converge independently.
func (m *Manager) ConnectToExistingUsers(ctx context.Context) {
	for _, uid := range m.cfg.Signaling.Presence() {
		if uid == m.cfg.LocalID {
			continue
		}
		m.OfferTo(ctx, uid)
	}
}

// OfferTo starts (or queues) a negotiation round towards uid.
func (m *Manager) OfferTo(ctx context.Context, uid domain.UserID) {
	link, err := m.ensureLink(uid)
	if err != nil {
		m.failPeer(uid, err)
		return
	}
	link.enqueue(func() {
		transport := link.Transport()
		offer, err := transport.CreateOffer(ctx)
		if err != nil {
			m.failPeer(uid, err)
			return
		}
		nonce := uuid.NewString()
		link.setOfferNonce(nonce)
		m.send(core.SignalingMessage{
			Type:    core.MessageOffer,
			StageID: m.cfg.StageID,
			From:    m.cfg.LocalID,
			To:      uid,
			Offer:   &core.OfferPayload{SDP: offer.SDP, Nonce: nonce},
		})
	})
}

// HandleOffer answers a remote offer, resolving glare deterministically:
// when both sides have offers in flight, the lower user id's offer wins;
// the loser discards its own offer and answers instead.
func (m *Manager) HandleOffer(ctx context.Context, from domain.UserID, payload core.OfferPayload) {
	link, err := m.ensureLink(from)
	if err != nil {
		m.failPeer(from, err)
		return
	}

	if link.offerOutstanding() {
		if m.cfg.LocalID < from {
			// Our offer wins; the remote side runs the same rule and
			// will answer it. Their offer is dropped here.
			log.Info().Str("module", "peer").Str("remote", string(from)).Msg("glare: local offer wins, remote offer discarded")
			return
		}
		log.Info().Str("module", "peer").Str("remote", string(from)).Msg("glare: remote offer wins, resetting local offer")
		transport, err := m.buildTransport(from, link)
		if err != nil {
			m.failPeer(from, err)
			return
		}
		link.resetTransport(transport)
	}

	link.enqueue(func() {
		transport := link.Transport()
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
		answer, err := transport.CreateAnswer(ctx, offer)
		if err != nil {
			m.failPeer(from, err)
			return
		}
		link.flushCandidates()
		m.send(core.SignalingMessage{
			Type:    core.MessageAnswer,
			StageID: m.cfg.StageID,
			From:    m.cfg.LocalID,
			To:      from,
			Answer:  &core.AnswerPayload{SDP: answer.SDP, Nonce: payload.Nonce},
		})
	})
}

// HandleAnswer completes our outstanding offer round. Answers for a nonce
// we no longer track (stale after glare reset, duplicate delivery) are
// dropped silently.
func (m *Manager) HandleAnswer(from domain.UserID, payload core.AnswerPayload) {
	m.mu.RLock()
	link := m.links[from]
	m.mu.RUnlock()
	if link == nil {
		return
	}
	if !link.matchAnswer(payload.Nonce) {
		log.Debug().Str("module", "peer").Str("remote", string(from)).Msg("stale answer dropped")
		return
	}
	link.enqueue(func() {
		transport := link.Transport()
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
		if err := transport.ApplyAnswer(answer); err != nil {
			m.failPeer(from, err)
			return
		}
		link.flushCandidates()
	})
}

// HandleCandidate buffers or applies a remote candidate. Candidates may
// precede the offer itself; a link is created eagerly so none are lost.
func (m *Manager) HandleCandidate(from domain.UserID, payload core.CandidatePayload) {
	link, err := m.ensureLink(from)
	if err != nil {
		m.failPeer(from, err)
		return
	}
	ci := webrtc.ICECandidateInit{Candidate: payload.Candidate}
	if payload.SDPMid != nil {
		ci.SDPMid = payload.SDPMid
	}
	if payload.SDPMLineIndex != nil {
		ci.SDPMLineIndex = payload.SDPMLineIndex
	}
	if err := link.bufferOrApply(ci); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("remote", string(from)).Msg("apply candidate")
	}
}

// UpdateLocalStream swaps the outgoing camera/mic tracks on every link in
// place; links missing a sender of some kind get the track added and a
// renegotiation round queued.
func (m *Manager) UpdateLocalStream(ctx context.Context, stream core.MediaStream) {
	audio, video := stream.AudioTrack(), stream.VideoTrack()
	m.mu.Lock()
	m.audio, m.video = audio, video
	links := m.snapshotLocked()
	m.mu.Unlock()

	for uid, link := range links {
		if audio != nil {
			m.replaceOrRenegotiate(ctx, uid, link, core.TrackKindAudio, audio)
		}
		if video != nil {
			m.replaceOrRenegotiate(ctx, uid, link, core.TrackKindVideo, video)
		}
	}
}

// SetOutgoingAudio replaces only the outgoing audio on every link (mute,
// device swaps while screen sharing). nil detaches the sender so nothing
// is transmitted until a track is put back.
func (m *Manager) SetOutgoingAudio(ctx context.Context, track core.MediaTrack) {
	m.mu.Lock()
	m.audio = track
	links := m.snapshotLocked()
	m.mu.Unlock()

	for uid, link := range links {
		m.replaceOrRenegotiate(ctx, uid, link, core.TrackKindAudio, track)
	}
}

// SetOutgoingVideo replaces only the outgoing video on every link (screen
// share start/stop, camera mute). nil detaches the sender entirely.
func (m *Manager) SetOutgoingVideo(ctx context.Context, track core.MediaTrack) {
	m.mu.Lock()
	m.video = track
	links := m.snapshotLocked()
	m.mu.Unlock()

	for uid, link := range links {
		m.replaceOrRenegotiate(ctx, uid, link, core.TrackKindVideo, track)
	}
}

func (m *Manager) replaceOrRenegotiate(ctx context.Context, uid domain.UserID, link *Link, kind core.TrackKind, track core.MediaTrack) {
	transport := link.Transport()

	var err error
	if kind == core.TrackKindVideo {
		err = transport.ReplaceVideoTrack(track)
	} else {
		err = transport.ReplaceAudioTrack(track)
	}
	if err == nil {
		return
	}
	if err != core.ErrNoSender || track == nil {
		log.Warn().Err(err).Str("module", "peer").Str("remote", string(uid)).Msg("replace track")
		return
	}
	// No sender negotiated yet for this kind: add the track and re-offer.
	if err := transport.AddLocalTrack(track); err != nil {
		m.failPeer(uid, err)
		return
	}
	link.setReason("track added")
	m.OfferTo(ctx, uid)
}

// RemovePeer closes the link after a presence leave.
func (m *Manager) RemovePeer(uid domain.UserID) {
	m.removeLink(uid, "peer left", false)
}

// RemoteStreams returns the current remote tracks keyed by participant.
func (m *Manager) RemoteStreams() map[domain.UserID][]core.RemoteTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.UserID][]core.RemoteTrack, len(m.links))
	for uid, link := range m.links {
		out[uid] = link.RemoteTracks()
	}
	return out
}

// Len reports the number of active links.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// Stats aggregates link statistics: the reported RTT is the worst among
// links, which is what the user actually experiences.
func (m *Manager) Stats() core.LinkStats {
	m.mu.RLock()
	links := m.snapshotLocked()
	m.mu.RUnlock()

	var worst core.LinkStats
	for _, link := range links {
		s, err := link.Transport().Stats()
		if err != nil {
			continue
		}
		if s.RTT > worst.RTT {
			worst.RTT = s.RTT
		}
	}
	return worst
}

// Cleanup closes every link and the event stream. Idempotent.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := m.links
	m.links = make(map[domain.UserID]*Link)
	for _, t := range m.watchers {
		t.Stop()
	}
	for _, t := range m.grace {
		t.Stop()
	}
	m.watchers = make(map[domain.UserID]*time.Timer)
	m.grace = make(map[domain.UserID]*time.Timer)
	close(m.events)
	m.mu.Unlock()

	for _, link := range links {
		link.close()
	}
	log.Info().Str("module", "peer").Int("links", len(links)).Msg("cleanup done")
}

func (m *Manager) ensureLink(uid domain.UserID) (*Link, error) {
	m.mu.Lock()
	if link, ok := m.links[uid]; ok {
		m.mu.Unlock()
		return link, nil
	}
	m.mu.Unlock()

	link := newLink(uid, nil)
	transport, err := m.buildTransport(uid, link)
	if err != nil {
		return nil, err
	}
	link.transport = transport

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		transport.Close()
		return nil, core.ErrChannelClosed
	}
	if existing, ok := m.links[uid]; ok {
		m.mu.Unlock()
		transport.Close()
		return existing, nil
	}
	m.links[uid] = link
	m.watchers[uid] = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		if link.State() != webrtc.PeerConnectionStateConnected {
			m.failPeer(uid, context.DeadlineExceeded)
		}
	})
	m.mu.Unlock()

	m.emit(Event{Kind: PeerAdded, User: uid})
	return link, nil
}

// buildTransport creates and wires a transport for uid. Shared between
// link creation and glare resets.
func (m *Manager) buildTransport(uid domain.UserID, link *Link) (core.PeerTransport, error) {
	transport, err := m.cfg.Factory()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	audio, video := m.audio, m.video
	m.mu.RUnlock()
	if audio != nil {
		if err := transport.AddLocalTrack(audio); err != nil {
			transport.Close()
			return nil, err
		}
	}
	if video != nil {
		if err := transport.AddLocalTrack(video); err != nil {
			transport.Close()
			return nil, err
		}
	}

	transport.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		payload := core.CandidatePayload{Candidate: ci.Candidate}
		payload.SDPMid = ci.SDPMid
		payload.SDPMLineIndex = ci.SDPMLineIndex
		m.send(core.SignalingMessage{
			Type:      core.MessageCandidate,
			StageID:   m.cfg.StageID,
			From:      m.cfg.LocalID,
			To:        uid,
			Candidate: &payload,
		})
	})
	transport.OnRemoteTrack(func(t core.RemoteTrack) {
		link.addRemoteTrack(t)
		m.emit(Event{Kind: RemoteTrackAdded, User: uid, Track: t})
	})
	transport.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.onLinkState(uid, link, s)
	})
	return transport, nil
}

func (m *Manager) onLinkState(uid domain.UserID, link *Link, s webrtc.PeerConnectionState) {
	log.Info().Str("module", "peer").Str("remote", string(uid)).Str("state", s.String()).Msg("link state")
	link.setState(s)
	m.emit(Event{Kind: LinkStateChanged, User: uid, State: s})

	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		if t := m.watchers[uid]; t != nil {
			t.Stop()
			delete(m.watchers, uid)
		}
		if t := m.grace[uid]; t != nil {
			t.Stop()
			delete(m.grace, uid)
		}
		m.mu.Unlock()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		// Never left dangling: gone from the map within one tick.
		m.removeLink(uid, "link "+s.String(), true)
	case webrtc.PeerConnectionStateDisconnected:
		// The transport retries internally; give it a grace period
		// before declaring the peer gone.
		m.mu.Lock()
		if m.grace[uid] == nil && !m.closed {
			m.grace[uid] = time.AfterFunc(m.cfg.DisconnectGrace, func() {
				if link.State() == webrtc.PeerConnectionStateDisconnected {
					m.removeLink(uid, "disconnected past grace period", true)
				}
			})
		}
		m.mu.Unlock()
	}
}

// failPeer contains a negotiation failure to one link: log, remove, move on.
func (m *Manager) failPeer(uid domain.UserID, err error) {
	negErr := &core.NegotiationError{Peer: uid, Err: err}
	log.Error().Err(negErr).Str("module", "peer").Str("remote", string(uid)).Msg("negotiation failed")
	m.removeLink(uid, negErr.Error(), true)
}

func (m *Manager) removeLink(uid domain.UserID, reason string, failure bool) {
	m.mu.Lock()
	link, ok := m.links[uid]
	if ok {
		delete(m.links, uid)
	}
	if t := m.watchers[uid]; t != nil {
		t.Stop()
		delete(m.watchers, uid)
	}
	if t := m.grace[uid]; t != nil {
		t.Stop()
		delete(m.grace, uid)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	link.setReason(reason)
	link.close()
	m.emit(Event{Kind: PeerRemoved, User: uid, Reason: reason, Failure: failure})
}

func (m *Manager) snapshotLocked() map[domain.UserID]*Link {
	out := make(map[domain.UserID]*Link, len(m.links))
	for uid, link := range m.links {
		out[uid] = link
	}
	return out
}

func (m *Manager) send(msg core.SignalingMessage) {
	if err := m.cfg.Signaling.Send(msg); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("type", string(msg.Type)).Msg("signaling send")
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		log.Warn().Str("module", "peer").Msg("event buffer full, event dropped")
	}
}

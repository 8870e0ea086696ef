// Package stage holds the top-level call state machine. One Orchestrator
// owns one StageSession at a time: it acquires local media, joins the
// signaling channel, drives the peer manager and guarantees that every
// acquired capture resource is released on every exit path.
package stage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/core"
	"github.com/stagemesh/stagemesh/internal/domain"
	"github.com/stagemesh/stagemesh/internal/media"
	"github.com/stagemesh/stagemesh/internal/peer"
)

type Options struct {
	NegotiationTimeout   time.Duration
	DisconnectGrace      time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	QualityInterval      time.Duration
}

func (o *Options) defaults() {
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = 30 * time.Second
	}
	if o.DisconnectGrace <= 0 {
		o.DisconnectGrace = 10 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = time.Second
	}
	if o.QualityInterval <= 0 {
		o.QualityInterval = 5 * time.Second
	}
}

// Deps are the collaborators an Orchestrator drives. All are owned by the
// caller except their lifecycles during a session: the orchestrator joins
// and leaves the channel and funnels every stream through the registry.
type Deps struct {
	Devices  core.MediaDevices
	Registry *media.Registry
	Channel  core.SignalingChannel
	Factory  core.TransportFactory
}

// InitConfig is the per-session configuration for Initialize.
type InitConfig struct {
	StageID     domain.StageID
	UserID      domain.UserID
	Role        domain.Role
	Constraints core.MediaConstraints
}

// Orchestrator is constructed explicitly and passed by handle; there is no
// package-level instance.
type Orchestrator struct {
	opts    Options
	deps    Deps
	ownerID string

	mu           sync.Mutex
	sess         core.StageSession
	cameraStream core.MediaStream
	screenStream core.MediaStream
	peers        *peer.Manager
	sessCtx      context.Context
	sessCancel   context.CancelFunc
	subCancel    func()
	failedLinks  int

	hub *eventHub
}

func New(opts Options, deps Deps) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		opts:    opts,
		deps:    deps,
		ownerID: uuid.NewString(),
		sess:    core.StageSession{ConnectionState: core.StateIdle},
		hub:     newEventHub(),
	}
}

// Subscribe attaches a consumer to the orchestrator event stream.
func (o *Orchestrator) Subscribe() (<-chan core.StageEvent, func()) {
	return o.hub.subscribe()
}

// Session returns a snapshot of the read model. Always available
// synchronously, including the human-readable reason for terminal states.
func (o *Orchestrator) Session() core.StageSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess
}

// RemoteStreams returns the current remote tracks keyed by participant.
func (o *Orchestrator) RemoteStreams() map[domain.UserID][]core.RemoteTrack {
	o.mu.Lock()
	peers := o.peers
	o.mu.Unlock()
	if peers == nil {
		return map[domain.UserID][]core.RemoteTrack{}
	}
	return peers.RemoteStreams()
}

// Initialize brings up a fresh session: acquire local media, register it,
// join signaling, then converge peer links asynchronously. Re-entrant calls
// while a session is connecting or connected are rejected, never coalesced
// into a second concurrent acquisition.
func (o *Orchestrator) Initialize(ctx context.Context, cfg InitConfig) error {
	if !cfg.Role.Valid() {
		return domain.ErrInvalidRole
	}

	o.mu.Lock()
	switch o.sess.ConnectionState {
	case core.StateConnecting, core.StateConnected, core.StateReconnecting:
		o.mu.Unlock()
		return core.ErrAlreadyActive
	}
	sessCtx, sessCancel := context.WithCancel(context.Background())
	o.sessCtx, o.sessCancel = sessCtx, sessCancel
	o.sess = core.StageSession{
		StageID:     cfg.StageID,
		LocalUserID: cfg.UserID,
		LocalRole:   cfg.Role,
		MediaState: core.MediaState{
			AudioEnabled: cfg.Constraints.Audio,
			VideoEnabled: cfg.Constraints.Video,
		},
		NetworkQuality: core.NetworkQuality{Quality: core.QualityGood},
	}
	o.setStateLocked(core.StateConnecting, "")
	o.mu.Unlock()

	// Tie the caller's cancellation into the session so an abandoned
	// Initialize cannot adopt a late media grant.
	stop := context.AfterFunc(ctx, sessCancel)
	defer stop()

	stream, err := o.deps.Devices.GetUserMedia(sessCtx, cfg.Constraints)
	if err != nil {
		return o.failInitialize(wrapAcquisition(err))
	}

	// Register before any network operation: a later failure then has a
	// known resource to clean up.
	o.deps.Registry.Register(stream, media.PurposeCameraMic, o.ownerID)
	if cerr := sessCtx.Err(); cerr != nil {
		// Leave raced the grant; the stream is discarded, not adopted.
		o.deps.Registry.Unregister(stream)
		return o.failInitialize(cerr)
	}

	o.deps.Channel.OnDisconnect(func(err error) { o.onSignalingDrop(err) })
	ok, err := o.deps.Channel.Join(sessCtx, cfg.StageID, cfg.UserID)
	if err != nil || !ok {
		o.deps.Registry.Unregister(stream)
		if err == nil {
			err = &core.SignalingError{Op: "join", Err: core.ErrChannelClosed}
		}
		return o.failInitialize(err)
	}

	peers := peer.NewManager(peer.Config{
		LocalID:            cfg.UserID,
		StageID:            cfg.StageID,
		Signaling:          o.deps.Channel,
		Factory:            o.deps.Factory,
		NegotiationTimeout: o.opts.NegotiationTimeout,
		DisconnectGrace:    o.opts.DisconnectGrace,
	})
	peers.SetLocalTracks(stream.AudioTrack(), stream.VideoTrack())
	applyEnabled(stream, o.Session().MediaState)

	o.mu.Lock()
	// The caller's ctx is consulted directly here: AfterFunc propagates the
	// cancellation to sessCtx on another goroutine, so sessCtx alone could
	// still read live at this point and adopt a session nobody wants.
	if o.sess.ConnectionState == core.StateLeft || ctx.Err() != nil {
		// Leave or caller cancellation won the race after the join; unwind.
		o.mu.Unlock()
		peers.Cleanup()
		o.deps.Channel.Leave()
		o.deps.Registry.Unregister(stream)
		return o.failInitialize(context.Canceled)
	}
	o.cameraStream = stream
	o.peers = peers
	msgs, cancel := o.deps.Channel.Subscribe()
	o.subCancel = cancel
	o.sess.ConnectionAttempts = 0
	o.failedLinks = 0
	o.setStateLocked(core.StateConnected, "")
	o.mu.Unlock()

	go o.dispatchSignaling(msgs)
	go o.consumePeerEvents(peers)
	go o.qualityLoop(sessCtx)
	go peers.ConnectToExistingUsers(sessCtx)

	log.Info().Str("module", "stage").Str("stage", string(cfg.StageID)).Str("user", string(cfg.UserID)).Str("role", string(cfg.Role)).Msg("session connected")
	return nil
}

// Leave tears the session down from any state. Idempotent: the second call
// is a no-op. Acts as the cancellation signal for an in-flight Initialize.
func (o *Orchestrator) Leave(_ context.Context) error {
	o.mu.Lock()
	if o.sess.ConnectionState == core.StateLeft {
		o.mu.Unlock()
		return nil
	}
	if o.sessCancel != nil {
		o.sessCancel()
	}
	peers := o.peers
	o.peers = nil
	subCancel := o.subCancel
	o.subCancel = nil
	o.cameraStream = nil
	o.screenStream = nil
	o.sess.MediaState.ScreenSharing = false
	o.setStateLocked(core.StateLeft, "left")
	o.mu.Unlock()

	if subCancel != nil {
		subCancel()
	}
	if peers != nil {
		peers.Cleanup()
	}
	o.deps.Channel.Leave()
	o.deps.Registry.StopAll()

	log.Info().Str("module", "stage").Msg("session left")
	return nil
}

// failInitialize moves the session to the terminal error state, with zero
// registered streams guaranteed by the callers.
func (o *Orchestrator) failInitialize(err error) error {
	o.mu.Lock()
	// Leave may have already terminated the session; keep left final.
	if o.sess.ConnectionState != core.StateLeft {
		o.setStateLocked(core.StateError, err.Error())
	}
	if o.sessCancel != nil {
		o.sessCancel()
	}
	o.mu.Unlock()
	return err
}

// setStateLocked transitions the state machine and emits the change.
// Callers hold o.mu.
func (o *Orchestrator) setStateLocked(s core.ConnectionState, reason string) {
	if o.sess.ConnectionState == s {
		return
	}
	log.Info().Str("module", "stage").Str("from", string(o.sess.ConnectionState)).Str("to", string(s)).Str("reason", reason).Msg("state")
	o.sess.ConnectionState = s
	o.sess.Reason = reason
	o.hub.emit(core.StageEvent{Type: core.EventStateChanged, State: s, Reason: reason})
}

// dispatchSignaling routes inbound messages. Duplicates are legal: every
// branch is idempotent. The loop survives reconnects; it resolves the
// current peer manager per message because reconnection rebuilds it.
func (o *Orchestrator) dispatchSignaling(msgs <-chan core.SignalingMessage) {
	for msg := range msgs {
		peers := o.currentPeers()
		if peers == nil {
			continue
		}
		switch msg.Type {
		case core.MessageOffer:
			if msg.Offer != nil {
				peers.HandleOffer(o.sessionContext(), msg.From, *msg.Offer)
			}
		case core.MessageAnswer:
			if msg.Answer != nil {
				peers.HandleAnswer(msg.From, *msg.Answer)
			}
		case core.MessageCandidate:
			if msg.Candidate != nil {
				peers.HandleCandidate(msg.From, *msg.Candidate)
			}
		case core.MessageControl:
			if msg.Control != nil {
				o.hub.emit(core.StageEvent{Type: core.EventControl, Peer: msg.From, Control: msg.Control})
			}
		case core.MessageJoin:
			// Newcomers offer to existing participants; nothing to
			// initiate from this side.
			log.Debug().Str("module", "stage").Str("user", string(msg.From)).Msg("participant joined")
		case core.MessageLeave:
			peers.RemovePeer(msg.From)
		default:
			log.Warn().Str("module", "stage").Str("type", string(msg.Type)).Msg("unknown signal")
		}
	}
}

func (o *Orchestrator) consumePeerEvents(peers *peer.Manager) {
	for ev := range peers.Events() {
		switch ev.Kind {
		case peer.PeerAdded:
			o.hub.emit(core.StageEvent{Type: core.EventPeerJoined, Peer: ev.User})
		case peer.PeerRemoved:
			o.hub.emit(core.StageEvent{Type: core.EventPeerLeft, Peer: ev.User, Reason: ev.Reason})
			if ev.Failure {
				o.onPeerFailure(peers)
			}
		case peer.RemoteTrackAdded:
			o.hub.emit(core.StageEvent{Type: core.EventRemoteTrack, Peer: ev.User, Track: ev.Track})
		}
	}
}

func (o *Orchestrator) qualityLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.QualityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		peers := o.currentPeers()
		if peers == nil {
			continue
		}
		stats := peers.Stats()
		q := classifyQuality(stats.RTT)
		nq := core.NetworkQuality{Quality: q, PingMs: stats.RTT.Milliseconds()}

		o.mu.Lock()
		changed := o.sess.NetworkQuality != nq
		o.sess.NetworkQuality = nq
		o.mu.Unlock()
		if changed {
			o.hub.emit(core.StageEvent{Type: core.EventQuality, Quality: &nq})
		}
	}
}

func classifyQuality(rtt time.Duration) core.Quality {
	switch {
	case rtt < 150*time.Millisecond:
		return core.QualityGood
	case rtt < 400*time.Millisecond:
		return core.QualityDegraded
	default:
		return core.QualityPoor
	}
}

func (o *Orchestrator) currentPeers() *peer.Manager {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peers
}

func (o *Orchestrator) sessionContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessCtx != nil {
		return o.sessCtx
	}
	return context.Background()
}

// applyEnabled lines the track gates up with the requested media state.
func applyEnabled(stream core.MediaStream, ms core.MediaState) {
	if t := stream.AudioTrack(); t != nil {
		t.SetEnabled(ms.AudioEnabled)
	}
	if t := stream.VideoTrack(); t != nil {
		t.SetEnabled(ms.VideoEnabled)
	}
}

func wrapAcquisition(err error) error {
	if _, ok := err.(*core.MediaAcquisitionError); ok {
		return err
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	return &core.MediaAcquisitionError{Reason: "getUserMedia", Err: err}
}

package stage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/core"
	"github.com/stagemesh/stagemesh/internal/peer"
)

// onSignalingDrop is wired into the channel's disconnect callback. It moves
// the session to reconnecting, tears the peer links down (they all ride on
// signaling for renegotiation) and starts the rejoin loop. Local media is
// kept: a reconnect must not blink the camera light.
func (o *Orchestrator) onSignalingDrop(err error) {
	o.beginReconnect("signaling lost: "+err.Error(), false)
}

// onPeerFailure evaluates the majority rule after a link died: when more
// than half the links tracked this session have failed, the common cause
// is almost certainly on our side, so the whole session reconnects instead
// of flapping link by link.
func (o *Orchestrator) onPeerFailure(peers *peer.Manager) {
	o.mu.Lock()
	if o.sess.ConnectionState != core.StateConnected || o.peers != peers {
		o.mu.Unlock()
		return
	}
	o.failedLinks++
	failed, remaining := o.failedLinks, peers.Len()
	o.mu.Unlock()

	if failed*2 <= failed+remaining {
		return
	}
	log.Warn().Str("module", "stage").Int("failed", failed).Int("remaining", remaining).Msg("majority of peer links failed")
	o.beginReconnect("majority of peer links failed", true)
}

// beginReconnect transitions connected → reconnecting and starts the
// rejoin loop. leaveChannel is set when the signaling connection is still
// up and must be dropped before rejoining.
func (o *Orchestrator) beginReconnect(reason string, leaveChannel bool) {
	o.mu.Lock()
	if o.sess.ConnectionState != core.StateConnected {
		o.mu.Unlock()
		return
	}
	peers := o.peers
	o.peers = nil
	o.failedLinks = 0
	ctx := o.sessCtx
	o.setStateLocked(core.StateReconnecting, reason)
	o.mu.Unlock()

	if peers != nil {
		peers.Cleanup()
	}
	if leaveChannel {
		o.deps.Channel.Leave()
	}
	go o.reconnectLoop(ctx)
}

// reconnectLoop rejoins with exponential backoff until it succeeds, the
// attempt cap is hit, or the session is terminated. Attempts are counted
// in the session read model so a UI can show "reconnecting (3/5)".
func (o *Orchestrator) reconnectLoop(ctx context.Context) {
	for {
		o.mu.Lock()
		if o.sess.ConnectionState != core.StateReconnecting {
			o.mu.Unlock()
			return
		}
		if o.sess.ConnectionAttempts >= o.opts.MaxReconnectAttempts {
			o.setStateLocked(core.StateError, core.ErrAttemptsExhausted.Error())
			if o.sessCancel != nil {
				o.sessCancel()
			}
			o.mu.Unlock()
			// Terminal failure still must not leak a camera.
			o.deps.Registry.StopAll()
			log.Error().Str("module", "stage").Int("attempts", o.opts.MaxReconnectAttempts).Msg("reconnect attempts exhausted")
			return
		}
		o.sess.ConnectionAttempts++
		attempt := o.sess.ConnectionAttempts
		stageID, userID := o.sess.StageID, o.sess.LocalUserID
		o.mu.Unlock()

		backoff := o.opts.ReconnectBackoff << (attempt - 1)
		log.Info().Str("module", "stage").Int("attempt", attempt).Dur("backoff", backoff).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		ok, err := o.deps.Channel.Join(ctx, stageID, userID)
		if err != nil || !ok {
			if err == nil {
				err = &core.SignalingError{Op: "rejoin", Err: core.ErrChannelClosed}
			}
			log.Warn().Err(err).Str("module", "stage").Int("attempt", attempt).Msg("rejoin failed")
			continue
		}

		o.resumeSession(ctx)
		return
	}
}

// resumeSession rebuilds the peer layer after a successful rejoin. When the
// session terminated while the join was in flight, the fresh connection is
// dropped again instead of being adopted.
func (o *Orchestrator) resumeSession(ctx context.Context) {
	o.mu.Lock()
	if o.sess.ConnectionState != core.StateReconnecting {
		o.mu.Unlock()
		o.deps.Channel.Leave()
		return
	}
	peers := peer.NewManager(peer.Config{
		LocalID:            o.sess.LocalUserID,
		StageID:            o.sess.StageID,
		Signaling:          o.deps.Channel,
		Factory:            o.deps.Factory,
		NegotiationTimeout: o.opts.NegotiationTimeout,
		DisconnectGrace:    o.opts.DisconnectGrace,
	})
	// Rebuilt links carry only what the gates allow; a reconnect must not
	// unmute anything.
	var audio, video core.MediaTrack
	if o.cameraStream != nil {
		if o.sess.MediaState.AudioEnabled {
			audio = o.cameraStream.AudioTrack()
		}
		if o.sess.MediaState.VideoEnabled {
			video = o.cameraStream.VideoTrack()
		}
	}
	if o.sess.MediaState.ScreenSharing && o.screenStream != nil {
		video = o.screenStream.VideoTrack()
	}
	peers.SetLocalTracks(audio, video)
	o.peers = peers
	o.sess.ConnectionAttempts = 0
	o.setStateLocked(core.StateConnected, "")
	o.mu.Unlock()

	go o.consumePeerEvents(peers)
	go peers.ConnectToExistingUsers(ctx)
	log.Info().Str("module", "stage").Msg("session resumed")
}

package peer

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagemesh/stagemesh/internal/core"
	"github.com/stagemesh/stagemesh/internal/domain"
)

func newTestManager(t *testing.T, localID domain.UserID) (*Manager, *fakeSignaling, *fakeFactory) {
	t.Helper()
	sig := &fakeSignaling{}
	ff := &fakeFactory{}
	m := NewManager(Config{
		LocalID:   localID,
		StageID:   "stage-1",
		Signaling: sig,
		Factory:   ff.factory(),
	})
	t.Cleanup(m.Cleanup)
	return m, sig, ff
}

func TestOfferToSendsOfferWithNonce(t *testing.T) {
	m, sig, _ := newTestManager(t, "alice")

	m.OfferTo(context.Background(), "bob")

	require.Eventually(t, func() bool {
		return len(sig.sentOfType(core.MessageOffer)) == 1
	}, time.Second, 5*time.Millisecond)

	offer := sig.sentOfType(core.MessageOffer)[0]
	assert.Equal(t, domain.UserID("bob"), offer.To)
	require.NotNil(t, offer.Offer)
	assert.NotEmpty(t, offer.Offer.Nonce)
	assert.Equal(t, 1, m.Len())
}

func TestConnectToExistingUsersSkipsSelf(t *testing.T) {
	m, sig, _ := newTestManager(t, "alice")
	sig.presence = []domain.UserID{"alice", "bob", "carol"}

	m.ConnectToExistingUsers(context.Background())

	require.Eventually(t, func() bool {
		return len(sig.sentOfType(core.MessageOffer)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, m.Len())
}

func TestGlareLocalOfferWins(t *testing.T) {
	// alice < bob, so alice's outstanding offer wins and bob's is dropped.
	m, sig, ff := newTestManager(t, "alice")

	m.OfferTo(context.Background(), "bob")
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(core.MessageOffer)) == 1
	}, time.Second, 5*time.Millisecond)

	m.HandleOffer(context.Background(), "bob", core.OfferPayload{SDP: "v=0 remote", Nonce: "bob-nonce"})

	// No answer may ever go out and the transport must not be rebuilt.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sig.sentOfType(core.MessageAnswer))
	assert.Equal(t, 1, ff.count())
}

func TestGlareRemoteOfferWins(t *testing.T) {
	// bob > alice, so bob discards its own offer, rebuilds the transport
	// and answers alice's offer instead.
	m, sig, ff := newTestManager(t, "bob")

	m.OfferTo(context.Background(), "alice")
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(core.MessageOffer)) == 1
	}, time.Second, 5*time.Millisecond)

	m.HandleOffer(context.Background(), "alice", core.OfferPayload{SDP: "v=0 remote", Nonce: "alice-nonce"})

	require.Eventually(t, func() bool {
		return len(sig.sentOfType(core.MessageAnswer)) == 1
	}, time.Second, 5*time.Millisecond)

	answer := sig.sentOfType(core.MessageAnswer)[0]
	require.NotNil(t, answer.Answer)
	assert.Equal(t, "alice-nonce", answer.Answer.Nonce)

	// The loser's original transport is closed, replaced by a fresh one.
	require.Equal(t, 2, ff.count())
	assert.True(t, ff.at(0).isClosed())
	assert.False(t, ff.at(1).isClosed())
	assert.Equal(t, 1, m.Len())

	// The stale answer to the discarded offer is dropped silently.
	m.HandleAnswer("alice", core.AnswerPayload{SDP: "v=0 stale", Nonce: "dead-nonce"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, m.Len())
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	m, sig, ff := newTestManager(t, "alice")

	m.HandleCandidate("bob", core.CandidatePayload{Candidate: "candidate:1"})
	m.HandleCandidate("bob", core.CandidatePayload{Candidate: "candidate:2"})
	// Duplicate delivery of the same candidate.
	m.HandleCandidate("bob", core.CandidatePayload{Candidate: "candidate:1"})

	require.Equal(t, 1, ff.count())
	assert.Empty(t, ff.at(0).appliedCandidates())

	// The offer arrives late; buffered candidates flush after the answer.
	m.HandleOffer(context.Background(), "bob", core.OfferPayload{SDP: "v=0 remote", Nonce: "n"})
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(core.MessageAnswer)) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(ff.at(0).appliedCandidates()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestCandidateAfterDescriptionAppliedDirectly(t *testing.T) {
	m, sig, ff := newTestManager(t, "alice")

	m.HandleOffer(context.Background(), "bob", core.OfferPayload{SDP: "v=0 remote", Nonce: "n"})
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(core.MessageAnswer)) == 1
	}, time.Second, 5*time.Millisecond)

	m.HandleCandidate("bob", core.CandidatePayload{Candidate: "candidate:late"})
	require.Eventually(t, func() bool {
		return len(ff.at(0).appliedCandidates()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRemovePeerClosesLink(t *testing.T) {
	m, sig, ff := newTestManager(t, "alice")

	m.OfferTo(context.Background(), "bob")
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(core.MessageOffer)) == 1
	}, time.Second, 5*time.Millisecond)

	m.RemovePeer("bob")
	assert.Equal(t, 0, m.Len())
	assert.True(t, ff.at(0).isClosed())

	// Unknown peers are a no-op.
	m.RemovePeer("nobody")
}

func TestLinkFailureRemovesWithinOneTick(t *testing.T) {
	m, sig, ff := newTestManager(t, "alice")

	m.OfferTo(context.Background(), "bob")
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(core.MessageOffer)) == 1
	}, time.Second, 5*time.Millisecond)

	ff.at(0).onState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, 0, m.Len())
	assert.True(t, ff.at(0).isClosed())
}

func TestCleanupIdempotent(t *testing.T) {
	m, sig, ff := newTestManager(t, "alice")

	m.OfferTo(context.Background(), "bob")
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(core.MessageOffer)) == 1
	}, time.Second, 5*time.Millisecond)

	m.Cleanup()
	assert.True(t, ff.at(0).isClosed())
	assert.Equal(t, 0, m.Len())

	// Second cleanup must not panic on the closed event channel.
	m.Cleanup()

	// Events buffered before cleanup (PeerAdded from the offer) drain out;
	// the channel then reports closed.
	for range m.Events() {
	}
	_, open := <-m.Events()
	assert.False(t, open)
}

func TestSetOutgoingVideoReplacesOnEveryLink(t *testing.T) {
	m, sig, ff := newTestManager(t, "alice")
	camera := &staticTrack{id: "cam", kind: core.TrackKindVideo}
	m.SetLocalTracks(nil, camera)

	m.OfferTo(context.Background(), "bob")
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(core.MessageOffer)) == 1
	}, time.Second, 5*time.Millisecond)

	screen := &staticTrack{id: "screen", kind: core.TrackKindVideo}
	m.SetOutgoingVideo(context.Background(), screen)

	tr := ff.at(0)
	tr.mu.Lock()
	current := tr.senders[core.TrackKindVideo]
	tr.mu.Unlock()
	assert.Equal(t, "screen", current.ID())
}

func TestSetOutgoingAudioDetachesAndRestores(t *testing.T) {
	m, sig, ff := newTestManager(t, "alice")
	mic := &staticTrack{id: "mic", kind: core.TrackKindAudio}
	m.SetLocalTracks(mic, nil)

	m.OfferTo(context.Background(), "bob")
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(core.MessageOffer)) == 1
	}, time.Second, 5*time.Millisecond)

	// Detaching leaves the sender in place but transmitting nothing.
	m.SetOutgoingAudio(context.Background(), nil)
	tr := ff.at(0)
	tr.mu.Lock()
	current := tr.senders[core.TrackKindAudio]
	tr.mu.Unlock()
	assert.Nil(t, current)

	m.SetOutgoingAudio(context.Background(), mic)
	tr.mu.Lock()
	current = tr.senders[core.TrackKindAudio]
	tr.mu.Unlock()
	require.NotNil(t, current)
	assert.Equal(t, "mic", current.ID())
}

// staticTrack is the minimal core.MediaTrack for manager tests.
type staticTrack struct {
	id      string
	kind    core.TrackKind
	enabled bool
}

func (s *staticTrack) ID() string                { return s.id }
func (s *staticTrack) Kind() core.TrackKind      { return s.kind }
func (s *staticTrack) Enabled() bool             { return s.enabled }
func (s *staticTrack) SetEnabled(v bool)         { s.enabled = v }
func (s *staticTrack) OnEnded(func())            {}
func (s *staticTrack) Stop() error               { return nil }
func (s *staticTrack) Unwrap() webrtc.TrackLocal { return nil }

package stage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagemesh/stagemesh/internal/domain"
)

// connectWithPeer brings a session up with one remote participant so the
// harness has a live transport to inspect.
func connectWithPeer(t *testing.T, h *testHarness) *nullTransport {
	t.Helper()
	h.channel.mu.Lock()
	h.channel.presence = []domain.UserID{"bob"}
	h.channel.mu.Unlock()

	require.NoError(t, h.orch.Initialize(context.Background(), defaultInit()))
	require.Eventually(t, func() bool {
		return len(h.orch.RemoteStreams()) == 1
	}, time.Second, 5*time.Millisecond)
	return h.factory.at(0)
}

func TestToggleAudioDetachesOutgoingSender(t *testing.T) {
	h := newHarness(Options{})
	tr := connectWithPeer(t, h)
	defer h.orch.Leave(context.Background())

	require.NotNil(t, tr.audioSender())

	// Muting must stop transmission, not just flip a local flag while the
	// live track keeps feeding the sender.
	enabled, err := h.orch.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Nil(t, tr.audioSender())

	enabled, err = h.orch.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Same(t, h.devices.lastCamera.AudioTrack(), tr.audioSender())
}

func TestToggleVideoDetachesOutgoingSender(t *testing.T) {
	h := newHarness(Options{})
	tr := connectWithPeer(t, h)
	defer h.orch.Leave(context.Background())

	require.NotNil(t, tr.videoSender())

	enabled, err := h.orch.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Nil(t, tr.videoSender())

	enabled, err = h.orch.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Same(t, h.devices.lastCamera.VideoTrack(), tr.videoSender())
}

func TestToggleVideoWhileScreenSharingKeepsScreenSender(t *testing.T) {
	h := newHarness(Options{})
	tr := connectWithPeer(t, h)
	defer h.orch.Leave(context.Background())

	require.NoError(t, h.orch.StartScreenShare(context.Background()))
	screen := h.devices.lastScreen.VideoTrack()
	assert.Same(t, screen, tr.videoSender())

	// The camera gate has no business touching the screen sender.
	_, err := h.orch.ToggleVideo()
	require.NoError(t, err)
	assert.Same(t, screen, tr.videoSender())

	// With the camera gated off, stopping the share leaves video detached.
	require.NoError(t, h.orch.StopScreenShare(context.Background()))
	assert.Nil(t, tr.videoSender())

	enabled, err := h.orch.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Same(t, h.devices.lastCamera.VideoTrack(), tr.videoSender())
}

func TestSwitchInputDeviceKeepsMuteGate(t *testing.T) {
	h := newHarness(Options{})
	tr := connectWithPeer(t, h)
	defer h.orch.Leave(context.Background())

	_, err := h.orch.ToggleAudio()
	require.NoError(t, err)
	require.Nil(t, tr.audioSender())

	// A device swap must not re-arm the muted sender.
	require.NoError(t, h.orch.SwitchInputDevice(context.Background(), "mic1", "cam1"))
	assert.Nil(t, tr.audioSender())
	assert.Same(t, h.devices.lastCamera.VideoTrack(), tr.videoSender())

	enabled, err := h.orch.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Same(t, h.devices.lastCamera.AudioTrack(), tr.audioSender())
}

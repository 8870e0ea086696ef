package media

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagemesh/stagemesh/internal/core"
)

func newTestStream(id string, stopErr error, stops *int) *Stream {
	audio := NewTrack(id+"-audio", core.TrackKindAudio, nil, func() error {
		*stops++
		return stopErr
	})
	video := NewTrack(id+"-video", core.TrackKindVideo, nil, func() error {
		*stops++
		return stopErr
	})
	return NewStream(id, audio, video)
}

func TestRegistryUnregisterStopsOnce(t *testing.T) {
	r := NewRegistry()
	stops := 0
	s := newTestStream("cam", nil, &stops)

	r.Register(s, PurposeCameraMic, "owner")
	require.Equal(t, 1, r.Len())

	r.Unregister(s)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 2, stops)

	// Second unregister is a no-op; tracks are not stopped again.
	r.Unregister(s)
	assert.Equal(t, 2, stops)
}

func TestRegistryDoubleRegisterIgnored(t *testing.T) {
	r := NewRegistry()
	stops := 0
	s := newTestStream("cam", nil, &stops)

	r.Register(s, PurposeCameraMic, "owner")
	r.Register(s, PurposeCameraMic, "owner")
	assert.Equal(t, 1, r.Len())
}

func TestRegistryStopAll(t *testing.T) {
	r := NewRegistry()
	stops := 0
	cam := newTestStream("cam", nil, &stops)
	screen := newTestStream("screen", nil, &stops)

	r.Register(cam, PurposeCameraMic, "owner")
	r.Register(screen, PurposeScreenShare, "owner")
	require.Equal(t, 2, r.Len())

	r.StopAll()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 4, stops)

	// Idempotent.
	r.StopAll()
	assert.Equal(t, 4, stops)
}

func TestRegistryStopErrorTolerated(t *testing.T) {
	r := NewRegistry()
	stops := 0
	s := newTestStream("cam", errors.New("device already released"), &stops)

	r.Register(s, PurposeCameraMic, "owner")
	// Must not panic and must still clear the entry.
	r.Unregister(s)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryStreamsByPurpose(t *testing.T) {
	r := NewRegistry()
	stops := 0
	cam := newTestStream("cam", nil, &stops)
	screen := newTestStream("screen", nil, &stops)

	r.Register(cam, PurposeCameraMic, "owner")
	r.Register(screen, PurposeScreenShare, "owner")

	got := r.StreamsByPurpose(PurposeScreenShare)
	require.Len(t, got, 1)
	assert.Equal(t, "screen", got[0].ID())
}

func TestTrackStopIdempotent(t *testing.T) {
	stops := 0
	tr := NewTrack("a", core.TrackKindAudio, nil, func() error {
		stops++
		return nil
	})

	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())
	assert.Equal(t, 1, stops)
}

func TestTrackEnabledGate(t *testing.T) {
	tr := NewTrack("a", core.TrackKindAudio, nil, nil)
	assert.True(t, tr.Enabled())
	tr.SetEnabled(false)
	assert.False(t, tr.Enabled())
	tr.SetEnabled(true)
	assert.True(t, tr.Enabled())
}

func TestTrackFireEndedOnce(t *testing.T) {
	tr := NewTrack("v", core.TrackKindVideo, nil, nil)
	calls := 0
	tr.OnEnded(func() { calls++ })

	tr.FireEnded()
	tr.FireEnded()
	assert.Equal(t, 1, calls)
}

package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilHandleIsReceiveOnly(t *testing.T) {
	var h *Handle

	assert.Nil(t, h.Tracks())
	assert.False(t, h.AudioEnabled())
	assert.False(t, h.SetVideoEnabled(true))
	assert.True(t, h.Stopped())
	h.Stop()
}

func TestHandle_ToggleKeepsTracks(t *testing.T) {
	acq := &SyntheticAcquirer{}
	h, err := acq.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	before := h.Tracks()
	require.Len(t, before, 2)

	assert.True(t, h.SetAudioEnabled(false))
	assert.False(t, h.AudioEnabled())
	assert.True(t, h.VideoEnabled())

	after := h.Tracks()
	assert.Same(t, before[0], after[0])
	assert.Same(t, before[1], after[1])
}

func TestHandle_StopIdempotent(t *testing.T) {
	acq := &SyntheticAcquirer{Generate: true}
	h, err := acq.Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)

	track := h.Tracks()[0]
	h.Stop()
	h.Stop()

	assert.True(t, h.Stopped())
	assert.True(t, track.Stopped())
	assert.Empty(t, h.Tracks())
}

func TestSyntheticAcquirer_Deny(t *testing.T) {
	acq := &SyntheticAcquirer{Deny: true}
	h, err := acq.Acquire(context.Background(), Constraints{Audio: true})

	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Nil(t, h)
}

func TestRemoteStream_Kinds(t *testing.T) {
	s := NewRemoteStream("s1")
	s.AddKind(KindAudio)
	s.AddKind(KindAudio)
	s.AddKind(KindVideo)
	s.AddBytes(10)

	assert.Equal(t, []Kind{KindAudio, KindVideo}, s.Kinds())
	assert.Equal(t, uint64(10), s.BytesReceived())
}

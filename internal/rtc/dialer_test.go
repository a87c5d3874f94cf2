package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom-backend/internal/media"
)

func TestNewDialer_DefaultsICEServers(t *testing.T) {
	d, err := NewDialer(Config{})
	require.NoError(t, err)

	require.Len(t, d.config.ICEServers, 1)
	assert.Equal(t, DefaultICEServers, d.config.ICEServers[0].URLs)
}

func TestNewDialer_CustomICEServers(t *testing.T) {
	servers := []string{"stun:stun.example.org:3478", "turn:turn.example.org:3478"}

	d, err := NewDialer(Config{ICEServers: servers})
	require.NoError(t, err)

	assert.Equal(t, servers, d.config.ICEServers[0].URLs)
}

func TestKindMapping(t *testing.T) {
	assert.Equal(t, media.KindVideo, kindOf(webrtc.RTPCodecTypeVideo))
	assert.Equal(t, media.KindAudio, kindOf(webrtc.RTPCodecTypeAudio))
	assert.Equal(t, webrtc.RTPCodecTypeVideo, codecType(media.KindVideo))
	assert.Equal(t, webrtc.RTPCodecTypeAudio, codecType(media.KindAudio))
}

func TestConnection_StreamGrouping(t *testing.T) {
	c := &connection{streams: make(map[string]*media.RemoteStream)}

	s1, first := c.stream("a")
	assert.True(t, first)
	s2, first := c.stream("a")
	assert.False(t, first)
	assert.Same(t, s1, s2)

	_, first = c.stream("b")
	assert.False(t, first)
}

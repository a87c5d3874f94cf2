// Package media models local capture handles and remote streams independently
// of any presentation layer.
package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Kind of a media track
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// LocalTrack is one outbound source. Disabling it drops samples without
// touching any peer connection it is attached to.
type LocalTrack struct {
	kind    Kind
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
}

// NewLocalTrack creates an enabled track with the default codec for kind
func NewLocalTrack(kind Kind, streamID string) (*LocalTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case KindAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case KindVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported track kind %q", kind)
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	t := &LocalTrack{kind: kind, track: track, done: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) Kind() Kind { return t.kind }

// Track returns the pion track to attach to a peer connection
func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Done is closed when the track is stopped
func (t *LocalTrack) Done() <-chan struct{} { return t.done }

// Stop ends the track; further samples are dropped
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *LocalTrack) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// WriteSample forwards a sample to every bound peer connection while enabled
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if !t.Enabled() || t.Stopped() {
		return nil
	}
	return t.track.WriteSample(s)
}

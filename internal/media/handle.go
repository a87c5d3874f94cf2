package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPermissionDenied is returned by an Acquirer when the user refused capture
var ErrPermissionDenied = errors.New("media: permission denied")

// Handle is the local capture of one session attempt. A nil *Handle is a
// valid receive-only handle: every method is safe on it.
type Handle struct {
	mu      sync.Mutex
	audio   *LocalTrack
	video   *LocalTrack
	stopped bool
}

// NewHandle groups local tracks; at most one per kind is kept
func NewHandle(tracks ...*LocalTrack) *Handle {
	h := &Handle{}
	for _, t := range tracks {
		switch t.Kind() {
		case KindAudio:
			h.audio = t
		case KindVideo:
			h.video = t
		}
	}
	return h
}

// Tracks returns the live tracks in audio, video order
func (h *Handle) Tracks() []*LocalTrack {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	var out []*LocalTrack
	if h.audio != nil {
		out = append(out, h.audio)
	}
	if h.video != nil {
		out = append(out, h.video)
	}
	return out
}

func (h *Handle) track(kind Kind) *LocalTrack {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if kind == KindAudio {
		return h.audio
	}
	return h.video
}

// AudioEnabled reports whether outbound audio flows
func (h *Handle) AudioEnabled() bool {
	t := h.track(KindAudio)
	return t != nil && t.Enabled()
}

// VideoEnabled reports whether outbound video flows
func (h *Handle) VideoEnabled() bool {
	t := h.track(KindVideo)
	return t != nil && t.Enabled()
}

// SetAudioEnabled flips the audio track; false when there is no audio track
func (h *Handle) SetAudioEnabled(enabled bool) bool {
	t := h.track(KindAudio)
	if t == nil {
		return false
	}
	t.SetEnabled(enabled)
	return true
}

// SetVideoEnabled flips the video track; false when there is no video track
func (h *Handle) SetVideoEnabled(enabled bool) bool {
	t := h.track(KindVideo)
	if t == nil {
		return false
	}
	t.SetEnabled(enabled)
	return true
}

// Stop ends every track. It is idempotent.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	audio, video := h.audio, h.video
	h.mu.Unlock()

	if audio != nil {
		audio.Stop()
	}
	if video != nil {
		video.Stop()
	}
}

// Stopped reports whether Stop was called
func (h *Handle) Stopped() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Constraints selects which sources to capture
type Constraints struct {
	Audio bool
	Video bool
}

// Acquirer obtains local media. It may block until the user answers a
// permission prompt.
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (*Handle, error)
}

// Stream is a remote media source produced by a peer connection
type Stream interface {
	ID() string
	Kinds() []Kind
	BytesReceived() uint64
}

// Sink is the presentation capability: it renders remote streams. The
// session layer only hands it abstract streams.
type Sink interface {
	Attach(peer string, s Stream)
	Detach(peer string)
}

// RemoteStream is the Stream built from the tracks a peer sends
type RemoteStream struct {
	id    string
	mu    sync.Mutex
	kinds []Kind
	bytes atomic.Uint64
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (s *RemoteStream) ID() string { return s.id }

// AddKind records that a track of kind arrived on the stream
func (s *RemoteStream) AddKind(kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.kinds {
		if k == kind {
			return
		}
	}
	s.kinds = append(s.kinds, kind)
}

func (s *RemoteStream) Kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Kind(nil), s.kinds...)
}

// AddBytes counts payload drained from the stream's tracks
func (s *RemoteStream) AddBytes(n int) {
	s.bytes.Add(uint64(n))
}

func (s *RemoteStream) BytesReceived() uint64 { return s.bytes.Load() }

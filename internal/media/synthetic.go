package media

import (
	"context"
	"time"

	"github.com/google/uuid"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"liveroom-backend/pkg/logger"
)

// SyntheticAcquirer produces tracks without capture hardware. With Generate
// set, each track emits silent frames until stopped, which keeps headless
// participants visible as streaming peers.
type SyntheticAcquirer struct {
	Deny          bool
	Generate      bool
	FrameInterval time.Duration
}

// Acquire implements Acquirer
func (a *SyntheticAcquirer) Acquire(ctx context.Context, c Constraints) (*Handle, error) {
	if a.Deny {
		return nil, ErrPermissionDenied
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := uuid.NewString()
	var tracks []*LocalTrack
	if c.Audio {
		t, err := NewLocalTrack(KindAudio, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := NewLocalTrack(KindVideo, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	if a.Generate {
		interval := a.FrameInterval
		if interval <= 0 {
			interval = 20 * time.Millisecond
		}
		for _, t := range tracks {
			go generate(t, interval)
		}
	}

	return NewHandle(tracks...), nil
}

func generate(t *LocalTrack, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame := make([]byte, 160)
	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			if err := t.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
				logger.Debug("Synthetic sample dropped",
					zap.String("kind", string(t.Kind())),
					zap.Error(err))
			}
		}
	}
}

// LogSink renders streams into the log; used by the headless client
type LogSink struct{}

func (LogSink) Attach(peer string, s Stream) {
	logger.Info("Remote stream attached",
		zap.String("peer_address", peer),
		zap.String("stream_id", s.ID()))
}

func (LogSink) Detach(peer string) {
	logger.Info("Remote stream detached", zap.String("peer_address", peer))
}

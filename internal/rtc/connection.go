package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/media"
	"liveroom-backend/internal/mesh"
	"liveroom-backend/pkg/metrics"
)

var errConnectionFailed = errors.New("peer connection failed")

// connection is a mesh.Connection backed by a pion PeerConnection
type connection struct {
	peer domain.PeerAddress
	pc   *webrtc.PeerConnection
	ev   mesh.Events
	log  *zap.Logger

	mu         sync.Mutex
	streams    map[string]*media.RemoteStream
	announced  bool
	suppressed bool

	closeOnce  sync.Once
	reportOnce sync.Once
}

func (c *connection) Peer() domain.PeerAddress { return c.peer }

func (c *connection) start() {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debug("Peer state", zap.String("peer_connection_state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if c.ev.OnConnected != nil {
				c.ev.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			c.report(errConnectionFailed)
		case webrtc.PeerConnectionStateClosed:
			c.report(nil)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.log.Info("Remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("track_id", track.ID()),
			zap.String("stream_id", track.StreamID()))

		stream, first := c.stream(track.StreamID())
		stream.AddKind(kindOf(track.Kind()))
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			c.requestKeyframe(track)
		}
		go c.drain(track, stream)

		if first && c.ev.OnStream != nil {
			c.ev.OnStream(stream)
		}
	})
}

// stream groups tracks by stream id; first is true for the first stream
// of the connection, which is the one surfaced to the mesh.
func (c *connection) stream(id string) (*media.RemoteStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	if !ok {
		s = media.NewRemoteStream(id)
		c.streams[id] = s
	}
	first := !c.announced
	c.announced = true
	return s, first
}

// drain reads RTP until the track ends so the interceptors keep working
func (c *connection) drain(track *webrtc.TrackRemote, stream *media.RemoteStream) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		stream.AddBytes(n)
		metrics.RTCBytesReceived.Add(float64(n))
	}
}

// addLocal attaches local tracks. Kinds without a local track get a
// receive-only transceiver when offering so the remote side can still send.
func (c *connection) addLocal(local *media.Handle, offering bool) error {
	have := map[media.Kind]bool{}
	for _, t := range local.Tracks() {
		sender, err := c.pc.AddTrack(t.Track())
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
		}
		have[t.Kind()] = true
		go readRTCP(sender)
	}
	if !offering {
		return nil
	}

	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		if have[kind] {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(codecType(kind), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// readRTCP consumes receiver feedback until the sender stops
func readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication:
				metrics.RTCPFeedbackTotal.WithLabelValues("pli").Inc()
			case *rtcp.FullIntraRequest:
				metrics.RTCPFeedbackTotal.WithLabelValues("fir").Inc()
			case *rtcp.ReceiverReport:
				metrics.RTCPFeedbackTotal.WithLabelValues("receiver_report").Inc()
			case *rtcp.TransportLayerNack:
				metrics.RTCPFeedbackTotal.WithLabelValues("nack").Inc()
			}
		}
	}
}

// requestKeyframe asks the remote sender for a fresh keyframe so video
// renders without waiting for the next periodic one
func (c *connection) requestKeyframe(track *webrtc.TrackRemote) {
	err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
	if err != nil {
		c.log.Debug("Failed to request keyframe", zap.Error(err))
	}
}

func (c *connection) setLocalAndGather(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.pc.LocalDescription().SDP, nil
}

// ApplyAnswer implements mesh.Connection
func (c *connection) ApplyAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}
	return nil
}

// Close implements mesh.Connection
func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.pc.Close()
		c.report(nil)
	})
	return err
}

// abort closes a connection that never reached the mesh; no events fire
func (c *connection) abort() {
	c.mu.Lock()
	c.suppressed = true
	c.mu.Unlock()
	_ = c.Close()
}

func (c *connection) report(err error) {
	c.mu.Lock()
	suppressed := c.suppressed
	c.mu.Unlock()
	if suppressed {
		return
	}
	c.reportOnce.Do(func() {
		if c.ev.OnClosed != nil {
			c.ev.OnClosed(err)
		}
	})
}

func kindOf(t webrtc.RTPCodecType) media.Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

func codecType(k media.Kind) webrtc.RTPCodecType {
	if k == media.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

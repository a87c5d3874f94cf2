// Package rtc implements mesh.Dialer on pion/webrtc.
package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/media"
	"liveroom-backend/internal/mesh"
	"liveroom-backend/pkg/logger"
)

// Config for peer connections
type Config struct {
	ICEServers []string
	// DisconnectedTimeout and FailedTimeout tune how long ICE waits out a
	// network hiccup before the connection is reported failed.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
}

// DefaultICEServers is used when the configuration lists none
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Dialer creates pion peer connections with vanilla ICE: the SDP it returns
// already carries every gathered candidate.
type Dialer struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *zap.Logger
}

// NewDialer builds the pion API with default codecs and interceptors
func NewDialer(cfg Config) (*Dialer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, 2*time.Second)
	}

	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}

	return &Dialer{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: servers}},
		},
		log: logger.Component("rtc"),
	}, nil
}

// Offer implements mesh.Dialer
func (d *Dialer) Offer(ctx context.Context, peer domain.PeerAddress, local *media.Handle, ev mesh.Events) (mesh.Connection, string, error) {
	c, err := d.newConnection(peer, ev)
	if err != nil {
		return nil, "", err
	}

	if err := c.addLocal(local, true); err != nil {
		c.abort()
		return nil, "", err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.abort()
		return nil, "", fmt.Errorf("failed to create offer: %w", err)
	}
	sdp, err := c.setLocalAndGather(ctx, offer)
	if err != nil {
		c.abort()
		return nil, "", err
	}
	return c, sdp, nil
}

// Answer implements mesh.Dialer
func (d *Dialer) Answer(ctx context.Context, peer domain.PeerAddress, offerSDP string, local *media.Handle, ev mesh.Events) (mesh.Connection, string, error) {
	c, err := d.newConnection(peer, ev)
	if err != nil {
		return nil, "", err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		c.abort()
		return nil, "", fmt.Errorf("failed to apply offer: %w", err)
	}
	// Tracks added after the remote offer reuse its transceivers.
	if err := c.addLocal(local, false); err != nil {
		c.abort()
		return nil, "", err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.abort()
		return nil, "", fmt.Errorf("failed to create answer: %w", err)
	}
	sdp, err := c.setLocalAndGather(ctx, answer)
	if err != nil {
		c.abort()
		return nil, "", err
	}
	return c, sdp, nil
}

func (d *Dialer) newConnection(peer domain.PeerAddress, ev mesh.Events) (*connection, error) {
	pc, err := d.api.NewPeerConnection(d.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	c := &connection{
		peer:    peer,
		pc:      pc,
		ev:      ev,
		streams: make(map[string]*media.RemoteStream),
		log:     d.log.With(zap.String("remote", peer.String())),
	}
	c.start()
	return c, nil
}

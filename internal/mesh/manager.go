// Package mesh owns the set of direct media connections of one session
// attempt: at most one connection per remote peer address, whichever side
// initiated it.
package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/media"
	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/metrics"
)

// ErrDestroyed is returned after DestroyAll
var ErrDestroyed = errors.New("mesh: manager destroyed")

// Events are raised by a Connection. They may fire from any goroutine,
// including before Offer or Answer returns.
type Events struct {
	// OnConnected fires when transport connectivity is established
	OnConnected func()
	// OnStream fires when the remote media stream becomes available
	OnStream func(s media.Stream)
	// OnClosed fires once when the connection failed or closed
	OnClosed func(err error)
}

// Connection is one negotiated peer connection
type Connection interface {
	Peer() domain.PeerAddress
	ApplyAnswer(sdp string) error
	Close() error
}

// Dialer creates connections. local may be nil for a receive-only connection.
type Dialer interface {
	Offer(ctx context.Context, peer domain.PeerAddress, local *media.Handle, ev Events) (Connection, string, error)
	Answer(ctx context.Context, peer domain.PeerAddress, offerSDP string, local *media.Handle, ev Events) (Connection, string, error)
}

// Signaler delivers offers and answers to a remote peer
type Signaler interface {
	SendSignal(ctx context.Context, sig domain.Signal) error
}

// Options configure a Manager
type Options struct {
	// DialTimeout tears down an attempt that did not connect in time
	DialTimeout time.Duration
	// Sink receives remote streams; optional
	Sink media.Sink
	// OnChange fires after the participant set changed
	OnChange func()
	// OnPeerLost fires when a connection ends without a presence leave
	OnPeerLost func(peer domain.PeerAddress)
}

type direction string

const (
	outbound direction = "outbound"
	inbound  direction = "inbound"
)

type attempt struct {
	peer      domain.PeerAddress
	dir       direction
	conn      Connection
	stream    media.Stream
	state     domain.ConnectionState
	answered  bool
	timer     *time.Timer
	startedAt time.Time
}

// Manager is safe for concurrent use. Dialer calls, signaling and all
// callbacks run without the manager lock held.
type Manager struct {
	self     domain.PeerAddress
	dialer   Dialer
	signaler Signaler
	opts     Options
	log      *zap.Logger

	mu        sync.Mutex
	attempts  map[domain.PeerAddress]*attempt
	handles   []*media.Handle
	destroyed bool
}

// NewManager creates a manager for the local address self
func NewManager(self domain.PeerAddress, dialer Dialer, signaler Signaler, opts Options) *Manager {
	return &Manager{
		self:     self,
		dialer:   dialer,
		signaler: signaler,
		opts:     opts,
		attempts: make(map[domain.PeerAddress]*attempt),
		log: logger.Component("mesh").With(
			zap.String("peer_address", self.String())),
	}
}

// reserve records a new attempt unless one exists for peer
func (m *Manager) reserve(peer domain.PeerAddress, dir direction, local *media.Handle) (*attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return nil, ErrDestroyed
	}
	if _, exists := m.attempts[peer]; exists {
		return nil, nil
	}
	att := &attempt{
		peer:      peer,
		dir:       dir,
		state:     domain.ConnectionConnecting,
		startedAt: time.Now(),
	}
	m.attempts[peer] = att
	if local != nil {
		m.rememberLocked(local)
	}
	return att, nil
}

func (m *Manager) rememberLocked(h *media.Handle) {
	for _, known := range m.handles {
		if known == h {
			return
		}
	}
	m.handles = append(m.handles, h)
}

// ConnectTo dials peer. It returns false without doing anything when a
// connection to peer already exists or is being established.
func (m *Manager) ConnectTo(ctx context.Context, peer domain.PeerAddress, local *media.Handle) (bool, error) {
	if peer == m.self {
		return false, nil
	}
	att, err := m.reserve(peer, outbound, local)
	if err != nil {
		return false, err
	}
	if att == nil {
		metrics.MeshDuplicatesTotal.WithLabelValues(string(outbound)).Inc()
		m.log.Debug("Connection already exists", zap.String("remote", peer.String()))
		return false, nil
	}
	metrics.MeshAttemptsTotal.WithLabelValues(string(outbound)).Inc()
	m.changed()

	conn, sdp, err := m.dialer.Offer(ctx, peer, local, m.events(att))
	if err != nil {
		m.teardown(att, "error", true)
		return true, err
	}
	if !m.bind(att, conn) {
		_ = conn.Close()
		return true, nil
	}

	sig := domain.Signal{Kind: domain.SignalOffer, From: m.self, To: peer, SDP: sdp}
	if err := m.signaler.SendSignal(ctx, sig); err != nil {
		m.teardown(att, "error", true)
		return true, err
	}

	m.log.Info("Offer sent", zap.String("remote", peer.String()))
	return true, nil
}

// AcceptIncoming answers an offer. A second offer from a peer that already
// has a connection is dropped.
func (m *Manager) AcceptIncoming(ctx context.Context, offer domain.Signal, local *media.Handle) (bool, error) {
	if offer.Kind != domain.SignalOffer || offer.From == m.self {
		return false, nil
	}
	att, err := m.reserve(offer.From, inbound, local)
	if err != nil {
		return false, err
	}
	if att == nil {
		metrics.MeshDuplicatesTotal.WithLabelValues(string(inbound)).Inc()
		m.log.Debug("Dropped duplicate offer", zap.String("remote", offer.From.String()))
		return false, nil
	}
	metrics.MeshAttemptsTotal.WithLabelValues(string(inbound)).Inc()
	m.changed()

	conn, sdp, err := m.dialer.Answer(ctx, offer.From, offer.SDP, local, m.events(att))
	if err != nil {
		m.teardown(att, "error", true)
		return true, err
	}
	if !m.bind(att, conn) {
		_ = conn.Close()
		return true, nil
	}

	sig := domain.Signal{Kind: domain.SignalAnswer, From: m.self, To: offer.From, SDP: sdp}
	if err := m.signaler.SendSignal(ctx, sig); err != nil {
		m.teardown(att, "error", true)
		return true, err
	}

	m.log.Info("Answer sent", zap.String("remote", offer.From.String()))
	return true, nil
}

// HandleSignal routes a received signal addressed to this manager
func (m *Manager) HandleSignal(ctx context.Context, sig domain.Signal, local *media.Handle) error {
	if sig.To != m.self {
		return nil
	}
	switch sig.Kind {
	case domain.SignalOffer:
		_, err := m.AcceptIncoming(ctx, sig, local)
		return err
	case domain.SignalAnswer:
		return m.applyAnswer(sig)
	default:
		return nil
	}
}

func (m *Manager) applyAnswer(sig domain.Signal) error {
	m.mu.Lock()
	att, ok := m.attempts[sig.From]
	if !ok || att.dir != outbound || att.conn == nil || att.answered {
		m.mu.Unlock()
		m.log.Debug("Dropped unexpected answer", zap.String("remote", sig.From.String()))
		return nil
	}
	att.answered = true
	conn := att.conn
	m.mu.Unlock()

	if err := conn.ApplyAnswer(sig.SDP); err != nil {
		m.teardown(att, "error", true)
		return err
	}
	return nil
}

// bind attaches conn to att; false when att was torn down meanwhile
func (m *Manager) bind(att *attempt, conn Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempts[att.peer] != att {
		return false
	}
	att.conn = conn
	if att.state != domain.ConnectionConnected && m.opts.DialTimeout > 0 {
		att.timer = time.AfterFunc(m.opts.DialTimeout, func() { m.expire(att) })
	}
	return true
}

func (m *Manager) events(att *attempt) Events {
	return Events{
		OnConnected: func() { m.connected(att, nil) },
		OnStream:    func(s media.Stream) { m.connected(att, s) },
		OnClosed: func(err error) {
			reason := "closed"
			if err != nil {
				reason = "error"
			}
			m.teardown(att, reason, true)
		},
	}
}

func (m *Manager) connected(att *attempt, s media.Stream) {
	m.mu.Lock()
	if m.attempts[att.peer] != att {
		m.mu.Unlock()
		return
	}
	first := att.state != domain.ConnectionConnected
	att.state = domain.ConnectionConnected
	if att.timer != nil {
		att.timer.Stop()
		att.timer = nil
	}
	attach := s != nil && att.stream == nil
	if attach {
		att.stream = s
	}
	m.mu.Unlock()

	if first {
		metrics.MeshConnectionsActive.Inc()
		m.log.Info("Peer connected",
			zap.String("remote", att.peer.String()),
			zap.Duration("elapsed", time.Since(att.startedAt)))
	}
	if attach && m.opts.Sink != nil {
		m.opts.Sink.Attach(att.peer.String(), s)
	}
	if first || attach {
		m.changed()
	}
}

func (m *Manager) expire(att *attempt) {
	m.mu.Lock()
	stale := m.attempts[att.peer] != att || att.state == domain.ConnectionConnected
	m.mu.Unlock()
	if stale {
		return
	}
	m.log.Warn("Connection attempt timed out", zap.String("remote", att.peer.String()))
	m.teardown(att, "timeout", true)
}

// teardown removes att if it is still current. lost reports the end to
// OnPeerLost so the session can reconnect.
func (m *Manager) teardown(att *attempt, reason string, lost bool) {
	m.mu.Lock()
	if m.attempts[att.peer] != att {
		m.mu.Unlock()
		return
	}
	delete(m.attempts, att.peer)
	m.mu.Unlock()

	m.release(att, reason)
	m.changed()

	if lost && m.opts.OnPeerLost != nil {
		m.opts.OnPeerLost(att.peer)
	}
}

// release closes an attempt already removed from the map
func (m *Manager) release(att *attempt, reason string) {
	m.mu.Lock()
	if att.timer != nil {
		att.timer.Stop()
		att.timer = nil
	}
	conn := att.conn
	wasConnected := att.state == domain.ConnectionConnected
	hadStream := att.stream != nil
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug("Connection close error", zap.String("remote", att.peer.String()), zap.Error(err))
		}
	}
	if wasConnected {
		metrics.MeshConnectionsActive.Dec()
	}
	if hadStream && m.opts.Sink != nil {
		m.opts.Sink.Detach(att.peer.String())
	}
	metrics.MeshTeardownsTotal.WithLabelValues(reason).Inc()
	m.log.Info("Peer connection removed",
		zap.String("remote", att.peer.String()),
		zap.String("reason", reason))
}

// Remove closes the connection to a peer that left presence. OnPeerLost is
// not raised: there is nobody to reconnect to.
func (m *Manager) Remove(peer domain.PeerAddress) bool {
	m.mu.Lock()
	att, ok := m.attempts[peer]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.teardown(att, "presence_leave", false)
	return true
}

// DestroyAll closes every connection and stops every local media handle the
// manager was given. It is idempotent.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	m.destroyed = true
	all := make([]*attempt, 0, len(m.attempts))
	for _, att := range m.attempts {
		all = append(all, att)
	}
	m.attempts = make(map[domain.PeerAddress]*attempt)
	handles := m.handles
	m.handles = nil
	m.mu.Unlock()

	for _, att := range all {
		m.release(att, "destroy")
	}
	for _, h := range handles {
		h.Stop()
	}
	if len(all) > 0 {
		m.changed()
	}
}

// Has reports whether peer is connected or connecting
func (m *Manager) Has(peer domain.PeerAddress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attempts[peer]
	return ok
}

// Connection returns the connection bound to peer
func (m *Manager) Connection(peer domain.PeerAddress) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.attempts[peer]
	if !ok || att.conn == nil {
		return nil, false
	}
	return att.conn, true
}

// Peers returns the addresses with an attempt, sorted
func (m *Manager) Peers() []domain.PeerAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PeerAddress, 0, len(m.attempts))
	for p := range m.attempts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Participants returns one entry per remote peer, sorted by address.
// DisplayName is left for the caller to fill from presence.
func (m *Manager) Participants() []domain.RemoteParticipant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RemoteParticipant, 0, len(m.attempts))
	for _, att := range m.attempts {
		out = append(out, domain.RemoteParticipant{
			PeerAddress: att.peer,
			Stream:      att.stream,
			State:       att.state,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerAddress < out[j].PeerAddress })
	return out
}

func (m *Manager) changed() {
	if m.opts.OnChange != nil {
		m.opts.OnChange()
	}
}

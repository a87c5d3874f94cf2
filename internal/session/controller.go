// Package session orchestrates one participant's membership of a live
// session: presence, the peer mesh, local media and chat.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"liveroom-backend/internal/chat"
	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/media"
	"liveroom-backend/internal/mesh"
	"liveroom-backend/internal/presence"
	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/metrics"
	"liveroom-backend/pkg/sanitize"
)

var (
	// ErrJoinFailed is set when the presence channel could not be joined
	ErrJoinFailed = errors.New("session: could not connect")
	// ErrBusy is returned by Join while another attempt is active
	ErrBusy = errors.New("session: already in a session")
	// ErrAborted is returned by Join when Leave ran before it completed
	ErrAborted = errors.New("session: join aborted")
	// ErrNotLive is returned by operations that need an active session
	ErrNotLive = errors.New("session: not live")
	// ErrNotFailed is returned by Retry outside StateFailed
	ErrNotFailed = errors.New("session: nothing to retry")
)

// Config tunes a Controller
type Config struct {
	JoinAttempts   int
	JoinBackoff    time.Duration
	JoinBackoffMax time.Duration
	DialTimeout    time.Duration
	// ReconcileDelay spaces a reconnect after a connection was lost
	ReconcileDelay time.Duration
	Constraints    media.Constraints
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		JoinAttempts:   3,
		JoinBackoff:    500 * time.Millisecond,
		JoinBackoffMax: 5 * time.Second,
		DialTimeout:    20 * time.Second,
		ReconcileDelay: time.Second,
		Constraints:    media.Constraints{Audio: true, Video: true},
	}
}

// Deps are the capabilities a Controller drives
type Deps struct {
	Presence *presence.Client
	Dialer   mesh.Dialer
	Acquirer media.Acquirer
	// Sink is optional
	Sink media.Sink
}

// attempt owns everything one join creates. Nothing outlives it.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionID domain.SessionID
	self      domain.MemberInfo
	mesh      *mesh.Manager
	chat      *chat.Room
	channel   atomic.Pointer[presence.Channel]

	// guarded by Controller.mu
	local   *media.Handle
	members map[domain.PeerAddress]domain.MemberInfo
}

// Controller is safe for concurrent use. OnChange handlers run serialized
// and must not call back into the Controller synchronously.
type Controller struct {
	deps Deps
	cfg  Config
	log  *zap.Logger

	mu          sync.Mutex
	state       State
	sessionID   domain.SessionID
	displayName string
	role        string
	warning     string
	err         error
	pinned      *domain.PeerAddress
	att         *attempt

	notifyMu  sync.Mutex
	listeners []func(Snapshot)
}

// NewController creates an idle controller
func NewController(deps Deps, cfg Config) *Controller {
	if cfg.JoinAttempts < 1 {
		cfg.JoinAttempts = 1
	}
	return &Controller{
		deps:  deps,
		cfg:   cfg,
		state: StateIdle,
		log:   logger.Component("session"),
	}
}

// OnChange registers fn to receive a snapshot after every change
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if len(c.listeners) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, fn := range c.listeners {
		fn(snap)
	}
}

// Join runs Initializing and Joining and returns once Live or Failed.
// Media acquisition failure only degrades the session to receive-only.
func (c *Controller) Join(ctx context.Context, sessionID domain.SessionID, displayName, role string) error {
	if err := sessionID.Validate(); err != nil {
		return err
	}
	displayName = sanitize.DisplayName(displayName)
	self := domain.MemberInfo{
		PeerAddress: domain.NewPeerAddress(),
		DisplayName: displayName,
		Role:        role,
	}
	if err := self.Validate(); err != nil {
		return err
	}

	att := c.newAttempt(sessionID, self)

	c.mu.Lock()
	if c.state != StateIdle && c.state != StateFailed {
		c.mu.Unlock()
		att.cancel()
		return ErrBusy
	}
	c.state = StateInitializing
	c.sessionID = sessionID
	c.displayName = displayName
	c.role = role
	c.warning = ""
	c.err = nil
	c.pinned = nil
	c.att = att
	c.mu.Unlock()

	log := c.log.With(
		zap.String("session_id", sessionID.String()),
		zap.String("peer_address", self.PeerAddress.String()))
	c.notify()

	local, warning := c.acquire(ctx, att, log)

	c.mu.Lock()
	if c.att != att {
		c.mu.Unlock()
		local.Stop()
		return ErrAborted
	}
	att.local = local
	c.warning = warning
	c.state = StateJoining
	c.mu.Unlock()
	c.notify()

	ch, err := c.joinWithRetry(ctx, att, sessionID, log)
	if err != nil {
		if c.fail(att, err) {
			log.Error("Failed to join session", zap.Error(err))
			metrics.SessionJoinsTotal.WithLabelValues("failed").Inc()
			return err
		}
		return ErrAborted
	}

	c.mu.Lock()
	if c.att != att {
		c.mu.Unlock()
		_ = ch.Leave()
		return ErrAborted
	}
	att.channel.Store(ch)
	c.state = StateLive
	c.mu.Unlock()

	metrics.SessionJoinsTotal.WithLabelValues("ok").Inc()
	log.Info("Session live", zap.Bool("receive_only", local == nil))
	c.notify()
	c.reconcile(att)
	return nil
}

func (c *Controller) newAttempt(sessionID domain.SessionID, self domain.MemberInfo) *attempt {
	ctx, cancel := context.WithCancel(context.Background())
	att := &attempt{
		ctx:       ctx,
		cancel:    cancel,
		sessionID: sessionID,
		self:      self,
		members:   make(map[domain.PeerAddress]domain.MemberInfo),
	}
	att.mesh = mesh.NewManager(self.PeerAddress, c.deps.Dialer, signaler{client: c.deps.Presence, att: att}, mesh.Options{
		DialTimeout: c.cfg.DialTimeout,
		Sink:        c.deps.Sink,
		OnChange:    c.notify,
		OnPeerLost:  func(peer domain.PeerAddress) { c.peerLost(att, peer) },
	})
	att.chat = chat.NewRoom(self.PeerAddress, self.DisplayName, publisher{client: c.deps.Presence, att: att}, c.notify)
	return att
}

func (c *Controller) acquire(ctx context.Context, att *attempt, log *zap.Logger) (*media.Handle, string) {
	if c.deps.Acquirer == nil {
		return nil, "no media devices; receive-only"
	}
	actx, stop := mergeCancel(ctx, att.ctx)
	defer stop()

	local, err := c.deps.Acquirer.Acquire(actx, c.cfg.Constraints)
	switch {
	case err == nil:
		return local, ""
	case errors.Is(err, media.ErrPermissionDenied):
		log.Warn("Media permission denied, continuing receive-only")
		return nil, "camera and microphone blocked; receive-only"
	default:
		log.Warn("Media unavailable, continuing receive-only", zap.Error(err))
		return nil, "camera and microphone unavailable; receive-only"
	}
}

// joinWithRetry subscribes with bounded exponential backoff. Only transport
// subscribe failures are retried.
func (c *Controller) joinWithRetry(ctx context.Context, att *attempt, sessionID domain.SessionID, log *zap.Logger) (*presence.Channel, error) {
	backoff := c.cfg.JoinBackoff
	var lastErr error
	for i := 0; i < c.cfg.JoinAttempts; i++ {
		if i > 0 {
			metrics.SessionJoinsTotal.WithLabelValues("retry").Inc()
			log.Warn("Retrying presence join", zap.Int("attempt", i+1), zap.Error(lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-att.ctx.Done():
				return nil, ErrAborted
			}
			backoff *= 2
			if c.cfg.JoinBackoffMax > 0 && backoff > c.cfg.JoinBackoffMax {
				backoff = c.cfg.JoinBackoffMax
			}
		}

		jctx, stop := mergeCancel(ctx, att.ctx)
		ch, err := c.deps.Presence.Join(jctx, sessionID, att.self, c.listener(att))
		stop()
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if !errors.Is(err, presence.ErrSubscribe) {
			break
		}
		if att.ctx.Err() != nil {
			return nil, ErrAborted
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrJoinFailed, lastErr)
}

// fail moves att to StateFailed if it is still current
func (c *Controller) fail(att *attempt, err error) bool {
	c.mu.Lock()
	if c.att != att {
		c.mu.Unlock()
		return false
	}
	c.att = nil
	c.state = StateFailed
	c.err = err
	c.mu.Unlock()

	c.release(att)
	c.notify()
	return true
}

// Retry repeats the last failed join
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateFailed {
		c.mu.Unlock()
		return ErrNotFailed
	}
	id, name, role := c.sessionID, c.displayName, c.role
	c.mu.Unlock()
	return c.Join(ctx, id, name, role)
}

// Leave tears the attempt down synchronously: connections, local media,
// then the presence subscription. It is idempotent.
func (c *Controller) Leave() {
	c.mu.Lock()
	att := c.att
	if att == nil {
		changed := c.state == StateFailed
		if changed {
			c.resetLocked()
		}
		c.mu.Unlock()
		if changed {
			c.notify()
		}
		return
	}
	c.att = nil
	c.state = StateLeaving
	c.mu.Unlock()
	c.notify()

	c.release(att)

	c.mu.Lock()
	if c.state == StateLeaving {
		c.resetLocked()
	}
	c.mu.Unlock()

	c.log.Info("Left session", zap.String("peer_address", att.self.PeerAddress.String()))
	c.notify()
}

func (c *Controller) resetLocked() {
	c.state = StateIdle
	c.sessionID = ""
	c.displayName = ""
	c.role = ""
	c.warning = ""
	c.err = nil
	c.pinned = nil
}

// release frees everything att owns. Safe to repeat.
func (c *Controller) release(att *attempt) {
	att.cancel()
	att.mesh.DestroyAll()

	c.mu.Lock()
	local := att.local
	att.members = make(map[domain.PeerAddress]domain.MemberInfo)
	c.mu.Unlock()
	local.Stop()

	if ch := channelOf(c.deps.Presence, att); ch != nil {
		_ = ch.Leave()
	}
}

func (c *Controller) current(att *attempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.att == att
}

func (c *Controller) listener(att *attempt) presence.Listener {
	return presence.Listener{
		OnSync: func(members []domain.MemberInfo) {
			c.mu.Lock()
			if c.att != att {
				c.mu.Unlock()
				return
			}
			next := make(map[domain.PeerAddress]domain.MemberInfo, len(members))
			for _, m := range members {
				next[m.PeerAddress] = m
			}
			att.members = next
			c.mu.Unlock()

			for _, peer := range att.mesh.Peers() {
				if _, ok := next[peer]; !ok {
					att.mesh.Remove(peer)
				}
			}
			c.notify()
			c.reconcile(att)
		},
		OnJoin: func(m domain.MemberInfo) {
			c.mu.Lock()
			if c.att != att {
				c.mu.Unlock()
				return
			}
			att.members[m.PeerAddress] = m
			c.mu.Unlock()

			c.notify()
			c.reconcile(att)
		},
		OnLeave: func(peer domain.PeerAddress) {
			c.mu.Lock()
			if c.att != att {
				c.mu.Unlock()
				return
			}
			delete(att.members, peer)
			if c.pinned != nil && *c.pinned == peer {
				c.pinned = nil
			}
			c.mu.Unlock()

			att.mesh.Remove(peer)
			c.notify()
		},
		OnBroadcast: func(b presence.Broadcast) {
			if !c.current(att) {
				return
			}
			switch b.Kind {
			case presence.BroadcastChat:
				att.chat.Receive(*b.Chat)
			case presence.BroadcastSignal:
				sig := *b.Signal
				go c.handleSignal(att, sig)
			}
		},
	}
}

func (c *Controller) handleSignal(att *attempt, sig domain.Signal) {
	c.mu.Lock()
	local := att.local
	c.mu.Unlock()

	if err := att.mesh.HandleSignal(att.ctx, sig, local); err != nil && att.ctx.Err() == nil {
		c.log.Warn("Failed to handle signal",
			zap.String("kind", string(sig.Kind)),
			zap.String("remote", sig.From.String()),
			zap.Error(err))
	}
}

// reconcile dials every known member this side is responsible for and
// that has no connection yet. The mesh dedup set makes repeats harmless.
func (c *Controller) reconcile(att *attempt) {
	c.mu.Lock()
	if c.att != att || c.state != StateLive {
		c.mu.Unlock()
		return
	}
	local := att.local
	self := att.self.PeerAddress
	var targets []domain.PeerAddress
	for peer := range att.members {
		if peer == self || !domain.ShouldDial(self, peer) || att.mesh.Has(peer) {
			continue
		}
		targets = append(targets, peer)
	}
	c.mu.Unlock()

	for _, peer := range targets {
		go func(peer domain.PeerAddress) {
			if _, err := att.mesh.ConnectTo(att.ctx, peer, local); err != nil && att.ctx.Err() == nil {
				c.log.Warn("Failed to connect to peer",
					zap.String("remote", peer.String()),
					zap.Error(err))
			}
		}(peer)
	}
}

func (c *Controller) peerLost(att *attempt, peer domain.PeerAddress) {
	c.log.Info("Peer connection lost, reconciling",
		zap.String("remote", peer.String()))
	time.AfterFunc(c.cfg.ReconcileDelay, func() {
		if att.ctx.Err() == nil {
			c.reconcile(att)
		}
	})
}

// ToggleMute flips the outbound audio track and returns whether audio is now on
func (c *Controller) ToggleMute() bool {
	local := c.localMedia()
	on := !local.AudioEnabled()
	if !local.SetAudioEnabled(on) {
		return false
	}
	c.notify()
	return on
}

// ToggleCamera flips the outbound video track and returns whether video is now on
func (c *Controller) ToggleCamera() bool {
	local := c.localMedia()
	on := !local.VideoEnabled()
	if !local.SetVideoEnabled(on) {
		return false
	}
	c.notify()
	return on
}

func (c *Controller) localMedia() *media.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.att == nil {
		return nil
	}
	return c.att.local
}

// Pin selects the featured tile; nil clears it. View state only.
func (c *Controller) Pin(peer *domain.PeerAddress) {
	c.mu.Lock()
	if peer == nil {
		c.pinned = nil
	} else {
		p := *peer
		c.pinned = &p
	}
	c.mu.Unlock()
	c.notify()
}

// SendChat posts text to everyone in the session
func (c *Controller) SendChat(ctx context.Context, text string) error {
	c.mu.Lock()
	att := c.att
	live := c.state == StateLive
	c.mu.Unlock()
	if att == nil || !live {
		return ErrNotLive
	}
	_, err := att.chat.Send(ctx, text)
	return err
}

// Connection exposes the mesh connection to peer
func (c *Controller) Connection(peer domain.PeerAddress) (mesh.Connection, bool) {
	c.mu.Lock()
	att := c.att
	c.mu.Unlock()
	if att == nil {
		return nil, false
	}
	return att.mesh.Connection(peer)
}

// Snapshot returns the current aggregate state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:     c.state,
		SessionID: c.sessionID,
		Role:      c.role,
		Warning:   c.warning,
		Err:       c.err,
	}
	if c.pinned != nil {
		p := *c.pinned
		snap.Pinned = &p
	}

	att := c.att
	if att == nil {
		return snap
	}
	snap.Local = &domain.LocalParticipant{
		PeerAddress: att.self.PeerAddress,
		DisplayName: att.self.DisplayName,
		Role:        att.self.Role,
		Media:       att.local,
	}

	remotes := att.mesh.Participants()
	for i := range remotes {
		if m, ok := att.members[remotes[i].PeerAddress]; ok {
			remotes[i].DisplayName = m.DisplayName
		}
	}
	snap.Remotes = remotes

	snap.ConnectedCount = len(att.members)
	if _, ok := att.members[att.self.PeerAddress]; !ok && c.state == StateLive {
		snap.ConnectedCount++
	}
	snap.Chat = att.chat.Messages()
	return snap
}

// channelOf returns the attempt's channel. While Join is still returning,
// the channel is only reachable through the client, and only if it was
// created for this attempt's address.
func channelOf(client *presence.Client, att *attempt) *presence.Channel {
	if ch := att.channel.Load(); ch != nil {
		return ch
	}
	ch, ok := client.Channel(att.sessionID)
	if !ok || ch.Self().PeerAddress != att.self.PeerAddress {
		return nil
	}
	return ch
}

// signaler sends mesh negotiation over the attempt's presence channel
type signaler struct {
	client *presence.Client
	att    *attempt
}

func (s signaler) SendSignal(ctx context.Context, sig domain.Signal) error {
	ch := channelOf(s.client, s.att)
	if ch == nil {
		return presence.ErrNotSubscribed
	}
	return ch.Send(ctx, presence.Broadcast{Kind: presence.BroadcastSignal, Signal: &sig})
}

// publisher is the chat room's view of the presence channel
type publisher struct {
	client *presence.Client
	att    *attempt
}

func (p publisher) Send(ctx context.Context, b presence.Broadcast) error {
	ch := channelOf(p.client, p.att)
	if ch == nil {
		return presence.ErrNotSubscribed
	}
	return ch.Send(ctx, b)
}

// mergeCancel derives a context from parent that is also cancelled with other
func mergeCancel(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

package invite

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/pkg/constants"
	"liveroom-backend/pkg/logger"
)

// Inbox is one user's view of the invite service
type Inbox interface {
	Pending(ctx context.Context) ([]*domain.CallInvite, error)
	Respond(ctx context.Context, inviteID uuid.UUID, accept bool) (*RespondOutput, error)
}

// NudgeSource streams nudges from the user's personal channel until the
// returned close func is called
type NudgeSource interface {
	Subscribe(ctx context.Context, fn func(*domain.InviteNudge)) (func() error, error)
}

// Joiner enters a live session; session.Controller implements it
type Joiner interface {
	Join(ctx context.Context, sessionID domain.SessionID, displayName, role string) error
}

// IncomingCall is the prompt shown for one pending invite
type IncomingCall struct {
	InviteID      uuid.UUID        `json:"invite_id"`
	SessionRoomID domain.SessionID `json:"session_room_id"`
	CallerID      uuid.UUID        `json:"caller_id"`
	CallerName    string           `json:"caller_name"`
	Context       string           `json:"context,omitempty"`
	ReceivedAt    time.Time        `json:"received_at"`
}

// ListenerConfig configures a Listener
type ListenerConfig struct {
	// PollInterval re-queries pending invites so a lost nudge only delays
	// the prompt
	PollInterval time.Duration
	// ForgetAfter drops the once-only marker of an invite that is no longer
	// pending and was first seen this long ago. It should be at least the
	// server's invite TTL so an old invite cannot prompt twice.
	ForgetAfter time.Duration
	DisplayName string

	// OnIncoming fires once per invite id
	OnIncoming func(IncomingCall)
	// OnResolved fires when someone answers an invite this user sent
	OnResolved func(*domain.InviteNudge)
}

// Listener is the always-on incoming call watcher of one user
type Listener struct {
	inbox  Inbox
	source NudgeSource
	joiner Joiner
	cfg    ListenerConfig
	log    *zap.Logger

	now func() time.Time

	mu      sync.Mutex
	seen    map[uuid.UUID]time.Time
	prompts map[uuid.UUID]IncomingCall
}

// NewListener creates a listener. source may be nil, in which case only
// polling discovers invites.
func NewListener(inbox Inbox, source NudgeSource, joiner Joiner, cfg ListenerConfig) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ForgetAfter <= 0 {
		cfg.ForgetAfter = 2 * time.Hour
	}
	return &Listener{
		inbox:   inbox,
		source:  source,
		joiner:  joiner,
		cfg:     cfg,
		log:     logger.Component("incoming_calls"),
		now:     time.Now,
		seen:    make(map[uuid.UUID]time.Time),
		prompts: make(map[uuid.UUID]IncomingCall),
	}
}

// Run subscribes to nudges and polls until ctx is cancelled
func (l *Listener) Run(ctx context.Context) error {
	if l.source != nil {
		closeFn, err := l.source.Subscribe(ctx, l.handleNudge)
		if err != nil {
			l.log.Warn("Call channel unavailable, relying on polling", zap.Error(err))
		} else {
			defer func() { _ = closeFn() }()
		}
	}

	l.Poll(ctx)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Poll(ctx)
		}
	}
}

// Poll queries pending invites once. Prompts for invites that are no longer
// pending, for example answered on another device, are withdrawn, and their
// markers are forgotten once ForgetAfter has passed.
func (l *Listener) Poll(ctx context.Context) {
	started := l.now()
	invites, err := l.inbox.Pending(ctx)
	if err != nil {
		l.log.Warn("Failed to query pending invites", zap.Error(err))
		return
	}

	pending := make(map[uuid.UUID]bool, len(invites))
	for _, inv := range invites {
		pending[inv.ID] = true
		l.surface(IncomingCall{
			InviteID:      inv.ID,
			SessionRoomID: inv.SessionRoomID,
			CallerID:      inv.CallerID,
			CallerName:    inv.CallerName,
			Context:       inv.CommunityContext,
			ReceivedAt:    l.now(),
		})
	}

	l.mu.Lock()
	for id, p := range l.prompts {
		if !pending[id] && p.ReceivedAt.Before(started) {
			delete(l.prompts, id)
		}
	}
	for id, at := range l.seen {
		if !pending[id] && started.Sub(at) > l.cfg.ForgetAfter {
			delete(l.seen, id)
		}
	}
	l.mu.Unlock()
}

func (l *Listener) handleNudge(n *domain.InviteNudge) {
	switch n.Kind {
	case domain.NudgeInvite:
		l.surface(IncomingCall{
			InviteID:      n.InviteID,
			SessionRoomID: n.SessionRoomID,
			CallerID:      n.CallerID,
			CallerName:    n.CallerName,
			Context:       n.Context,
			ReceivedAt:    l.now(),
		})
	case domain.NudgeAccepted, domain.NudgeDeclined:
		l.log.Info("Sent invite answered",
			zap.String("invite_id", n.InviteID.String()),
			zap.String("kind", string(n.Kind)))
		if l.cfg.OnResolved != nil {
			l.cfg.OnResolved(n)
		}
	}
}

// surface shows a prompt the first time an invite id is seen
func (l *Listener) surface(call IncomingCall) {
	l.mu.Lock()
	if _, ok := l.seen[call.InviteID]; ok {
		l.mu.Unlock()
		return
	}
	l.seen[call.InviteID] = l.now()
	l.prompts[call.InviteID] = call
	l.mu.Unlock()

	l.log.Info("Incoming call",
		zap.String("invite_id", call.InviteID.String()),
		zap.String("session_room_id", call.SessionRoomID.String()))
	if l.cfg.OnIncoming != nil {
		l.cfg.OnIncoming(call)
	}
}

// Prompts returns the open prompts, oldest first
func (l *Listener) Prompts() []IncomingCall {
	l.mu.Lock()
	out := make([]IncomingCall, 0, len(l.prompts))
	for _, p := range l.prompts {
		out = append(out, p)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// Accept answers the invite and joins its room as a guest. An invite that
// was already accepted still joins; one that was declined returns
// ErrAlreadyResolved.
func (l *Listener) Accept(ctx context.Context, inviteID uuid.UUID) error {
	out, err := l.inbox.Respond(ctx, inviteID, true)
	if err != nil {
		return err
	}
	l.dismiss(inviteID)

	if !out.Applied && out.Invite.Status != domain.InviteStatusAccepted {
		return ErrAlreadyResolved
	}
	return l.joiner.Join(ctx, out.Invite.SessionRoomID, l.cfg.DisplayName, constants.RoleGuest)
}

// Decline answers the invite without joining
func (l *Listener) Decline(ctx context.Context, inviteID uuid.UUID) error {
	if _, err := l.inbox.Respond(ctx, inviteID, false); err != nil {
		return err
	}
	l.dismiss(inviteID)
	return nil
}

func (l *Listener) dismiss(inviteID uuid.UUID) {
	l.mu.Lock()
	delete(l.prompts, inviteID)
	l.mu.Unlock()
}

// ForUser binds the service to one receiver for in-process listeners
func (s *Service) ForUser(userID uuid.UUID) Inbox {
	return userInbox{svc: s, userID: userID}
}

type userInbox struct {
	svc    *Service
	userID uuid.UUID
}

func (u userInbox) Pending(ctx context.Context) ([]*domain.CallInvite, error) {
	return u.svc.Pending(ctx, u.userID)
}

func (u userInbox) Respond(ctx context.Context, inviteID uuid.UUID, accept bool) (*RespondOutput, error) {
	return u.svc.Respond(ctx, inviteID, u.userID, accept)
}

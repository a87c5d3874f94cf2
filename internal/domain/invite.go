package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInviteNotFound is returned by invite stores when no row matches
var ErrInviteNotFound = errors.New("invite not found")

// InviteStatus moves pending -> accepted | declined exactly once
type InviteStatus string

const (
	InviteStatusPending  InviteStatus = "pending"
	InviteStatusAccepted InviteStatus = "accepted"
	InviteStatusDeclined InviteStatus = "declined"
)

// Terminal reports whether the status can no longer change
func (s InviteStatus) Terminal() bool {
	return s == InviteStatusAccepted || s == InviteStatusDeclined
}

// CallInvite is the durable request for one receiver to join one room
type CallInvite struct {
	ID               uuid.UUID    `json:"id"`
	SessionRoomID    SessionID    `json:"session_room_id"`
	CallerID         uuid.UUID    `json:"caller_id"`
	CallerName       string       `json:"caller_name"`
	ReceiverID       uuid.UUID    `json:"receiver_id"`
	CommunityContext string       `json:"context,omitempty"`
	Status           InviteStatus `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	RespondedAt      *time.Time   `json:"responded_at,omitempty"`
}

// NudgeKind tags a message on a user's personal call channel
type NudgeKind string

const (
	NudgeInvite   NudgeKind = "invite"
	NudgeAccepted NudgeKind = "accepted"
	NudgeDeclined NudgeKind = "declined"
)

// InviteNudge is the advisory real-time message published on a personal
// channel. Losing it never breaks correctness; the invite row is authoritative.
type InviteNudge struct {
	Kind          NudgeKind `json:"kind"`
	InviteID      uuid.UUID `json:"invite_id"`
	SessionRoomID SessionID `json:"session_room_id"`
	CallerID      uuid.UUID `json:"caller_id"`
	CallerName    string    `json:"caller_name,omitempty"`
	ReceiverID    uuid.UUID `json:"receiver_id"`
	Context       string    `json:"context,omitempty"`
	SentAt        time.Time `json:"sent_at"`
}

// NudgeFromInvite builds the nudge announcing an invite or its outcome
func NudgeFromInvite(kind NudgeKind, inv *CallInvite) *InviteNudge {
	return &InviteNudge{
		Kind:          kind,
		InviteID:      inv.ID,
		SessionRoomID: inv.SessionRoomID,
		CallerID:      inv.CallerID,
		CallerName:    inv.CallerName,
		ReceiverID:    inv.ReceiverID,
		Context:       inv.CommunityContext,
		SentAt:        time.Now().UTC(),
	}
}

// Validate checks a nudge read off a channel
func (n *InviteNudge) Validate() error {
	switch n.Kind {
	case NudgeInvite, NudgeAccepted, NudgeDeclined:
	default:
		return fmt.Errorf("unknown nudge kind %q", n.Kind)
	}
	if n.InviteID == uuid.Nil {
		return fmt.Errorf("nudge without invite id")
	}
	return n.SessionRoomID.Validate()
}

package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"liveroom-backend/internal/media"
	"liveroom-backend/pkg/constants"
)

// SessionID names one presence/media topic. It is the channel name shared by
// every participant of a live call.
type SessionID string

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// Validate checks that the id can be used as a topic name
func (id SessionID) Validate() error {
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	if len(id) > constants.MaxSessionIDLength {
		return fmt.Errorf("session id exceeds %d characters", constants.MaxSessionIDLength)
	}
	if !sessionIDPattern.MatchString(string(id)) {
		return fmt.Errorf("session id %q contains invalid characters", string(id))
	}
	return nil
}

func (id SessionID) String() string { return string(id) }

// PeerAddress identifies one client's connection endpoint for one session attempt.
type PeerAddress string

// NewPeerAddress generates a fresh address for a new session attempt
func NewPeerAddress() PeerAddress {
	return PeerAddress(uuid.NewString())
}

// Validate checks the address is a UUID
func (p PeerAddress) Validate() error {
	if p == "" {
		return fmt.Errorf("peer address is required")
	}
	if _, err := uuid.Parse(string(p)); err != nil {
		return fmt.Errorf("peer address %q is not a uuid", string(p))
	}
	return nil
}

func (p PeerAddress) String() string { return string(p) }

// ShouldDial reports whether local initiates the connection to remote.
// Exactly one side of every pair dials; the other answers the inbound offer.
func ShouldDial(local, remote PeerAddress) bool {
	return local < remote
}

// MemberInfo is the payload each member tracks on the presence channel
type MemberInfo struct {
	PeerAddress PeerAddress `json:"peer_address"`
	DisplayName string      `json:"display_name"`
	Role        string      `json:"role,omitempty"`
}

// Validate rejects presence payloads that must not reach the mesh
func (m MemberInfo) Validate() error {
	if err := m.PeerAddress.Validate(); err != nil {
		return err
	}
	if len([]rune(m.DisplayName)) > constants.MaxDisplayNameLength {
		return fmt.Errorf("display name exceeds %d characters", constants.MaxDisplayNameLength)
	}
	switch m.Role {
	case "", constants.RoleHost, constants.RoleGuest:
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
	return nil
}

// ConnectionState of one remote participant
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionConnected  ConnectionState = "connected"
)

// LocalParticipant is the single local member of an active session.
// Media is nil when the session runs receive-only.
type LocalParticipant struct {
	PeerAddress PeerAddress
	DisplayName string
	Role        string
	Media       *media.Handle
}

// RemoteParticipant is at most one entry per remote peer address
type RemoteParticipant struct {
	PeerAddress PeerAddress
	DisplayName string
	Stream      media.Stream
	State       ConnectionState
}

// SignalKind tags a mesh negotiation message
type SignalKind string

const (
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"
)

// Signal is an offer or answer addressed to one peer over the session topic
type Signal struct {
	Kind SignalKind  `json:"kind"`
	From PeerAddress `json:"from"`
	To   PeerAddress `json:"to"`
	SDP  string      `json:"sdp"`
}

// Validate checks the signal is well formed
func (s Signal) Validate() error {
	if s.Kind != SignalOffer && s.Kind != SignalAnswer {
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	if err := s.From.Validate(); err != nil {
		return fmt.Errorf("signal from: %w", err)
	}
	if err := s.To.Validate(); err != nil {
		return fmt.Errorf("signal to: %w", err)
	}
	if strings.TrimSpace(s.SDP) == "" {
		return fmt.Errorf("signal sdp is empty")
	}
	return nil
}

// ChatMessage is ephemeral and kept in arrival order
type ChatMessage struct {
	ID     uuid.UUID   `json:"id"`
	From   PeerAddress `json:"from"`
	Author string      `json:"author"`
	Text   string      `json:"text"`
	SentAt time.Time   `json:"sent_at"`
}

// Validate checks a received chat message
func (m ChatMessage) Validate() error {
	if err := m.From.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("chat text is empty")
	}
	if len([]rune(m.Text)) > constants.MaxChatMessageLength {
		return fmt.Errorf("chat text exceeds %d characters", constants.MaxChatMessageLength)
	}
	return nil
}

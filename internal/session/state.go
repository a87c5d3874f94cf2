package session

import (
	"liveroom-backend/internal/domain"
	"liveroom-backend/pkg/constants"
)

// State of the controller's current session attempt
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateJoining      State = "joining"
	StateLive         State = "live"
	StateLeaving      State = "leaving"
	StateFailed       State = "failed"
)

// Snapshot is what the UI layer renders
type Snapshot struct {
	State     State
	SessionID domain.SessionID
	Role      string

	// Local is nil when no attempt is active
	Local   *domain.LocalParticipant
	Remotes []domain.RemoteParticipant

	// ConnectedCount is the presence headcount including self, independent
	// of whether media to those members has connected.
	ConnectedCount int

	Chat   []domain.ChatMessage
	Pinned *domain.PeerAddress

	// Warning is a non-blocking condition such as running receive-only
	Warning string
	// Err is set in StateFailed
	Err error
}

// CanMuteOthers is the host affordance; the protocol itself is symmetric
func (s Snapshot) CanMuteOthers() bool {
	return s.Role == constants.RoleHost
}

// Remote returns the entry for peer
func (s Snapshot) Remote(peer domain.PeerAddress) (domain.RemoteParticipant, bool) {
	for _, r := range s.Remotes {
		if r.PeerAddress == peer {
			return r, true
		}
	}
	return domain.RemoteParticipant{}, false
}

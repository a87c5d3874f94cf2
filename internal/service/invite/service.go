package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/pkg/constants"
	apperrors "liveroom-backend/pkg/errors"
	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/metrics"
	"liveroom-backend/pkg/sanitize"
)

// ErrAlreadyResolved is returned by Listener.Accept when the invite was
// declined before the accept landed
var ErrAlreadyResolved = errors.New("invite already resolved")

// Repository persists invites
type Repository interface {
	CreateBatch(ctx context.Context, invites []*domain.CallInvite) error
	GetByID(ctx context.Context, inviteID uuid.UUID) (*domain.CallInvite, error)
	Resolve(ctx context.Context, inviteID, receiverID uuid.UUID, status domain.InviteStatus) (*domain.CallInvite, bool, error)
	ListPending(ctx context.Context, receiverID uuid.UUID, since time.Time) ([]*domain.CallInvite, error)
	ListByRoom(ctx context.Context, roomID domain.SessionID) ([]*domain.CallInvite, error)
}

// Nudger publishes on a user's personal call channel
type Nudger interface {
	PublishNudge(ctx context.Context, userID uuid.UUID, nudge *domain.InviteNudge) error
}

// PushSender delivers invite notifications to offline devices
type PushSender interface {
	SendInviteNotification(ctx context.Context, inv *domain.CallInvite) error
	SendInviteResolvedNotification(ctx context.Context, inv *domain.CallInvite) error
}

// Auditor records invite transitions
type Auditor interface {
	LogInviteCreated(ctx context.Context, inv *domain.CallInvite) error
	LogInviteResolved(ctx context.Context, inv *domain.CallInvite) error
}

// Config holds invite policy
type Config struct {
	// TTL hides pending invites older than this from Pending
	TTL           time.Duration
	MaxRecipients int
}

// DefaultConfig returns the production policy
func DefaultConfig() Config {
	return Config{TTL: 2 * time.Hour, MaxRecipients: 20}
}

// Service creates and resolves call invites
type Service struct {
	repo   Repository
	nudger Nudger
	push   PushSender
	audit  Auditor
	cfg    Config
	now    func() time.Time
}

// NewService creates a new invite service. push may be nil.
func NewService(repo Repository, nudger Nudger, push PushSender, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = DefaultConfig().MaxRecipients
	}
	return &Service{
		repo:   repo,
		nudger: nudger,
		push:   push,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetAuditor enables the audit trail
func (s *Service) SetAuditor(a Auditor) {
	s.audit = a
}

// CreateInput contains invite creation data
type CreateInput struct {
	CallerID      uuid.UUID
	CallerName    string
	RecipientIDs  []uuid.UUID
	SessionRoomID domain.SessionID // generated when empty
	Context       string
}

// CreateOutput is returned to the caller, who joins SessionRoomID right away
type CreateOutput struct {
	SessionRoomID domain.SessionID     `json:"session_room_id"`
	Invites       []*domain.CallInvite `json:"invites"`
}

// CreateInvites writes one pending invite per recipient, all for the same
// room, and nudges each recipient. It never waits on recipients.
func (s *Service) CreateInvites(ctx context.Context, input *CreateInput) (*CreateOutput, error) {
	recipients, err := s.validateCreate(input)
	if err != nil {
		return nil, err
	}

	callerName := sanitize.DisplayName(input.CallerName)
	inviteContext := sanitize.Text(input.Context)

	roomID := input.SessionRoomID
	if roomID == "" {
		roomID = domain.SessionID(uuid.NewString())
	}

	now := s.now().UTC()
	invites := make([]*domain.CallInvite, 0, len(recipients))
	for _, receiverID := range recipients {
		invites = append(invites, &domain.CallInvite{
			ID:               uuid.New(),
			SessionRoomID:    roomID,
			CallerID:         input.CallerID,
			CallerName:       callerName,
			ReceiverID:       receiverID,
			CommunityContext: inviteContext,
			Status:           domain.InviteStatusPending,
			CreatedAt:        now,
		})
	}

	if err := s.repo.CreateBatch(ctx, invites); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to create invites", err)
	}
	metrics.InvitesCreatedTotal.Add(float64(len(invites)))

	for _, inv := range invites {
		if s.audit != nil {
			if err := s.audit.LogInviteCreated(ctx, inv); err != nil {
				logger.Warn("Failed to audit invite", zap.String("invite_id", inv.ID.String()), zap.Error(err))
			}
		}
		s.notify(ctx, inv.ReceiverID, domain.NudgeInvite, inv)
		if s.push != nil {
			if err := s.push.SendInviteNotification(ctx, inv); err != nil {
				logger.Warn("Failed to push invite notification",
					zap.String("invite_id", inv.ID.String()),
					zap.Error(err))
			}
		}
	}

	logger.Info("Call invites created",
		zap.String("session_room_id", roomID.String()),
		zap.String("caller_id", input.CallerID.String()),
		zap.Int("recipients", len(invites)))

	return &CreateOutput{SessionRoomID: roomID, Invites: invites}, nil
}

func (s *Service) validateCreate(input *CreateInput) ([]uuid.UUID, error) {
	if input.CallerID == uuid.Nil {
		return nil, apperrors.UnauthorizedError("Not authenticated")
	}
	if input.SessionRoomID != "" {
		if err := input.SessionRoomID.Validate(); err != nil {
			return nil, apperrors.ValidationError(err.Error())
		}
	}
	if len([]rune(input.Context)) > constants.MaxCommunityContextLength {
		return nil, apperrors.ValidationError(fmt.Sprintf("context exceeds %d characters", constants.MaxCommunityContextLength))
	}
	if len([]rune(input.CallerName)) > constants.MaxDisplayNameLength {
		return nil, apperrors.ValidationError(fmt.Sprintf("caller name exceeds %d characters", constants.MaxDisplayNameLength))
	}

	seen := make(map[uuid.UUID]bool, len(input.RecipientIDs))
	recipients := make([]uuid.UUID, 0, len(input.RecipientIDs))
	for _, id := range input.RecipientIDs {
		if id == uuid.Nil || id == input.CallerID || seen[id] {
			continue
		}
		seen[id] = true
		recipients = append(recipients, id)
	}
	if len(recipients) == 0 {
		return nil, apperrors.ValidationError("at least one recipient other than the caller is required")
	}
	if len(recipients) > s.cfg.MaxRecipients {
		return nil, apperrors.ValidationError(fmt.Sprintf("at most %d recipients per call", s.cfg.MaxRecipients))
	}
	return recipients, nil
}

// RespondOutput reports the stored invite after a response. Applied is false
// when the invite had already been answered and nothing changed.
type RespondOutput struct {
	Invite  *domain.CallInvite `json:"invite"`
	Applied bool               `json:"applied"`
}

// Respond resolves an invite on behalf of its receiver. A repeated response
// is a no-op that returns the stored state.
func (s *Service) Respond(ctx context.Context, inviteID, responderID uuid.UUID, accept bool) (*RespondOutput, error) {
	status := domain.InviteStatusDeclined
	if accept {
		status = domain.InviteStatusAccepted
	}

	inv, applied, err := s.repo.Resolve(ctx, inviteID, responderID, status)
	if err != nil {
		if errors.Is(err, domain.ErrInviteNotFound) {
			return nil, apperrors.InviteNotFoundError()
		}
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to respond to invite", err)
	}
	if inv.ReceiverID != responderID {
		return nil, apperrors.ForbiddenError("Only the invited user can respond")
	}

	log := logger.With(
		zap.String("invite_id", inviteID.String()),
		zap.String("status", string(inv.Status)))

	if !applied {
		metrics.InviteResponsesTotal.WithLabelValues("already_resolved").Inc()
		log.Info("Ignoring response to resolved invite",
			zap.String("requested", string(status)))
		return &RespondOutput{Invite: inv, Applied: false}, nil
	}

	metrics.InviteResponsesTotal.WithLabelValues(string(inv.Status)).Inc()
	log.Info("Call invite resolved")
	if s.audit != nil {
		if err := s.audit.LogInviteResolved(ctx, inv); err != nil {
			log.Warn("Failed to audit invite response", zap.Error(err))
		}
	}

	kind := domain.NudgeDeclined
	if inv.Status == domain.InviteStatusAccepted {
		kind = domain.NudgeAccepted
	}
	s.notify(ctx, inv.CallerID, kind, inv)
	if s.push != nil && kind == domain.NudgeDeclined {
		if err := s.push.SendInviteResolvedNotification(ctx, inv); err != nil {
			log.Warn("Failed to push invite result", zap.Error(err))
		}
	}

	return &RespondOutput{Invite: inv, Applied: true}, nil
}

// Pending lists invites still awaiting receiverID's answer, newest first.
// Invites older than the TTL are left out.
func (s *Service) Pending(ctx context.Context, receiverID uuid.UUID) ([]*domain.CallInvite, error) {
	since := s.now().Add(-s.cfg.TTL)
	invites, err := s.repo.ListPending(ctx, receiverID, since)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to list pending invites", err)
	}
	if invites == nil {
		invites = []*domain.CallInvite{}
	}
	return invites, nil
}

// Get returns one invite to its caller or receiver
func (s *Service) Get(ctx context.Context, inviteID, userID uuid.UUID) (*domain.CallInvite, error) {
	inv, err := s.repo.GetByID(ctx, inviteID)
	if err != nil {
		if errors.Is(err, domain.ErrInviteNotFound) {
			return nil, apperrors.InviteNotFoundError()
		}
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to get invite", err)
	}
	if inv.CallerID != userID && inv.ReceiverID != userID {
		// Don't reveal invites to third parties
		return nil, apperrors.InviteNotFoundError()
	}
	return inv, nil
}

// RoomInvites lists the invites callerID sent into roomID, so the caller
// can see who answered
func (s *Service) RoomInvites(ctx context.Context, roomID domain.SessionID, callerID uuid.UUID) ([]*domain.CallInvite, error) {
	if err := roomID.Validate(); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}
	invites, err := s.repo.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to list room invites", err)
	}

	own := make([]*domain.CallInvite, 0, len(invites))
	for _, inv := range invites {
		if inv.CallerID == callerID {
			own = append(own, inv)
		}
	}
	return own, nil
}

// notify publishes a nudge; failures are logged, never returned
func (s *Service) notify(ctx context.Context, userID uuid.UUID, kind domain.NudgeKind, inv *domain.CallInvite) {
	if s.nudger == nil {
		return
	}
	if err := s.nudger.PublishNudge(ctx, userID, domain.NudgeFromInvite(kind, inv)); err != nil {
		metrics.InviteNudgesTotal.WithLabelValues("failed").Inc()
		logger.Warn("Failed to publish call nudge",
			zap.String("invite_id", inv.ID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}
	metrics.InviteNudgesTotal.WithLabelValues("sent").Inc()
}

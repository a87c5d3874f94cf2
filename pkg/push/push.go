package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/metrics"
	"liveroom-backend/pkg/resilience"
)

// ErrTokenNotFound is returned by token repositories for unknown tokens
var ErrTokenNotFound = errors.New("push token not found")

// ErrTokenNotOwned is returned when a user removes another user's token
var ErrTokenNotOwned = errors.New("push token belongs to another user")

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// Notification categories; clients map them to actionable prompts
const (
	CategoryIncomingCall = "incoming_call"
	CategoryInviteResult = "invite_result"
)

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Valid reports whether t is a supported token type
func (t TokenType) Valid() bool {
	return t == TokenTypeFCM || t == TokenTypeAPNs
}

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	Delete(ctx context.Context, tokenID uuid.UUID) error
	MarkInactive(ctx context.Context, tokenID uuid.UUID) error
}

// Service delivers call-invite notifications to a user's devices
type Service struct {
	provider Provider
	repo     TokenRepository
	metrics  *metrics.Metrics
	breaker  *resilience.Breaker
}

// NewService creates a new push notification service. m may be nil.
func NewService(provider Provider, repo TokenRepository, m *metrics.Metrics) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		metrics:  m,
		breaker:  resilience.NewBreaker(resilience.DefaultConfig("push_provider")),
	}
}

// RegisterToken stores a device token for a user, reactivating it when the
// same device token was registered before.
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	now := time.Now().Unix()

	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil {
		existing.UserID = token.UserID
		existing.Type = token.Type
		existing.Active = true
		existing.UpdatedAt = now
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		*token = *existing
		return s.repo.Update(ctx, existing)
	}

	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	token.Active = true
	token.CreatedAt = now
	token.UpdatedAt = now
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a device token. Only its owner may remove it.
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, deviceToken string) error {
	existing, err := s.repo.GetByToken(ctx, deviceToken)
	if err != nil {
		return err
	}
	if existing.UserID != userID {
		return ErrTokenNotOwned
	}
	return s.repo.Delete(ctx, existing.ID)
}

// SendInviteNotification tells the receiver that someone is calling
func (s *Service) SendInviteNotification(ctx context.Context, inv *domain.CallInvite) error {
	name := inv.CallerName
	if name == "" {
		name = "Someone"
	}
	body := name + " is inviting you to a call"
	if inv.CommunityContext != "" {
		body += " in " + inv.CommunityContext
	}

	notification := &Notification{
		Title:    "Incoming call",
		Body:     body,
		Data:     inviteData(inv),
		Priority: "high",
		Sound:    "default",
		Category: CategoryIncomingCall,
	}
	return s.send(ctx, inv.ReceiverID, notification, string(domain.NudgeInvite))
}

// SendInviteResolvedNotification tells the caller how an invite was answered
func (s *Service) SendInviteResolvedNotification(ctx context.Context, inv *domain.CallInvite) error {
	notification := &Notification{
		Title:    "Call invite " + string(inv.Status),
		Body:     "Your call invite was " + string(inv.Status),
		Data:     inviteData(inv),
		Priority: "normal",
		Category: CategoryInviteResult,
	}
	return s.send(ctx, inv.CallerID, notification, string(inv.Status))
}

func inviteData(inv *domain.CallInvite) map[string]string {
	return map[string]string{
		"type":            "call_invite",
		"invite_id":       inv.ID.String(),
		"session_room_id": inv.SessionRoomID.String(),
		"caller_id":       inv.CallerID.String(),
		"caller_name":     inv.CallerName,
		"status":          string(inv.Status),
		"timestamp":       fmt.Sprintf("%d", time.Now().Unix()),
	}
}

func (s *Service) send(ctx context.Context, userID uuid.UUID, notification *Notification, kind string) error {
	tokens, err := s.collectTokens(ctx, userID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		logger.Debug("No active push tokens for user", zap.String("user_id", userID.String()))
		return nil
	}

	var result *SendResult
	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		var sendErr error
		result, sendErr = s.provider.Send(ctx, notification, tokens)
		return sendErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		s.recordFailure(kind, "circuit_open")
		return fmt.Errorf("push provider unavailable: %w", err)
	}
	if err != nil {
		s.recordFailure(kind, "provider_error")
		return fmt.Errorf("failed to send push notification: %w", err)
	}

	if s.metrics != nil {
		for i := 0; i < result.SuccessCount; i++ {
			s.metrics.RecordPushNotification(kind, "all")
		}
	}
	for i := 0; i < result.FailureCount; i++ {
		s.recordFailure(kind, "rejected")
	}

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}

	logger.Info("Push notification sent",
		zap.String("user_id", userID.String()),
		zap.String("kind", kind),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount))
	return nil
}

func (s *Service) collectTokens(ctx context.Context, userID uuid.UUID) ([]string, error) {
	stored, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	tokens := make([]string, 0, len(stored))
	for _, t := range stored {
		if t.Active {
			tokens = append(tokens, t.Token)
		}
	}
	return tokens, nil
}

// handleInvalidTokens deactivates tokens the provider rejected as unregistered
func (s *Service) handleInvalidTokens(ctx context.Context, invalid []string) {
	for _, raw := range invalid {
		token, err := s.repo.GetByToken(ctx, raw)
		if err != nil {
			continue
		}
		if err := s.repo.MarkInactive(ctx, token.ID); err != nil {
			logger.Warn("Failed to deactivate push token",
				zap.String("token_id", token.ID.String()),
				zap.Error(err))
		}
	}
}

func (s *Service) recordFailure(kind, reason string) {
	if s.metrics != nil {
		s.metrics.RecordPushNotificationFailure(kind, "all", reason)
	}
}

// MockProvider records notifications instead of delivering them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification

	// Invalid lists tokens the mock reports as unregistered
	Invalid map[string]bool
	// Err fails every send when set
	Err error
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if m.Err != nil {
		return nil, m.Err
	}

	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	result := &SendResult{}
	for _, t := range tokens {
		if m.Invalid[t] {
			result.FailureCount++
			result.InvalidTokens = append(result.InvalidTokens, t)
			continue
		}
		result.SuccessCount++
	}
	return result, nil
}

// Sent returns the notifications recorded so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"liveroom-backend/internal/domain"
	"liveroom-backend/pkg/constants"
)

// EventType represents the type of audit event
type EventType string

const (
	// Invite events
	EventInviteCreate  EventType = "invite_create"
	EventInviteAccept  EventType = "invite_accept"
	EventInviteDecline EventType = "invite_decline"
)

// Event represents an audit log entry
type Event struct {
	EventID   uuid.UUID  `json:"event_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	EventType EventType  `json:"event_type"`
	Resource  string     `json:"resource,omitempty"`
	Action    string     `json:"action,omitempty"`
	Success   bool       `json:"success"`
	Details   string     `json:"details,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Logger appends audit events to a per-day Redis list
type Logger struct {
	redisClient *redis.Client
	now         func() time.Time
}

// NewLogger creates a new audit logger
func NewLogger(redisClient *redis.Client) *Logger {
	return &Logger{
		redisClient: redisClient,
		now:         time.Now,
	}
}

// Key returns the list holding the events of day
func Key(day time.Time) string {
	return fmt.Sprintf("audit:events:%s", day.UTC().Format("2006-01-02"))
}

// Log logs an audit event
func (al *Logger) Log(ctx context.Context, event *Event) error {
	event.Timestamp = al.now().UTC()
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := Key(event.Timestamp)
	pipe := al.redisClient.TxPipeline()
	pipe.LPush(ctx, key, eventJSON)
	pipe.Expire(ctx, key, constants.AuditLogRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// LogInviteCreated records a caller inviting one receiver
func (al *Logger) LogInviteCreated(ctx context.Context, inv *domain.CallInvite) error {
	return al.Log(ctx, InviteEvent(EventInviteCreate, inv.CallerID, inv))
}

// LogInviteResolved records the receiver's answer
func (al *Logger) LogInviteResolved(ctx context.Context, inv *domain.CallInvite) error {
	eventType := EventInviteDecline
	if inv.Status == domain.InviteStatusAccepted {
		eventType = EventInviteAccept
	}
	return al.Log(ctx, InviteEvent(eventType, inv.ReceiverID, inv))
}

// Recent returns up to limit events of day, newest first
func (al *Logger) Recent(ctx context.Context, day time.Time, limit int64) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := al.redisClient.LRange(ctx, Key(day), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}

	events := make([]*Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// InviteEvent builds the audit entry for an invite transition made by actor
func InviteEvent(eventType EventType, actor uuid.UUID, inv *domain.CallInvite) *Event {
	return &Event{
		UserID:    &actor,
		EventType: eventType,
		Resource:  "call_invite:" + inv.ID.String(),
		Action:    string(inv.Status),
		Success:   true,
		Details:   "session_room_id=" + inv.SessionRoomID.String(),
	}
}

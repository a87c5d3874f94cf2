package invite

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/middleware"
	inviteService "liveroom-backend/internal/service/invite"
	"liveroom-backend/pkg/response"
)

// Service is the part of the invite service the handler calls
type Service interface {
	CreateInvites(ctx context.Context, input *inviteService.CreateInput) (*inviteService.CreateOutput, error)
	Respond(ctx context.Context, inviteID, responderID uuid.UUID, accept bool) (*inviteService.RespondOutput, error)
	Pending(ctx context.Context, receiverID uuid.UUID) ([]*domain.CallInvite, error)
	Get(ctx context.Context, inviteID, userID uuid.UUID) (*domain.CallInvite, error)
	RoomInvites(ctx context.Context, roomID domain.SessionID, callerID uuid.UUID) ([]*domain.CallInvite, error)
}

// Handler handles call invite HTTP requests
type Handler struct {
	inviteService Service
}

// NewHandler creates a new invite handler
func NewHandler(inviteService Service) *Handler {
	return &Handler{inviteService: inviteService}
}

// CreateInvitesRequest represents a request to invite users into a room
type CreateInvitesRequest struct {
	RecipientIDs  []uuid.UUID `json:"recipient_ids" binding:"required,min=1"`
	SessionRoomID string      `json:"session_room_id"`
	Context       string      `json:"context"`
	CallerName    string      `json:"caller_name"`
}

// RespondRequest answers one invite
type RespondRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

// CreateInvites invites one or more users into a session room
// POST /v1/calls/invites
func (h *Handler) CreateInvites(c *gin.Context) {
	callerID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req CreateInvitesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerName := req.CallerName
	if callerName == "" {
		callerName = middleware.Username(c)
	}

	output, err := h.inviteService.CreateInvites(c.Request.Context(), &inviteService.CreateInput{
		CallerID:      callerID,
		CallerName:    callerName,
		RecipientIDs:  req.RecipientIDs,
		SessionRoomID: domain.SessionID(req.SessionRoomID),
		Context:       req.Context,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, output)
}

// Respond accepts or declines an invite. Answering an invite twice returns
// the stored outcome with applied=false.
// POST /v1/calls/invites/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	responderID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	inviteID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid invite ID")
		return
	}

	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	output, err := h.inviteService.Respond(c.Request.Context(), inviteID, responderID, *req.Accept)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, output)
}

// Pending lists invites still waiting for the authenticated user
// GET /v1/calls/invites/pending
func (h *Handler) Pending(c *gin.Context) {
	receiverID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	invites, err := h.inviteService.Pending(c.Request.Context(), receiverID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"invites": invites,
		"count":   len(invites),
	})
}

// GetInvite returns one invite to its caller or receiver
// GET /v1/calls/invites/:id
func (h *Handler) GetInvite(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	inviteID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid invite ID")
		return
	}

	inv, err := h.inviteService.Get(c.Request.Context(), inviteID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, inv)
}

// RoomInvites lists the invites the caller sent into a room
// GET /v1/calls/rooms/:room_id/invites
func (h *Handler) RoomInvites(c *gin.Context) {
	callerID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	invites, err := h.inviteService.RoomInvites(c.Request.Context(), domain.SessionID(c.Param("room_id")), callerID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"invites": invites,
		"count":   len(invites),
	})
}

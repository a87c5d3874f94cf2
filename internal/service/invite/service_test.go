package invite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"liveroom-backend/internal/domain"
	apperrors "liveroom-backend/pkg/errors"
)

// MockRepository is a mock implementation of Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateBatch(ctx context.Context, invites []*domain.CallInvite) error {
	args := m.Called(ctx, invites)
	return args.Error(0)
}

func (m *MockRepository) GetByID(ctx context.Context, inviteID uuid.UUID) (*domain.CallInvite, error) {
	args := m.Called(ctx, inviteID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallInvite), args.Error(1)
}

func (m *MockRepository) Resolve(ctx context.Context, inviteID, receiverID uuid.UUID, status domain.InviteStatus) (*domain.CallInvite, bool, error) {
	args := m.Called(ctx, inviteID, receiverID, status)
	if args.Get(0) == nil {
		return nil, false, args.Error(2)
	}
	return args.Get(0).(*domain.CallInvite), args.Bool(1), args.Error(2)
}

func (m *MockRepository) ListPending(ctx context.Context, receiverID uuid.UUID, since time.Time) ([]*domain.CallInvite, error) {
	args := m.Called(ctx, receiverID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallInvite), args.Error(1)
}

func (m *MockRepository) ListByRoom(ctx context.Context, roomID domain.SessionID) ([]*domain.CallInvite, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallInvite), args.Error(1)
}

// MockNudger is a mock implementation of Nudger
type MockNudger struct {
	mock.Mock
}

func (m *MockNudger) PublishNudge(ctx context.Context, userID uuid.UUID, nudge *domain.InviteNudge) error {
	args := m.Called(ctx, userID, nudge)
	return args.Error(0)
}

// MockPush is a mock implementation of PushSender
type MockPush struct {
	mock.Mock
}

func (m *MockPush) SendInviteNotification(ctx context.Context, inv *domain.CallInvite) error {
	args := m.Called(ctx, inv)
	return args.Error(0)
}

func (m *MockPush) SendInviteResolvedNotification(ctx context.Context, inv *domain.CallInvite) error {
	args := m.Called(ctx, inv)
	return args.Error(0)
}

func nudgeOfKind(kind domain.NudgeKind) interface{} {
	return mock.MatchedBy(func(n *domain.InviteNudge) bool { return n.Kind == kind })
}

func TestCreateInvites_TwoRecipientsShareOneRoom(t *testing.T) {
	repo := new(MockRepository)
	nudger := new(MockNudger)
	push := new(MockPush)
	svc := NewService(repo, nudger, push, DefaultConfig())

	callerID := uuid.New()
	alice, bob := uuid.New(), uuid.New()

	var stored []*domain.CallInvite
	repo.On("CreateBatch", mock.Anything, mock.AnythingOfType("[]*domain.CallInvite")).
		Run(func(args mock.Arguments) { stored = args.Get(1).([]*domain.CallInvite) }).
		Return(nil)
	nudger.On("PublishNudge", mock.Anything, alice, nudgeOfKind(domain.NudgeInvite)).Return(nil).Once()
	nudger.On("PublishNudge", mock.Anything, bob, nudgeOfKind(domain.NudgeInvite)).Return(nil).Once()
	push.On("SendInviteNotification", mock.Anything, mock.Anything).Return(nil).Twice()

	out, err := svc.CreateInvites(context.Background(), &CreateInput{
		CallerID:     callerID,
		CallerName:   "Host",
		RecipientIDs: []uuid.UUID{alice, bob},
		Context:      "Book club",
	})

	require.NoError(t, err)
	require.NoError(t, out.SessionRoomID.Validate())
	_, parseErr := uuid.Parse(out.SessionRoomID.String())
	assert.NoError(t, parseErr)

	require.Len(t, stored, 2)
	for _, inv := range stored {
		assert.Equal(t, out.SessionRoomID, inv.SessionRoomID)
		assert.Equal(t, domain.InviteStatusPending, inv.Status)
		assert.Equal(t, callerID, inv.CallerID)
		assert.Equal(t, "Book club", inv.CommunityContext)
	}
	assert.NotEqual(t, stored[0].ID, stored[1].ID)
	assert.Equal(t, stored, out.Invites)

	repo.AssertExpectations(t)
	nudger.AssertExpectations(t)
	push.AssertExpectations(t)
}

func TestCreateInvites_KeepsSuppliedRoom(t *testing.T) {
	repo := new(MockRepository)
	nudger := new(MockNudger)
	svc := NewService(repo, nudger, nil, DefaultConfig())

	repo.On("CreateBatch", mock.Anything, mock.Anything).Return(nil)
	nudger.On("PublishNudge", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	out, err := svc.CreateInvites(context.Background(), &CreateInput{
		CallerID:      uuid.New(),
		RecipientIDs:  []uuid.UUID{uuid.New()},
		SessionRoomID: "existing-room",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("existing-room"), out.SessionRoomID)
}

func TestCreateInvites_NudgeFailureDoesNotFail(t *testing.T) {
	repo := new(MockRepository)
	nudger := new(MockNudger)
	svc := NewService(repo, nudger, nil, DefaultConfig())

	repo.On("CreateBatch", mock.Anything, mock.Anything).Return(nil)
	nudger.On("PublishNudge", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))

	out, err := svc.CreateInvites(context.Background(), &CreateInput{
		CallerID:     uuid.New(),
		RecipientIDs: []uuid.UUID{uuid.New()},
	})

	require.NoError(t, err)
	assert.Len(t, out.Invites, 1)
}

func TestCreateInvites_StoreFailureSendsNothing(t *testing.T) {
	repo := new(MockRepository)
	nudger := new(MockNudger)
	svc := NewService(repo, nudger, nil, DefaultConfig())

	repo.On("CreateBatch", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	_, err := svc.CreateInvites(context.Background(), &CreateInput{
		CallerID:     uuid.New(),
		RecipientIDs: []uuid.UUID{uuid.New()},
	})

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
	nudger.AssertNotCalled(t, "PublishNudge", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateInvites_Validation(t *testing.T) {
	callerID := uuid.New()
	tooMany := make([]uuid.UUID, 3)
	for i := range tooMany {
		tooMany[i] = uuid.New()
	}

	tests := []struct {
		name  string
		input CreateInput
	}{
		{"no recipients", CreateInput{CallerID: callerID}},
		{"only self", CreateInput{CallerID: callerID, RecipientIDs: []uuid.UUID{callerID}}},
		{"too many", CreateInput{CallerID: callerID, RecipientIDs: tooMany}},
		{"bad room", CreateInput{CallerID: callerID, RecipientIDs: []uuid.UUID{uuid.New()}, SessionRoomID: "bad room"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockRepository)
			svc := NewService(repo, nil, nil, Config{TTL: time.Hour, MaxRecipients: 2})

			_, err := svc.CreateInvites(context.Background(), &tt.input)

			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
			repo.AssertNotCalled(t, "CreateBatch", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateInvites_DropsDuplicateRecipients(t *testing.T) {
	repo := new(MockRepository)
	svc := NewService(repo, nil, nil, DefaultConfig())

	callerID, alice := uuid.New(), uuid.New()
	repo.On("CreateBatch", mock.Anything, mock.MatchedBy(func(inv []*domain.CallInvite) bool {
		return len(inv) == 1 && inv[0].ReceiverID == alice
	})).Return(nil)

	_, err := svc.CreateInvites(context.Background(), &CreateInput{
		CallerID:     callerID,
		RecipientIDs: []uuid.UUID{alice, alice, callerID},
	})

	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func resolvedInvite(receiverID uuid.UUID, status domain.InviteStatus) *domain.CallInvite {
	return &domain.CallInvite{
		ID:            uuid.New(),
		SessionRoomID: "room-1",
		CallerID:      uuid.New(),
		ReceiverID:    receiverID,
		Status:        status,
	}
}

func TestRespond_AcceptNotifiesCaller(t *testing.T) {
	repo := new(MockRepository)
	nudger := new(MockNudger)
	svc := NewService(repo, nudger, nil, DefaultConfig())

	receiverID := uuid.New()
	inv := resolvedInvite(receiverID, domain.InviteStatusAccepted)
	repo.On("Resolve", mock.Anything, inv.ID, receiverID, domain.InviteStatusAccepted).Return(inv, true, nil)
	nudger.On("PublishNudge", mock.Anything, inv.CallerID, nudgeOfKind(domain.NudgeAccepted)).Return(nil).Once()

	out, err := svc.Respond(context.Background(), inv.ID, receiverID, true)

	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, domain.SessionID("room-1"), out.Invite.SessionRoomID)
	nudger.AssertExpectations(t)
}

func TestRespond_DeclinePushesResult(t *testing.T) {
	repo := new(MockRepository)
	nudger := new(MockNudger)
	push := new(MockPush)
	svc := NewService(repo, nudger, push, DefaultConfig())

	receiverID := uuid.New()
	inv := resolvedInvite(receiverID, domain.InviteStatusDeclined)
	repo.On("Resolve", mock.Anything, inv.ID, receiverID, domain.InviteStatusDeclined).Return(inv, true, nil)
	nudger.On("PublishNudge", mock.Anything, inv.CallerID, nudgeOfKind(domain.NudgeDeclined)).Return(nil).Once()
	push.On("SendInviteResolvedNotification", mock.Anything, inv).Return(nil).Once()

	out, err := svc.Respond(context.Background(), inv.ID, receiverID, false)

	require.NoError(t, err)
	assert.True(t, out.Applied)
	nudger.AssertExpectations(t)
	push.AssertExpectations(t)
}

func TestRespond_SecondResponseIsNoOp(t *testing.T) {
	repo := new(MockRepository)
	nudger := new(MockNudger)
	svc := NewService(repo, nudger, nil, DefaultConfig())

	receiverID := uuid.New()
	inv := resolvedInvite(receiverID, domain.InviteStatusAccepted)
	repo.On("Resolve", mock.Anything, inv.ID, receiverID, domain.InviteStatusDeclined).Return(inv, false, nil)

	out, err := svc.Respond(context.Background(), inv.ID, receiverID, false)

	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, domain.InviteStatusAccepted, out.Invite.Status)
	nudger.AssertNotCalled(t, "PublishNudge", mock.Anything, mock.Anything, mock.Anything)
}

func TestRespond_OnlyReceiverMayRespond(t *testing.T) {
	repo := new(MockRepository)
	svc := NewService(repo, nil, nil, DefaultConfig())

	stranger := uuid.New()
	inv := resolvedInvite(uuid.New(), domain.InviteStatusPending)
	repo.On("Resolve", mock.Anything, inv.ID, stranger, domain.InviteStatusAccepted).Return(inv, false, nil)

	_, err := svc.Respond(context.Background(), inv.ID, stranger, true)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
}

func TestRespond_UnknownInvite(t *testing.T) {
	repo := new(MockRepository)
	svc := NewService(repo, nil, nil, DefaultConfig())

	id, receiverID := uuid.New(), uuid.New()
	repo.On("Resolve", mock.Anything, id, receiverID, domain.InviteStatusAccepted).Return(nil, false, domain.ErrInviteNotFound)

	_, err := svc.Respond(context.Background(), id, receiverID, true)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInviteNotFound))
}

func TestPending_HidesExpiredInvites(t *testing.T) {
	repo := new(MockRepository)
	svc := NewService(repo, nil, nil, Config{TTL: 2 * time.Hour, MaxRecipients: 5})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	receiverID := uuid.New()
	repo.On("ListPending", mock.Anything, receiverID, fixed.Add(-2*time.Hour)).Return(nil, nil)

	invites, err := svc.Pending(context.Background(), receiverID)

	require.NoError(t, err)
	assert.NotNil(t, invites)
	assert.Empty(t, invites)
	repo.AssertExpectations(t)
}

func TestGet_VisibleToParticipantsOnly(t *testing.T) {
	repo := new(MockRepository)
	svc := NewService(repo, nil, nil, DefaultConfig())
	inv := &domain.CallInvite{ID: uuid.New(), CallerID: uuid.New(), ReceiverID: uuid.New(), Status: domain.InviteStatusPending}
	repo.On("GetByID", mock.Anything, inv.ID).Return(inv, nil)

	got, err := svc.Get(context.Background(), inv.ID, inv.CallerID)
	require.NoError(t, err)
	assert.Equal(t, inv, got)

	_, err = svc.Get(context.Background(), inv.ID, inv.ReceiverID)
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), inv.ID, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInviteNotFound))
}

func TestRoomInvites_OnlyCallersOwn(t *testing.T) {
	repo := new(MockRepository)
	svc := NewService(repo, nil, nil, DefaultConfig())
	callerID := uuid.New()
	mine := &domain.CallInvite{ID: uuid.New(), CallerID: callerID, SessionRoomID: "room-1"}
	theirs := &domain.CallInvite{ID: uuid.New(), CallerID: uuid.New(), SessionRoomID: "room-1"}
	repo.On("ListByRoom", mock.Anything, domain.SessionID("room-1")).Return([]*domain.CallInvite{mine, theirs}, nil)

	got, err := svc.RoomInvites(context.Background(), "room-1", callerID)

	require.NoError(t, err)
	assert.Equal(t, []*domain.CallInvite{mine}, got)

	_, err = svc.RoomInvites(context.Background(), "bad room", callerID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

// MockAuditor is a mock implementation of Auditor
type MockAuditor struct {
	mock.Mock
}

func (m *MockAuditor) LogInviteCreated(ctx context.Context, inv *domain.CallInvite) error {
	return m.Called(ctx, inv).Error(0)
}

func (m *MockAuditor) LogInviteResolved(ctx context.Context, inv *domain.CallInvite) error {
	return m.Called(ctx, inv).Error(0)
}

func TestCreateInvites_SanitizesAndAudits(t *testing.T) {
	repo := new(MockRepository)
	auditor := new(MockAuditor)
	svc := NewService(repo, nil, nil, DefaultConfig())
	svc.SetAuditor(auditor)

	var stored []*domain.CallInvite
	repo.On("CreateBatch", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { stored = args.Get(1).([]*domain.CallInvite) }).
		Return(nil)
	// A failing audit store never fails the invite
	auditor.On("LogInviteCreated", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()

	_, err := svc.CreateInvites(context.Background(), &CreateInput{
		CallerID:     uuid.New(),
		CallerName:   "  <b>Host</b>\x00 ",
		RecipientIDs: []uuid.UUID{uuid.New()},
		Context:      " Book club\x07 ",
	})

	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Host", stored[0].CallerName)
	assert.Equal(t, "Book club", stored[0].CommunityContext)
	auditor.AssertExpectations(t)
}

func TestRespond_AuditsOnlyAppliedAnswers(t *testing.T) {
	repo := new(MockRepository)
	auditor := new(MockAuditor)
	svc := NewService(repo, nil, nil, DefaultConfig())
	svc.SetAuditor(auditor)

	receiverID := uuid.New()
	inv := resolvedInvite(receiverID, domain.InviteStatusAccepted)
	repo.On("Resolve", mock.Anything, inv.ID, receiverID, domain.InviteStatusAccepted).Return(inv, true, nil).Once()
	repo.On("Resolve", mock.Anything, inv.ID, receiverID, domain.InviteStatusAccepted).Return(inv, false, nil).Once()
	auditor.On("LogInviteResolved", mock.Anything, inv).Return(nil).Once()

	_, err := svc.Respond(context.Background(), inv.ID, receiverID, true)
	require.NoError(t, err)
	_, err = svc.Respond(context.Background(), inv.ID, receiverID, true)
	require.NoError(t, err)

	auditor.AssertExpectations(t)
}

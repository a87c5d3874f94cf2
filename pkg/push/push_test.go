package push

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom-backend/internal/domain"
	"liveroom-backend/pkg/resilience"
)

// memRepo is an in-memory TokenRepository
type memRepo struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]*Token
}

func newMemRepo() *memRepo {
	return &memRepo{tokens: make(map[uuid.UUID]*Token)}
}

func (r *memRepo) Store(ctx context.Context, token *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *token
	r.tokens[token.ID] = &cp
	return nil
}

func (r *memRepo) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Token
	for _, t := range r.tokens {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) GetByToken(ctx context.Context, token string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.Token == token {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTokenNotFound
}

func (r *memRepo) Update(ctx context.Context, token *Token) error {
	return r.Store(ctx, token)
}

func (r *memRepo) Delete(ctx context.Context, tokenID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, tokenID)
	return nil
}

func (r *memRepo) MarkInactive(ctx context.Context, tokenID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[tokenID]; ok {
		t.Active = false
	}
	return nil
}

func TestRegisterToken_ReactivatesExisting(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(&MockProvider{}, repo, nil)
	first := uuid.New()
	second := uuid.New()

	tok := &Token{UserID: first, Token: "device-1", Type: TokenTypeFCM}
	require.NoError(t, svc.RegisterToken(context.Background(), tok))
	require.NoError(t, repo.MarkInactive(context.Background(), tok.ID))

	again := &Token{UserID: second, Token: "device-1", Type: TokenTypeFCM}
	require.NoError(t, svc.RegisterToken(context.Background(), again))

	assert.Equal(t, tok.ID, again.ID)
	stored, err := repo.GetByToken(context.Background(), "device-1")
	require.NoError(t, err)
	assert.True(t, stored.Active)
	assert.Equal(t, second, stored.UserID)
	assert.Len(t, repo.tokens, 1)
}

func TestUnregisterToken_OwnerOnly(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(&MockProvider{}, repo, nil)
	owner := uuid.New()
	require.NoError(t, svc.RegisterToken(context.Background(), &Token{UserID: owner, Token: "device-1", Type: TokenTypeAPNs}))

	assert.ErrorIs(t, svc.UnregisterToken(context.Background(), uuid.New(), "device-1"), ErrTokenNotOwned)
	assert.ErrorIs(t, svc.UnregisterToken(context.Background(), owner, "unknown"), ErrTokenNotFound)
	require.NoError(t, svc.UnregisterToken(context.Background(), owner, "device-1"))
	assert.Empty(t, repo.tokens)
}

func TestSendInviteNotification_ReachesReceiverDevices(t *testing.T) {
	repo := newMemRepo()
	provider := &MockProvider{Invalid: map[string]bool{"stale": true}}
	svc := NewService(provider, repo, nil)
	receiver := uuid.New()
	require.NoError(t, svc.RegisterToken(context.Background(), &Token{UserID: receiver, Token: "phone", Type: TokenTypeFCM}))
	require.NoError(t, svc.RegisterToken(context.Background(), &Token{UserID: receiver, Token: "stale", Type: TokenTypeFCM}))

	inv := &domain.CallInvite{
		ID:               uuid.New(),
		SessionRoomID:    "room-1",
		CallerID:         uuid.New(),
		CallerName:       "Host",
		ReceiverID:       receiver,
		CommunityContext: "Book club",
		Status:           domain.InviteStatusPending,
	}
	require.NoError(t, svc.SendInviteNotification(context.Background(), inv))

	sent := provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, CategoryIncomingCall, sent[0].Category)
	assert.Equal(t, "Host is inviting you to a call in Book club", sent[0].Body)
	assert.Equal(t, "room-1", sent[0].Data["session_room_id"])

	stale, err := repo.GetByToken(context.Background(), "stale")
	require.NoError(t, err)
	assert.False(t, stale.Active)

	// Deactivated tokens are skipped next time
	require.NoError(t, svc.SendInviteNotification(context.Background(), inv))
	assert.Len(t, provider.Sent(), 2)
}

func TestSendInviteResolvedNotification_NoDevices(t *testing.T) {
	provider := &MockProvider{}
	svc := NewService(provider, newMemRepo(), nil)

	inv := &domain.CallInvite{ID: uuid.New(), CallerID: uuid.New(), Status: domain.InviteStatusDeclined}
	require.NoError(t, svc.SendInviteResolvedNotification(context.Background(), inv))

	assert.Empty(t, provider.Sent())
}

func TestSend_FailingProviderTripsBreaker(t *testing.T) {
	repo := newMemRepo()
	provider := &MockProvider{Err: errors.New("connection refused")}
	svc := NewService(provider, repo, nil)
	receiver := uuid.New()
	require.NoError(t, svc.RegisterToken(context.Background(), &Token{UserID: receiver, Token: "phone", Type: TokenTypeFCM}))
	inv := &domain.CallInvite{ID: uuid.New(), SessionRoomID: "room-1", CallerID: uuid.New(), ReceiverID: receiver}

	threshold := resilience.DefaultConfig("push_provider").FailureThreshold
	for i := 0; i < threshold; i++ {
		err := svc.SendInviteNotification(context.Background(), inv)
		require.Error(t, err)
		assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
	}

	err := svc.SendInviteNotification(context.Background(), inv)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/handler/ws"
	"liveroom-backend/internal/middleware"
	"liveroom-backend/internal/presence"
	"liveroom-backend/internal/service/invite"
	apperrors "liveroom-backend/pkg/errors"
	"liveroom-backend/pkg/jwt"
	"liveroom-backend/pkg/response"
)

// fakeCallChannel hands the subscribed callback to the test
type fakeCallChannel struct {
	mu  sync.Mutex
	fns map[uuid.UUID]func(*domain.InviteNudge)
}

func (f *fakeCallChannel) Subscribe(ctx context.Context, userID uuid.UUID, fn func(*domain.InviteNudge)) (func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns[userID] = fn
	return func() error { return nil }, nil
}

func (f *fakeCallChannel) fn(userID uuid.UUID) func(*domain.InviteNudge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fns[userID]
}

type testServer struct {
	*httptest.Server
	hub      *presence.MemoryHub
	calls    *fakeCallChannel
	jwt      *jwt.JWTManager
	inviteID uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		hub:      presence.NewMemoryHub(),
		calls:    &fakeCallChannel{fns: make(map[uuid.UUID]func(*domain.InviteNudge))},
		jwt:      jwt.NewJWTManager("test-secret", time.Hour),
		inviteID: uuid.New(),
	}

	r := gin.New()
	api := r.Group("/v1", middleware.AuthMiddleware(ts.jwt, nil))
	api.GET("/calls/ws/presence", ws.NewPresenceGateway(ts.hub, nil, 10, nil).ServeWS)
	api.GET("/calls/ws/incoming", ws.NewIncomingGateway(ts.calls, nil, 10, nil).ServeWS)
	api.GET("/calls/invites/pending", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{
			"invites": []*domain.CallInvite{{ID: ts.inviteID, SessionRoomID: "room-9", Status: domain.InviteStatusPending}},
			"count":   1,
		})
	})
	api.POST("/calls/invites/:id/respond", func(c *gin.Context) {
		response.FromError(c, apperrors.InviteNotFoundError())
	})

	ts.Server = httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) api(t *testing.T, userID uuid.UUID) *API {
	t.Helper()
	token, err := ts.jwt.GenerateAccessToken(userID, "user-"+userID.String()[:4], "user")
	require.NoError(t, err)
	a, err := NewAPI(ts.URL, token)
	require.NoError(t, err)
	return a
}

func member(name string) domain.MemberInfo {
	return domain.MemberInfo{PeerAddress: domain.NewPeerAddress(), DisplayName: name, Role: "guest"}
}

func TestPresenceOverGateway(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	alice := presence.NewClient(NewPresenceTransport(ts.api(t, uuid.New())))
	bob := presence.NewClient(NewPresenceTransport(ts.api(t, uuid.New())))

	var (
		mu       sync.Mutex
		received []string
	)
	aliceInfo := member("Alice")
	aliceCh, err := alice.Join(ctx, "room-1", aliceInfo, presence.Listener{})
	require.NoError(t, err)
	bobCh, err := bob.Join(ctx, "room-1", member("Bob"), presence.Listener{
		OnBroadcast: func(b presence.Broadcast) {
			mu.Lock()
			received = append(received, b.Chat.Text)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(aliceCh.Members()) == 2 && len(bobCh.Members()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	err = aliceCh.Send(ctx, presence.Broadcast{
		Kind: presence.BroadcastChat,
		Chat: &domain.ChatMessage{
			ID:     uuid.New(),
			From:   aliceInfo.PeerAddress,
			Author: "Alice",
			Text:   "hello",
			SentAt: time.Now(),
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0] == "hello"
	}, 3*time.Second, 10*time.Millisecond)

	// Closing the socket leaves the topic
	require.NoError(t, aliceCh.Leave())
	assert.Eventually(t, func() bool {
		return len(bobCh.Members()) == 1 && len(ts.hub.Members("room-1")) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, bobCh.Leave())
}

func TestPresenceGateway_RejectsForeignTrack(t *testing.T) {
	ts := newTestServer(t)
	a := ts.api(t, uuid.New())
	peer := domain.NewPeerAddress()

	endpoint := a.wsURL("/v1/calls/ws/presence", map[string][]string{
		"session_id":   {"room-2"},
		"peer_address": {peer.String()},
	})
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, a.authHeader())
	require.NoError(t, err)
	defer conn.Close()

	var first domain.Frame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, domain.FrameSync, first.Type)

	require.NoError(t, conn.WriteJSON(domain.Frame{
		Type:    domain.FrameTrack,
		Payload: []byte(`{"peer_address":"` + domain.NewPeerAddress().String() + `","display_name":"Mallory"}`),
	}))

	var reply domain.Frame
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, domain.FrameError, reply.Type)
	assert.Empty(t, ts.hub.Members("room-2"))
}

func TestPresenceGateway_RejectsAddressInUse(t *testing.T) {
	ts := newTestServer(t)
	peer := domain.NewPeerAddress()
	query := map[string][]string{
		"session_id":   {"room-5"},
		"peer_address": {peer.String()},
	}

	owner := ts.api(t, uuid.New())
	conn, _, err := websocket.DefaultDialer.Dial(owner.wsURL("/v1/calls/ws/presence", query), owner.authHeader())
	require.NoError(t, err)
	defer conn.Close()

	other := ts.api(t, uuid.New())
	_, resp, err := websocket.DefaultDialer.Dial(other.wsURL("/v1/calls/ws/presence", query), other.authHeader())
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPresenceGateway_RequiresToken(t *testing.T) {
	ts := newTestServer(t)
	a, err := NewAPI(ts.URL, "not-a-token")
	require.NoError(t, err)

	_, err = NewPresenceTransport(a).Subscribe(context.Background(), "room-3", domain.NewPeerAddress().String(), presence.Handlers{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestIncomingSource_RelaysNudges(t *testing.T) {
	ts := newTestServer(t)
	userID := uuid.New()

	got := make(chan *domain.InviteNudge, 1)
	closeFn, err := NewIncomingSource(ts.api(t, userID)).Subscribe(context.Background(), func(n *domain.InviteNudge) {
		got <- n
	})
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	require.NotNil(t, ts.calls.fn(userID))
	inv := &domain.CallInvite{ID: uuid.New(), SessionRoomID: "room-4", CallerID: uuid.New(), ReceiverID: userID}
	ts.calls.fn(userID)(domain.NudgeFromInvite(domain.NudgeInvite, inv))

	select {
	case n := <-got:
		assert.Equal(t, inv.ID, n.InviteID)
		assert.Equal(t, domain.NudgeInvite, n.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("nudge not relayed")
	}
}

func TestAPI_PendingAndErrors(t *testing.T) {
	ts := newTestServer(t)
	a := ts.api(t, uuid.New())

	invites, err := a.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Equal(t, ts.inviteID, invites[0].ID)

	_, err = a.Respond(context.Background(), uuid.New(), true)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInviteNotFound))
}

func TestAPI_SatisfiesInbox(t *testing.T) {
	var _ invite.Inbox = (*API)(nil)
	var _ invite.NudgeSource = (*IncomingSource)(nil)
	var _ presence.Transport = (*PresenceTransport)(nil)
}

func TestNewAPI_RejectsBadScheme(t *testing.T) {
	_, err := NewAPI("ftp://example.com", "t")
	assert.Error(t, err)
}

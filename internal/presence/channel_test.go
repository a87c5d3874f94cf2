package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom-backend/internal/domain"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type recorder struct {
	mu         sync.Mutex
	joins      []domain.MemberInfo
	leaves     []domain.PeerAddress
	broadcasts []Broadcast
	syncs      int
}

func (r *recorder) listener() Listener {
	return Listener{
		OnSync: func([]domain.MemberInfo) {
			r.mu.Lock()
			r.syncs++
			r.mu.Unlock()
		},
		OnJoin: func(m domain.MemberInfo) {
			r.mu.Lock()
			r.joins = append(r.joins, m)
			r.mu.Unlock()
		},
		OnLeave: func(p domain.PeerAddress) {
			r.mu.Lock()
			r.leaves = append(r.leaves, p)
			r.mu.Unlock()
		},
		OnBroadcast: func(b Broadcast) {
			r.mu.Lock()
			r.broadcasts = append(r.broadcasts, b)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) broadcastCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.broadcasts)
}

func (r *recorder) leaveList() []domain.PeerAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PeerAddress(nil), r.leaves...)
}

func member(name string) domain.MemberInfo {
	return domain.MemberInfo{PeerAddress: domain.NewPeerAddress(), DisplayName: name}
}

func join(t *testing.T, c *Client, id domain.SessionID, m domain.MemberInfo, r *recorder) *Channel {
	t.Helper()
	ch, err := c.Join(context.Background(), id, m, r.listener())
	require.NoError(t, err)
	return ch
}

func TestChannel_MembersConverge(t *testing.T) {
	hub := NewMemoryHub()
	host, guest := member("host"), member("guest")

	a := join(t, NewClient(hub), "room-1", host, &recorder{})
	b := join(t, NewClient(hub), "room-1", guest, &recorder{})

	assert.Eventually(t, func() bool { return len(a.Members()) == 2 }, waitFor, tick)
	assert.Eventually(t, func() bool { return len(b.Members()) == 2 }, waitFor, tick)

	assert.Equal(t, a.Members(), b.Members())
}

func TestChannel_AloneSeesSelf(t *testing.T) {
	hub := NewMemoryHub()
	self := member("solo")

	ch := join(t, NewClient(hub), "room-1", self, &recorder{})

	assert.Eventually(t, func() bool {
		members := ch.Members()
		return len(members) == 1 && members[0].PeerAddress == self.PeerAddress
	}, waitFor, tick)
}

func TestClient_SecondJoinRejected(t *testing.T) {
	hub := NewMemoryHub()
	c := NewClient(hub)

	join(t, c, "room-1", member("one"), &recorder{})
	_, err := c.Join(context.Background(), "room-1", member("two"), Listener{})

	assert.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestChannel_LeaveIdempotentAndFreesSlot(t *testing.T) {
	hub := NewMemoryHub()
	c := NewClient(hub)
	m := member("one")

	ch := join(t, c, "room-1", m, &recorder{})
	require.NoError(t, ch.Leave())
	require.NoError(t, ch.Leave())

	_, ok := c.Channel("room-1")
	assert.False(t, ok)
	assert.ErrorIs(t, ch.Send(context.Background(), Broadcast{}), ErrClosed)

	again := join(t, c, "room-1", member("one-again"), &recorder{})
	assert.NotNil(t, again)
}

func TestChannel_DropSurfacesLeave(t *testing.T) {
	hub := NewMemoryHub()
	host, guest := member("host"), member("guest")
	rec := &recorder{}

	a := join(t, NewClient(hub), "room-1", host, rec)
	join(t, NewClient(hub), "room-1", guest, &recorder{})
	require.Eventually(t, func() bool { return len(a.Members()) == 2 }, waitFor, tick)

	assert.True(t, hub.Drop("room-1", guest.PeerAddress.String()))

	assert.Eventually(t, func() bool { return len(a.Members()) == 1 }, waitFor, tick)
	assert.Equal(t, []domain.PeerAddress{guest.PeerAddress}, rec.leaveList())
}

func TestChannel_RejectsMalformedMembers(t *testing.T) {
	hub := NewMemoryHub()
	self := member("self")
	ch := join(t, NewClient(hub), "room-1", self, &recorder{})

	bad, err := hub.Subscribe(context.Background(), "room-1", "intruder", Handlers{})
	require.NoError(t, err)
	require.NoError(t, bad.Track(context.Background(), json.RawMessage(`{"peer_address":"not-a-uuid"}`)))

	other := member("other")
	mismatched, err := hub.Subscribe(context.Background(), "room-1", domain.NewPeerAddress().String(), Handlers{})
	require.NoError(t, err)
	payload, err := json.Marshal(other)
	require.NoError(t, err)
	require.NoError(t, mismatched.Track(context.Background(), payload))

	good := member("good")
	join(t, NewClient(hub), "room-1", good, &recorder{})

	require.Eventually(t, func() bool {
		for _, m := range ch.Members() {
			if m.PeerAddress == good.PeerAddress {
				return true
			}
		}
		return false
	}, waitFor, tick)

	members := ch.Members()
	assert.Len(t, members, 2)
	for _, m := range members {
		assert.NotEqual(t, other.PeerAddress, m.PeerAddress)
	}
}

func TestChannel_OwnEchoFiltered(t *testing.T) {
	hub := NewMemoryHub()
	hub.EchoSelf = true
	recA, recB := &recorder{}, &recorder{}
	host, guest := member("host"), member("guest")

	a := join(t, NewClient(hub), "room-1", host, recA)
	b := join(t, NewClient(hub), "room-1", guest, recB)

	msg := &domain.ChatMessage{From: host.PeerAddress, Author: "host", Text: "hello", SentAt: time.Now()}
	require.NoError(t, a.Send(context.Background(), Broadcast{Kind: BroadcastChat, Chat: msg}))

	require.Eventually(t, func() bool { return recB.broadcastCount() == 1 }, waitFor, tick)

	reply := &domain.ChatMessage{From: guest.PeerAddress, Author: "guest", Text: "hi", SentAt: time.Now()}
	require.NoError(t, b.Send(context.Background(), Broadcast{Kind: BroadcastChat, Chat: reply}))

	require.Eventually(t, func() bool { return recA.broadcastCount() == 1 }, waitFor, tick)
	assert.Equal(t, "hi", recA.broadcasts[0].Chat.Text)
	assert.Equal(t, 1, recB.broadcastCount())
}

func TestChannel_SignalRoutedToAddressee(t *testing.T) {
	hub := NewMemoryHub()
	recB, recC := &recorder{}, &recorder{}
	ma, mb, mc := member("a"), member("b"), member("c")

	a := join(t, NewClient(hub), "room-1", ma, &recorder{})
	join(t, NewClient(hub), "room-1", mb, recB)
	join(t, NewClient(hub), "room-1", mc, recC)

	sig := &domain.Signal{Kind: domain.SignalOffer, From: ma.PeerAddress, To: mc.PeerAddress, SDP: "v=0"}
	require.NoError(t, a.Send(context.Background(), Broadcast{Kind: BroadcastSignal, Signal: sig}))

	// a second message to b proves b processed the first one
	toB := &domain.Signal{Kind: domain.SignalOffer, From: ma.PeerAddress, To: mb.PeerAddress, SDP: "v=0"}
	require.NoError(t, a.Send(context.Background(), Broadcast{Kind: BroadcastSignal, Signal: toB}))

	require.Eventually(t, func() bool { return recC.broadcastCount() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return recB.broadcastCount() == 1 }, waitFor, tick)
	assert.Equal(t, mb.PeerAddress, recB.broadcasts[0].Signal.To)
}

func TestChannel_SendRejectsForgedSender(t *testing.T) {
	hub := NewMemoryHub()
	self := member("self")
	ch := join(t, NewClient(hub), "room-1", self, &recorder{})

	msg := &domain.ChatMessage{From: domain.NewPeerAddress(), Text: "spoof"}
	err := ch.Send(context.Background(), Broadcast{Kind: BroadcastChat, Chat: msg})

	assert.Error(t, err)
}

type failingTransport struct{}

func (failingTransport) Subscribe(context.Context, string, string, Handlers) (Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestClient_SubscribeFailure(t *testing.T) {
	c := NewClient(failingTransport{})

	_, err := c.Join(context.Background(), "room-1", member("one"), Listener{})
	assert.ErrorIs(t, err, ErrSubscribe)

	_, ok := c.Channel("room-1")
	assert.False(t, ok)
}

func TestClient_JoinValidates(t *testing.T) {
	c := NewClient(NewMemoryHub())

	_, err := c.Join(context.Background(), "bad id!", member("one"), Listener{})
	assert.Error(t, err)

	_, err = c.Join(context.Background(), "room-1", domain.MemberInfo{PeerAddress: "nope"}, Listener{})
	assert.Error(t, err)
}

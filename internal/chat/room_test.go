package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/presence"
	"liveroom-backend/pkg/constants"
)

// loopback delivers every broadcast to all rooms, sender included, the way
// a transport that echoes would
type loopback struct {
	rooms []*Room
	err   error
}

func (l *loopback) Send(_ context.Context, b presence.Broadcast) error {
	if l.err != nil {
		return l.err
	}
	for _, r := range l.rooms {
		r.Receive(*b.Chat)
	}
	return nil
}

func TestRoom_ExactlyOnceOnBothSides(t *testing.T) {
	bus := &loopback{}
	host := NewRoom(domain.NewPeerAddress(), "host", bus, nil)
	guest := NewRoom(domain.NewPeerAddress(), "guest", bus, nil)
	bus.rooms = []*Room{host, guest}

	_, err := host.Send(context.Background(), "  hello  ")
	require.NoError(t, err)

	require.Len(t, host.Messages(), 1)
	require.Len(t, guest.Messages(), 1)
	assert.Equal(t, "hello", guest.Messages()[0].Text)
	assert.Equal(t, "host", guest.Messages()[0].Author)
	assert.Equal(t, host.Messages()[0].ID, guest.Messages()[0].ID)
}

func TestRoom_KeepsArrivalOrder(t *testing.T) {
	bus := &loopback{}
	a := NewRoom(domain.NewPeerAddress(), "a", bus, nil)
	b := NewRoom(domain.NewPeerAddress(), "b", bus, nil)
	bus.rooms = []*Room{a, b}

	for _, text := range []string{"one", "two", "three"} {
		_, err := a.Send(context.Background(), text)
		require.NoError(t, err)
	}
	_, err := b.Send(context.Background(), "four")
	require.NoError(t, err)

	var texts []string
	for _, m := range b.Messages() {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"one", "two", "three", "four"}, texts)
}

func TestRoom_RejectsEmptyAndLong(t *testing.T) {
	r := NewRoom(domain.NewPeerAddress(), "me", &loopback{}, nil)

	_, err := r.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = r.Send(context.Background(), strings.Repeat("x", constants.MaxChatMessageLength+1))
	assert.ErrorIs(t, err, ErrMessageTooLong)

	assert.Empty(t, r.Messages())
}

func TestRoom_PublishFailureKeepsLocalCopy(t *testing.T) {
	r := NewRoom(domain.NewPeerAddress(), "me", &loopback{err: errors.New("offline")}, nil)

	_, err := r.Send(context.Background(), "hi")

	assert.Error(t, err)
	assert.Len(t, r.Messages(), 1)
}

func TestRoom_ReceiveDropsRepeats(t *testing.T) {
	changes := 0
	r := NewRoom(domain.NewPeerAddress(), "me", &loopback{}, func() { changes++ })
	msg := domain.ChatMessage{From: domain.NewPeerAddress(), Text: "hi"}

	assert.True(t, r.Receive(msg))
	assert.False(t, r.Receive(msg))
	assert.Len(t, r.Messages(), 1)
	assert.Equal(t, 1, changes)
}

func TestRoom_ConcurrentRepeatsAppendOnce(t *testing.T) {
	var changes atomic.Int32
	r := NewRoom(domain.NewPeerAddress(), "me", &loopback{}, func() { changes.Add(1) })
	msg := domain.ChatMessage{ID: uuid.New(), From: domain.NewPeerAddress(), Author: "them", Text: "hi"}

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Receive(msg) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(1), changes.Load())
	assert.Len(t, r.Messages(), 1)
}

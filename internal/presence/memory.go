package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryHub is an in-process Transport. Every subscriber has its own ordered
// mailbox drained by one goroutine, so handlers never run concurrently for a
// subscriber and never run under the hub lock.
type MemoryHub struct {
	// EchoSelf delivers a member's own broadcasts back to it
	EchoSelf bool

	mu     sync.Mutex
	topics map[string]*memoryTopic
}

type memoryTopic struct {
	members map[string]json.RawMessage
	subs    map[string]*memorySub
}

// NewMemoryHub creates an empty hub
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{topics: make(map[string]*memoryTopic)}
}

// Subscribe implements Transport. The new subscriber first receives a sync
// of the current members.
func (h *MemoryHub) Subscribe(ctx context.Context, topic, self string, handlers Handlers) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[topic]
	if !ok {
		t = &memoryTopic{
			members: make(map[string]json.RawMessage),
			subs:    make(map[string]*memorySub),
		}
		h.topics[topic] = t
	}
	if _, taken := t.subs[self]; taken {
		return nil, fmt.Errorf("member %s in %s: %w", self, topic, ErrPeerTaken)
	}

	sub := &memorySub{
		hub:      h,
		topic:    topic,
		self:     self,
		handlers: handlers,
		box:      newMailbox(),
	}
	t.subs[self] = sub
	go sub.box.run()

	snapshot := copyMembers(t.members)
	sub.box.push(func() {
		if handlers.OnSync != nil {
			handlers.OnSync(snapshot)
		}
	})
	return sub, nil
}

// Drop removes a member abruptly, as if its network vanished. The others
// observe a leave; the dropped subscriber receives nothing more.
func (h *MemoryHub) Drop(topic, peer string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[topic]
	if !ok {
		return false
	}
	sub, ok := t.subs[peer]
	if !ok {
		return false
	}
	h.removeLocked(t, sub)
	return true
}

// Members returns the tracked member keys of a topic
func (h *MemoryHub) Members(topic string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[topic]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(t.members))
	for k := range t.members {
		keys = append(keys, k)
	}
	return keys
}

func (h *MemoryHub) removeLocked(t *memoryTopic, sub *memorySub) {
	delete(t.subs, sub.self)
	sub.box.close()

	if _, tracked := t.members[sub.self]; tracked {
		delete(t.members, sub.self)
		snapshot := copyMembers(t.members)
		for _, other := range t.subs {
			other.deliverLeave(sub.self, snapshot)
		}
	}
	if len(t.subs) == 0 {
		delete(h.topics, sub.topic)
	}
}

type memorySub struct {
	hub      *MemoryHub
	topic    string
	self     string
	handlers Handlers
	box      *mailbox

	once sync.Once
}

func (s *memorySub) Track(ctx context.Context, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[s.topic]
	if !ok || t.subs[s.self] != s {
		return ErrClosed
	}
	t.members[s.self] = append(json.RawMessage(nil), payload...)
	snapshot := copyMembers(t.members)
	for _, sub := range t.subs {
		sub.deliverJoin(s.self, t.members[s.self], snapshot)
	}
	return nil
}

func (s *memorySub) Send(ctx context.Context, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[s.topic]
	if !ok || t.subs[s.self] != s {
		return ErrClosed
	}
	msg := append(json.RawMessage(nil), payload...)
	for key, sub := range t.subs {
		if key == s.self && !h.EchoSelf {
			continue
		}
		handlers := sub.handlers
		sub.box.push(func() {
			if handlers.OnBroadcast != nil {
				handlers.OnBroadcast(msg)
			}
		})
	}
	return nil
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()

		if t, ok := h.topics[s.topic]; ok && t.subs[s.self] == s {
			h.removeLocked(t, s)
		}
	})
	return nil
}

func (s *memorySub) deliverJoin(key string, payload json.RawMessage, snapshot map[string]json.RawMessage) {
	handlers := s.handlers
	s.box.push(func() {
		if handlers.OnJoin != nil {
			handlers.OnJoin(key, payload)
		}
		if handlers.OnSync != nil {
			handlers.OnSync(snapshot)
		}
	})
}

func (s *memorySub) deliverLeave(key string, snapshot map[string]json.RawMessage) {
	handlers := s.handlers
	s.box.push(func() {
		if handlers.OnLeave != nil {
			handlers.OnLeave(key)
		}
		if handlers.OnSync != nil {
			handlers.OnSync(snapshot)
		}
	})
}

func copyMembers(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// mailbox is an unbounded FIFO of callbacks run by one goroutine
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// close discards pending callbacks and stops the goroutine
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}

		for {
			m.mu.Lock()
			if m.closed || len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			fn := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			fn()
		}
	}
}

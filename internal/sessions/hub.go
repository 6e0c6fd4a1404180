package sessions

import (
	"sync"

	"github.com/Vovarama1992/voice_answer/internal/orchestrator"
)

const subscriberBuffer = 32

// Hub fans conversation events out to the connected feeds. A feed that
// falls behind loses events instead of blocking the conversation.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan orchestrator.Event
	next   int
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan orchestrator.Event)}
}

func (h *Hub) Publish(ev orchestrator.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a feed and the func that ends it. The feed is closed
// when it ends or when the hub closes.
func (h *Hub) Subscribe() (<-chan orchestrator.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan orchestrator.Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.next
	h.next++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

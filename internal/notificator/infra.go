package notificator

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/Vovarama1992/voice_answer/internal/clock"
)

const maxNotices = 20

// Infra is the in-memory notice board of one conversation.
type Infra struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	items []Notice
}

func NewInfra(c clock.Clock, ttl time.Duration) *Infra {
	if c == nil {
		c = clock.Real{}
	}
	return &Infra{clock: c, ttl: ttl}
}

func (i *Infra) Push(n Notice) Notice {
	i.mu.Lock()
	defer i.mu.Unlock()

	n.ID = xid.New().String()
	n.CreatedAt = i.clock.Now()
	i.items = append(i.live(), n)
	if len(i.items) > maxNotices {
		i.items = i.items[len(i.items)-maxNotices:]
	}
	return n
}

func (i *Infra) List() []Notice {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.items = i.live()
	out := make([]Notice, len(i.items))
	copy(out, i.items)
	return out
}

func (i *Infra) Dismiss(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	for k, n := range i.items {
		if n.ID == id {
			i.items = append(i.items[:k], i.items[k+1:]...)
			return true
		}
	}
	return false
}

// live drops expired notices; caller holds the lock.
func (i *Infra) live() []Notice {
	if i.ttl <= 0 {
		return i.items
	}
	now := i.clock.Now()
	live := i.items[:0]
	for _, n := range i.items {
		if now.Sub(n.CreatedAt) < i.ttl {
			live = append(live, n)
		}
	}
	return live
}

package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Vovarama1992/voice_answer/internal/capture"
	"github.com/Vovarama1992/voice_answer/internal/clock"
	"github.com/Vovarama1992/voice_answer/internal/metrics"
	"github.com/Vovarama1992/voice_answer/internal/ports"
)

// Registry holds the live conversations of the gateway.
type Registry struct {
	build   Builder
	clock   clock.Clock
	idleTTL time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	items map[string]*Session
}

func NewRegistry(build Builder, c clock.Clock, idleTTL time.Duration, log *zap.Logger, m *metrics.Metrics) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		build:   build,
		clock:   c,
		idleTTL: idleTTL,
		log:     log,
		metrics: m,
		items:   make(map[string]*Session),
	}
}

func (r *Registry) Create() *Session {
	now := r.clock.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Device:    capture.NewPushDevice(0),
		Events:    NewHub(),
		CreatedAt: now,
		lastSeen:  now,
	}
	s.Orchestrator = r.build(s.ID, s.Device, s.Events.Publish)

	r.mu.Lock()
	r.items[s.ID] = s
	n := len(r.items)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)
	r.log.Info("[sessions] created", zap.String("session_id", s.ID), zap.Int("active", n))
	return s
}

// Get returns the session and marks it as used.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.items[id]
	r.mu.Unlock()

	if !ok {
		return nil, ports.NewError(ports.KindNotFound, "session not found", nil)
	}
	s.touch(r.clock.Now())
	return s, nil
}

func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.items[id]
	delete(r.items, id)
	n := len(r.items)
	r.mu.Unlock()

	if !ok {
		return ports.NewError(ports.KindNotFound, "session not found", nil)
	}
	r.shutdown(s)
	r.metrics.SetActiveSessions(n)
	r.log.Info("[sessions] closed", zap.String("session_id", id), zap.Int("active", n))
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Reap closes sessions nobody touched for the idle TTL. Sessions with a
// connected event feed stay alive.
func (r *Registry) Reap() int {
	if r.idleTTL <= 0 {
		return 0
	}
	now := r.clock.Now()

	r.mu.Lock()
	var idle []*Session
	for id, s := range r.items {
		if s.Events.Subscribers() > 0 || now.Sub(s.LastSeen()) < r.idleTTL {
			continue
		}
		delete(r.items, id)
		idle = append(idle, s)
	}
	n := len(r.items)
	r.mu.Unlock()

	for _, s := range idle {
		r.log.Info("[sessions] reaped",
			zap.String("session_id", s.ID),
			zap.String("idle", humanize.RelTime(s.LastSeen(), now, "ago", "")),
		)
		r.shutdown(s)
	}
	if len(idle) > 0 {
		r.metrics.SetActiveSessions(n)
	}
	return len(idle)
}

// Run reaps idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	for {
		if err := r.clock.Sleep(ctx, every); err != nil {
			return
		}
		r.Reap()
	}
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.items))
	for id, s := range r.items {
		delete(r.items, id)
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.shutdown(s)
	}
	r.metrics.SetActiveSessions(0)
}

func (r *Registry) shutdown(s *Session) {
	s.Orchestrator.Close()
	s.Device.Detach()
	s.Events.Close()
}

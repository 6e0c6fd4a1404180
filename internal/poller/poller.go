package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Vovarama1992/voice_answer/internal/clock"
	"github.com/Vovarama1992/voice_answer/internal/metrics"
	"github.com/Vovarama1992/voice_answer/internal/ports"
)

// Patcher is the part of the conversation store the poller writes to.
type Patcher interface {
	Patch(id ports.MessageID, p ports.AudioPatch) bool
}

type Config struct {
	GraceDelay   time.Duration
	Interval     time.Duration
	MaxAttempts  int
	ProbeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		GraceDelay:   1000 * time.Millisecond,
		Interval:     500 * time.Millisecond,
		MaxAttempts:  40,
		ProbeTimeout: 5 * time.Second,
	}
}

// Handle observes one running task.
type Handle struct {
	mu     sync.Mutex
	task   Task
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Task() Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task
}

func (h *Handle) Outcome() Outcome { return h.Task().Outcome }

func (h *Handle) apply(next func(Task) Task) Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.task = next(h.task)
	return h.task
}

// Poller runs at most one task per message id.
type Poller struct {
	store      Patcher
	prober     ports.ArtifactStore
	clock      clock.Clock
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	onResolved func(ports.MessageID, Task)

	mu    sync.Mutex
	tasks map[ports.MessageID]*Handle
	wg    sync.WaitGroup
}

type Option func(*Poller)

func WithClock(c clock.Clock) Option { return func(p *Poller) { p.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(p *Poller) { p.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Poller) { p.metrics = m } }

// WithOnResolved registers a hook called once per task after its outcome is final.
func WithOnResolved(fn func(ports.MessageID, Task)) Option {
	return func(p *Poller) { p.onResolved = fn }
}

func New(store Patcher, prober ports.ArtifactStore, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		store:  store,
		prober: prober,
		clock:  clock.Real{},
		cfg:    cfg,
		log:    zap.NewNop(),
		tasks:  make(map[ports.MessageID]*Handle),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start begins waiting for ref on behalf of msgID, superseding any task
// already running for the same message.
func (p *Poller) Start(ctx context.Context, msgID ports.MessageID, ref string) *Handle {
	taskCtx, cancel := context.WithCancel(ctx)
	task := NewTask(msgID, ref, p.cfg.MaxAttempts)
	h := &Handle{
		task:   task,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	if old, ok := p.tasks[msgID]; ok {
		old.apply(Task.Cancel)
		old.cancel()
	}
	p.tasks[msgID] = h
	p.mu.Unlock()

	p.log.Debug("[poll] start",
		zap.Uint64("message_id", uint64(msgID)),
		zap.String("ref", ref),
		zap.String("task_id", task.ID),
	)

	p.wg.Add(1)
	go p.run(taskCtx, h)
	return h
}

// Cancel stops the task for msgID. After it returns the task can no longer
// write to the store.
func (p *Poller) Cancel(msgID ports.MessageID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.tasks[msgID]; ok {
		delete(p.tasks, msgID)
		h.apply(Task.Cancel)
		h.cancel()
	}
}

func (p *Poller) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, h := range p.tasks {
		delete(p.tasks, id)
		h.apply(Task.Cancel)
		h.cancel()
	}
}

func (p *Poller) Active(msgID ports.MessageID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[msgID]
	return ok
}

// Wait blocks until every started task has exited.
func (p *Poller) Wait() { p.wg.Wait() }

func (p *Poller) run(ctx context.Context, h *Handle) {
	defer p.wg.Done()
	defer close(h.done)
	defer p.resolved(h)
	defer p.forget(h)
	defer h.cancel()

	task := h.Task()

	if err := p.clock.Sleep(ctx, p.cfg.GraceDelay); err != nil {
		h.apply(Task.Cancel)
		return
	}

	for {
		exists := p.probe(ctx, task.TargetRef)
		if ctx.Err() != nil {
			h.apply(Task.Cancel)
			return
		}

		if done := p.step(h, exists); done {
			return
		}

		if err := p.clock.Sleep(ctx, p.cfg.Interval); err != nil {
			h.apply(Task.Cancel)
			return
		}
	}
}

// step advances the task under the poller lock so a superseded or cancelled
// task can never reach the store.
func (p *Poller) step(h *Handle, exists bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	task := h.Task()
	if cur, ok := p.tasks[task.MessageID]; !ok || cur != h {
		h.apply(Task.Cancel)
		return true
	}

	task = h.apply(func(t Task) Task { return t.Advance(exists) })
	if !task.Done() {
		return false
	}

	delete(p.tasks, task.MessageID)
	if patch, ok := task.Patch(); ok {
		if !p.store.Patch(task.MessageID, patch) {
			p.log.Debug("[poll] message gone, outcome dropped",
				zap.Uint64("message_id", uint64(task.MessageID)))
		}
	}
	return true
}

func (p *Poller) forget(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := h.Task().MessageID
	if cur, ok := p.tasks[id]; ok && cur == h {
		delete(p.tasks, id)
	}
}

func (p *Poller) probe(ctx context.Context, ref string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	p.metrics.ObserveProbe()
	exists, err := p.prober.ProbeArtifact(probeCtx, ref)
	if err != nil {
		p.log.Debug("[poll] probe failed", zap.String("ref", ref), zap.Error(err))
		return false
	}
	return exists
}

func (p *Poller) resolved(h *Handle) {
	task := h.Task()
	p.metrics.ObservePollOutcome(string(task.Outcome))
	p.log.Info("[poll] resolved",
		zap.Uint64("message_id", uint64(task.MessageID)),
		zap.String("ref", task.TargetRef),
		zap.String("outcome", string(task.Outcome)),
		zap.Int("attempts", task.Attempt),
	)
	if p.onResolved != nil {
		p.onResolved(task.MessageID, task)
	}
}

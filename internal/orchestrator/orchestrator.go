package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Vovarama1992/voice_answer/internal/capture"
	"github.com/Vovarama1992/voice_answer/internal/clock"
	"github.com/Vovarama1992/voice_answer/internal/conversation"
	"github.com/Vovarama1992/voice_answer/internal/metrics"
	"github.com/Vovarama1992/voice_answer/internal/notificator"
	"github.com/Vovarama1992/voice_answer/internal/poller"
	"github.com/Vovarama1992/voice_answer/internal/ports"
)

const (
	archiveTimeout = 5 * time.Second
	archiveBacklog = 64
)

type archiveJob struct {
	what string
	run  func(ctx context.Context) error
}

// Orchestrator runs the turns of one conversation. Turns are strictly
// sequential; audio generation of a finished turn runs in the background
// and never blocks the next one.
type Orchestrator struct {
	id         string
	store      *conversation.Store
	dispatcher Dispatcher
	artifacts  ports.ArtifactStore
	device     capture.Device
	recognizer capture.Recognizer
	session    *capture.Session
	poller     *poller.Poller
	notices    Notices
	alerts     Alerter
	archive    ports.Archive
	log        *zap.Logger
	metrics    *metrics.Metrics
	onEvent    func(Event)
	caps       Capabilities
	language   string
	flush      time.Duration
	clock      clock.Clock

	root       context.Context
	rootCancel context.CancelFunc
	bg         sync.WaitGroup
	archiveQ   chan archiveJob

	mu     sync.Mutex
	epoch  uint64
	active *turn
	phase  Phase
	closed bool
}

// turn is one question: typed, or captured and then dispatched.
type turn struct {
	epoch    uint64
	ctx      context.Context
	cancel   context.CancelFunc
	opts     TurnOptions
	capturer capture.Capturer
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Store == nil {
		deps.Store = conversation.NewStore()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notices == nil {
		deps.Notices = notificator.NewService(notificator.NewInfra(deps.Clock, opts.NoticeTTL))
	}
	if opts.Poll.MaxAttempts == 0 {
		opts.Poll = poller.DefaultConfig()
	}

	root, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		id:         opts.SessionID,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		artifacts:  deps.Artifacts,
		device:     deps.Device,
		recognizer: deps.Recognizer,
		session:    capture.NewSession(),
		notices:    deps.Notices,
		alerts:     deps.Alerts,
		archive:    deps.Archive,
		log:        deps.Logger.With(zap.String("session_id", opts.SessionID)),
		metrics:    deps.Metrics,
		onEvent:    opts.OnEvent,
		language:   opts.Language,
		flush:      opts.FlushTimeout,
		clock:      deps.Clock,
		root:       root,
		rootCancel: cancel,
		phase:      PhaseIdle,
	}
	o.poller = poller.New(o.store, deps.Artifacts, opts.Poll,
		poller.WithClock(deps.Clock),
		poller.WithLogger(o.log),
		poller.WithMetrics(deps.Metrics),
		poller.WithOnResolved(o.audioResolved),
	)

	if o.archive != nil {
		o.archiveQ = make(chan archiveJob, archiveBacklog)
		o.spawn(o.archiveLoop)
	}

	// capability check happens once, here
	o.caps = Capabilities{Variants: []capture.Variant{capture.VariantBlob}}
	if deps.Recognizer != nil && deps.Recognizer.Supported() {
		o.caps.StreamingSupported = true
		o.caps.Variants = append(o.caps.Variants, capture.VariantStream)
	}
	return o
}

func (o *Orchestrator) ID() string { return o.id }

func (o *Orchestrator) Capabilities() Capabilities { return o.caps }

func (o *Orchestrator) Messages() []ports.Message { return o.store.List() }

func (o *Orchestrator) Notices() []notificator.Notice { return o.notices.List() }

func (o *Orchestrator) DismissNotice(id string) bool { return o.notices.Dismiss(id) }

// CaptureMode is the mode of the capture session.
func (o *Orchestrator) CaptureMode() capture.Mode { return o.session.Mode() }

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	p := o.phase
	o.mu.Unlock()

	if p != PhaseIdle {
		return p
	}
	for _, m := range o.store.List() {
		if m.AudioState == ports.AudioGenerating {
			return PhaseAwaitingAudio
		}
	}
	return PhaseIdle
}

// Reset cancels the running turn and every audio poll and empties the
// conversation. Late results of cancelled work are dropped.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ports.NewError(ports.KindClosed, "conversation is closed", nil)
	}
	t := o.abortLocked()
	o.mu.Unlock()

	o.releaseTurn(t)
	o.log.Info("[conversation] reset")
	o.publish(Event{Type: EventCleared})
	o.publish(Event{Type: EventPhase, Phase: PhaseIdle})

	o.toArchive("delete session", func(ctx context.Context) error {
		return o.archive.DeleteSession(ctx, o.id)
	})
	return nil
}

// Close tears the conversation down. Capture and polls are stopped and the
// device is released before it returns.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	t := o.abortLocked()
	o.mu.Unlock()

	o.releaseTurn(t)
	o.rootCancel()
	o.poller.Wait()
	o.bg.Wait()
	o.log.Info("[conversation] closed")
}

// abortLocked invalidates every in-flight continuation and clears the log.
func (o *Orchestrator) abortLocked() *turn {
	o.epoch++
	t := o.active
	o.active = nil
	o.phase = PhaseIdle
	o.session.Abort()
	o.poller.CancelAll()
	o.store.Clear()
	return t
}

func (o *Orchestrator) releaseTurn(t *turn) {
	if t == nil {
		return
	}
	t.cancel()
	if t.capturer != nil {
		t.capturer.Cancel()
	}
}

func (o *Orchestrator) publish(ev Event) {
	if o.onEvent != nil {
		o.onEvent(ev)
	}
}

func (o *Orchestrator) spawn(fn func()) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		fn()
	}()
}

// toArchive queues a mirror write. Writes run one at a time in queue order
// so an audio update never overtakes the insert of its message.
func (o *Orchestrator) toArchive(what string, run func(ctx context.Context) error) {
	if o.archiveQ == nil {
		return
	}
	select {
	case o.archiveQ <- archiveJob{what: what, run: run}:
	default:
		o.log.Warn("[archive] backlog full, write dropped", zap.String("what", what))
	}
}

func (o *Orchestrator) archiveLoop() {
	for {
		select {
		case <-o.root.Done():
			return
		case job := <-o.archiveQ:
			ctx, cancel := context.WithTimeout(o.root, archiveTimeout)
			if err := job.run(ctx); err != nil {
				o.log.Warn("[archive] write failed", zap.String("what", job.what), zap.Error(err))
			}
			cancel()
		}
	}
}

func (o *Orchestrator) saveArchived(msgs ...ports.Message) {
	for _, m := range msgs {
		o.toArchive("save message", func(ctx context.Context) error {
			return o.archive.SaveMessage(ctx, o.id, m)
		})
	}
}

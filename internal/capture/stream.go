package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Vovarama1992/voice_answer/internal/clock"
	"github.com/Vovarama1992/voice_answer/internal/ports"
)

const defaultFlushTimeout = 3 * time.Second

// StreamCapturer turns recognizer events into one transcript per attempt.
// The attempt ends at the first utterance boundary.
type StreamCapturer struct {
	session      *Session
	rec          Recognizer
	h            Handlers
	log          *zap.Logger
	clock        clock.Clock
	flushTimeout time.Duration

	mu  sync.Mutex
	run *streamRun
}

type streamRun struct {
	attempt uint64
	stream  RecognitionStream
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewStreamCapturer(session *Session, rec Recognizer, h Handlers, log *zap.Logger) *StreamCapturer {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamCapturer{
		session:      session,
		rec:          rec,
		h:            h,
		log:          log,
		clock:        clock.Real{},
		flushTimeout: defaultFlushTimeout,
	}
}

// SetFlushTimeout bounds how long Stop waits for the recognizer's last word.
func (c *StreamCapturer) SetFlushTimeout(d time.Duration) { c.flushTimeout = d }

// SetClock replaces the clock that times the flush.
func (c *StreamCapturer) SetClock(clk clock.Clock) {
	if clk != nil {
		c.clock = clk
	}
}

func (c *StreamCapturer) Variant() Variant { return VariantStream }

func (c *StreamCapturer) Supported() bool { return c.rec != nil && c.rec.Supported() }

func (c *StreamCapturer) Start(ctx context.Context) error {
	if !c.Supported() {
		return ports.NewError(ports.KindUnsupportedEnvironment, "speech recognition is not available", nil)
	}

	actx, cancel := context.WithCancel(ctx)
	attempt, err := c.session.claim(ModeRecordingStream, cancel)
	if err != nil {
		cancel()
		return err
	}

	stream, err := c.rec.Listen(actx)
	if err != nil {
		c.session.end(attempt)
		cancel()
		c.log.Info("[capture] stream start failed", zap.Error(err))
		return deviceError(err)
	}

	run := &streamRun{
		attempt: attempt,
		stream:  stream,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.run = run
	c.mu.Unlock()

	go c.listen(actx, run)
	return nil
}

// Stop asks the recognizer to flush. The pending final result, or the
// interim text heard so far, completes the attempt.
func (c *StreamCapturer) Stop() error {
	run := c.current()
	if run == nil || !c.session.owns(run.attempt, ModeRecordingStream) {
		return nil
	}

	run.stream.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	expired := make(chan struct{})
	go func() {
		if c.clock.Sleep(ctx, c.flushTimeout) == nil {
			close(expired)
		}
	}()

	select {
	case <-run.done:
	case <-expired:
		c.log.Debug("[capture] recognizer did not flush in time")
		c.complete(run, "")
		run.cancel()
		<-run.done
	}
	return nil
}

func (c *StreamCapturer) Cancel() {
	run := c.current()
	if run == nil {
		return
	}
	run.cancel()
	<-run.done
}

func (c *StreamCapturer) current() *streamRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

func (c *StreamCapturer) listen(ctx context.Context, run *streamRun) {
	defer close(run.done)
	defer run.stream.Close()

	for {
		select {
		case <-ctx.Done():
			c.session.end(run.attempt)
			return
		case ev, ok := <-run.stream.Events():
			if !ok {
				c.complete(run, "")
				return
			}
			switch ev.Kind {
			case EventPartial:
				if c.session.setTranscript(run.attempt, ev.Text) {
					c.h.partial(ev.Text)
				}
			case EventFinal:
				c.complete(run, ev.Text)
				return
			case EventError:
				if _, owned := c.session.end(run.attempt); owned {
					c.h.fail(recognitionError(ev.Err))
				}
				return
			}
		}
	}
}

func (c *StreamCapturer) complete(run *streamRun, final string) {
	snap, ok := c.session.end(run.attempt)
	if !ok {
		return
	}

	text := strings.TrimSpace(final)
	if text == "" {
		text = strings.TrimSpace(snap.transcript)
	}
	if text == "" {
		c.h.fail(ports.NewError(ports.KindNoSpeechDetected, "no speech detected", nil))
		return
	}
	c.h.result(Result{Variant: VariantStream, Transcript: text})
}

func recognitionError(err error) error {
	if err == nil {
		return ports.NewError(ports.KindNetworkError, "recognizer failed", nil)
	}
	if ports.KindOf(err) == ports.KindInternal {
		return ports.NewError(ports.KindNetworkError, "", err)
	}
	return err
}

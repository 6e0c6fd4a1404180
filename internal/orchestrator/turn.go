package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Vovarama1992/voice_answer/internal/capture"
	"github.com/Vovarama1992/voice_answer/internal/ports"
)

var (
	errTurnInProgress = ports.NewError(ports.KindTurnInProgress, "a question is already being answered", nil)
	errReset          = ports.NewError(ports.KindClosed, "conversation was reset", nil)
	errClosed         = ports.NewError(ports.KindClosed, "conversation is closed", nil)
)

// AskText runs a typed turn. The question is in the log before the backend
// is called; the assistant message is returned once the answer arrives.
func (o *Orchestrator) AskText(ctx context.Context, text string, opts TurnOptions) (ports.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ports.Message{}, ports.NewError(ports.KindInvalidInput, "please enter a question", nil)
	}

	t, err := o.begin(ctx, PhaseDispatching, opts, nil)
	if err != nil {
		return ports.Message{}, err
	}
	defer t.cancel()
	o.publish(Event{Type: EventPhase, Phase: PhaseDispatching})

	if err := o.appendQuestion(t, text); err != nil {
		return ports.Message{}, o.fail(t, err)
	}
	return o.askText(t, text, false)
}

// askText sends text to the backend. A typed turn keeps the backend's audio
// only when the caller asked to hear it; a spoken turn always keeps it.
func (o *Orchestrator) askText(t *turn, text string, spoken bool) (ports.Message, error) {
	ans, err := o.dispatcher.SubmitTextQuery(t.ctx, text, t.opts.query())
	if err != nil {
		return ports.Message{}, o.fail(t, o.cancelled(t, err))
	}
	ref := ans.AudioRef
	if !spoken && !t.opts.Speak {
		ref = ""
	}
	return o.finish(t, "", ans.Answer, ans.Metadata, ref, t.opts.Speak)
}

// StartRecording opens a capture turn with the given variant.
func (o *Orchestrator) StartRecording(ctx context.Context, variant capture.Variant, opts TurnOptions) error {
	switch variant {
	case capture.VariantBlob:
	case capture.VariantStream:
		if !o.caps.StreamingSupported {
			return ports.NewError(ports.KindUnsupportedEnvironment, "live speech recognition is not available", nil)
		}
	default:
		return ports.NewError(ports.KindInvalidInput, "unknown capture variant "+string(variant), nil)
	}
	if err := ctx.Err(); err != nil {
		return ports.NewError(ports.KindClosed, "", err)
	}

	t, err := o.begin(o.root, PhaseCapturing, opts, func(t *turn) capture.Capturer {
		return o.newCapturer(t, variant)
	})
	if err != nil {
		return err
	}

	if err := t.capturer.Start(t.ctx); err != nil {
		o.metrics.ObserveCaptureStart(string(variant), string(ports.KindOf(err)))
		return o.fail(t, err)
	}
	o.metrics.ObserveCaptureStart(string(variant), "ok")
	o.log.Info("[turn] recording", zap.String("variant", string(variant)))
	o.publish(Event{Type: EventPhase, Phase: PhaseCapturing})
	return nil
}

// StopRecording finalizes the running capture. It is a no-op when nothing
// is being recorded.
func (o *Orchestrator) StopRecording() error {
	o.mu.Lock()
	t := o.active
	capturing := t != nil && o.phase == PhaseCapturing && t.capturer != nil
	o.mu.Unlock()

	if !capturing {
		return nil
	}
	return t.capturer.Stop()
}

// CancelRecording drops the running capture without asking anything.
func (o *Orchestrator) CancelRecording() {
	o.mu.Lock()
	t := o.active
	if t == nil || o.phase != PhaseCapturing {
		o.mu.Unlock()
		return
	}
	o.endTurnLocked()
	o.mu.Unlock()

	o.releaseTurn(t)
	o.publish(Event{Type: EventPhase, Phase: o.Phase()})
}

func (o *Orchestrator) newCapturer(t *turn, variant capture.Variant) capture.Capturer {
	h := capture.Handlers{
		OnResult:  func(r capture.Result) { o.spawn(func() { o.captured(t, r) }) },
		OnPartial: func(text string) { o.publish(Event{Type: EventPartial, Partial: text}) },
		OnError:   func(err error) { o.spawn(func() { _ = o.fail(t, err) }) },
	}
	if variant == capture.VariantStream {
		c := capture.NewStreamCapturer(o.session, o.recognizer, h, o.log)
		c.SetClock(o.clock)
		if o.flush > 0 {
			c.SetFlushTimeout(o.flush)
		}
		return c
	}
	return capture.NewBlobCapturer(o.session, o.device, h, o.log)
}

// captured moves a capture turn to dispatching.
func (o *Orchestrator) captured(t *turn, r capture.Result) {
	defer t.cancel()

	o.mu.Lock()
	if !o.isCurrent(t) || o.phase != PhaseCapturing {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseDispatching
	o.mu.Unlock()
	o.publish(Event{Type: EventPhase, Phase: PhaseDispatching})

	switch r.Variant {
	case capture.VariantStream:
		if err := o.appendQuestion(t, r.Transcript); err != nil {
			_ = o.fail(t, err)
			return
		}
		_, _ = o.askText(t, r.Transcript, true)
	default:
		ans, err := o.dispatcher.SubmitVoiceQuery(t.ctx, r.Blob, t.opts.query())
		if err != nil {
			_ = o.fail(t, o.cancelled(t, err))
			return
		}
		// question text only exists once the backend transcribed it
		_, _ = o.finish(t, ans.Question, ans.Answer, ans.Metadata, ans.AudioRef, t.opts.Speak)
	}
}

// begin claims the turn slot. The capturer, if any, is built while the slot
// is held so that readers of o.active always see it.
func (o *Orchestrator) begin(parent context.Context, phase Phase, opts TurnOptions, build func(*turn) capture.Capturer) (*turn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, errClosed
	}
	if o.active != nil {
		return nil, errTurnInProgress
	}

	ctx, cancel := context.WithCancel(parent)
	t := &turn{epoch: o.epoch, ctx: ctx, cancel: cancel, opts: opts}
	if build != nil {
		t.capturer = build(t)
	}
	o.active = t
	o.phase = phase
	return t, nil
}

func (o *Orchestrator) isCurrent(t *turn) bool {
	return o.active == t && t.epoch == o.epoch && !o.closed
}

func (o *Orchestrator) endTurnLocked() {
	o.active = nil
	o.phase = PhaseIdle
}

// appendQuestion shows the user's own input before the network answers.
func (o *Orchestrator) appendQuestion(t *turn, text string) error {
	o.mu.Lock()
	if !o.isCurrent(t) {
		o.mu.Unlock()
		return errReset
	}
	msg, err := o.appendLocked(ports.Message{Role: ports.RoleUser, Text: text})
	o.mu.Unlock()

	if err != nil {
		return err
	}
	o.publish(Event{Type: EventMessage, Message: &msg})
	o.saveArchived(msg)
	return nil
}

// finish appends the answer (and the transcribed question of a voice turn)
// and hands audio generation to the background.
func (o *Orchestrator) finish(t *turn, question, answer string, md *ports.Metadata, audioRef string, speak bool) (ports.Message, error) {
	o.mu.Lock()
	if !o.isCurrent(t) {
		o.mu.Unlock()
		return ports.Message{}, errReset
	}

	var added []ports.Message
	if question != "" {
		q, err := o.appendLocked(ports.Message{Role: ports.RoleUser, Text: question})
		if err != nil {
			o.mu.Unlock()
			return ports.Message{}, o.fail(t, err)
		}
		added = append(added, q)
	}

	state := ports.AudioNone
	if audioRef != "" || speak {
		state = ports.AudioGenerating
	}
	a, err := o.appendLocked(ports.Message{Role: ports.RoleAssistant, Text: answer, AudioState: state, Metadata: md})
	if err != nil {
		o.mu.Unlock()
		return ports.Message{}, o.fail(t, ports.QueryFailed("backend returned an empty answer", err))
	}
	added = append(added, a)

	if audioRef != "" {
		o.poller.Start(o.root, a.ID, audioRef)
	}
	epoch := t.epoch
	o.endTurnLocked()
	o.mu.Unlock()

	for i := range added {
		o.publish(Event{Type: EventMessage, Message: &added[i]})
	}
	o.saveArchived(added...)
	o.publish(Event{Type: EventPhase, Phase: o.Phase()})

	if speak && audioRef == "" {
		o.spawn(func() { o.synthesize(epoch, a.ID, answer, t.opts.query()) })
	}
	o.log.Info("[turn] answered",
		zap.Uint64("message_id", uint64(a.ID)),
		zap.String("audio_state", string(state)),
	)
	return a, nil
}

// fail ends t, shows a notice and alerts admins about transport failures.
// Failures of a turn that was already reset or closed are dropped quietly.
func (o *Orchestrator) fail(t *turn, err error) error {
	o.mu.Lock()
	current := o.isCurrent(t)
	if current {
		o.endTurnLocked()
	}
	o.mu.Unlock()
	t.cancel()

	if !current {
		return errReset
	}

	o.log.Info("[turn] failed", zap.String("kind", string(ports.KindOf(err))), zap.Error(err))
	o.publish(Event{Type: EventPhase, Phase: o.Phase()})
	if ports.KindOf(err) == ports.KindClosed {
		return err
	}

	n := o.notices.NotifyError(err)
	o.publish(Event{Type: EventNotice, Notice: &n})

	if ports.IsTransportError(err) && o.alerts != nil {
		o.spawn(func() {
			ctx, cancel := context.WithTimeout(o.root, archiveTimeout)
			defer cancel()
			if aerr := o.alerts.Notify(ctx, o.id, err, "turn failed"); aerr != nil {
				o.log.Warn("[alert] notify failed", zap.Error(aerr))
			}
		})
	}
	return err
}

// cancelled tags errors caused by the turn's own context being cancelled.
func (o *Orchestrator) cancelled(t *turn, err error) error {
	if t.ctx.Err() != nil && ports.KindOf(err) != ports.KindClosed {
		return ports.NewError(ports.KindClosed, "turn cancelled", err)
	}
	return err
}

func (o *Orchestrator) appendLocked(m ports.Message) (ports.Message, error) {
	id, err := o.store.Append(m)
	if err != nil {
		return ports.Message{}, err
	}
	msg, _ := o.store.Get(id)
	return msg, nil
}

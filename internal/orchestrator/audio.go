package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/Vovarama1992/voice_answer/internal/poller"
	"github.com/Vovarama1992/voice_answer/internal/ports"
)

// RetryAudio asks for a new spoken rendition of an assistant message whose
// audio failed or was never requested. It returns the message in its
// generating state; the outcome arrives as an audio event.
func (o *Orchestrator) RetryAudio(ctx context.Context, id ports.MessageID) (ports.Message, error) {
	if err := ctx.Err(); err != nil {
		return ports.Message{}, ports.NewError(ports.KindClosed, "", err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ports.Message{}, errClosed
	}
	msg, ok := o.store.Get(id)
	switch {
	case !ok:
		o.mu.Unlock()
		return ports.Message{}, ports.NewError(ports.KindNotFound, "message not found", nil)
	case msg.Role != ports.RoleAssistant:
		o.mu.Unlock()
		return ports.Message{}, ports.NewError(ports.KindInvalidInput, "only answers can be spoken", nil)
	case msg.AudioState != ports.AudioFailed && msg.AudioState != ports.AudioNone:
		o.mu.Unlock()
		return ports.Message{}, ports.NewError(ports.KindInvalidInput, "audio is "+string(msg.AudioState), nil)
	}

	empty := ""
	o.store.Patch(id, ports.AudioPatch{State: ports.AudioGenerating, Ref: &empty})
	msg, _ = o.store.Get(id)
	epoch := o.epoch
	o.mu.Unlock()

	o.log.Info("[audio] retry", zap.Uint64("message_id", uint64(id)))
	o.publish(Event{Type: EventAudio, Message: &msg})
	o.publish(Event{Type: EventPhase, Phase: o.Phase()})
	o.archiveAudio(msg)

	o.spawn(func() {
		o.synthesize(epoch, id, msg.Text, ports.QueryOptions{Language: o.language})
	})
	return msg, nil
}

// FetchAudio returns the artifact of a message whose audio is ready.
func (o *Orchestrator) FetchAudio(ctx context.Context, id ports.MessageID) (*ports.Artifact, error) {
	msg, ok := o.store.Get(id)
	if !ok {
		return nil, ports.NewError(ports.KindNotFound, "message not found", nil)
	}
	if msg.AudioState != ports.AudioReady || msg.AudioRef == "" {
		return nil, ports.NewError(ports.KindNotFound, "audio is "+string(msg.AudioState), nil)
	}
	if o.artifacts == nil {
		return nil, ports.NewError(ports.KindInternal, "no artifact store", nil)
	}
	return o.artifacts.FetchArtifact(ctx, msg.AudioRef)
}

// synthesize requests speech for one message and starts polling for it.
// Work that belongs to an older epoch is dropped.
func (o *Orchestrator) synthesize(epoch uint64, id ports.MessageID, text string, q ports.QueryOptions) {
	ref, err := o.dispatcher.RequestSpeech(o.root, text, q)

	o.mu.Lock()
	if o.closed || epoch != o.epoch {
		o.mu.Unlock()
		return
	}
	if err == nil {
		o.poller.Start(o.root, id, ref)
		o.mu.Unlock()
		return
	}

	patched := o.store.Patch(id, ports.AudioPatch{State: ports.AudioFailed})
	msg, _ := o.store.Get(id)
	o.mu.Unlock()

	o.log.Info("[audio] synthesis request failed", zap.Uint64("message_id", uint64(id)), zap.Error(err))
	if !patched {
		return
	}
	o.publish(Event{Type: EventAudio, Message: &msg})
	o.publish(Event{Type: EventPhase, Phase: o.Phase()})
	o.archiveAudio(msg)
}

// audioResolved runs after a poll task settles. Cancelled tasks changed
// nothing and are ignored.
func (o *Orchestrator) audioResolved(id ports.MessageID, task poller.Task) {
	if task.Outcome == poller.OutcomeCancelled {
		return
	}
	msg, ok := o.store.Get(id)
	if !ok {
		return
	}
	o.publish(Event{Type: EventAudio, Message: &msg})
	o.publish(Event{Type: EventPhase, Phase: o.Phase()})
	o.archiveAudio(msg)
}

func (o *Orchestrator) archiveAudio(msg ports.Message) {
	o.toArchive("update audio", func(ctx context.Context) error {
		return o.archive.UpdateAudio(ctx, o.id, msg.ID, msg.AudioState, msg.AudioRef)
	})
}

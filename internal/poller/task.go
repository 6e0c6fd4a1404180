package poller

import (
	"github.com/rs/xid"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeReady     Outcome = "ready"
	OutcomeTimedOut  Outcome = "timed-out"
	OutcomeCancelled Outcome = "cancelled"
)

// Task is one wait for a server-side audio artifact. Transitions are pure:
// once Outcome leaves pending the task never changes again.
type Task struct {
	ID          string
	MessageID   ports.MessageID
	TargetRef   string
	Attempt     int
	MaxAttempts int
	Outcome     Outcome
}

func NewTask(msgID ports.MessageID, ref string, maxAttempts int) Task {
	return Task{
		ID:          xid.New().String(),
		MessageID:   msgID,
		TargetRef:   ref,
		MaxAttempts: maxAttempts,
		Outcome:     OutcomePending,
	}
}

// Advance applies the result of one probe.
func (t Task) Advance(exists bool) Task {
	if t.Outcome != OutcomePending {
		return t
	}
	t.Attempt++
	switch {
	case exists:
		t.Outcome = OutcomeReady
	case t.Attempt >= t.MaxAttempts:
		t.Outcome = OutcomeTimedOut
	}
	return t
}

func (t Task) Cancel() Task {
	if t.Outcome == OutcomePending {
		t.Outcome = OutcomeCancelled
	}
	return t
}

func (t Task) Done() bool { return t.Outcome != OutcomePending }

// Patch is the store mutation the outcome asks for; ok is false when the
// outcome must not touch the store.
func (t Task) Patch() (p ports.AudioPatch, ok bool) {
	switch t.Outcome {
	case OutcomeReady:
		ref := t.TargetRef
		return ports.AudioPatch{State: ports.AudioReady, Ref: &ref}, true
	case OutcomeTimedOut:
		return ports.AudioPatch{State: ports.AudioFailed}, true
	}
	return ports.AudioPatch{}, false
}

package capture

import (
	"context"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

type Variant string

const (
	VariantBlob   Variant = "blob"
	VariantStream Variant = "stream"
)

// Result is what one finished capture attempt produced: a blob for the
// blob variant, a transcript for the stream variant.
type Result struct {
	Variant    Variant
	Blob       ports.Blob
	Transcript string
}

// Handlers receive the outcome of a started capture. Exactly one of
// OnResult or OnError fires per attempt, unless the attempt was cancelled.
type Handlers struct {
	OnResult  func(Result)
	OnPartial func(text string)
	OnError   func(err error)
}

func (h Handlers) result(r Result) {
	if h.OnResult != nil {
		h.OnResult(r)
	}
}

func (h Handlers) partial(text string) {
	if h.OnPartial != nil {
		h.OnPartial(text)
	}
}

func (h Handlers) fail(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Capturer is the single surface both variants implement.
type Capturer interface {
	Variant() Variant
	// Start claims the session and the device. ctx is the cancellation
	// token of the attempt: once it is done nothing is delivered.
	Start(ctx context.Context) error
	// Stop finalizes the attempt; a no-op unless this variant is recording.
	Stop() error
	// Cancel drops the attempt without delivering anything.
	Cancel()
}

// Device hands out the exclusive microphone track.
type Device interface {
	Acquire(ctx context.Context) (Track, error)
}

type Track interface {
	// Chunks is closed when the track ends on its own.
	Chunks() <-chan []byte
	ContentType() string
	// Err reports why the track ended on its own, nil if it did not.
	Err() error
	Release()
}

type EventKind string

const (
	EventPartial EventKind = "partial"
	EventFinal   EventKind = "final"
	EventError   EventKind = "error"
)

type RecognitionEvent struct {
	Kind EventKind
	Text string
	Err  error
}

type RecognitionStream interface {
	// Events is closed once the recognizer has nothing more to say.
	Events() <-chan RecognitionEvent
	// Finish asks the recognizer to flush the pending utterance.
	Finish()
	// Close tears the stream down and releases the device.
	Close()
}

// Recognizer is the on-device speech-to-text capability.
type Recognizer interface {
	Supported() bool
	Listen(ctx context.Context) (RecognitionStream, error)
}

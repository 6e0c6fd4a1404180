package orchestrator

import (
	"context"
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

type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseCapturing     Phase = "capturing"
	PhaseDispatching   Phase = "dispatching"
	PhaseAwaitingAudio Phase = "awaiting-audio"
)

type TurnOptions struct {
	// Speak asks for a spoken rendition of the answer.
	Speak        bool
	DocumentName string
	Language     string
}

func (o TurnOptions) query() ports.QueryOptions {
	return ports.QueryOptions{DocumentName: o.DocumentName, Language: o.Language}
}

type Capabilities struct {
	StreamingSupported bool              `json:"streaming_supported"`
	Variants           []capture.Variant `json:"variants"`
}

type EventType string

const (
	EventMessage EventType = "message"
	EventAudio   EventType = "audio"
	EventPartial EventType = "partial"
	EventNotice  EventType = "notice"
	EventPhase   EventType = "phase"
	EventCleared EventType = "cleared"
)

// Event is one conversation update pushed to the client.
type Event struct {
	Type    EventType           `json:"type"`
	Message *ports.Message      `json:"message,omitempty"`
	Notice  *notificator.Notice `json:"notice,omitempty"`
	Phase   Phase               `json:"phase,omitempty"`
	Partial string              `json:"partial,omitempty"`
}

type Dispatcher interface {
	SubmitTextQuery(ctx context.Context, text string, opts ports.QueryOptions) (ports.AnswerPayload, error)
	SubmitVoiceQuery(ctx context.Context, blob ports.Blob, opts ports.QueryOptions) (ports.VoiceAnswerPayload, error)
	RequestSpeech(ctx context.Context, text string, opts ports.QueryOptions) (string, error)
}

type Notices interface {
	NotifyError(err error) notificator.Notice
	List() []notificator.Notice
	Dismiss(id string) bool
}

type Alerter interface {
	Notify(ctx context.Context, sessionID string, err error, details string) error
}

type Deps struct {
	Store      *conversation.Store
	Dispatcher Dispatcher
	Artifacts  ports.ArtifactStore
	Device     capture.Device
	// Recognizer is optional; without it only typed and blob turns exist.
	Recognizer capture.Recognizer
	Notices    Notices
	Alerts     Alerter
	Archive    ports.Archive
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type Options struct {
	SessionID    string
	Poll         poller.Config
	NoticeTTL    time.Duration
	FlushTimeout time.Duration
	// Language is used for synthesis retries, which carry no turn options.
	Language string
	OnEvent  func(Event)
}

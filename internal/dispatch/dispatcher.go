package dispatch

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Vovarama1992/voice_answer/internal/metrics"
	"github.com/Vovarama1992/voice_answer/internal/ports"
)

const (
	callText   = "text_query"
	callVoice  = "voice_query"
	callSpeech = "request_speech"
)

// Dispatcher issues exactly one backend call per request and never retries.
// Every error it returns is a *ports.Error.
type Dispatcher struct {
	backend ports.Backend
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(backend ports.Backend, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{backend: backend, log: log, metrics: m}
}

func (d *Dispatcher) SubmitTextQuery(ctx context.Context, text string, opts ports.QueryOptions) (ports.AnswerPayload, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ports.AnswerPayload{}, ports.NewError(ports.KindInvalidInput, "please enter a question", nil)
	}

	started := time.Now()
	resp, err := d.backend.SubmitTextQuery(ctx, text, opts)
	if err == nil && (resp == nil || strings.TrimSpace(resp.Answer) == "") {
		err = ports.QueryFailed("backend returned an empty answer", nil)
	}
	d.observe(callText, started, err)
	if err != nil {
		return ports.AnswerPayload{}, tag(err)
	}
	return *resp, nil
}

func (d *Dispatcher) SubmitVoiceQuery(ctx context.Context, blob ports.Blob, opts ports.QueryOptions) (ports.VoiceAnswerPayload, error) {
	if len(blob.Data) == 0 {
		return ports.VoiceAnswerPayload{}, ports.NewError(ports.KindInvalidInput, "no audio recorded", nil)
	}

	started := time.Now()
	resp, err := d.backend.SubmitVoiceQuery(ctx, blob, opts)
	if err == nil {
		switch {
		case resp == nil || strings.TrimSpace(resp.Question) == "":
			err = ports.QueryFailed("could not transcribe audio", nil)
		case strings.TrimSpace(resp.Answer) == "":
			err = ports.QueryFailed("backend returned an empty answer", nil)
		}
	}
	d.observe(callVoice, started, err)
	if err != nil {
		return ports.VoiceAnswerPayload{}, tag(err)
	}
	return *resp, nil
}

// RequestSpeech starts background synthesis of text and returns the
// reference the artifact will appear under.
func (d *Dispatcher) RequestSpeech(ctx context.Context, text string, opts ports.QueryOptions) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ports.NewError(ports.KindInvalidInput, "nothing to speak", nil)
	}

	started := time.Now()
	ref, err := d.backend.RequestSpeech(ctx, text, opts)
	if err == nil && ref == "" {
		err = ports.QueryFailed("backend returned no audio reference", nil)
	}
	d.observe(callSpeech, started, err)
	if err != nil {
		return "", tag(err)
	}
	return ref, nil
}

func (d *Dispatcher) observe(call string, started time.Time, err error) {
	took := time.Since(started)
	outcome := "ok"
	if err != nil {
		outcome = string(ports.KindOf(err))
		d.log.Warn("[dispatch] call failed", zap.String("call", call), zap.Duration("took", took), zap.Error(err))
	} else {
		d.log.Debug("[dispatch] call ok", zap.String("call", call), zap.Duration("took", took))
	}
	d.metrics.ObserveDispatch(call, outcome, took)
}

// tag keeps tagged errors and turns anything else into a failed query.
func tag(err error) error {
	if ports.KindOf(err) == ports.KindInternal {
		return ports.QueryFailed(err.Error(), err)
	}
	return err
}

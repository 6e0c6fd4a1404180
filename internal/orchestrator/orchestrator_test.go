package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/voice_answer/internal/capture"
	"github.com/Vovarama1992/voice_answer/internal/clock"
	"github.com/Vovarama1992/voice_answer/internal/poller"
	"github.com/Vovarama1992/voice_answer/internal/ports"
)

const waitFor = 2 * time.Second

type fakeDispatcher struct {
	mu     sync.Mutex
	text   func(ctx context.Context, q string) (ports.AnswerPayload, error)
	voice  func(ctx context.Context, b ports.Blob) (ports.VoiceAnswerPayload, error)
	speech func(ctx context.Context, text string) (string, error)
	blobs  []ports.Blob
	spoken []string
}

func (f *fakeDispatcher) SubmitTextQuery(ctx context.Context, q string, _ ports.QueryOptions) (ports.AnswerPayload, error) {
	if f.text == nil {
		return ports.AnswerPayload{Answer: "answer to " + q}, nil
	}
	return f.text(ctx, q)
}

func (f *fakeDispatcher) SubmitVoiceQuery(ctx context.Context, b ports.Blob, _ ports.QueryOptions) (ports.VoiceAnswerPayload, error) {
	f.mu.Lock()
	f.blobs = append(f.blobs, b)
	f.mu.Unlock()
	if f.voice == nil {
		return ports.VoiceAnswerPayload{}, errors.New("voice not configured")
	}
	return f.voice(ctx, b)
}

func (f *fakeDispatcher) RequestSpeech(ctx context.Context, text string, _ ports.QueryOptions) (string, error) {
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.mu.Unlock()
	if f.speech == nil {
		return "", ports.QueryFailed("speech not configured", nil)
	}
	return f.speech(ctx, text)
}

func (f *fakeDispatcher) spokenTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

// fakeArtifacts reports a ref as present from its readyAt-th probe on.
type fakeArtifacts struct {
	mu      sync.Mutex
	readyAt map[string]int
	probes  map[string]int
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{readyAt: make(map[string]int), probes: make(map[string]int)}
}

func (f *fakeArtifacts) readyOn(ref string, n int) {
	f.mu.Lock()
	f.readyAt[ref] = n
	f.mu.Unlock()
}

func (f *fakeArtifacts) ProbeArtifact(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes[ref]++
	n, ok := f.readyAt[ref]
	return ok && f.probes[ref] >= n, nil
}

func (f *fakeArtifacts) FetchArtifact(_ context.Context, ref string) (*ports.Artifact, error) {
	return &ports.Artifact{Data: []byte("RIFF" + ref), ContentType: "audio/wav"}, nil
}

func (f *fakeArtifacts) count(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[ref]
}

type fakeAlerter struct {
	mu   sync.Mutex
	errs []error
}

func (f *fakeAlerter) Notify(_ context.Context, _ string, err error, _ string) error {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
	return nil
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func (l *eventLog) audio() []ports.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ports.Message
	for _, ev := range l.events {
		if ev.Type == EventAudio {
			out = append(out, *ev.Message)
		}
	}
	return out
}

type fakeStream struct {
	events chan capture.RecognitionEvent
	once   sync.Once
}

func (s *fakeStream) Events() <-chan capture.RecognitionEvent { return s.events }

func (s *fakeStream) Finish() { s.once.Do(func() { close(s.events) }) }

func (s *fakeStream) Close() {}

type fakeRecognizer struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (r *fakeRecognizer) Supported() bool { return true }

func (r *fakeRecognizer) Listen(context.Context) (capture.RecognitionStream, error) {
	s := &fakeStream{events: make(chan capture.RecognitionEvent, 8)}
	r.mu.Lock()
	r.streams = append(r.streams, s)
	r.mu.Unlock()
	return s, nil
}

func (r *fakeRecognizer) last() *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[len(r.streams)-1]
}

type harness struct {
	o      *Orchestrator
	clk    *clock.Fake
	cfg    poller.Config
	disp   *fakeDispatcher
	art    *fakeArtifacts
	dev    *capture.PushDevice
	rec    *fakeRecognizer
	alerts *fakeAlerter
	events *eventLog
}

func newHarness(t *testing.T, streaming bool) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(time.Unix(0, 0)),
		cfg:    poller.DefaultConfig(),
		disp:   &fakeDispatcher{},
		art:    newFakeArtifacts(),
		dev:    capture.NewPushDevice(8),
		alerts: &fakeAlerter{},
		events: &eventLog{},
	}
	deps := Deps{
		Dispatcher: h.disp,
		Artifacts:  h.art,
		Device:     h.dev,
		Alerts:     h.alerts,
		Clock:      h.clk,
	}
	if streaming {
		h.rec = &fakeRecognizer{}
		deps.Recognizer = h.rec
	}
	h.o = New(deps, Options{SessionID: "s1", Poll: h.cfg, OnEvent: h.events.add})
	t.Cleanup(h.o.Close)
	return h
}

// drive lets the grace delay pass, then n probe intervals.
func (h *harness) drive(n int) {
	h.clk.BlockUntil(1)
	h.clk.Advance(h.cfg.GraceDelay)
	for i := 1; i < n; i++ {
		h.clk.BlockUntil(1)
		h.clk.Advance(h.cfg.Interval)
	}
}

func (h *harness) message(t *testing.T, id ports.MessageID) ports.Message {
	t.Helper()
	msg, ok := h.o.store.Get(id)
	require.True(t, ok, "message %d is gone", id)
	return msg
}

func (h *harness) waitAudio(t *testing.T, id ports.MessageID, want ports.AudioState) ports.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		m, ok := h.o.store.Get(id)
		return ok && m.AudioState == want
	}, waitFor, 5*time.Millisecond)
	return h.message(t, id)
}

func TestTypedQuestionWithAudio(t *testing.T) {
	h := newHarness(t, false)
	h.disp.text = func(context.Context, string) (ports.AnswerPayload, error) {
		return ports.AnswerPayload{Answer: "X is...", AudioRef: "/audio/a1.wav"}, nil
	}
	h.art.readyOn("/audio/a1.wav", 3)

	a, err := h.o.AskText(context.Background(), "What is X?", TurnOptions{Speak: true})
	require.NoError(t, err)
	assert.Equal(t, ports.AudioGenerating, a.AudioState)

	msgs := h.o.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, ports.RoleUser, msgs[0].Role)
	assert.Equal(t, "What is X?", msgs[0].Text)
	assert.Equal(t, "X is...", msgs[1].Text)
	assert.Equal(t, PhaseAwaitingAudio, h.o.Phase())

	h.drive(3)
	got := h.waitAudio(t, a.ID, ports.AudioReady)
	assert.Equal(t, "/audio/a1.wav", got.AudioRef)
	assert.Equal(t, 3, h.art.count("/audio/a1.wav"))
	assert.Empty(t, h.disp.spokenTexts(), "backend already started synthesis")

	require.Eventually(t, func() bool { return len(h.events.audio()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, PhaseIdle, h.o.Phase())

	art, err := h.o.FetchAudio(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", art.ContentType)
}

func TestQuestionIsShownBeforeAnswer(t *testing.T) {
	h := newHarness(t, false)
	called := make(chan struct{})
	release := make(chan struct{})
	h.disp.text = func(context.Context, string) (ports.AnswerPayload, error) {
		close(called)
		<-release
		return ports.AnswerPayload{Answer: "A"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.o.AskText(context.Background(), "Q", TurnOptions{})
		done <- err
	}()

	<-called
	msgs := h.o.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Q", msgs[0].Text)
	assert.Equal(t, PhaseDispatching, h.o.Phase())

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, h.o.Messages(), 2)
	assert.Equal(t, PhaseIdle, h.o.Phase())
	assert.Equal(t, []EventType{EventPhase, EventMessage, EventMessage, EventPhase}, h.events.types())
}

func TestSecondTurnIsRejectedWhileDispatching(t *testing.T) {
	h := newHarness(t, false)
	called := make(chan struct{})
	release := make(chan struct{})
	h.disp.text = func(context.Context, string) (ports.AnswerPayload, error) {
		close(called)
		<-release
		return ports.AnswerPayload{Answer: "A", AudioRef: "/audio/a1.wav"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.o.AskText(context.Background(), "Q1", TurnOptions{Speak: true})
		done <- err
	}()
	<-called

	_, err := h.o.AskText(context.Background(), "Q2", TurnOptions{})
	assert.ErrorIs(t, err, ports.ErrTurnInProgress)
	require.NoError(t, h.dev.Attach("audio/webm"))
	assert.ErrorIs(t, h.o.StartRecording(context.Background(), capture.VariantBlob, TurnOptions{}), ports.ErrTurnInProgress)

	close(release)
	require.NoError(t, <-done)

	h.disp.text = nil
	assert.Equal(t, PhaseAwaitingAudio, h.o.Phase())
	_, err = h.o.AskText(context.Background(), "Q2", TurnOptions{})
	assert.NoError(t, err, "new turn allowed while audio is generating")
	assert.Len(t, h.o.Messages(), 4)
}

func TestEmptyQuestionIsRejected(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.o.AskText(context.Background(), "  ", TurnOptions{})
	assert.ErrorIs(t, err, ports.ErrInvalidInput)
	assert.Empty(t, h.o.Messages())
	assert.Empty(t, h.o.Notices())
}

func TestVoiceQuestionAppendsBothMessages(t *testing.T) {
	h := newHarness(t, false)
	h.disp.voice = func(context.Context, ports.Blob) (ports.VoiceAnswerPayload, error) {
		return ports.VoiceAnswerPayload{Question: "Q", Answer: "A", AudioRef: "/audio/v1.wav"}, nil
	}
	h.art.readyOn("/audio/v1.wav", 1)
	require.NoError(t, h.dev.Attach("audio/webm"))

	require.NoError(t, h.o.StartRecording(context.Background(), capture.VariantBlob, TurnOptions{}))
	assert.Equal(t, PhaseCapturing, h.o.Phase())
	assert.Equal(t, capture.ModeRecordingBlob, h.o.CaptureMode())

	ctx := context.Background()
	require.NoError(t, h.dev.Push(ctx, []byte("ab")))
	require.NoError(t, h.dev.Push(ctx, []byte("cd")))
	require.NoError(t, h.o.StopRecording())

	require.Eventually(t, func() bool { return len(h.o.Messages()) == 2 }, waitFor, 5*time.Millisecond)
	msgs := h.o.Messages()
	assert.Equal(t, ports.RoleUser, msgs[0].Role)
	assert.Equal(t, "Q", msgs[0].Text)
	assert.Equal(t, "A", msgs[1].Text)
	assert.Equal(t, ports.AudioGenerating, msgs[1].AudioState)
	assert.Equal(t, capture.ModeIdle, h.o.CaptureMode())

	h.disp.mu.Lock()
	require.Len(t, h.disp.blobs, 1)
	assert.Equal(t, []byte("abcd"), h.disp.blobs[0].Data)
	h.disp.mu.Unlock()

	h.drive(1)
	got := h.waitAudio(t, msgs[1].ID, ports.AudioReady)
	assert.Equal(t, "/audio/v1.wav", got.AudioRef)
}

func TestAudioTimesOutAndRetrySucceeds(t *testing.T) {
	h := newHarness(t, false)
	h.disp.text = func(context.Context, string) (ports.AnswerPayload, error) {
		return ports.AnswerPayload{Answer: "A", AudioRef: "/audio/slow.wav"}, nil
	}
	h.disp.speech = func(context.Context, string) (string, error) { return "/audio/again.wav", nil }
	h.art.readyOn("/audio/again.wav", 2)

	a, err := h.o.AskText(context.Background(), "Q", TurnOptions{Speak: true})
	require.NoError(t, err)

	h.drive(h.cfg.MaxAttempts)
	failed := h.waitAudio(t, a.ID, ports.AudioFailed)
	assert.Empty(t, failed.AudioRef)
	assert.Equal(t, "A", failed.Text, "answer text stays readable")
	assert.Equal(t, 40, h.art.count("/audio/slow.wav"))

	_, err = h.o.FetchAudio(context.Background(), a.ID)
	assert.ErrorIs(t, err, ports.ErrNotFound)

	retried, err := h.o.RetryAudio(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, ports.AudioGenerating, retried.AudioState)

	h.drive(2)
	got := h.waitAudio(t, a.ID, ports.AudioReady)
	assert.Equal(t, "/audio/again.wav", got.AudioRef)
	assert.Equal(t, []string{"A"}, h.disp.spokenTexts())
}

func TestRetryAudioRejectsBusyMessages(t *testing.T) {
	h := newHarness(t, false)
	h.disp.text = func(context.Context, string) (ports.AnswerPayload, error) {
		return ports.AnswerPayload{Answer: "A", AudioRef: "/audio/a.wav"}, nil
	}

	a, err := h.o.AskText(context.Background(), "Q", TurnOptions{Speak: true})
	require.NoError(t, err)

	_, err = h.o.RetryAudio(context.Background(), a.ID)
	assert.ErrorIs(t, err, ports.ErrInvalidInput)

	user := h.o.Messages()[0]
	_, err = h.o.RetryAudio(context.Background(), user.ID)
	assert.ErrorIs(t, err, ports.ErrInvalidInput)

	_, err = h.o.RetryAudio(context.Background(), 999)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestSpeakRequestsSynthesis(t *testing.T) {
	h := newHarness(t, false)
	h.disp.speech = func(context.Context, string) (string, error) { return "/audio/s1.wav", nil }
	h.art.readyOn("/audio/s1.wav", 1)

	a, err := h.o.AskText(context.Background(), "Q", TurnOptions{Speak: true})
	require.NoError(t, err)
	assert.Equal(t, ports.AudioGenerating, a.AudioState)

	h.drive(1)
	got := h.waitAudio(t, a.ID, ports.AudioReady)
	assert.Equal(t, "/audio/s1.wav", got.AudioRef)
	assert.Equal(t, []string{"answer to Q"}, h.disp.spokenTexts())
}

func TestSynthesisFailureDegradesAudio(t *testing.T) {
	h := newHarness(t, false)

	a, err := h.o.AskText(context.Background(), "Q", TurnOptions{Speak: true})
	require.NoError(t, err)

	h.waitAudio(t, a.ID, ports.AudioFailed)
	require.Eventually(t, func() bool { return len(h.events.audio()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, PhaseIdle, h.o.Phase())
}

func TestNoSpeakMeansNoAudio(t *testing.T) {
	h := newHarness(t, false)

	a, err := h.o.AskText(context.Background(), "Q", TurnOptions{})
	require.NoError(t, err)
	assert.Equal(t, ports.AudioNone, a.AudioState)
	assert.Empty(t, h.disp.spokenTexts())
	assert.Equal(t, 0, h.clk.Sleepers())
}

func TestDispatchFailureShowsNotice(t *testing.T) {
	h := newHarness(t, false)
	h.disp.text = func(context.Context, string) (ports.AnswerPayload, error) {
		return ports.AnswerPayload{}, ports.QueryFailed("backend unreachable", nil)
	}

	_, err := h.o.AskText(context.Background(), "Q", TurnOptions{})
	assert.ErrorIs(t, err, ports.ErrQueryFailed)

	msgs := h.o.Messages()
	require.Len(t, msgs, 1, "no partial assistant message")
	assert.Equal(t, ports.RoleUser, msgs[0].Role)
	assert.Equal(t, PhaseIdle, h.o.Phase())

	notices := h.o.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, ports.KindQueryFailed, notices[0].Kind)
	assert.True(t, h.o.DismissNotice(notices[0].ID))
	assert.Empty(t, h.o.Notices())

	require.Eventually(t, func() bool { return h.alerts.count() == 1 }, waitFor, 5*time.Millisecond)

	_, err = h.o.AskText(context.Background(), "Q again", TurnOptions{})
	assert.ErrorIs(t, err, ports.ErrQueryFailed, "next turn is accepted after a failure")
}

func TestResetDropsLateAnswer(t *testing.T) {
	h := newHarness(t, false)
	called := make(chan struct{})
	release := make(chan struct{})
	h.disp.text = func(context.Context, string) (ports.AnswerPayload, error) {
		close(called)
		<-release
		return ports.AnswerPayload{Answer: "late", AudioRef: "/audio/late.wav"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.o.AskText(context.Background(), "Q", TurnOptions{Speak: true})
		done <- err
	}()
	<-called

	require.NoError(t, h.o.Reset())
	close(release)

	assert.ErrorIs(t, <-done, ports.ErrClosed)
	assert.Empty(t, h.o.Messages())
	assert.Empty(t, h.o.Notices())
	assert.Equal(t, PhaseIdle, h.o.Phase())
	assert.Equal(t, 0, h.clk.Sleepers(), "no poll started for the late answer")

	h.disp.text = nil
	a, err := h.o.AskText(context.Background(), "fresh", TurnOptions{})
	require.NoError(t, err)
	assert.Equal(t, "answer to fresh", a.Text)
	assert.Len(t, h.o.Messages(), 2)
}

func TestResetCancelsPolls(t *testing.T) {
	h := newHarness(t, false)
	h.disp.text = func(context.Context, string) (ports.AnswerPayload, error) {
		return ports.AnswerPayload{Answer: "A", AudioRef: "/audio/a.wav"}, nil
	}
	h.art.readyOn("/audio/a.wav", 1)

	_, err := h.o.AskText(context.Background(), "Q", TurnOptions{Speak: true})
	require.NoError(t, err)
	h.clk.BlockUntil(1)

	require.NoError(t, h.o.Reset())
	require.Eventually(t, func() bool { return h.clk.Sleepers() == 0 }, waitFor, 5*time.Millisecond)

	h.clk.Advance(time.Minute)
	assert.Equal(t, 0, h.art.count("/audio/a.wav"))
	assert.Empty(t, h.events.audio())
	assert.Contains(t, h.events.types(), EventCleared)
}

func TestResetDuringRecording(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.dev.Attach("audio/webm"))
	require.NoError(t, h.o.StartRecording(context.Background(), capture.VariantBlob, TurnOptions{}))
	require.NoError(t, h.dev.Push(context.Background(), []byte("ab")))

	require.NoError(t, h.o.Reset())
	assert.Equal(t, capture.ModeIdle, h.o.CaptureMode())
	assert.Equal(t, PhaseIdle, h.o.Phase())
	assert.NoError(t, h.o.StopRecording(), "nothing left to stop")

	h.disp.mu.Lock()
	assert.Empty(t, h.disp.blobs)
	h.disp.mu.Unlock()

	require.NoError(t, h.o.StartRecording(context.Background(), capture.VariantBlob, TurnOptions{}),
		"device was released")
}

func TestPermissionDeniedReturnsToIdle(t *testing.T) {
	h := newHarness(t, false)
	h.dev.Deny()

	err := h.o.StartRecording(context.Background(), capture.VariantBlob, TurnOptions{})
	assert.ErrorIs(t, err, ports.ErrPermissionDenied)
	assert.Equal(t, PhaseIdle, h.o.Phase())
	assert.Equal(t, capture.ModeIdle, h.o.CaptureMode())

	notices := h.o.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, ports.KindPermissionDenied, notices[0].Kind)
	assert.Equal(t, 0, h.alerts.count(), "device errors are not alerted")

	_, err = h.o.AskText(context.Background(), "typed instead", TurnOptions{})
	assert.NoError(t, err)
}

func TestEmptyRecordingIsNoSpeech(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.dev.Attach("audio/webm"))
	require.NoError(t, h.o.StartRecording(context.Background(), capture.VariantBlob, TurnOptions{}))

	err := h.o.StopRecording()
	assert.ErrorIs(t, err, ports.ErrNoSpeechDetected)

	require.Eventually(t, func() bool { return len(h.o.Notices()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, PhaseIdle, h.o.Phase())
	assert.Empty(t, h.o.Messages())
}

func TestCancelRecording(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.dev.Attach("audio/webm"))
	require.NoError(t, h.o.StartRecording(context.Background(), capture.VariantBlob, TurnOptions{}))

	h.o.CancelRecording()
	assert.Equal(t, PhaseIdle, h.o.Phase())
	assert.Equal(t, capture.ModeIdle, h.o.CaptureMode())
	assert.Empty(t, h.o.Notices())
}

func TestStreamTurn(t *testing.T) {
	h := newHarness(t, true)
	assert.True(t, h.o.Capabilities().StreamingSupported)

	require.NoError(t, h.o.StartRecording(context.Background(), capture.VariantStream, TurnOptions{}))
	s := h.rec.last()
	s.events <- capture.RecognitionEvent{Kind: capture.EventPartial, Text: "what is"}
	s.events <- capture.RecognitionEvent{Kind: capture.EventFinal, Text: "what is X"}

	require.Eventually(t, func() bool { return len(h.o.Messages()) == 2 }, waitFor, 5*time.Millisecond)
	msgs := h.o.Messages()
	assert.Equal(t, "what is X", msgs[0].Text)
	assert.Equal(t, "answer to what is X", msgs[1].Text)
	require.Eventually(t, func() bool { return h.o.Phase() == PhaseIdle }, waitFor, 5*time.Millisecond)
	assert.Contains(t, h.events.types(), EventPartial)
}

func TestStreamStopUsesInterimText(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.o.StartRecording(context.Background(), capture.VariantStream, TurnOptions{}))
	h.rec.last().events <- capture.RecognitionEvent{Kind: capture.EventPartial, Text: "hello"}
	require.Eventually(t, func() bool { return h.o.session.Transcript() == "hello" }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.o.StopRecording())
	require.Eventually(t, func() bool { return len(h.o.Messages()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "hello", h.o.Messages()[0].Text)
}

func TestStreamUnsupported(t *testing.T) {
	h := newHarness(t, false)
	assert.False(t, h.o.Capabilities().StreamingSupported)
	assert.Equal(t, []capture.Variant{capture.VariantBlob}, h.o.Capabilities().Variants)

	err := h.o.StartRecording(context.Background(), capture.VariantStream, TurnOptions{})
	assert.ErrorIs(t, err, ports.ErrUnsupportedEnvironment)
	assert.Equal(t, PhaseIdle, h.o.Phase())
}

func TestClosedOrchestratorRejectsWork(t *testing.T) {
	h := newHarness(t, false)
	h.disp.text = func(context.Context, string) (ports.AnswerPayload, error) {
		return ports.AnswerPayload{Answer: "A", AudioRef: "/audio/a.wav"}, nil
	}
	_, err := h.o.AskText(context.Background(), "Q", TurnOptions{Speak: true})
	require.NoError(t, err)
	h.clk.BlockUntil(1)

	h.o.Close()
	assert.Equal(t, 0, h.clk.Sleepers())
	assert.Empty(t, h.o.Messages())

	_, err = h.o.AskText(context.Background(), "Q", TurnOptions{})
	assert.ErrorIs(t, err, ports.ErrClosed)
	assert.ErrorIs(t, h.o.Reset(), ports.ErrClosed)
	assert.ErrorIs(t, h.o.StartRecording(context.Background(), capture.VariantBlob, TurnOptions{}), ports.ErrClosed)
}

func TestTextOnlyTurnIgnoresBackendAudio(t *testing.T) {
	h := newHarness(t, false)
	h.disp.text = func(context.Context, string) (ports.AnswerPayload, error) {
		return ports.AnswerPayload{Answer: "X is...", AudioRef: "/audio/a1.wav"}, nil
	}

	a, err := h.o.AskText(context.Background(), "What is X?", TurnOptions{})
	require.NoError(t, err)
	assert.Equal(t, ports.AudioNone, a.AudioState)
	assert.Empty(t, a.AudioRef)
	assert.Equal(t, PhaseIdle, h.o.Phase())
	assert.Equal(t, 0, h.clk.Sleepers(), "no poll for a text-only answer")
	assert.Equal(t, 0, h.art.count("/audio/a1.wav"))
}

func TestStreamTurnKeepsBackendAudio(t *testing.T) {
	h := newHarness(t, true)
	h.disp.text = func(context.Context, string) (ports.AnswerPayload, error) {
		return ports.AnswerPayload{Answer: "A", AudioRef: "/audio/st.wav"}, nil
	}
	h.art.readyOn("/audio/st.wav", 1)

	require.NoError(t, h.o.StartRecording(context.Background(), capture.VariantStream, TurnOptions{}))
	h.rec.last().events <- capture.RecognitionEvent{Kind: capture.EventFinal, Text: "Q"}

	require.Eventually(t, func() bool { return len(h.o.Messages()) == 2 }, waitFor, 5*time.Millisecond)
	a := h.o.Messages()[1]
	assert.Equal(t, ports.AudioGenerating, a.AudioState)

	h.drive(1)
	assert.Equal(t, "/audio/st.wav", h.waitAudio(t, a.ID, ports.AudioReady).AudioRef)
}

func TestFinishedCaptureTurnReleasesContext(t *testing.T) {
	h := newHarness(t, false)
	seen := make(chan context.Context, 1)
	h.disp.voice = func(ctx context.Context, _ ports.Blob) (ports.VoiceAnswerPayload, error) {
		seen <- ctx
		return ports.VoiceAnswerPayload{Question: "Q", Answer: "A"}, nil
	}
	require.NoError(t, h.dev.Attach("audio/webm"))

	require.NoError(t, h.o.StartRecording(context.Background(), capture.VariantBlob, TurnOptions{}))
	require.NoError(t, h.dev.Push(context.Background(), []byte("ab")))
	require.NoError(t, h.o.StopRecording())

	ctx := <-seen
	require.Eventually(t, func() bool { return ctx.Err() != nil }, waitFor, 5*time.Millisecond)
	assert.Len(t, h.o.Messages(), 2)
}

func TestConcurrentStartStop(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.dev.Attach("audio/webm"))

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = h.o.StopRecording()
			}
		}()

		_ = h.o.StartRecording(context.Background(), capture.VariantBlob, TurnOptions{})
		wg.Wait()
		h.o.CancelRecording()

		require.Eventually(t, func() bool {
			return h.o.Phase() == PhaseIdle && h.o.CaptureMode() == capture.ModeIdle
		}, waitFor, time.Millisecond)
	}
	assert.Empty(t, h.o.Messages())
}

func TestRevokedMicrophoneIsPermissionDenied(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.dev.Attach("audio/webm"))
	require.NoError(t, h.o.StartRecording(context.Background(), capture.VariantBlob, TurnOptions{}))

	h.dev.Deny()

	require.Eventually(t, func() bool { return len(h.o.Notices()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, ports.KindPermissionDenied, h.o.Notices()[0].Kind)
	assert.Equal(t, PhaseIdle, h.o.Phase())
}

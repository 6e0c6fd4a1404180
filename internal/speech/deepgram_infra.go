package speech

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Vovarama1992/voice_answer/internal/audio"
	"github.com/Vovarama1992/voice_answer/internal/capture"
	"github.com/Vovarama1992/voice_answer/internal/ports"
)

// DeepgramRecognizer streams a device track into Deepgram live
// transcription and reports interim and final text.
type DeepgramRecognizer struct {
	cfg    Config
	device capture.Device
	dial   Dialer
	log    *zap.Logger
}

func NewDeepgramRecognizer(cfg Config, device capture.Device, dial Dialer, log *zap.Logger) *DeepgramRecognizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeepgramRecognizer{cfg: cfg.withDefaults(), device: device, dial: dial, log: log}
}

// Supported is true once an API key is configured.
func (r *DeepgramRecognizer) Supported() bool { return r.cfg.APIKey != "" && r.dial != nil }

func (r *DeepgramRecognizer) Listen(ctx context.Context) (capture.RecognitionStream, error) {
	track, err := r.device.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+r.cfg.APIKey)

	conn, err := r.dial(ctx, r.listenURL(track.ContentType()), header)
	if err != nil {
		track.Release()
		r.log.Warn("[deepgram] dial failed", zap.Error(err))
		return nil, ports.NewError(ports.KindNetworkError, "speech recognizer unreachable", err)
	}

	s := &liveStream{
		conn:   conn,
		track:  track,
		log:    r.log,
		events: make(chan capture.RecognitionEvent, 32),
		closed: make(chan struct{}),
	}
	go s.pump()
	go s.read()
	return s, nil
}

func (r *DeepgramRecognizer) listenURL(contentType string) string {
	q := url.Values{}
	q.Set("model", r.cfg.Model)
	q.Set("language", r.cfg.Language)
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	// контейнерный звук (webm/ogg) Deepgram распознаёт сам, сырой PCM надо описать
	if f, ok := audio.ParseL16(contentType); ok {
		q.Set("encoding", "linear16")
		q.Set("sample_rate", strconv.Itoa(f.SampleRate))
		q.Set("channels", strconv.Itoa(f.Channels))
	}
	return r.cfg.URL + "?" + q.Encode()
}

type resultsFrame struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Description string `json:"description"`
}

var closeStreamMsg = []byte(`{"type":"CloseStream"}`)

type liveStream struct {
	conn  Conn
	track capture.Track
	log   *zap.Logger

	wmu      sync.Mutex
	finished bool

	events    chan capture.RecognitionEvent
	closed    chan struct{}
	closeOnce sync.Once

	committed []string
}

func (s *liveStream) Events() <-chan capture.RecognitionEvent { return s.events }

// Finish tells Deepgram no more audio follows; it answers with the last
// results and closes the socket.
func (s *liveStream) Finish() {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.finished {
		return
	}
	s.finished = true
	if err := s.conn.WriteMessage(websocket.TextMessage, closeStreamMsg); err != nil {
		s.log.Debug("[deepgram] close stream failed", zap.Error(err))
	}
}

func (s *liveStream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.track.Release()
		_ = s.conn.Close()
	})
}

func (s *liveStream) pump() {
	for {
		select {
		case <-s.closed:
			return
		case chunk, ok := <-s.track.Chunks():
			if !ok {
				s.Finish()
				return
			}
			if err := s.write(chunk); err != nil {
				s.log.Debug("[deepgram] audio write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *liveStream) write(chunk []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.finished {
		return nil
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (s *liveStream) read() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.expectedClose(err) {
				return
			}
			s.emit(capture.RecognitionEvent{
				Kind: capture.EventError,
				Err:  ports.NewError(ports.KindNetworkError, "recognizer connection lost", err),
			})
			return
		}

		var f resultsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Debug("[deepgram] bad frame", zap.Error(err))
			continue
		}

		switch f.Type {
		case "Results":
			if ev, ok := s.results(f); ok {
				if !s.emit(ev) || ev.Kind == capture.EventFinal {
					return
				}
			}
		case "Error":
			s.emit(capture.RecognitionEvent{
				Kind: capture.EventError,
				Err:  ports.NewError(ports.KindNetworkError, f.Description, nil),
			})
			return
		}
	}
}

func (s *liveStream) results(f resultsFrame) (capture.RecognitionEvent, bool) {
	text := ""
	if len(f.Channel.Alternatives) > 0 {
		text = strings.TrimSpace(f.Channel.Alternatives[0].Transcript)
	}

	current := s.joined(text)
	if f.IsFinal && text != "" {
		s.committed = append(s.committed, text)
	}

	switch {
	case f.SpeechFinal && current != "":
		return capture.RecognitionEvent{Kind: capture.EventFinal, Text: current}, true
	case current != "":
		return capture.RecognitionEvent{Kind: capture.EventPartial, Text: current}, true
	}
	return capture.RecognitionEvent{}, false
}

func (s *liveStream) joined(text string) string {
	parts := append([]string(nil), s.committed...)
	if text != "" {
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

func (s *liveStream) emit(ev capture.RecognitionEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func (s *liveStream) expectedClose(err error) bool {
	select {
	case <-s.closed:
		return true
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	s.wmu.Lock()
	finished := s.finished
	s.wmu.Unlock()
	return finished && !errors.Is(err, context.DeadlineExceeded)
}

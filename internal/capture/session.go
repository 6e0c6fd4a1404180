package capture

import (
	"context"
	"sync"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

type Mode string

const (
	ModeIdle            Mode = "idle"
	ModeRecordingBlob   Mode = "recording-blob"
	ModeRecordingStream Mode = "recording-stream"
)

// Session is the one capture slot of an orchestrator. Its mode is the
// exclusion lock shared by both variants: a second attempt of either
// variant cannot start while the mode is not idle.
type Session struct {
	mu         sync.Mutex
	mode       Mode
	attempt    uint64
	transcript string
	chunks     [][]byte
	abort      context.CancelFunc
}

type snapshot struct {
	transcript string
	chunks     [][]byte
}

func NewSession() *Session {
	return &Session{mode: ModeIdle}
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Transcript is the interim text of the running stream attempt.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// Abort ends the active attempt without delivering its result. It reports
// whether anything was active.
func (s *Session) Abort() bool {
	s.mu.Lock()
	if s.mode == ModeIdle {
		s.mu.Unlock()
		return false
	}
	abort := s.abort
	s.reset()
	s.mu.Unlock()

	if abort != nil {
		abort()
	}
	return true
}

func (s *Session) claim(m Mode, abort context.CancelFunc) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != ModeIdle {
		return 0, ports.NewError(ports.KindSessionAlreadyActive, "capture already running: "+string(s.mode), nil)
	}
	s.attempt++
	s.mode = m
	s.transcript = ""
	s.chunks = nil
	s.abort = abort
	return s.attempt, nil
}

func (s *Session) owns(attempt uint64, m Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt == attempt && s.mode == m
}

func (s *Session) addChunk(attempt uint64, chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempt != attempt || s.mode != ModeRecordingBlob {
		return false
	}
	s.chunks = append(s.chunks, chunk)
	return true
}

func (s *Session) setTranscript(attempt uint64, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempt != attempt || s.mode != ModeRecordingStream {
		return false
	}
	s.transcript = text
	return true
}

// end returns the session to idle if attempt is still the live one and hands
// back what it accumulated. Only the first caller for an attempt gets ok.
func (s *Session) end(attempt uint64) (snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempt != attempt || s.mode == ModeIdle {
		return snapshot{}, false
	}
	snap := snapshot{transcript: s.transcript, chunks: s.chunks}
	s.reset()
	return snap, true
}

func (s *Session) reset() {
	s.mode = ModeIdle
	s.transcript = ""
	s.chunks = nil
	s.abort = nil
}

// deviceError keeps tagged device failures and tags anything else as an
// unavailable device.
func deviceError(err error) error {
	if ports.KindOf(err) == ports.KindInternal {
		return ports.NewError(ports.KindDeviceUnavailable, "", err)
	}
	return err
}

package sessions

import (
	"sync"
	"time"

	"github.com/Vovarama1992/voice_answer/internal/capture"
	"github.com/Vovarama1992/voice_answer/internal/orchestrator"
)

// Builder wires the orchestrator of a new conversation to its device and
// to the event hub of the session.
type Builder func(id string, device *capture.PushDevice, publish func(orchestrator.Event)) *orchestrator.Orchestrator

// Session — одна живая беседа клиента
type Session struct {
	ID           string
	Orchestrator *orchestrator.Orchestrator
	Device       *capture.PushDevice
	Events       *Hub
	CreatedAt    time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

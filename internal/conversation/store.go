package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

// Store is the append-only conversation log rendered by the client.
// Ids come from a sequence that survives Clear, so a cleared id never
// comes back and late patches against it fall through.
type Store struct {
	mu   sync.RWMutex
	seq  uint64
	msgs []ports.Message
	pos  map[ports.MessageID]int
	now  func() time.Time
}

func NewStore() *Store {
	return &Store{
		pos: make(map[ports.MessageID]int),
		now: time.Now,
	}
}

// Append validates msg, assigns its id and stores it at the end of the log.
func (s *Store) Append(msg ports.Message) (ports.MessageID, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return 0, ports.NewError(ports.KindInvalidInput, "message text is empty", nil)
	}

	switch msg.Role {
	case ports.RoleUser:
		if msg.AudioRef != "" || (msg.AudioState != "" && msg.AudioState != ports.AudioNone) {
			return 0, ports.NewError(ports.KindInvalidInput, "user message cannot carry audio", nil)
		}
	case ports.RoleAssistant:
	default:
		return 0, ports.NewError(ports.KindInvalidInput, "unknown role "+string(msg.Role), nil)
	}

	if msg.AudioState == "" {
		msg.AudioState = ports.AudioNone
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	msg.ID = ports.MessageID(s.seq)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if msg.Metadata != nil {
		md := *msg.Metadata
		msg.Metadata = &md
	}

	s.pos[msg.ID] = len(s.msgs)
	s.msgs = append(s.msgs, msg)
	return msg.ID, nil
}

// Patch updates the audio fields of one assistant message. It reports false
// without error when the message is gone (cleared) or is a user message.
func (s *Store) Patch(id ports.MessageID, p ports.AudioPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.pos[id]
	if !ok {
		return false
	}
	m := &s.msgs[i]
	if m.Role != ports.RoleAssistant {
		return false
	}

	if p.State != "" {
		m.AudioState = p.State
	}
	if p.Ref != nil {
		m.AudioRef = *p.Ref
	}
	return true
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = nil
	s.pos = make(map[ports.MessageID]int)
}

func (s *Store) Get(id ports.MessageID) (ports.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.pos[id]
	if !ok {
		return ports.Message{}, false
	}
	return s.msgs[i], true
}

// List returns a copy of the log in creation order.
func (s *Store) List() []ports.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ports.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

package error_notificator

import (
	"context"
	"sync"
	"time"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

// Service forwards transport failures to the admins, at most once per
// reason within the quiet window.
type Service struct {
	infra  Notificator
	quiet  time.Duration
	now    func() time.Time
	mu     sync.Mutex
	recent map[string]time.Time
}

func NewService(infra Notificator, quiet time.Duration) *Service {
	return &Service{
		infra:  infra,
		quiet:  quiet,
		now:    time.Now,
		recent: make(map[string]time.Time),
	}
}

func (s *Service) Notify(ctx context.Context, sessionID string, err error, details string) error {
	if s == nil || s.infra == nil || !ports.IsTransportError(err) {
		return nil
	}

	key := err.Error()
	now := s.now()
	s.mu.Lock()
	if last, ok := s.recent[key]; ok && now.Sub(last) < s.quiet {
		s.mu.Unlock()
		return nil
	}
	s.recent[key] = now
	for k, at := range s.recent {
		if now.Sub(at) >= s.quiet {
			delete(s.recent, k)
		}
	}
	s.mu.Unlock()

	return s.infra.Notify(ctx, sessionID, err, details)
}

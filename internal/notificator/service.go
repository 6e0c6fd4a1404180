package notificator

import (
	"errors"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

type Service struct {
	infra Notificator
}

func NewService(infra Notificator) *Service {
	return &Service{infra: infra}
}

// NotifyError turns a failed turn into a dismissable notice.
func (s *Service) NotifyError(err error) Notice {
	kind := ports.KindOf(err)
	return s.infra.Push(Notice{Kind: kind, Text: Describe(err)})
}

func (s *Service) List() []Notice { return s.infra.List() }

func (s *Service) Dismiss(id string) bool { return s.infra.Dismiss(id) }

// Describe is the user-facing text of err.
func Describe(err error) string {
	var reason string
	var e *ports.Error
	if errors.As(err, &e) {
		reason = e.Reason
	}

	switch ports.KindOf(err) {
	case ports.KindPermissionDenied:
		return "Microphone access was denied. Allow it in the browser and try again."
	case ports.KindDeviceUnavailable:
		return "No microphone is available."
	case ports.KindUnsupportedEnvironment:
		return "Live speech recognition is not supported here. Type your question or record it instead."
	case ports.KindNoSpeechDetected:
		return "No speech was detected. Please try again."
	case ports.KindNetworkError:
		return "Speech recognition lost its connection. Please try again."
	case ports.KindQueryFailed:
		if reason != "" {
			return reason
		}
		return "The question could not be answered. Please try again."
	case ports.KindInternal:
		return "Something went wrong. Please try again."
	}
	if reason != "" {
		return reason
	}
	return err.Error()
}

package ports

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindPermissionDenied       ErrorKind = "permission_denied"
	KindDeviceUnavailable      ErrorKind = "device_unavailable"
	KindUnsupportedEnvironment ErrorKind = "unsupported_environment"
	KindSessionAlreadyActive   ErrorKind = "session_already_active"
	KindNoSpeechDetected       ErrorKind = "no_speech_detected"
	KindNetworkError           ErrorKind = "network_error"
	KindQueryFailed            ErrorKind = "query_failed"
	KindTimeout                ErrorKind = "timeout"
	KindInvalidInput           ErrorKind = "invalid_input"
	KindTurnInProgress         ErrorKind = "turn_in_progress"
	KindNotFound               ErrorKind = "not_found"
	KindClosed                 ErrorKind = "closed"
	KindInternal               ErrorKind = "internal"
)

// Error is the only failure shape that leaves the orchestration packages.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any error of the same kind, so errors.Is(err, ErrQueryFailed)
// holds regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	ErrPermissionDenied       = &Error{Kind: KindPermissionDenied}
	ErrDeviceUnavailable      = &Error{Kind: KindDeviceUnavailable}
	ErrUnsupportedEnvironment = &Error{Kind: KindUnsupportedEnvironment}
	ErrSessionAlreadyActive   = &Error{Kind: KindSessionAlreadyActive}
	ErrNoSpeechDetected       = &Error{Kind: KindNoSpeechDetected}
	ErrNetwork                = &Error{Kind: KindNetworkError}
	ErrQueryFailed            = &Error{Kind: KindQueryFailed}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrInvalidInput           = &Error{Kind: KindInvalidInput}
	ErrTurnInProgress         = &Error{Kind: KindTurnInProgress}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrClosed                 = &Error{Kind: KindClosed}
)

func NewError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func QueryFailed(reason string, err error) *Error {
	return &Error{Kind: KindQueryFailed, Reason: reason, Err: err}
}

// KindOf classifies err; anything untagged is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsDeviceError reports the device class of failures (terminal for one capture attempt).
func IsDeviceError(err error) bool {
	switch KindOf(err) {
	case KindPermissionDenied, KindDeviceUnavailable, KindUnsupportedEnvironment,
		KindNoSpeechDetected, KindNetworkError:
		return true
	}
	return false
}

// IsTransportError reports failures of the remote service.
func IsTransportError(err error) bool {
	switch KindOf(err) {
	case KindQueryFailed, KindTimeout:
		return true
	}
	return false
}

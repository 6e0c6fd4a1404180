package delivery

import (
	"net/http"

	"github.com/Vovarama1992/go-utils/logger"
	"github.com/goccy/go-json"

	"github.com/Vovarama1992/voice_answer/internal/notificator"
	"github.com/Vovarama1992/voice_answer/internal/ports"
)

var statusByKind = map[ports.ErrorKind]int{
	ports.KindInvalidInput:           http.StatusBadRequest,
	ports.KindPermissionDenied:       http.StatusForbidden,
	ports.KindNotFound:               http.StatusNotFound,
	ports.KindTurnInProgress:         http.StatusConflict,
	ports.KindSessionAlreadyActive:   http.StatusConflict,
	ports.KindDeviceUnavailable:      http.StatusConflict,
	ports.KindClosed:                 http.StatusGone,
	ports.KindNoSpeechDetected:       http.StatusUnprocessableEntity,
	ports.KindUnsupportedEnvironment: http.StatusNotImplemented,
	ports.KindNetworkError:           http.StatusBadGateway,
	ports.KindQueryFailed:            http.StatusBadGateway,
	ports.KindTimeout:                http.StatusGatewayTimeout,
}

func statusOf(err error) int {
	if code, ok := statusByKind[ports.KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *SessionHandler) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Log(logger.LogEntry{
			Level:   "error",
			Message: "request failed",
			Service: "voice_answer",
			Error:   err,
		})
	}
	writeJSON(w, status, map[string]any{
		"error":   ports.KindOf(err),
		"message": notificator.Describe(err),
	})
}

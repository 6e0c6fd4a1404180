package delivery

import (
	"io"
	"net/http"
	"strconv"

	"github.com/Vovarama1992/go-utils/logger"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/Vovarama1992/voice_answer/internal/capture"
	"github.com/Vovarama1992/voice_answer/internal/orchestrator"
	"github.com/Vovarama1992/voice_answer/internal/ports"
	"github.com/Vovarama1992/voice_answer/internal/sessions"
)

const maxChunkBytes = 1 << 20

type SessionHandler struct {
	reg *sessions.Registry
	log *logger.ZapLogger
}

func NewSessionHandler(reg *sessions.Registry, log *logger.ZapLogger) *SessionHandler {
	return &SessionHandler{reg: reg, log: log}
}

type turnRequest struct {
	Text         string          `json:"text"`
	Variant      capture.Variant `json:"variant"`
	Speak        bool            `json:"speak"`
	DocumentName string          `json:"document_name"`
	Language     string          `json:"language"`
}

func (t turnRequest) options() orchestrator.TurnOptions {
	return orchestrator.TurnOptions{Speak: t.Speak, DocumentName: t.DocumentName, Language: t.Language}
}

func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*sessions.Session, bool) {
	s, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return s, true
}

func (h *SessionHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		h.writeError(w, ports.NewError(ports.KindInvalidInput, "invalid json", err))
		return false
	}
	return true
}

func (h *SessionHandler) Create(w http.ResponseWriter, _ *http.Request) {
	s := h.reg.Create()
	caps := s.Orchestrator.Capabilities()
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":                  s.ID,
		"streaming_supported": caps.StreamingSupported,
		"variants":            caps.Variants,
	})
}

func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Close(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": s.Orchestrator.Messages(),
		"phase":    s.Orchestrator.Phase(),
	})
}

func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Orchestrator.Reset(); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) Ask(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req turnRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg, err := s.Orchestrator.AskText(r.Context(), req.Text, req.options())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *SessionHandler) StartRecording(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req turnRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Variant == "" {
		req.Variant = capture.VariantBlob
	}

	if err := s.Orchestrator.StartRecording(r.Context(), req.Variant, req.options()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"phase":   s.Orchestrator.Phase(),
		"variant": req.Variant,
	})
}

func (h *SessionHandler) StopRecording(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Orchestrator.StopRecording(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"phase": s.Orchestrator.Phase()})
}

func (h *SessionHandler) CancelRecording(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Orchestrator.CancelRecording()
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) AttachDevice(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req struct {
		ContentType string `json:"content_type"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := s.Device.Attach(req.ContentType); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) DenyDevice(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Device.Deny()
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) DetachDevice(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Device.Detach()
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) PushChunk(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		h.writeError(w, ports.NewError(ports.KindInvalidInput, "chunk too large or unreadable", err))
		return
	}
	if len(data) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.Device.Push(r.Context(), data); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) RetryAudio(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	id, ok := h.messageID(w, r)
	if !ok {
		return
	}

	msg, err := s.Orchestrator.RetryAudio(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (h *SessionHandler) Audio(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	id, ok := h.messageID(w, r)
	if !ok {
		return
	}

	art, err := s.Orchestrator.FetchAudio(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ct := art.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Data)
}

func (h *SessionHandler) Notices(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Orchestrator.Notices())
}

func (h *SessionHandler) DismissNotice(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if !s.Orchestrator.DismissNotice(chi.URLParam(r, "notice_id")) {
		h.writeError(w, ports.NewError(ports.KindNotFound, "notice not found", nil))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) messageID(w http.ResponseWriter, r *http.Request) (ports.MessageID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "msg_id"), 10, 64)
	if err != nil {
		h.writeError(w, ports.NewError(ports.KindInvalidInput, "invalid message id", err))
		return 0, false
	}
	return ports.MessageID(id), true
}

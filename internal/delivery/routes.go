package delivery

import (
	"time"

	"github.com/Vovarama1992/go-utils/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

func RegisterRoutes(
	r chi.Router,
	h *SessionHandler,
	hEvents *EventsHandler,
	token string,
	ratePerMinute int,
) {
	r.Route("/sessions", func(pr chi.Router) {
		pr.Use(
			httputil.RecoverMiddleware,
			AuthMiddleware(token),
		)
		if ratePerMinute > 0 {
			pr.Use(httprate.LimitByIP(ratePerMinute, time.Minute))
		}

		// --- сессии ---
		pr.Post("/", h.Create)
		pr.Delete("/{id}", h.Close)

		// --- лента ---
		pr.Get("/{id}/messages", h.Messages)
		pr.Delete("/{id}/messages", h.Reset)
		pr.Get("/{id}/events", hEvents.Serve)

		// --- вопросы ---
		pr.Post("/{id}/ask", h.Ask)
		pr.Post("/{id}/recording/start", h.StartRecording)
		pr.Post("/{id}/recording/stop", h.StopRecording)
		pr.Post("/{id}/recording/cancel", h.CancelRecording)

		// --- микрофон ---
		pr.Post("/{id}/device/attach", h.AttachDevice)
		pr.Post("/{id}/device/deny", h.DenyDevice)
		pr.Post("/{id}/device/detach", h.DetachDevice)
		pr.Post("/{id}/device/chunk", h.PushChunk)

		// --- озвучка ---
		pr.Post("/{id}/messages/{msg_id}/audio/retry", h.RetryAudio)
		pr.Get("/{id}/messages/{msg_id}/audio", h.Audio)

		// --- уведомления ---
		pr.Get("/{id}/notices", h.Notices)
		pr.Delete("/{id}/notices/{notice_id}", h.DismissNotice)
	})
}

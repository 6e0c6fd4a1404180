package delivery

import (
	"net/http"
	"time"

	"github.com/Vovarama1992/go-utils/logger"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/Vovarama1992/voice_answer/internal/notificator"
	"github.com/Vovarama1992/voice_answer/internal/orchestrator"
	"github.com/Vovarama1992/voice_answer/internal/ports"
	"github.com/Vovarama1992/voice_answer/internal/sessions"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 2 * pingPeriod
)

// снимок ленты, отправляется первым кадром после подключения
type snapshotFrame struct {
	Type         string                    `json:"type"`
	Messages     []ports.Message           `json:"messages"`
	Notices      []notificator.Notice      `json:"notices"`
	Phase        orchestrator.Phase        `json:"phase"`
	Capabilities orchestrator.Capabilities `json:"capabilities"`
}

// EventsHandler streams conversation updates over a websocket.
type EventsHandler struct {
	reg      *sessions.Registry
	log      *logger.ZapLogger
	upgrader websocket.Upgrader
}

func NewEventsHandler(reg *sessions.Registry, log *logger.ZapLogger, origins []string) *EventsHandler {
	return &EventsHandler{
		reg: reg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func (h *EventsHandler) Serve(w http.ResponseWriter, r *http.Request) {
	s, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, statusOf(err), map[string]any{"error": ports.KindOf(err), "message": notificator.Describe(err)})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Log(logger.LogEntry{Level: "warn", Message: "ws upgrade failed", Service: "voice_answer", Error: err})
		return
	}
	defer func() { _ = conn.Close() }()

	feed, stop := s.Events.Subscribe()
	defer stop()

	o := s.Orchestrator
	if err := writeFrame(conn, snapshotFrame{
		Type:         "snapshot",
		Messages:     o.Messages(),
		Notices:      o.Notices(),
		Phase:        o.Phase(),
		Capabilities: o.Capabilities(),
	}); err != nil {
		return
	}

	gone := make(chan struct{})
	go readUntilClosed(conn, gone)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-feed:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := writeFrame(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readUntilClosed consumes client frames so pongs and close frames are
// processed. The feed is one-way; client payloads are ignored.
func readUntilClosed(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

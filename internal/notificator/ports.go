package notificator

import (
	"time"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

// Notice — временное сообщение пользователю, живёт до закрытия или до истечения TTL
type Notice struct {
	ID        string          `json:"id"`
	Kind      ports.ErrorKind `json:"kind"`
	Text      string          `json:"text"`
	CreatedAt time.Time       `json:"created_at"`
}

type Notificator interface {
	Push(n Notice) Notice
	List() []Notice
	Dismiss(id string) bool
}

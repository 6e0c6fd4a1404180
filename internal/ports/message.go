package ports

import (
	"context"
	"time"
)

type MessageID uint64

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AudioState tracks the spoken rendition of an assistant message.
type AudioState string

const (
	AudioNone       AudioState = "none"
	AudioGenerating AudioState = "generating"
	AudioReady      AudioState = "ready"
	AudioFailed     AudioState = "failed"
)

// Metadata is display-only; nothing in the subsystem branches on it.
type Metadata struct {
	SourcesUsed int     `json:"sources_used"`
	Confidence  float64 `json:"confidence"`
	QueryType   string  `json:"query_type,omitempty"`
	Cached      bool    `json:"cached,omitempty"`
	Language    string  `json:"language,omitempty"`
}

// DTO для ленты разговора
type Message struct {
	ID         MessageID  `json:"id"`
	Role       Role       `json:"role"`
	Text       string     `json:"text"`
	Timestamp  time.Time  `json:"timestamp"`
	AudioRef   string     `json:"audio_ref,omitempty"`
	AudioState AudioState `json:"audio_state"`
	Metadata   *Metadata  `json:"metadata,omitempty"`
}

// AudioPatch is the only mutation a stored message accepts.
type AudioPatch struct {
	State AudioState
	Ref   *string
}

// Archive mirrors the conversation log into durable storage.
type Archive interface {
	SaveMessage(ctx context.Context, sessionID string, msg Message) error
	UpdateAudio(ctx context.Context, sessionID string, id MessageID, state AudioState, ref string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

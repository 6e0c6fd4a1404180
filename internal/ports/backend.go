package ports

import "context"

type QueryOptions struct {
	DocumentName string
	Language     string
}

type AnswerPayload struct {
	Answer   string
	Metadata *Metadata
	// AudioRef is set when the backend already started synthesis for the answer.
	AudioRef string
}

type VoiceAnswerPayload struct {
	Question string
	Answer   string
	AudioRef string
	Metadata *Metadata
}

type Blob struct {
	Data        []byte
	ContentType string
}

type Artifact struct {
	Data        []byte
	ContentType string
}

// ArtifactStore answers existence and content of server-side audio.
type ArtifactStore interface {
	ProbeArtifact(ctx context.Context, ref string) (bool, error)
	FetchArtifact(ctx context.Context, ref string) (*Artifact, error)
}

// Backend — контракт удалённого сервиса вопросов/ответов
type Backend interface {
	ArtifactStore

	SubmitTextQuery(ctx context.Context, question string, opts QueryOptions) (*AnswerPayload, error)
	SubmitVoiceQuery(ctx context.Context, audio Blob, opts QueryOptions) (*VoiceAnswerPayload, error)
	RequestSpeech(ctx context.Context, text string, opts QueryOptions) (string, error)
}

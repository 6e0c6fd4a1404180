package infra

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

const uniqueViolation = "23505"

// recordRepo mirrors conversation messages into Postgres.
type recordRepo struct {
	db *sql.DB
}

func NewRecordRepo(db *sql.DB) ports.Archive {
	return &recordRepo{db: db}
}

func (r *recordRepo) SaveMessage(ctx context.Context, sessionID string, msg ports.Message) error {
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conversation_messages
			(session_id, message_id, role, text_content, audio_state, audio_ref, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sessionID, int64(msg.ID), string(msg.Role), msg.Text, string(msg.AudioState),
		nullString(msg.AudioRef), meta, msg.Timestamp)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return nil
	}
	return err
}

func (r *recordRepo) UpdateAudio(ctx context.Context, sessionID string, id ports.MessageID, state ports.AudioState, ref string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversation_messages
		SET audio_state = $3, audio_ref = COALESCE($4, audio_ref), updated_at = $5
		WHERE session_id = $1 AND message_id = $2
	`, sessionID, int64(id), string(state), nullString(ref), time.Now())
	return err
}

func (r *recordRepo) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM conversation_messages WHERE session_id = $1
	`, sessionID)
	return err
}

func encodeMetadata(md *ports.Metadata) (sql.NullString, error) {
	if md == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

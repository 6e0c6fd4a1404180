package error_notificator

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender is the part of *tgbotapi.BotAPI used for alerts.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Infra struct {
	bot    Sender
	admins []int64
	log    *zap.Logger
}

func NewInfra(bot Sender, admins []int64, log *zap.Logger) *Infra {
	if log == nil {
		log = zap.NewNop()
	}
	return &Infra{bot: bot, admins: admins, log: log}
}

// NewTelegramInfra logs into the Bot API with token.
func NewTelegramInfra(token string, admins []int64, log *zap.Logger) (*Infra, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return NewInfra(bot, admins, log), nil
}

func (i *Infra) Notify(ctx context.Context, sessionID string, err error, details string) error {
	if i.bot == nil {
		return fmt.Errorf("telegram bot not configured")
	}

	text := fmt.Sprintf(
		"❗ Ошибка в голосовом шлюзе (сессия %s)\n\nОшибка: %v\n\nДетали: %s",
		sessionID,
		err,
		details,
	)

	for _, chatID := range i.admins {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, sendErr := i.bot.Send(tgbotapi.NewMessage(chatID, text)); sendErr != nil {
			i.log.Warn("[error_notificator] send fail", zap.Int64("chat_id", chatID), zap.Error(sendErr))
			return sendErr
		}
	}
	return nil
}

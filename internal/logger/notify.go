package logger

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Reporter delivers operator-facing incident notifications. Implementations
// must never block the caller on delivery.
type Reporter interface {
	Report(msg string)
}

// TelegramReporter sends incident alerts to the admin chat.
type TelegramReporter struct {
	bot     *tgbotapi.BotAPI
	adminID int64
}

func NewTelegramReporter(bot *tgbotapi.BotAPI, adminID int64) *TelegramReporter {
	return &TelegramReporter{bot: bot, adminID: adminID}
}

// Report отправляет критическое уведомление админу
func (r *TelegramReporter) Report(msg string) {
	if r.bot == nil || r.adminID == 0 {
		return
	}
	go func() {
		if _, err := r.bot.Send(tgbotapi.NewMessage(r.adminID, "[ALERT] "+msg)); err != nil {
			Error("failed to deliver admin alert", zap.Error(err))
		}
	}()
}

// NopReporter discards incidents; used in tests.
type NopReporter struct{}

func (NopReporter) Report(string) {}

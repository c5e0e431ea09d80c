package bot

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"vpn-fleet-bot/internal/services"
)

// TelegramNotifier delivers lifecycle notices to users. The scanner hands
// over one batch per user; the whole batch becomes a single message.
type TelegramNotifier struct {
	bot *tgbotapi.BotAPI
}

func NewTelegramNotifier(bot *tgbotapi.BotAPI) *TelegramNotifier {
	return &TelegramNotifier{bot: bot}
}

func (n *TelegramNotifier) NotifyExpiring(telegramID string, keys []services.ExpiringKey) error {
	chatID, err := strconv.ParseInt(telegramID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram id %q: %w", telegramID, err)
	}
	_, err = n.bot.Send(tgbotapi.NewMessage(chatID, expiringMessage(keys)))
	return err
}

func expiringMessage(keys []services.ExpiringKey) string {
	var b strings.Builder
	b.WriteString("Подписка заканчивается у следующих ключей:\n")
	for _, key := range keys {
		name := key.Name
		if name == "" {
			name = key.KeyID
		}
		switch {
		case key.DaysLeft <= 0:
			fmt.Fprintf(&b, "• %s — срок истёк, ключ скоро будет отключён\n", name)
		case key.DaysLeft == 1:
			fmt.Fprintf(&b, "• %s — остался 1 день\n", name)
		default:
			fmt.Fprintf(&b, "• %s — осталось дней: %d\n", name, key.DaysLeft)
		}
	}
	b.WriteString("Продлить: /subscriptions")
	return b.String()
}

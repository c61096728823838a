package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramPusher delivers digest notifications to Telegram chats. Endpoint
// targets are chat IDs. The bot is send-only; no poller is started.
type TelegramPusher struct {
	bot *tele.Bot
}

func NewTelegramPusher(token string) (*TelegramPusher, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &TelegramPusher{bot: b}, nil
}

func (p *TelegramPusher) Channel() string { return "telegram" }

func (p *TelegramPusher) Push(ctx context.Context, n Notification) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(n.Endpoint.Target), 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram target %q: %w", n.Endpoint.Target, err)
	}

	text := n.Body
	if n.Title != "" {
		text = n.Title + "\n\n" + n.Body
	}

	// telebot has no context-aware send; honor cancellation before the call.
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = p.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

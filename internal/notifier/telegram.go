package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"dosewatch/internal/schedule"
)

type telegramSender struct {
	bot *tele.Bot
}

func newTelegramSender(cfg TelegramConfig, timeout time.Duration) (*telegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("token is required")
	}
	// Offline skips the getMe round-trip; the bot only sends.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b}, nil
}

func (t *telegramSender) Name() string { return "telegram" }

func (t *telegramSender) Send(ctx context.Context, m Message) error {
	id, ok := schedule.TelegramChatID(m.To)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTransport, m.To)
	}
	text := m.Text
	if m.Subject != "" {
		text = m.Subject + "\n\n" + m.Text
	}

	// telebot has no context-aware send; the http client timeout bounds it.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: id}, text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

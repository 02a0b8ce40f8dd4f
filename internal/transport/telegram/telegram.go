// Package telegram delivers reminders over the Telegram Bot API. The sender
// never polls for updates; it only pushes messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Telegram caps messages at 4096 characters; stay a little under so chunk
// boundaries never trip the hard limit.
const textLimit = 4000

type Config struct {
	Token string
}

type Sender struct {
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tele.NewBot(tele.Settings{Token: strings.TrimSpace(cfg.Token)})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{log: log, bot: bot}, nil
}

func (*Sender) Name() string { return "telegram" }

func (s *Sender) Start(ctx context.Context) error {
	s.log.Info("telegram sender ready", logx.String("bot", s.bot.Me.Username))
	return nil
}

func (s *Sender) Stop(ctx context.Context) error { return nil }

// SendText resolves the target to a Telegram chat id. Channel and user
// targets are both plain chat ids there, so a DM needs no extra round trip.
func (s *Sender) SendText(ctx context.Context, to kit.Target, text string) error {
	raw := to.ChannelID
	if to.IsDM() {
		raw = to.UserID
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram target %q: %w", raw, err)
	}
	chat := &tele.Chat{ID: chatID}

	for _, chunk := range kit.SplitText(text, textLimit) {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		if _, err := s.bot.Send(chat, chunk); err != nil {
			return fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
	}
	return nil
}

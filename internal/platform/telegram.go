package platform

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

// TelegramConfig configures delivery to a Telegram channel or chat.
type TelegramConfig struct {
	Token   string
	ChatID  int64
	Timeout time.Duration // HTTP timeout, default 10s
}

type telegramClient struct {
	bot  *tele.Bot
	chat *tele.Chat
	log  logx.Logger
}

// NewTelegram builds a send-only Telegram client. The token is verified
// against the Bot API at construction.
func NewTelegram(cfg TelegramConfig, log logx.Logger) (Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &telegramClient{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, log: log}, nil
}

func (c *telegramClient) Publish(ctx context.Context, p *post.Post) (Receipt, error) {
	select {
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	default:
	}

	var (
		msg *tele.Message
		err error
	)
	if len(p.Content.MediaURLs) > 0 {
		photo := &tele.Photo{File: tele.FromURL(p.Content.MediaURLs[0]), Caption: p.Content.Text}
		msg, err = c.bot.Send(c.chat, photo)
	} else {
		msg, err = c.bot.Send(c.chat, p.Content.Text)
	}
	if err != nil {
		return Receipt{}, c.classify(err)
	}
	return Receipt{Ref: strconv.Itoa(msg.ID), At: time.Now()}, nil
}

// classify maps telebot errors onto the engine's retry vocabulary. Every
// failure stays retryable; a flood error carries the Bot API's delay hint.
func (c *telegramClient) classify(err error) error {
	wrapped := &Error{Platform: post.PlatformTelegram, Message: err.Error()}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return RetryAfter(wrapped, time.Duration(flood.RetryAfter)*time.Second)
	}
	return wrapped
}

// Package telegram is a thin telebot wiring used by cmd/botd.
//
// The scheduling core is transport-free; this adapter only turns chat
// commands into core calls and core events into outgoing messages.
package telegram

import (
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "botkit/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	OwnerUserID int64
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Bot exposes the underlying telebot instance for handler registration.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

// SendText delivers a plain text message to a chat. Errors are logged and
// swallowed: the scheduler's correctness never depends on delivery.
func (a *Adapter) SendText(chatID int64, text string) {
	if _, err := a.bot.Send(tele.ChatID(chatID), text); err != nil {
		a.log.Warn("send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// NotifyOwner forwards a line to the configured owner, if any.
func (a *Adapter) NotifyOwner(text string) {
	if a.cfg.OwnerUserID == 0 {
		return
	}
	a.SendText(a.cfg.OwnerUserID, text)
}

// Start begins long polling in a background goroutine.
func (a *Adapter) Start() {
	go a.bot.Start()
	a.log.Info("telegram polling started")
}

func (a *Adapter) Stop() {
	a.bot.Stop()
}

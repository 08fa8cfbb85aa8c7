// Package telegram delivers alerts to a Telegram chat. It is send-only;
// the daemon never polls for updates.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"botherd/internal/notify"
	"botherd/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
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
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	// Send-only: no poller configured, Start is never called.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Send(ctx context.Context, al notify.Alert) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	text := severityPrefix(al.Severity) + al.Message
	if rs := []rune(text); len(rs) > textLimit {
		text = string(rs[:textLimit-1]) + "…"
	}

	_, err := a.bot.Send(
		&tele.Chat{ID: a.cfg.ChatID},
		text,
		&tele.SendOptions{ThreadID: a.cfg.ThreadID, DisableWebPagePreview: true},
	)
	if err != nil {
		return err
	}
	a.log.Debug("alert sent",
		logx.String("severity", al.Severity),
		logx.Duration("age", time.Since(al.At)))
	return nil
}

func severityPrefix(severity string) string {
	switch severity {
	case notify.SeverityError:
		return "🚨 "
	case notify.SeverityWarn:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

package notify

import (
	"context"
	"errors"
	"strings"
	"sync"

	logx "beesense/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Enabled  bool
	Token    string
	ChatID   int64
	ThreadID int
}

// telegramAPI is the subset of *tele.Bot the driver uses.
type telegramAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
}

// telegramDriver keeps one chat message per slot: a new notification deletes
// the previous message of its slot and sends a fresh one, so the chat shows
// the latest state per severity and the client still alerts.
type telegramDriver struct {
	cfg TelegramConfig
	api telegramAPI
	log logx.Logger

	mu    sync.Mutex
	slots map[string]*tele.Message
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (Driver, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	// Offline: the bot only sends, it never polls for updates.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return newTelegramWithAPI(cfg, b, log), nil
}

func newTelegramWithAPI(cfg TelegramConfig, api telegramAPI, log logx.Logger) *telegramDriver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &telegramDriver{cfg: cfg, api: api, log: log, slots: map[string]*tele.Message{}}
}

func (d *telegramDriver) Name() string { return "telegram" }

func (d *telegramDriver) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev := d.slots[n.Slot]; prev != nil {
		if err := d.api.Delete(prev); err != nil {
			// Old messages may already be gone or too old to delete.
			d.log.Debug("telegram delete previous slot message failed", logx.String("slot", n.Slot), logx.Err(err))
		}
		delete(d.slots, n.Slot)
	}

	opts := &tele.SendOptions{ThreadID: d.cfg.ThreadID, DisableWebPagePreview: true}
	msg, err := d.api.Send(&tele.Chat{ID: d.cfg.ChatID}, telegramText(n), opts)
	if err != nil {
		return err
	}
	d.slots[n.Slot] = msg
	return nil
}

func (d *telegramDriver) Close() error { return nil }

func telegramText(n Notification) string {
	return prefixForPriority(n.Priority) + n.Title + "\n" + n.Body
}

func prefixForPriority(p Priority) string {
	switch p {
	case PriorityMax:
		return "🚨 "
	case PriorityHigh:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

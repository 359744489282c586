// Package bot maps inbound Telegram commands onto the watcher engine and
// formats the replies.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dkoval/likewatch/internal/interval"
	"github.com/dkoval/likewatch/internal/logging"
	"github.com/dkoval/likewatch/internal/store"
	"github.com/dkoval/likewatch/internal/watcher"
)

var botLog = logging.ForComponent(logging.CompBot)

const greeting = "👋 I watch the liked tracks of your Yandex Music account " +
	"and tell you when something disappears.\n\n" +
	"Commands:\n" +
	"/settoken <YM_TOKEN> (DM only)\n" +
	"/setinterval <30s|1m|1d|300>\n" +
	"/watch\n" +
	"/stop\n" +
	"/status\n" +
	"/stats"

// Bot is the command dispatcher. It never talks to the Telegram API
// directly for replies; everything goes through the shared sender so
// ordering and rate limits hold across command replies and watch
// notifications alike.
type Bot struct {
	api    *tgbotapi.BotAPI
	store  *store.Store
	engine *watcher.Engine
	out    watcher.Notifier
}

// New wires the dispatcher.
func New(api *tgbotapi.BotAPI, st *store.Store, engine *watcher.Engine, out watcher.Notifier) *Bot {
	return &Bot{api: api, store: st, engine: engine, out: out}
}

// SetupCommands registers the command menu with Telegram.
func (b *Bot) SetupCommands() error {
	cmds := []tgbotapi.BotCommand{
		{Command: "watch", Description: "Start watching your liked tracks"},
		{Command: "stop", Description: "Stop watching"},
		{Command: "settoken", Description: "Save your Yandex Music token"},
		{Command: "setinterval", Description: "Change the poll interval"},
		{Command: "status", Description: "Current watch status"},
		{Command: "stats", Description: "Counters since the watch started"},
	}
	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(cmds...)); err != nil {
		return fmt.Errorf("set bot commands: %w", err)
	}
	return nil
}

// Run consumes the long-polling update stream until the context is
// cancelled. Handler errors become user-visible replies, never crashes.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(update.Message)
		}
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	if !msg.IsCommand() {
		return
	}

	tenantID := strconv.FormatInt(msg.From.ID, 10)
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	botLog.Debug("command_received",
		slog.String("tenant", tenantID),
		slog.String("command", msg.Command()))

	switch msg.Command() {
	case "start":
		b.recordChat(tenantID, chatID)
		b.reply(chatID, greeting)
	case "settoken":
		b.recordChat(tenantID, chatID)
		b.handleSetToken(tenantID, chatID, args)
	case "setinterval":
		b.recordChat(tenantID, chatID)
		b.handleSetInterval(tenantID, chatID, args)
	case "watch":
		b.recordChat(tenantID, chatID)
		ok, reply := b.engine.Start(tenantID)
		if ok {
			b.reply(chatID, "✅ "+reply)
		} else {
			b.reply(chatID, "❌ "+reply)
		}
	case "stop":
		b.engine.Stop(tenantID)
		b.reply(chatID, "🛑 Stopped watching for you.")
	case "status":
		b.recordChat(tenantID, chatID)
		b.reply(chatID, b.engine.StatusText(tenantID))
	case "stats":
		b.recordChat(tenantID, chatID)
		b.reply(chatID, b.engine.StatsText(tenantID))
	default:
		b.reply(chatID, "Unknown command. Try /start for the list.")
	}
}

func (b *Bot) handleSetToken(tenantID string, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Format: /settoken <YM_TOKEN>")
		return
	}
	if err := b.store.SetToken(tenantID, args); err != nil {
		b.reply(chatID, "❌ Could not save the token: "+err.Error())
		return
	}
	b.reply(chatID, "✅ Token saved. You can /watch now.")
}

func (b *Bot) handleSetInterval(tenantID string, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Format: /setinterval <30s|1m|1d|300>\n"+
			"Examples: /setinterval 30s, /setinterval 1m, /setinterval 86400")
		return
	}

	seconds, err := interval.ParseSeconds(args)
	if err != nil {
		b.reply(chatID, "❌ That didn't work: "+err.Error())
		return
	}
	if err := b.store.SetInterval(tenantID, seconds); err != nil {
		b.reply(chatID, "❌ That didn't work: "+err.Error())
		return
	}

	b.reply(chatID, fmt.Sprintf(
		"✅ Interval updated: %s\nIf the watch is already running, the change applies on the next cycle.",
		interval.Format(b.store.Interval(tenantID))))
}

func (b *Bot) recordChat(tenantID string, chatID int64) {
	if err := b.store.SetChatID(tenantID, chatID); err != nil {
		botLog.Error("persist_failed",
			slog.String("tenant", tenantID),
			slog.String("error", err.Error()))
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.out.Notify(chatID, text)
}

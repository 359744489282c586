package bot

import (
	"context"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

type outgoing struct {
	chatID int64
	text   string
}

// Sender delivers messages through the Telegram API from a single
// goroutine, so messages go out in enqueue order, throttled under
// Telegram's ~30 messages/second global cap. Notify never blocks the
// caller: delivery is best-effort and a full queue drops the message.
type Sender struct {
	api     *tgbotapi.BotAPI
	limiter *rate.Limiter
	queue   chan outgoing
}

// NewSender creates a sender with a queue deep enough for bursts of
// per-tenant notifications.
func NewSender(api *tgbotapi.BotAPI) *Sender {
	return &Sender{
		api:     api,
		limiter: rate.NewLimiter(rate.Every(time.Second/30), 30),
		queue:   make(chan outgoing, 256),
	}
}

// Notify enqueues a message for delivery. Satisfies watcher.Notifier.
func (s *Sender) Notify(chatID int64, text string) {
	select {
	case s.queue <- outgoing{chatID: chatID, text: text}:
	default:
		botLog.Warn("notification_dropped", slog.Int64("chat_id", chatID))
	}
}

// Run drains the queue until the context is cancelled. Send failures are
// logged and swallowed; a broken transport must never stall a poll loop.
func (s *Sender) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			if _, err := s.api.Send(tgbotapi.NewMessage(msg.chatID, msg.text)); err != nil {
				botLog.Warn("send_failed",
					slog.Int64("chat_id", msg.chatID),
					slog.String("error", err.Error()))
			}
		}
	}
}

package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkoval/likewatch/internal/store"
	"github.com/dkoval/likewatch/internal/watcher"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Notify(chatID int64, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
}

func (n *recordingNotifier) last(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent, "expected a reply")
	return n.sent[len(n.sent)-1]
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type deadCatalog struct{}

func (deadCatalog) Authenticate(ctx context.Context, token string) (watcher.Session, error) {
	return nil, errors.New("catalog unavailable in tests")
}

func newTestBot(t *testing.T) (*Bot, *store.Store, *recordingNotifier) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"), 300)
	require.NoError(t, err)

	out := &recordingNotifier{}
	engine := watcher.New(st, deadCatalog{}, out)
	return New(nil, st, engine, out), st, out
}

// commandMessage builds an inbound message the way Telegram marks up
// commands, with a bot_command entity covering the leading token.
func commandMessage(userID, chatID int64, text string) *tgbotapi.Message {
	cmdLen := len(text)
	if i := strings.IndexByte(text, ' '); i >= 0 {
		cmdLen = i
	}
	return &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID},
		Chat:     &tgbotapi.Chat{ID: chatID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
	}
}

func TestStartRecordsChatAndGreets(t *testing.T) {
	b, st, out := newTestBot(t)

	b.handleMessage(commandMessage(7, 55, "/start"))

	tn := st.Tenant("7")
	assert.Equal(t, int64(55), tn.ChatID)
	assert.Contains(t, out.last(t), "Commands:")
}

func TestSetTokenUsage(t *testing.T) {
	b, st, out := newTestBot(t)

	b.handleMessage(commandMessage(7, 55, "/settoken"))
	assert.Contains(t, out.last(t), "Format: /settoken")
	assert.Empty(t, st.Tenant("7").Token)
}

func TestSetTokenSaves(t *testing.T) {
	b, st, out := newTestBot(t)

	b.handleMessage(commandMessage(7, 55, "/settoken y0_secret"))
	assert.Equal(t, "y0_secret", st.Tenant("7").Token)
	assert.Contains(t, out.last(t), "✅ Token saved")
}

func TestSetInterval(t *testing.T) {
	b, st, out := newTestBot(t)

	b.handleMessage(commandMessage(7, 55, "/setinterval 2m"))
	assert.Equal(t, 120, st.Interval("7"))
	reply := out.last(t)
	assert.Contains(t, reply, "✅ Interval updated: 2m")
	assert.Contains(t, reply, "next cycle")
}

func TestSetIntervalUnparseable(t *testing.T) {
	b, st, out := newTestBot(t)

	b.handleMessage(commandMessage(7, 55, "/setinterval soon"))
	assert.Contains(t, out.last(t), "❌")
	// no state mutation on a rejected value
	assert.Equal(t, 300, st.Interval("7"))
}

func TestSetIntervalOutOfBounds(t *testing.T) {
	b, st, out := newTestBot(t)

	b.handleMessage(commandMessage(7, 55, "/setinterval 5"))
	assert.Contains(t, out.last(t), "❌")
	assert.Equal(t, 300, st.Interval("7"))
}

func TestWatchWithoutTokenRefuses(t *testing.T) {
	b, st, out := newTestBot(t)

	b.handleMessage(commandMessage(7, 55, "/watch"))
	assert.Contains(t, out.last(t), "❌")
	assert.Contains(t, out.last(t), "/settoken")
	assert.False(t, st.IsRunning("7"))
}

func TestStopReplies(t *testing.T) {
	b, _, out := newTestBot(t)

	b.handleMessage(commandMessage(7, 55, "/stop"))
	assert.Contains(t, out.last(t), "🛑")
}

func TestStatusReply(t *testing.T) {
	b, _, out := newTestBot(t)

	b.handleMessage(commandMessage(7, 55, "/status"))
	reply := out.last(t)
	assert.Contains(t, reply, "📌 Status")
	assert.Contains(t, reply, "Token: missing")
	assert.Contains(t, reply, "Interval: 5m")
}

func TestStatsReplyWhenNeverStarted(t *testing.T) {
	b, _, out := newTestBot(t)

	b.handleMessage(commandMessage(7, 55, "/stats"))
	assert.Contains(t, out.last(t), "Nothing to report yet")
}

func TestUnknownCommand(t *testing.T) {
	b, _, out := newTestBot(t)

	b.handleMessage(commandMessage(7, 55, "/frobnicate"))
	assert.Contains(t, out.last(t), "Unknown command")
}

func TestNonCommandMessagesAreIgnored(t *testing.T) {
	b, _, out := newTestBot(t)

	b.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 7},
		Chat: &tgbotapi.Chat{ID: 55},
		Text: "hello there",
	})
	assert.Zero(t, out.count())
}

func TestEachCommandRecordsChatID(t *testing.T) {
	b, st, _ := newTestBot(t)

	// the record is created lazily on first contact, whatever the command
	b.handleMessage(commandMessage(9, 66, "/status"))
	assert.Equal(t, int64(66), st.Tenant("9").ChatID)
}

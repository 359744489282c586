// Package watcher owns the per-tenant watch lifecycle: one background
// goroutine per tenant running a poll-diff-notify loop, controlled through
// Start/Stop and fed from the shared state store.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dkoval/likewatch/internal/interval"
	"github.com/dkoval/likewatch/internal/logging"
	"github.com/dkoval/likewatch/internal/store"
)

var watcherLog = logging.ForComponent(logging.CompWatcher)

const timeLayout = "2006-01-02 15:04:05"

// maxListedRemovals caps how many removed tracks one notification lists.
const maxListedRemovals = 50

// Notifier delivers a message to a chat destination. Implementations must
// not block the caller on slow transports.
type Notifier interface {
	Notify(chatID int64, text string)
}

// Session is an authenticated catalog session for one tenant's task.
type Session interface {
	OwnerUID(ctx context.Context) (int64, error)
	Snapshot(ctx context.Context, uid int64) (map[string]string, error)
}

// Catalog authenticates a credential and hands out sessions.
type Catalog interface {
	Authenticate(ctx context.Context, token string) (Session, error)
}

// Engine runs at most one live watch task per tenant. Tenant data lives in
// the store under the store's lock; the engine's own mutex only guards the
// cancellation registry. Neither lock is ever held across network I/O or
// sleeping.
type Engine struct {
	store    *store.Store
	catalog  Catalog
	notifier Notifier

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an engine on top of the given store and collaborators.
func New(st *store.Store, catalog Catalog, notifier Notifier) *Engine {
	return &Engine{
		store:    st,
		catalog:  catalog,
		notifier: notifier,
		cancels:  map[string]context.CancelFunc{},
	}
}

// Start begins watching for a tenant. It validates that a chat destination
// and credential are on record, claims the running flag atomically (a
// second Start without an intervening Stop is a friendly no-op), spawns the
// background task and returns immediately without waiting for the first
// network round trip. The returned string is a user-facing reply.
func (e *Engine) Start(id string) (bool, string) {
	t := e.store.Tenant(id)
	if t.ChatID == 0 {
		return false, "Send /start first so I know where to write."
	}
	if t.Token == "" {
		return false, "No Yandex Music token saved. Send: /settoken <token>"
	}

	already, err := e.store.TryStart(id, time.Now())
	if err != nil {
		return false, "Could not persist state: " + err.Error()
	}
	if already {
		return true, "Watch is already running."
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()

	pollSeconds := e.store.Interval(id)
	go e.run(ctx, id, t.Token, t.ChatID, pollSeconds)

	return true, fmt.Sprintf("Started. Interval: %s", interval.Format(pollSeconds))
}

// Stop halts the tenant's watch from any state: the running flag is
// cleared and persisted first, then the task's cancellation signal fires
// if one exists. The exiting task writes the flag once more on its way
// out; both writes happen under the store lock and are idempotent.
func (e *Engine) Stop(id string) {
	if err := e.store.MarkStopped(id); err != nil {
		watcherLog.Error("persist_failed",
			slog.String("tenant", id),
			slog.String("error", err.Error()))
	}

	e.mu.Lock()
	if cancel, ok := e.cancels[id]; ok {
		cancel()
		delete(e.cancels, id)
	}
	e.mu.Unlock()
}

// run is the background task: authenticate, take the initial snapshot,
// then poll until cancelled. Any failure before the first snapshot is
// fatal to this task only and is cleaned up through Stop, the single
// teardown path.
func (e *Engine) run(ctx context.Context, id, token string, chatID int64, pollSeconds int) {
	log := watcherLog.With(slog.String("tenant", id))

	sess, err := e.catalog.Authenticate(ctx, token)
	if err != nil {
		log.Warn("auth_failed", slog.String("error", err.Error()))
		e.notifier.Notify(chatID, warnMessage("Could not sign in to Yandex Music: "+err.Error()))
		e.Stop(id)
		return
	}

	uid, err := sess.OwnerUID(ctx)
	if err != nil {
		log.Warn("owner_resolution_failed", slog.String("error", err.Error()))
		e.notifier.Notify(chatID, warnMessage("Could not resolve the account behind the token. "+
			"Make sure it was issued from music.yandex.ru for your own account: "+err.Error()))
		e.Stop(id)
		return
	}

	prev, err := sess.Snapshot(ctx, uid)
	if err != nil {
		log.Warn("initial_snapshot_failed", slog.String("error", err.Error()))
		e.notifier.Notify(chatID, warnMessage("Could not take the initial snapshot: "+err.Error()))
		e.Stop(id)
		return
	}

	if err := e.store.SetSnapshot(id, prev); err != nil {
		log.Error("persist_failed", slog.String("error", err.Error()))
		e.notifier.Notify(chatID, warnMessage("Could not persist state: "+err.Error()))
		e.Stop(id)
		return
	}

	e.notifier.Notify(chatID, fmt.Sprintf(
		"✅ [%s] Watch started.\n- Liked tracks: %d\n- Interval: %s",
		time.Now().Format(timeLayout), len(prev), interval.Format(pollSeconds)))
	log.Info("watch_started", slog.Int("tracks", len(prev)), slog.Int("poll_seconds", pollSeconds))

loop:
	for {
		// Live configuration: interval and destination are re-read every
		// cycle so /setinterval takes effect without a restart.
		poll, dest, running := e.store.CycleConfig(id)
		if !running {
			break
		}

		// The timed wait is the sole suspension and cancellation point;
		// stop latency is bounded by one interval.
		timer := time.NewTimer(time.Duration(poll) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			break loop
		case <-timer.C:
		}

		curr, err := sess.Snapshot(ctx, uid)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			// A single bad poll never stops the watch.
			log.Warn("poll_failed", slog.String("error", err.Error()))
			e.notifier.Notify(dest, warnMessage("Yandex Music request failed: "+err.Error()))
			continue
		}

		removed := diffRemoved(prev, curr)
		// Added tracks are kept in the state document but intentionally
		// not surfaced in notifications.
		if len(removed) == 0 {
			continue
		}

		e.notifier.Notify(dest, formatRemovals(prev, removed))
		if err := e.store.ApplyRemovals(id, curr, len(removed)); err != nil {
			log.Error("persist_failed", slog.String("error", err.Error()))
		}
		log.Info("removals_reported", slog.Int("removed", len(removed)))
		prev = curr
	}

	if err := e.store.MarkStopped(id); err != nil {
		log.Error("persist_failed", slog.String("error", err.Error()))
	}
	log.Info("watch_stopped")
}

// StatusText renders the /status reply for a tenant.
func (e *Engine) StatusText(id string) string {
	t := e.store.Tenant(id)

	token := "missing"
	if t.Token != "" {
		token = "saved"
	}
	state := "stopped"
	if t.Watch.IsRunning {
		state = "running"
	}
	started := "never"
	if t.Watch.StartedAtTS != nil {
		started = time.Unix(*t.Watch.StartedAtTS, 0).Format(timeLayout)
	}

	return fmt.Sprintf(
		"📌 Status\n- Token: %s\n- Watch: %s\n- Started: %s\n- Tracks in last snapshot: %d\n- Interval: %s",
		token, state, started, len(t.Snapshot), interval.Format(t.PollSeconds))
}

// StatsText renders the /stats reply for a tenant.
func (e *Engine) StatsText(id string) string {
	t := e.store.Tenant(id)
	if t.Watch.StartedAtTS == nil {
		return "📊 Nothing to report yet. Start with /watch."
	}

	started := time.Unix(*t.Watch.StartedAtTS, 0)
	total := int(time.Since(started).Seconds())
	hours := total / 3600
	mins := (total % 3600) / 60
	secs := total % 60
	dur := fmt.Sprintf("%dm %ds", mins, secs)
	if hours > 0 {
		dur = fmt.Sprintf("%dh %s", hours, dur)
	}

	return fmt.Sprintf(
		"📊 Stats since /watch\n- Started: %s\n- Elapsed: %s\n- Tracks removed: %d\n- Tracks added: %d",
		started.Format(timeLayout), dur, t.Watch.RemovedCount, t.Watch.AddedCount)
}

// diffRemoved returns the keys present in prev but absent from curr,
// sorted for stable notification ordering.
func diffRemoved(prev, curr map[string]string) []string {
	var removed []string
	for key := range prev {
		if _, ok := curr[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	return removed
}

// formatRemovals lists up to maxListedRemovals removed tracks with their
// display strings from the previous snapshot, plus an overflow note.
func formatRemovals(prev map[string]string, removed []string) string {
	lines := []string{"Changes in your liked tracks:", "➖ Removed:"}

	shown := removed
	if len(shown) > maxListedRemovals {
		shown = shown[:maxListedRemovals]
	}
	for _, key := range shown {
		display := prev[key]
		if display == "" {
			display = key
		}
		lines = append(lines, "  - "+display)
	}
	if len(removed) > maxListedRemovals {
		lines = append(lines, fmt.Sprintf("  …and %d more", len(removed)-maxListedRemovals))
	}

	return strings.Join(lines, "\n")
}

func warnMessage(text string) string {
	return fmt.Sprintf("⚠️ [%s] %s", time.Now().Format(timeLayout), text)
}

// Package store owns the persistent tenant-state document. All tenant
// records live in one in-memory document guarded by a single mutex and
// mirrored to disk as a whole on every mutation via temp-file-then-rename.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dkoval/likewatch/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStore)

const (
	// MinPollSeconds guards against polling every few milliseconds.
	MinPollSeconds = 10

	// MaxPollSeconds guards against "once per five years" intervals (7 days).
	MaxPollSeconds = 7 * 86400
)

// ErrIntervalOutOfRange is returned by SetInterval for values outside
// [MinPollSeconds, MaxPollSeconds].
var ErrIntervalOutOfRange = errors.New("poll interval out of range")

// WatchState is the per-tenant watch bookkeeping block.
type WatchState struct {
	IsRunning    bool   `json:"is_running"`
	StartedAtTS  *int64 `json:"started_at_ts"`
	RemovedCount int    `json:"removed_count"`
	AddedCount   int    `json:"added_count"`
}

// Tenant is one user's record. A record is created lazily on first
// reference and always carries defaults for every field.
type Tenant struct {
	ChatID      int64             `json:"chat_id,omitempty"`
	Token       string            `json:"ym_token,omitempty"`
	PollSeconds int               `json:"poll_seconds"`
	Watch       WatchState        `json:"watch"`
	Snapshot    map[string]string `json:"snapshot"`
}

type document struct {
	Users map[string]*Tenant `json:"users"`
}

// Store is the single source of truth for all tenants. Every read and
// write of tenant data happens under one process-wide mutex; the mutex is
// never held across network calls or sleeps by any caller.
type Store struct {
	mu          sync.Mutex
	path        string
	defaultPoll int
	doc         document
}

// Open loads the document from path. An absent, unreadable or malformed
// file yields an empty document rather than an error: availability wins
// over strict durability here. Stale is_running flags from an unclean
// shutdown are reset to false, since no task survives a restart.
func Open(path string, defaultPollSeconds int) (*Store, error) {
	s := &Store{
		path:        path,
		defaultPoll: defaultPollSeconds,
		doc:         document{Users: map[string]*Tenant{}},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			storeLog.Warn("state_file_unreadable", slog.String("path", path), slog.String("error", err.Error()))
		}
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		storeLog.Warn("state_file_malformed", slog.String("path", path), slog.String("error", err.Error()))
		return s, nil
	}
	if doc.Users == nil {
		doc.Users = map[string]*Tenant{}
	}

	// A persisted true is always stale: tasks never outlive the process.
	for _, t := range doc.Users {
		t.Watch.IsRunning = false
	}

	s.doc = doc
	return s, nil
}

// ensure returns the tenant record for id, creating it with defaults if
// needed. Caller must hold s.mu.
func (s *Store) ensure(id string) *Tenant {
	t, ok := s.doc.Users[id]
	if !ok {
		t = &Tenant{}
		s.doc.Users[id] = t
	}
	if t.PollSeconds == 0 {
		t.PollSeconds = s.defaultPoll
	}
	if t.Snapshot == nil {
		t.Snapshot = map[string]string{}
	}
	return t
}

// save serializes the whole document to a temp file and renames it over
// the target, so a concurrent reader never observes a partial write.
// Caller must hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// SetChatID records the chat destination for a tenant.
func (s *Store) SetChatID(id string, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(id).ChatID = chatID
	return s.save()
}

// SetToken records the tenant's catalog credential.
func (s *Store) SetToken(id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(id).Token = token
	return s.save()
}

// SetInterval updates the poll interval, enforcing bounds at the point of
// mutation. A running watch picks the new value up at its next cycle.
func (s *Store) SetInterval(id string, seconds int) error {
	if seconds < MinPollSeconds {
		return fmt.Errorf("%w: minimum is %d seconds", ErrIntervalOutOfRange, MinPollSeconds)
	}
	if seconds > MaxPollSeconds {
		return fmt.Errorf("%w: maximum is 7 days", ErrIntervalOutOfRange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(id).PollSeconds = seconds
	return s.save()
}

// Interval returns the tenant's current poll interval in seconds.
func (s *Store) Interval(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensure(id).PollSeconds
}

// Tenant returns a copy of the tenant record, snapshot included.
func (s *Store) Tenant(id string) Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.ensure(id)
	out := *t
	out.Snapshot = make(map[string]string, len(t.Snapshot))
	for k, v := range t.Snapshot {
		out.Snapshot[k] = v
	}
	if t.Watch.StartedAtTS != nil {
		ts := *t.Watch.StartedAtTS
		out.Watch.StartedAtTS = &ts
	}
	return out
}

// TryStart atomically claims the watch for a tenant. If a watch is already
// running it reports already=true and changes nothing. Otherwise it resets
// the counters, stamps started_at, flips is_running and persists, all under
// the same lock that Stop uses to flip the flag back.
func (s *Store) TryStart(id string, now time.Time) (already bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.ensure(id)
	if t.Watch.IsRunning {
		return true, nil
	}

	ts := now.Unix()
	t.Watch = WatchState{
		IsRunning:   true,
		StartedAtTS: &ts,
	}
	return false, s.save()
}

// MarkStopped flips is_running off and persists. Safe to call from any
// state and from both the control path and the exiting task; the
// double-write is idempotent.
func (s *Store) MarkStopped(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensure(id).Watch.IsRunning = false
	return s.save()
}

// IsRunning reports whether the tenant's watch flag is currently set.
func (s *Store) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensure(id).Watch.IsRunning
}

// SetSnapshot replaces the tenant's snapshot wholesale and persists.
func (s *Store) SetSnapshot(id string, snap map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensure(id).Snapshot = copySnapshot(snap)
	return s.save()
}

// ApplyRemovals records the outcome of a diff cycle that observed removals:
// the new snapshot replaces the old one and removed_count grows by removed.
func (s *Store) ApplyRemovals(id string, snap map[string]string, removed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.ensure(id)
	t.Watch.RemovedCount += removed
	t.Snapshot = copySnapshot(snap)
	return s.save()
}

// CycleConfig returns the fields a poll cycle re-reads at its top: the
// live interval, the chat destination and whether the watch should keep
// running. One lock acquisition, no I/O.
func (s *Store) CycleConfig(id string) (pollSeconds int, chatID int64, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.ensure(id)
	return t.PollSeconds, t.ChatID, t.Watch.IsRunning
}

func copySnapshot(snap map[string]string) map[string]string {
	out := make(map[string]string, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out
}

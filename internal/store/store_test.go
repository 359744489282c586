package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path, 300)
	require.NoError(t, err)
	return s
}

func TestOpenMissingFile(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, 300, s.Interval("alice"))
	assert.False(t, s.IsRunning("alice"))
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	s, err := Open(path, 120)
	require.NoError(t, err)
	assert.Equal(t, 120, s.Interval("alice"))
}

func TestLazyTenantDefaults(t *testing.T) {
	s := newTestStore(t)

	tn := s.Tenant("alice")
	assert.Zero(t, tn.ChatID)
	assert.Empty(t, tn.Token)
	assert.Equal(t, 300, tn.PollSeconds)
	assert.False(t, tn.Watch.IsRunning)
	assert.Nil(t, tn.Watch.StartedAtTS)
	assert.Zero(t, tn.Watch.RemovedCount)
	assert.Zero(t, tn.Watch.AddedCount)
	assert.NotNil(t, tn.Snapshot)
	assert.Empty(t, tn.Snapshot)
}

func TestSetIntervalBounds(t *testing.T) {
	s := newTestStore(t)

	assert.ErrorIs(t, s.SetInterval("alice", 9), ErrIntervalOutOfRange)
	assert.ErrorIs(t, s.SetInterval("alice", 604801), ErrIntervalOutOfRange)
	// rejected values must not change state
	assert.Equal(t, 300, s.Interval("alice"))

	require.NoError(t, s.SetInterval("alice", 10))
	assert.Equal(t, 10, s.Interval("alice"))
	require.NoError(t, s.SetInterval("alice", 604800))
	assert.Equal(t, 604800, s.Interval("alice"))
}

func TestPersistedLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path, 300)
	require.NoError(t, err)

	require.NoError(t, s.SetChatID("42", 100500))
	require.NoError(t, s.SetToken("42", "secret"))
	require.NoError(t, s.SetInterval("42", 60))
	require.NoError(t, s.SetSnapshot("42", map[string]string{"1:2": "Artist — Song"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]map[string]struct {
		ChatID      int64             `json:"chat_id"`
		Token       string            `json:"ym_token"`
		PollSeconds int               `json:"poll_seconds"`
		Watch       WatchState        `json:"watch"`
		Snapshot    map[string]string `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))

	u, ok := doc["users"]["42"]
	require.True(t, ok)
	assert.Equal(t, int64(100500), u.ChatID)
	assert.Equal(t, "secret", u.Token)
	assert.Equal(t, 60, u.PollSeconds)
	assert.Equal(t, "Artist — Song", u.Snapshot["1:2"])
}

func TestAtomicReplaceLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := Open(path, 300)
	require.NoError(t, err)

	require.NoError(t, s.SetChatID("alice", 1))

	_, err = os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestTryStartResetsCounters(t *testing.T) {
	s := newTestStore(t)

	already, err := s.TryStart("alice", time.Unix(1000, 0))
	require.NoError(t, err)
	assert.False(t, already)

	require.NoError(t, s.ApplyRemovals("alice", map[string]string{"b": "Y"}, 3))
	tn := s.Tenant("alice")
	assert.Equal(t, 3, tn.Watch.RemovedCount)

	// second start while running is a no-op
	already, err = s.TryStart("alice", time.Unix(2000, 0))
	require.NoError(t, err)
	assert.True(t, already)
	tn = s.Tenant("alice")
	require.NotNil(t, tn.Watch.StartedAtTS)
	assert.Equal(t, int64(1000), *tn.Watch.StartedAtTS)
	assert.Equal(t, 3, tn.Watch.RemovedCount)

	// stop, then a fresh start resets counters and restamps started_at
	require.NoError(t, s.MarkStopped("alice"))
	already, err = s.TryStart("alice", time.Unix(3000, 0))
	require.NoError(t, err)
	assert.False(t, already)
	tn = s.Tenant("alice")
	require.NotNil(t, tn.Watch.StartedAtTS)
	assert.Equal(t, int64(3000), *tn.Watch.StartedAtTS)
	assert.Zero(t, tn.Watch.RemovedCount)
	assert.Zero(t, tn.Watch.AddedCount)
	assert.True(t, tn.Watch.IsRunning)
}

func TestApplyRemovalsReplacesSnapshotWhole(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetSnapshot("alice", map[string]string{"a": "X", "b": "Y"}))
	require.NoError(t, s.ApplyRemovals("alice", map[string]string{"b": "Y"}, 1))

	tn := s.Tenant("alice")
	assert.Equal(t, map[string]string{"b": "Y"}, tn.Snapshot)
	assert.Equal(t, 1, tn.Watch.RemovedCount)
}

func TestReloadResetsStaleRunningFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Open(path, 300)
	require.NoError(t, err)
	_, err = s.TryStart("alice", time.Unix(1000, 0))
	require.NoError(t, err)
	require.True(t, s.IsRunning("alice"))

	// Simulate an unclean shutdown: reload the same file. No task exists in
	// the new process, so the persisted true must be treated as stale data.
	s2, err := Open(path, 300)
	require.NoError(t, err)
	assert.False(t, s2.IsRunning("alice"))

	// Everything else survives the restart.
	tn := s2.Tenant("alice")
	require.NotNil(t, tn.Watch.StartedAtTS)
	assert.Equal(t, int64(1000), *tn.Watch.StartedAtTS)
}

func TestSnapshotCopyIsolation(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetSnapshot("alice", map[string]string{"a": "X"}))

	tn := s.Tenant("alice")
	tn.Snapshot["a"] = "mutated"

	assert.Equal(t, "X", s.Tenant("alice").Snapshot["a"])
}

func TestCycleConfig(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetChatID("alice", 77))
	require.NoError(t, s.SetInterval("alice", 30))

	poll, chatID, running := s.CycleConfig("alice")
	assert.Equal(t, 30, poll)
	assert.Equal(t, int64(77), chatID)
	assert.False(t, running)

	_, err := s.TryStart("alice", time.Now())
	require.NoError(t, err)
	_, _, running = s.CycleConfig("alice")
	assert.True(t, running)
}

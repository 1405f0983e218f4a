package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"nanoagent/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func msgAt(group types.GroupID, id string, ts time.Time, fromMe bool) types.StoredMessage {
	return types.StoredMessage{
		InboundMessage: types.InboundMessage{
			ID:        id,
			GroupID:   group,
			Sender:    "alice",
			Content:   "content " + id,
			Timestamp: ts,
			Channel:   "local",
		},
		IsFromMe: fromMe,
	}
}

func TestNewLocalStore(t *testing.T) {
	s := newTestStore(t)
	require.NotNil(t, s.GetDB())

	stats, err := s.GetStats()
	require.NoError(t, err)
	for _, table := range []string{"messages", "tasks", "config"} {
		_, ok := stats[table]
		assert.True(t, ok, "missing table %s", table)
	}

	v, err := GetSchemaVersion(s.GetDB())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}

func TestNewLocalStore_FileReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "agent.db")
	s, err := NewLocalStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SetConfig("model", "m1"))
	require.NoError(t, s.Close())

	s2, err := NewLocalStore(path)
	require.NoError(t, err)
	defer s2.Close()
	v, err := s2.GetConfig("model")
	require.NoError(t, err)
	assert.Equal(t, "m1", v)
}

func TestLoadRecentMessages_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	base := time.UnixMilli(1_700_000_000_000)
	group := types.GroupID("tg:1")

	var want []types.StoredMessage
	for i := 0; i < 5; i++ {
		m := msgAt(group, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second), i%2 == 1)
		require.NoError(t, s.SaveMessage(m))
		want = append(want, m)
	}
	require.NoError(t, s.SaveMessage(msgAt(types.MainGroup, "other", base, false)))

	all, err := s.LoadRecentMessages(group, 50)
	require.NoError(t, err)
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("LoadRecentMessages mismatch (-want +got):\n%s", diff)
	}

	last2, err := s.LoadRecentMessages(group, 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "m3", last2[0].ID)
	assert.Equal(t, "m4", last2[1].ID)

	none, err := s.LoadRecentMessages(group, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLoadRecentMessages_SameTimestampKeepsInsertOrder(t *testing.T) {
	s := newTestStore(t)
	ts := time.UnixMilli(1_700_000_000_000)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveMessage(msgAt(types.MainGroup, id, ts, false)))
	}
	got, err := s.LoadRecentMessages(types.MainGroup, 10)
	require.NoError(t, err)
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestClearAndReplaceGroupMessages(t *testing.T) {
	s := newTestStore(t)
	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveMessage(msgAt(types.MainGroup, fmt.Sprintf("m%d", i), base, false)))
	}
	require.NoError(t, s.SaveMessage(msgAt("tg:9", "keep", base, false)))

	summary := msgAt(types.MainGroup, "summary", base.Add(time.Minute), false)
	summary.Content = "Summary of earlier conversation:\nstuff"
	require.NoError(t, s.ReplaceGroupMessages(types.MainGroup, []types.StoredMessage{summary}))

	got, err := s.LoadRecentMessages(types.MainGroup, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, summary.Content, got[0].Content)

	require.NoError(t, s.ClearGroupMessages(types.MainGroup))
	got, err = s.LoadRecentMessages(types.MainGroup, 50)
	require.NoError(t, err)
	assert.Empty(t, got)

	other, err := s.LoadRecentMessages("tg:9", 50)
	require.NoError(t, err)
	assert.Len(t, other, 1)

	groups, err := s.ListGroups()
	require.NoError(t, err)
	assert.Equal(t, []types.GroupID{"tg:9"}, groups)
}

func TestTasks(t *testing.T) {
	s := newTestStore(t)
	created := time.UnixMilli(1_700_000_000_000)

	task := types.Task{
		ID:        "t1",
		GroupID:   types.MainGroup,
		Schedule:  "0 9 * * *",
		Prompt:    "morning summary",
		Enabled:   true,
		CreatedAt: created,
	}
	require.NoError(t, s.SaveTask(task))
	require.NoError(t, s.SaveTask(types.Task{ID: "t2", GroupID: "tg:1", Schedule: "@hourly", Prompt: "p", CreatedAt: created.Add(time.Second)}))

	all, err := s.ListTasks()
	require.NoError(t, err)
	require.Len(t, all, 2)
	if diff := cmp.Diff(task, all[0]); diff != "" {
		t.Errorf("task mismatch (-want +got):\n%s", diff)
	}

	enabled, err := s.ListEnabledTasks()
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "t1", enabled[0].ID)

	ran := created.Add(time.Hour)
	require.NoError(t, s.UpdateTaskLastRun("t1", ran))
	got, err := s.GetTask("t1")
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	assert.True(t, got.LastRun.Equal(ran))

	require.NoError(t, s.SetTaskEnabled("t1", false))
	enabled, err = s.ListEnabledTasks()
	require.NoError(t, err)
	assert.Empty(t, enabled)

	require.NoError(t, s.DeleteTask("t2"))
	_, err = s.GetTask("t2")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.DeleteTask("t2"), ErrNotFound))
	assert.True(t, errors.Is(s.SetTaskEnabled("missing", true), ErrNotFound))
}

func TestConfigStore(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConfig("api_key")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.SetConfig("api_key", "a"))
	require.NoError(t, s.SetConfig("api_key", "b"))
	v, err := s.GetConfig("api_key")
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	require.NoError(t, s.SeedConfig(map[string]string{"model": "m", "base_url": "", "api_key": ""}))
	all, err := s.ListConfig()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_key": "b", "model": "m"}, all)
}

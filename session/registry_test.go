package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyapps/chittysync/config"
	"github.com/chittyapps/chittysync/store"
)

// testConfig returns a config with short windows so liveness and retention
// behavior can be exercised with hand-crafted timestamps.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.HeartbeatIntervalMs = 10
	cfg.SessionTimeoutMs = 200
	cfg.StaleMultiple = 2
	cfg.RetentionPeriodMs = 100
	cfg.LockMaxRetries = 3
	cfg.LockBaseDelayMs = 1
	return cfg
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return st
}

// newTestRegistry builds a Registry over st with a registered session and
// guarantees the heartbeat goroutine is stopped when the test ends.
func newTestRegistry(t *testing.T, st store.Store, cfg *config.Config, name string) (*Registry, *Session) {
	t.Helper()
	reg := NewRegistry(st, clock.New(), cfg, nil)
	sess, err := reg.Register(name, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Unregister() })
	return reg, sess
}

// writeSessionRecord persists a hand-crafted record, bypassing Register. Used
// to simulate peers that crashed or live in other processes.
func writeSessionRecord(t *testing.T, st store.Store, s *Session) {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, st.Write(SessionKey(s.ID), data))
}

// staleSession builds an active record whose heartbeat is long past the
// liveness window.
func staleSession(id string, age time.Duration) *Session {
	then := time.Now().Add(-age)
	return &Session{
		ID:            id,
		DisplayName:   id,
		Host:          "testhost",
		PID:           1,
		StartTime:     then,
		LastHeartbeat: then,
		LastUpdate:    then,
		Status:        StatusActive,
	}
}

func TestRegisterAndListActive(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, sess := newTestRegistry(t, st, cfg, "worker-a")

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "worker-a", sess.DisplayName)
	assert.Equal(t, StatusActive, sess.Status)
	assert.True(t, reg.Owned())

	active, err := reg.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, sess.ID, active[0].ID)
}

func TestRegisterTwiceFails(t *testing.T) {
	st := newTestStore(t)
	reg, _ := newTestRegistry(t, st, testConfig(), "worker-a")

	_, err := reg.Register("worker-b", nil)
	assert.Error(t, err)
}

func TestListActiveSkipsStaleAndCorrupt(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, sess := newTestRegistry(t, st, cfg, "worker-a")

	writeSessionRecord(t, st, staleSession("stale-peer", time.Hour))
	require.NoError(t, st.Write(SessionKey("garbage"), []byte("{not json")))

	active, err := reg.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, sess.ID, active[0].ID)
}

func TestListActiveSortedByStartTime(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg := NewRegistry(st, clock.New(), cfg, nil)

	now := time.Now()
	for i, id := range []string{"c-third", "a-first", "b-second"} {
		s := staleSession(id, 0)
		s.StartTime = now.Add(time.Duration(i) * time.Minute)
		s.LastHeartbeat = now
		writeSessionRecord(t, st, s)
	}

	active, err := reg.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "c-third", active[0].ID)
	assert.Equal(t, "a-first", active[1].ID)
	assert.Equal(t, "b-second", active[2].ID)
}

func TestUnregisterTerminatesAndCleansUp(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, sess := newTestRegistry(t, st, cfg, "worker-a")

	lm := NewLockManager(st, clock.New(), cfg, reg, nil)
	ct := NewClaimTracker(st, clock.New(), cfg, reg, nil)

	lk, err := lm.Acquire(t.Context(), "shared.db")
	require.NoError(t, err)
	require.NotNil(t, lk)
	claimed, err := ct.Claim("task-1")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, reg.Unregister())

	_, err = st.Read(LockKey("shared.db"))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Read(ClaimKey("task-1"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	stored, err := reg.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, stored.Status)
	assert.False(t, stored.TerminatedAt.IsZero())
	assert.Empty(t, stored.HeldLocks)
	assert.Empty(t, stored.ClaimedTasks)

	active, err := reg.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	// Second unregister is a no-op.
	assert.NoError(t, reg.Unregister())
}

func TestAttachAndDetach(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	_, sess := newTestRegistry(t, st, cfg, "owner")

	helper := NewRegistry(st, clock.New(), cfg, nil)
	attached, err := helper.Attach(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, attached.ID)
	assert.False(t, helper.Owned())

	helper.Detach()
	assert.Nil(t, helper.Current())

	// The owning session must be untouched by attach/detach.
	stored, err := helper.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
}

func TestAttachRejectsTerminatedAndUnknown(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, sess := newTestRegistry(t, st, cfg, "owner")
	require.NoError(t, reg.Unregister())

	helper := NewRegistry(st, clock.New(), cfg, nil)
	_, err := helper.Attach(sess.ID)
	assert.Error(t, err)

	_, err = helper.Attach("no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsLive(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, sess := newTestRegistry(t, st, cfg, "worker-a")

	live, err := reg.IsLive(sess.ID)
	require.NoError(t, err)
	assert.True(t, live)

	writeSessionRecord(t, st, staleSession("stale-peer", time.Hour))
	live, err = reg.IsLive("stale-peer")
	require.NoError(t, err)
	assert.False(t, live)

	live, err = reg.IsLive("missing")
	require.NoError(t, err)
	assert.False(t, live)

	require.NoError(t, st.Write(SessionKey("corrupt"), []byte("???")))
	live, err = reg.IsLive("corrupt")
	require.NoError(t, err)
	assert.False(t, live)
}

func TestApplyUpdate(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, _ := newTestRegistry(t, st, cfg, "worker-a")

	project := "proj-1"
	updated, err := reg.ApplyUpdate(Update{
		DisplayName: "renamed",
		Metadata:    map[string]string{"role": "indexer"},
		ProjectID:   &project,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.DisplayName)
	assert.Equal(t, "indexer", updated.Metadata["role"])
	assert.Equal(t, "proj-1", updated.ProjectID)

	// Clearing the project id uses an explicit empty string.
	empty := ""
	updated, err = reg.ApplyUpdate(Update{ProjectID: &empty})
	require.NoError(t, err)
	assert.Empty(t, updated.ProjectID)
	assert.Equal(t, "renamed", updated.DisplayName)
}

func TestApplyUpdateWithoutSession(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st, clock.New(), testConfig(), nil)

	_, err := reg.ApplyUpdate(Update{DisplayName: "x"})
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestHeartbeatAdvancesRecord(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, sess := newTestRegistry(t, st, cfg, "worker-a")

	require.Eventually(t, func() bool {
		stored, err := reg.Get(sess.ID)
		return err == nil && stored.LastHeartbeat.After(sess.LastHeartbeat)
	}, time.Second, 5*time.Millisecond)
}

func TestRegisterUnregisterTightCycle(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg := NewRegistry(st, clock.New(), cfg, nil)

	// One-shot invocations unregister almost immediately after registering,
	// often before the heartbeat goroutine has run its first statement.
	// Shutdown must stay clean no matter how the two interleave.
	for i := 0; i < 50; i++ {
		_, err := reg.Register("one-shot", nil)
		require.NoError(t, err)
		require.NoError(t, reg.Unregister())
	}
}

func TestMutateAfterReapDoesNotResurrect(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, sess := newTestRegistry(t, st, cfg, "worker-a")

	// Simulate a reaper deleting the record out from under the process.
	require.NoError(t, st.Delete(SessionKey(sess.ID)))

	_, err := reg.ApplyUpdate(Update{DisplayName: "zombie"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.Read(SessionKey(sess.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

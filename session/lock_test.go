package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyapps/chittysync/store"
)

func TestAcquireAndRelease(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, sess := newTestRegistry(t, st, cfg, "worker-a")
	lm := NewLockManager(st, clock.New(), cfg, reg, nil)

	lk, err := lm.Acquire(t.Context(), "migrations")
	require.NoError(t, err)
	require.NotNil(t, lk)
	assert.Equal(t, "migrations", lk.Resource())

	holder, err := lm.Holder("migrations")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, holder.HolderID)
	assert.Equal(t, "worker-a", holder.HolderName)

	stored, err := reg.Get(sess.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.HeldLocks, "migrations")

	require.NoError(t, lk.Release())
	_, err = lm.Holder("migrations")
	assert.ErrorIs(t, err, store.ErrNotFound)

	stored, err = reg.Get(sess.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.HeldLocks, "migrations")
}

func TestAcquireContendedGivesUp(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	regA, sessA := newTestRegistry(t, st, cfg, "holder")
	regB, _ := newTestRegistry(t, st, cfg, "challenger")

	lmA := NewLockManager(st, clock.New(), cfg, regA, nil)
	lmB := NewLockManager(st, clock.New(), cfg, regB, nil)

	lk, err := lmA.Acquire(t.Context(), "shared.db")
	require.NoError(t, err)
	require.NotNil(t, lk)

	// Losing to a live holder is a negative result, not an error.
	got, err := lmB.Acquire(t.Context(), "shared.db",
		WithMaxRetries(2), WithBaseDelay(time.Millisecond))
	require.NoError(t, err)
	assert.Nil(t, got)

	// The holder record must be untouched by the failed attempt.
	holder, err := lmB.Holder("shared.db")
	require.NoError(t, err)
	assert.Equal(t, sessA.ID, holder.HolderID)
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()

	const n = 10
	managers := make([]*LockManager, n)
	for i := 0; i < n; i++ {
		reg, _ := newTestRegistry(t, st, cfg, fmt.Sprintf("worker-%d", i))
		managers[i] = NewLockManager(st, clock.New(), cfg, reg, nil)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, lm := range managers {
		wg.Add(1)
		go func(lm *LockManager) {
			defer wg.Done()
			lk, err := lm.Acquire(t.Context(), "hot-resource", WithMaxRetries(0))
			assert.NoError(t, err)
			if lk != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(lm)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestAcquireReclaimsDeadHolder(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, sess := newTestRegistry(t, st, cfg, "survivor")
	lm := NewLockManager(st, clock.New(), cfg, reg, nil)

	// A lock whose holder has no session record at all.
	rec := LockRecord{Resource: "orphaned", HolderID: "long-gone", AcquiredAt: time.Now().Add(-time.Hour)}
	writeLockRecord(t, st, rec)

	lk, err := lm.Acquire(t.Context(), "orphaned")
	require.NoError(t, err)
	require.NotNil(t, lk)

	holder, err := lm.Holder("orphaned")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, holder.HolderID)
}

func TestAcquireReclaimsStaleHolder(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, sess := newTestRegistry(t, st, cfg, "survivor")
	lm := NewLockManager(st, clock.New(), cfg, reg, nil)

	// Crashed worker: active record, heartbeat far past the liveness window,
	// still named as lock holder.
	writeSessionRecord(t, st, staleSession("crashed", time.Hour))
	writeLockRecord(t, st, LockRecord{Resource: "shared.db", HolderID: "crashed", AcquiredAt: time.Now().Add(-time.Hour)})

	lk, err := lm.Acquire(t.Context(), "shared.db")
	require.NoError(t, err)
	require.NotNil(t, lk)

	holder, err := lm.Holder("shared.db")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, holder.HolderID)
}

func TestReleaseByNonHolderIsNoOp(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	regA, sessA := newTestRegistry(t, st, cfg, "holder")
	regB, _ := newTestRegistry(t, st, cfg, "other")

	lmA := NewLockManager(st, clock.New(), cfg, regA, nil)
	lmB := NewLockManager(st, clock.New(), cfg, regB, nil)

	lk, err := lmA.Acquire(t.Context(), "shared.db")
	require.NoError(t, err)
	require.NotNil(t, lk)

	require.NoError(t, lmB.Release("shared.db"))

	holder, err := lmA.Holder("shared.db")
	require.NoError(t, err)
	assert.Equal(t, sessA.ID, holder.HolderID)
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, _ := newTestRegistry(t, st, cfg, "worker-a")
	lm := NewLockManager(st, clock.New(), cfg, reg, nil)

	lk, err := lm.Acquire(t.Context(), "shared.db")
	require.NoError(t, err)
	require.NotNil(t, lk)

	require.NoError(t, lk.Release())
	assert.NoError(t, lk.Release())
}

func TestAcquireCorruptLockRecordFails(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, _ := newTestRegistry(t, st, cfg, "worker-a")
	lm := NewLockManager(st, clock.New(), cfg, reg, nil)

	require.NoError(t, st.Write(LockKey("mystery"), []byte("{not a record")))

	_, err := lm.Acquire(t.Context(), "mystery")
	assert.ErrorIs(t, err, ErrCorruptRecord)

	// Release must refuse to delete a record it cannot verify.
	err = lm.Release("mystery")
	assert.ErrorIs(t, err, ErrCorruptRecord)
	_, rerr := st.Read(LockKey("mystery"))
	assert.NoError(t, rerr)
}

func TestAcquireCancelled(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	regA, _ := newTestRegistry(t, st, cfg, "holder")
	regB, _ := newTestRegistry(t, st, cfg, "challenger")

	lmA := NewLockManager(st, clock.New(), cfg, regA, nil)
	lmB := NewLockManager(st, clock.New(), cfg, regB, nil)

	lk, err := lmA.Acquire(t.Context(), "shared.db")
	require.NoError(t, err)
	require.NotNil(t, lk)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = lmB.Acquire(ctx, "shared.db",
		WithMaxRetries(100), WithBaseDelay(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)

	// An abandoned acquire leaves no record of the challenger behind.
	holder, err := lmA.Holder("shared.db")
	require.NoError(t, err)
	assert.NotEqual(t, "challenger", holder.HolderName)
}

func TestAcquireWithoutSession(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg := NewRegistry(st, clock.New(), cfg, nil)
	lm := NewLockManager(st, clock.New(), cfg, reg, nil)

	_, err := lm.Acquire(t.Context(), "anything")
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.ErrorIs(t, lm.Release("anything"), ErrNotRegistered)
}

func TestListSkipsUnparseableRecords(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	reg, _ := newTestRegistry(t, st, cfg, "worker-a")
	lm := NewLockManager(st, clock.New(), cfg, reg, nil)

	lk, err := lm.Acquire(t.Context(), "good")
	require.NoError(t, err)
	require.NotNil(t, lk)
	require.NoError(t, st.Write(LockKey("bad"), []byte("nope")))

	locks, err := lm.List()
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "good", locks[0].Resource)
}

func writeLockRecord(t *testing.T, st store.Store, rec LockRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, st.Write(LockKey(rec.Resource), data))
}

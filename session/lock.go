package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/chittyapps/chittysync/config"
	"github.com/chittyapps/chittysync/log"
	"github.com/chittyapps/chittysync/monitoring"
	"github.com/chittyapps/chittysync/store"
)

// LockRecord is the marker stored at locks/<resource>. At most one exists per
// resource; that invariant comes entirely from the substrate's exclusive
// create.
type LockRecord struct {
	Resource   string    `json:"resource"`
	HolderID   string    `json:"holder_id"`
	HolderName string    `json:"holder_name,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// holderRecord reads just the holder field out of a lock or claim marker for
// identity-checked release.
type holderRecord struct {
	HolderID string `json:"holder_id"`
}

// LockManager grants exclusive advisory locks on named resources. Contention
// against a live holder backs off linearly and eventually gives up; a dead
// holder's record is reclaimed transparently.
type LockManager struct {
	store    store.Store
	clock    clock.Clock
	cfg      *config.Config
	registry *Registry
	metrics  *monitoring.Metrics
}

// NewLockManager creates a LockManager bound to the registry that answers
// holder-liveness questions. metrics may be nil.
func NewLockManager(st store.Store, clk clock.Clock, cfg *config.Config, reg *Registry, metrics *monitoring.Metrics) *LockManager {
	return &LockManager{store: st, clock: clk, cfg: cfg, registry: reg, metrics: metrics}
}

// Lock is a held lock. Release it when done; releasing after the reaper has
// already reclaimed it is a harmless no-op.
type Lock struct {
	resource string
	lm       *LockManager
}

// Resource returns the locked resource name.
func (l *Lock) Resource() string { return l.resource }

// Release gives the lock up.
func (l *Lock) Release() error { return l.lm.Release(l.resource) }

type acquireOptions struct {
	maxRetries int
	baseDelay  time.Duration
}

// AcquireOption overrides the configured retry policy for one call.
type AcquireOption func(*acquireOptions)

// WithMaxRetries caps how many times Acquire waits out a live holder.
func WithMaxRetries(n int) AcquireOption {
	return func(o *acquireOptions) { o.maxRetries = n }
}

// WithBaseDelay sets the linear backoff unit between attempts.
func WithBaseDelay(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.baseDelay = d }
}

// Acquire attempts to take the named lock for the current session. It returns
// (nil, nil) when every retry found a live holder: losing contention is a
// negative result, not an error. A holder whose session is dead is reclaimed
// on the spot without consuming retry budget. Cancelling ctx abandons the
// attempt; an acquire that never completed leaves no holder record behind.
func (lm *LockManager) Acquire(ctx context.Context, resource string, opts ...AcquireOption) (*Lock, error) {
	sess := lm.registry.Current()
	if sess == nil {
		return nil, ErrNotRegistered
	}

	o := acquireOptions{
		maxRetries: lm.cfg.LockMaxRetries,
		baseDelay:  lm.cfg.LockBaseDelay(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	attempt := 0
	for {
		rec := LockRecord{
			Resource:   resource,
			HolderID:   sess.ID,
			HolderName: sess.DisplayName,
			AcquiredAt: lm.clock.Now(),
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal lock record: %w", err)
		}

		err = lm.store.CreateExclusive(LockKey(resource), data)
		if err == nil {
			lm.registry.noteLockHeld(resource)
			lm.metrics.IncLockAcquire(monitoring.OutcomeAcquired)
			log.DebugLog.Printf("acquired lock %q as %s", resource, sess.ID)
			return &Lock{resource: resource, lm: lm}, nil
		}
		if !errors.Is(err, store.ErrKeyExists) {
			lm.metrics.IncLockAcquire(monitoring.OutcomeError)
			return nil, fmt.Errorf("failed to acquire lock %q: %w", resource, err)
		}

		holder, err := lm.readLock(resource)
		if errors.Is(err, store.ErrNotFound) {
			// Released between our create and read; try again right away.
			continue
		}
		if err != nil {
			// Exclusivity must not be guessed from an unreadable holder.
			lm.metrics.IncLockAcquire(monitoring.OutcomeError)
			return nil, err
		}

		live, err := lm.registry.IsLive(holder.HolderID)
		if err != nil {
			lm.metrics.IncLockAcquire(monitoring.OutcomeError)
			return nil, fmt.Errorf("failed to check liveness of lock holder %s: %w", holder.HolderID, err)
		}
		if !live {
			released, err := releaseIfHolder(lm.store, LockKey(resource), holder.HolderID)
			if err != nil {
				lm.metrics.IncLockAcquire(monitoring.OutcomeError)
				return nil, fmt.Errorf("failed to reclaim lock %q: %w", resource, err)
			}
			if released {
				lm.metrics.IncLockReclamation()
				log.InfoLog.Printf("reclaimed lock %q from dead session %s", resource, holder.HolderID)
			}
			// Reclamation consumes no retry budget.
			continue
		}

		attempt++
		if attempt > o.maxRetries {
			lm.metrics.IncLockAcquire(monitoring.OutcomeContended)
			log.DebugLog.Printf("gave up on lock %q after %d attempts; held by live session %s",
				resource, o.maxRetries, holder.HolderID)
			return nil, nil
		}

		timer := lm.clock.Timer(o.baseDelay * time.Duration(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Release deletes the lock record only while it still names the current
// session as holder. Any other state (absent, or re-acquired by someone else
// after reclamation) is silently ignored; a late release must not error.
func (lm *LockManager) Release(resource string) error {
	sess := lm.registry.Current()
	if sess == nil {
		return ErrNotRegistered
	}
	released, err := releaseIfHolder(lm.store, LockKey(resource), sess.ID)
	if err != nil {
		return err
	}
	lm.registry.noteLockReleased(resource)
	if released {
		log.DebugLog.Printf("released lock %q", resource)
	}
	return nil
}

// Holder returns the current lock record for a resource, or ErrNotFound.
func (lm *LockManager) Holder(resource string) (*LockRecord, error) {
	return lm.readLock(resource)
}

// List returns all current lock records, skipping unparseable ones.
func (lm *LockManager) List() ([]LockRecord, error) {
	keys, err := lm.store.List(LockPrefix)
	if err != nil {
		return nil, err
	}
	var out []LockRecord
	for _, key := range keys {
		data, err := lm.store.Read(key)
		if err != nil {
			continue
		}
		var rec LockRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.HolderID == "" {
			log.WarningLog.Printf("skipping unparseable lock record %s", key)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (lm *LockManager) readLock(resource string) (*LockRecord, error) {
	data, err := lm.store.Read(LockKey(resource))
	if err != nil {
		return nil, err
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.HolderID == "" {
		return nil, fmt.Errorf("%w: lock %q", ErrCorruptRecord, resource)
	}
	return &rec, nil
}

// releaseIfHolder deletes key only while its record still names holderID.
// This is the single release path shared by explicit release, unregister
// cleanup and the reaper: a resource already reclaimed by someone else is
// left untouched, and deleting an already-gone record is not an error, so
// concurrent sweeps converge without double-release failures.
func releaseIfHolder(st store.Store, key, holderID string) (bool, error) {
	data, err := st.Read(key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var rec holderRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.HolderID == "" {
		// Can't verify the holder; deleting could destroy someone's live lock.
		return false, fmt.Errorf("%w: %s", ErrCorruptRecord, key)
	}
	if rec.HolderID != holderID {
		return false, nil
	}
	if err := st.Delete(key); err != nil {
		return false, err
	}
	return true, nil
}

package session

import (
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

// ClaimRecord is the marker stored at claims/<task id>.
type ClaimRecord struct {
	TaskID     string    `json:"task_id"`
	HolderID   string    `json:"holder_id"`
	HolderName string    `json:"holder_name,omitempty"`
	ClaimedAt  time.Time `json:"claimed_at"`
}

// ClaimTracker hands out single-owner claims over task identifiers. Unlike
// locks there is no retry against a live holder: losing a claim is cheap and
// expected, the caller just moves on to the next task.
type ClaimTracker struct {
	store    store.Store
	clock    clock.Clock
	cfg      *config.Config
	registry *Registry
	metrics  *monitoring.Metrics
}

// NewClaimTracker creates a ClaimTracker. metrics may be nil.
func NewClaimTracker(st store.Store, clk clock.Clock, cfg *config.Config, reg *Registry, metrics *monitoring.Metrics) *ClaimTracker {
	return &ClaimTracker{store: st, clock: clk, cfg: cfg, registry: reg, metrics: metrics}
}

// Claim attempts to take the task exactly once and reports whether it
// succeeded. A claim held by a dead session is reclaimed and re-attempted a
// single time; a live holder means an immediate false.
func (ct *ClaimTracker) Claim(taskID string) (bool, error) {
	sess := ct.registry.Current()
	if sess == nil {
		return false, ErrNotRegistered
	}

	ok, err := ct.tryCreate(taskID, sess)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	rec, err := ct.readClaim(taskID)
	if errors.Is(err, store.ErrNotFound) {
		// Released between attempts; the single re-attempt below settles it.
		rec = nil
	} else if err != nil {
		ct.metrics.IncTaskClaim(monitoring.OutcomeError)
		return false, err
	}

	if rec != nil {
		live, err := ct.registry.IsLive(rec.HolderID)
		if err != nil {
			ct.metrics.IncTaskClaim(monitoring.OutcomeError)
			return false, fmt.Errorf("failed to check liveness of claim holder %s: %w", rec.HolderID, err)
		}
		if live {
			ct.metrics.IncTaskClaim(monitoring.OutcomeContended)
			return false, nil
		}
		released, err := releaseIfHolder(ct.store, ClaimKey(taskID), rec.HolderID)
		if err != nil {
			ct.metrics.IncTaskClaim(monitoring.OutcomeError)
			return false, fmt.Errorf("failed to reclaim task %q: %w", taskID, err)
		}
		if released {
			log.InfoLog.Printf("reclaimed task claim %q from dead session %s", taskID, rec.HolderID)
		}
	}

	ok, err = ct.tryCreate(taskID, sess)
	if err != nil {
		return false, err
	}
	if !ok {
		ct.metrics.IncTaskClaim(monitoring.OutcomeContended)
	}
	return ok, nil
}

// Release drops the claim if the current session still holds it; anything
// else is a silent no-op.
func (ct *ClaimTracker) Release(taskID string) error {
	sess := ct.registry.Current()
	if sess == nil {
		return ErrNotRegistered
	}
	released, err := releaseIfHolder(ct.store, ClaimKey(taskID), sess.ID)
	if err != nil {
		return err
	}
	ct.registry.noteClaimReleased(taskID)
	if released {
		log.DebugLog.Printf("released task claim %q", taskID)
	}
	return nil
}

// List returns all current claim records, skipping unparseable ones.
func (ct *ClaimTracker) List() ([]ClaimRecord, error) {
	keys, err := ct.store.List(ClaimPrefix)
	if err != nil {
		return nil, err
	}
	var out []ClaimRecord
	for _, key := range keys {
		data, err := ct.store.Read(key)
		if err != nil {
			continue
		}
		var rec ClaimRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.HolderID == "" {
			log.WarningLog.Printf("skipping unparseable claim record %s", key)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (ct *ClaimTracker) tryCreate(taskID string, sess *Session) (bool, error) {
	rec := ClaimRecord{
		TaskID:     taskID,
		HolderID:   sess.ID,
		HolderName: sess.DisplayName,
		ClaimedAt:  ct.clock.Now(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to marshal claim record: %w", err)
	}

	err = ct.store.CreateExclusive(ClaimKey(taskID), data)
	if err == nil {
		ct.registry.noteTaskClaimed(taskID)
		ct.metrics.IncTaskClaim(monitoring.OutcomeAcquired)
		log.DebugLog.Printf("claimed task %q as %s", taskID, sess.ID)
		return true, nil
	}
	if errors.Is(err, store.ErrKeyExists) {
		return false, nil
	}
	ct.metrics.IncTaskClaim(monitoring.OutcomeError)
	return false, fmt.Errorf("failed to claim task %q: %w", taskID, err)
}

func (ct *ClaimTracker) readClaim(taskID string) (*ClaimRecord, error) {
	data, err := ct.store.Read(ClaimKey(taskID))
	if err != nil {
		return nil, err
	}
	var rec ClaimRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.HolderID == "" {
		return nil, fmt.Errorf("%w: claim %q", ErrCorruptRecord, taskID)
	}
	return &rec, nil
}

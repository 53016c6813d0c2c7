package session

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"

	"github.com/chittyapps/chittysync/config"
	"github.com/chittyapps/chittysync/log"
	"github.com/chittyapps/chittysync/monitoring"
	"github.com/chittyapps/chittysync/store"
)

// Reaper sweeps the session space and reclaims whatever dead sessions left
// behind. It is fully decentralized: any live process may run it, and because
// every release is identity-checked and deletions are idempotent, concurrent
// sweeps from multiple processes converge without stepping on each other.
type Reaper struct {
	store   store.Store
	clock   clock.Clock
	cfg     *config.Config
	metrics *monitoring.Metrics
}

// NewReaper creates a Reaper. metrics may be nil.
func NewReaper(st store.Store, clk clock.Clock, cfg *config.Config, metrics *monitoring.Metrics) *Reaper {
	return &Reaper{store: st, clock: clk, cfg: cfg, metrics: metrics}
}

// Sweep scans all session records once and purges the stale ones, returning
// how many it removed. A session is stale when it terminated cleanly and its
// retention window has passed, or when its heartbeat is older than
// StaleMultiple times the session timeout.
func (rp *Reaper) Sweep() (int, error) {
	keys, err := rp.store.List(SessionPrefix)
	if err != nil {
		return 0, err
	}

	now := rp.clock.Now()
	staleAfter := rp.cfg.StaleAfter()
	retention := rp.cfg.RetentionPeriod()

	reaped := 0
	for _, key := range keys {
		data, err := rp.store.Read(key)
		if errors.Is(err, store.ErrNotFound) {
			// Another reaper got here first.
			continue
		}
		if err != nil {
			log.WarningLog.Printf("reaper: failed to read %s: %v", key, err)
			continue
		}

		s, err := unmarshalSession(data)
		if err != nil {
			// Nothing can reference an unparseable session by id; drop it.
			log.WarningLog.Printf("reaper: deleting unparseable session record %s: %v", key, err)
			if err := rp.store.Delete(key); err != nil {
				log.WarningLog.Printf("reaper: failed to delete %s: %v", key, err)
			}
			continue
		}

		var stale bool
		if s.Status == StatusTerminated {
			stale = now.Sub(s.TerminatedAt) >= retention
		} else {
			stale = now.Sub(s.LastHeartbeat) > staleAfter
		}
		if !stale {
			continue
		}

		rp.purge(s)
		reaped++
	}

	if reaped > 0 {
		rp.metrics.AddSessionsReaped(reaped)
		log.InfoLog.Printf("reaper: purged %d stale session(s)", reaped)
	}
	return reaped, nil
}

// Run sweeps periodically until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := rp.clock.Ticker(rp.cfg.ReapInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := rp.Sweep(); err != nil {
				log.WarningLog.Printf("reaper: sweep failed: %v", err)
			} else if n > 0 {
				log.DebugLog.Printf("reaper: sweep removed %d session(s)", n)
			}
		}
	}
}

// purge releases everything the dead session's record says it held, then
// deletes its outbox and the record itself. Each release goes through the
// identity-checked path, so a lock already reclaimed by a new holder is left
// untouched.
func (rp *Reaper) purge(s *Session) {
	for _, resource := range s.HeldLocks {
		released, err := releaseIfHolder(rp.store, LockKey(resource), s.ID)
		if err != nil {
			log.WarningLog.Printf("reaper: failed to release lock %q held by %s: %v", resource, s.ID, err)
			continue
		}
		if released {
			log.InfoLog.Printf("reaper: released lock %q held by dead session %s", resource, s.ID)
		}
	}
	for _, task := range s.ClaimedTasks {
		released, err := releaseIfHolder(rp.store, ClaimKey(task), s.ID)
		if err != nil {
			log.WarningLog.Printf("reaper: failed to release claim %q held by %s: %v", task, s.ID, err)
			continue
		}
		if released {
			log.InfoLog.Printf("reaper: released task claim %q held by dead session %s", task, s.ID)
		}
	}

	if err := rp.store.Delete(OutboxKey(s.ID)); err != nil {
		log.WarningLog.Printf("reaper: failed to delete outbox for %s: %v", s.ID, err)
	}
	if err := rp.store.Delete(SessionKey(s.ID)); err != nil {
		log.WarningLog.Printf("reaper: failed to delete session %s: %v", s.ID, err)
	}
}

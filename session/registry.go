package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/chittyapps/chittysync/config"
	"github.com/chittyapps/chittysync/log"
	"github.com/chittyapps/chittysync/monitoring"
	"github.com/chittyapps/chittysync/store"
)

// Registry tracks this process's registered session and reads peer sessions
// from the substrate. One Registry handles one identity at a time: Register
// creates and heartbeats a fresh session, Attach adopts an existing one (for
// one-shot commands acting on behalf of a running session) without
// heartbeating it.
type Registry struct {
	store   store.Store
	clock   clock.Clock
	cfg     *config.Config
	metrics *monitoring.Metrics

	mu       sync.Mutex
	current  *Session
	owns     bool
	hbCancel context.CancelFunc
	hbDone   chan struct{}

	hbEvery *log.Every
}

// NewRegistry creates a Registry over the given substrate. metrics may be nil.
func NewRegistry(st store.Store, clk clock.Clock, cfg *config.Config, metrics *monitoring.Metrics) *Registry {
	return &Registry{
		store:   st,
		clock:   clk,
		cfg:     cfg,
		metrics: metrics,
		hbEvery: log.NewEvery(time.Minute),
	}
}

// Register allocates a new session identity, persists it and starts the
// heartbeat loop. Failure here is fatal to the caller: without an identity no
// coordination can proceed.
func (r *Registry) Register(name string, metadata map[string]string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return nil, fmt.Errorf("session %s already registered", r.current.ID)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	now := r.clock.Now()
	s := &Session{
		ID:            uuid.NewString(),
		DisplayName:   name,
		Host:          host,
		PID:           os.Getpid(),
		StartTime:     now,
		LastHeartbeat: now,
		LastUpdate:    now,
		Status:        StatusActive,
		Metadata:      metadata,
	}

	data, err := s.marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.store.CreateExclusive(SessionKey(s.ID), data); err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	r.current = s
	r.owns = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.hbCancel = cancel
	r.hbDone = done
	// The goroutine gets the channel by value: Unregister nils the fields
	// under the mutex, possibly before this goroutine has run at all.
	go r.heartbeatLoop(ctx, done)

	log.InfoLog.Printf("registered session %s (%s) on %s pid=%d", s.ID, name, host, s.PID)
	return s.clone(), nil
}

// Attach adopts an existing active session identity without starting a
// heartbeat; the owning process keeps heartbeating it. Used by one-shot
// commands and the MCP sidecar.
func (r *Registry) Attach(id string) (*Session, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusActive {
		return nil, fmt.Errorf("session %s is %s", id, s.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return nil, fmt.Errorf("session %s already registered", r.current.ID)
	}
	r.current = s
	r.owns = false
	return s.clone(), nil
}

// Detach drops an attached identity without terminating it.
func (r *Registry) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.owns {
		r.current = nil
	}
}

// Owned reports whether the current identity was created by Register (as
// opposed to Attach) and should be terminated on shutdown.
func (r *Registry) Owned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil && r.owns
}

// Unregister marks the session terminated and best-effort releases everything
// it still holds. Partial failures are logged, never raised; the reaper
// finishes whatever this misses. Physical deletion of the record happens
// after the retention window. Idempotent.
func (r *Registry) Unregister() error {
	r.mu.Lock()
	cancel, done := r.hbCancel, r.hbDone
	r.hbCancel, r.hbDone = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	r.mu.Lock()
	s := r.current
	r.current = nil
	r.owns = false
	r.mu.Unlock()
	if s == nil {
		return nil
	}

	// Prefer the stored record: an attached helper may have added locks or
	// claims our in-memory copy never saw.
	if data, err := r.store.Read(SessionKey(s.ID)); err == nil {
		if stored, perr := unmarshalSession(data); perr == nil {
			s = stored
		}
	}

	for _, resource := range s.HeldLocks {
		if _, err := releaseIfHolder(r.store, LockKey(resource), s.ID); err != nil {
			log.WarningLog.Printf("unregister: failed to release lock %q: %v", resource, err)
		}
	}
	for _, task := range s.ClaimedTasks {
		if _, err := releaseIfHolder(r.store, ClaimKey(task), s.ID); err != nil {
			log.WarningLog.Printf("unregister: failed to release claim %q: %v", task, err)
		}
	}
	if err := r.store.Delete(OutboxKey(s.ID)); err != nil {
		log.WarningLog.Printf("unregister: failed to delete outbox for %s: %v", s.ID, err)
	}

	now := r.clock.Now()
	s.Status = StatusTerminated
	s.TerminatedAt = now
	s.LastUpdate = now
	s.HeldLocks = nil
	s.ClaimedTasks = nil

	data, err := s.marshal()
	if err == nil {
		err = r.store.Write(SessionKey(s.ID), data)
	}
	if err != nil {
		log.WarningLog.Printf("unregister: failed to mark session %s terminated: %v", s.ID, err)
		return fmt.Errorf("failed to mark session terminated: %w", err)
	}

	log.InfoLog.Printf("unregistered session %s (%s)", s.ID, s.DisplayName)
	return nil
}

// Current returns a copy of the registered session, or nil.
func (r *Registry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.clone()
}

// Get reads any session record by id.
func (r *Registry) Get(id string) (*Session, error) {
	data, err := r.store.Read(SessionKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	s, err := unmarshalSession(data)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s", ErrCorruptRecord, id)
	}
	return s, nil
}

// IsLive answers the holder-liveness question for lock and claim
// reclamation. A missing record is dead; an unparseable one is treated as
// dead too, since heartbeat writes are atomic and garbage means the record
// was never a valid registration.
func (r *Registry) IsLive(id string) (bool, error) {
	data, err := r.store.Read(SessionKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s, err := unmarshalSession(data)
	if err != nil {
		log.WarningLog.Printf("treating unparseable session record %s as dead: %v", id, err)
		return false, nil
	}
	return s.LiveAt(r.clock.Now(), r.cfg.SessionTimeout()), nil
}

// ListActive recomputes liveness at call time; it is never cached. Corrupt
// records are skipped, substrate failures are hard errors.
func (r *Registry) ListActive() ([]*Session, error) {
	keys, err := r.store.List(SessionPrefix)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	timeout := r.cfg.SessionTimeout()
	var out []*Session
	for _, key := range keys {
		data, err := r.store.Read(key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s, err := unmarshalSession(data)
		if err != nil {
			log.WarningLog.Printf("skipping unparseable session record %s: %v", key, err)
			continue
		}
		if s.LiveAt(now, timeout) {
			out = append(out, s)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})

	r.metrics.SetActiveSessions(len(out))
	return out, nil
}

// Update merges fields into the current session record and stamps LastUpdate.
type Update struct {
	DisplayName string
	Metadata    map[string]string // merged key-wise
	ProjectID   *string           // non-nil sets (empty string clears)
}

// ApplyUpdate merges the partial update into the registered session. Returns
// ErrNotRegistered when called without one.
func (r *Registry) ApplyUpdate(u Update) (*Session, error) {
	err := r.mutateCurrent(func(s *Session) {
		if u.DisplayName != "" {
			s.DisplayName = u.DisplayName
		}
		if len(u.Metadata) > 0 && s.Metadata == nil {
			s.Metadata = make(map[string]string, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			s.Metadata[k] = v
		}
		if u.ProjectID != nil {
			s.ProjectID = *u.ProjectID
		}
		s.LastUpdate = r.clock.Now()
	})
	if err != nil {
		return nil, err
	}
	return r.Current(), nil
}

// heartbeatLoop stamps the session record every interval. A missed beat is
// logged and swallowed: the worst outcome is being judged stale, which is the
// intended self-healing path.
func (r *Registry) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := r.clock.Ticker(r.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.beat(); err != nil {
				r.metrics.IncHeartbeatFailure()
				if r.hbEvery.ShouldLog() {
					log.WarningLog.Printf("heartbeat write failed: %v", err)
				}
			} else {
				r.metrics.IncHeartbeat()
			}
		}
	}
}

func (r *Registry) beat() error {
	return r.mutateCurrent(func(s *Session) {
		s.LastHeartbeat = r.clock.Now()
	})
}

// mutateCurrent serializes all writes to the own session record. It re-reads
// the stored record first so bookkeeping done by an attached helper process
// isn't clobbered. A record deleted out from under us (reaped) is an error:
// rewriting it would resurrect a session whose locks were already freed.
func (r *Registry) mutateCurrent(fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return ErrNotRegistered
	}

	data, err := r.store.Read(SessionKey(r.current.ID))
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, r.current.ID)
	}
	if err != nil {
		return err
	}
	if stored, perr := unmarshalSession(data); perr == nil {
		r.current = stored
	}

	fn(r.current)

	out, err := r.current.marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return r.store.Write(SessionKey(r.current.ID), out)
}

// noteLockHeld / noteLockReleased / noteTaskClaimed / noteClaimReleased keep
// the session record's bookkeeping in step with the lock and claim stores.
// Failures are logged, not fatal: the marker record is the source of truth
// for exclusivity, the bookkeeping only guides cleanup.
func (r *Registry) noteLockHeld(resource string) {
	r.noteBookkeeping("lock", resource, func(s *Session) {
		if !contains(s.HeldLocks, resource) {
			s.HeldLocks = append(s.HeldLocks, resource)
		}
	})
}

func (r *Registry) noteLockReleased(resource string) {
	r.noteBookkeeping("lock", resource, func(s *Session) {
		s.HeldLocks = remove(s.HeldLocks, resource)
	})
}

func (r *Registry) noteTaskClaimed(taskID string) {
	r.noteBookkeeping("claim", taskID, func(s *Session) {
		if !contains(s.ClaimedTasks, taskID) {
			s.ClaimedTasks = append(s.ClaimedTasks, taskID)
		}
	})
}

func (r *Registry) noteClaimReleased(taskID string) {
	r.noteBookkeeping("claim", taskID, func(s *Session) {
		s.ClaimedTasks = remove(s.ClaimedTasks, taskID)
	})
}

func (r *Registry) noteBookkeeping(kind, name string, fn func(*Session)) {
	if err := r.mutateCurrent(fn); err != nil {
		log.WarningLog.Printf("failed to record %s bookkeeping for %q: %v", kind, name, err)
	}
}

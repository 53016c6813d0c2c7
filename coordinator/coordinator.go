// Package coordinator wires the coordination components into one explicit
// instance: registry, locks, claims, reaper and sync bridge over a shared
// substrate. There is no module-level state; storage and clock are injected,
// which is what makes the whole core testable with a temp-dir store and a
// mock clock.
package coordinator

import (
	"context"

	"github.com/benbjohnson/clock"

	"github.com/chittyapps/chittysync/config"
	"github.com/chittyapps/chittysync/log"
	"github.com/chittyapps/chittysync/monitoring"
	"github.com/chittyapps/chittysync/registry"
	"github.com/chittyapps/chittysync/session"
	sessionsync "github.com/chittyapps/chittysync/session/sync"
	"github.com/chittyapps/chittysync/store"
)

// Coordinator owns the coordination state for one process.
type Coordinator struct {
	cfg     *config.Config
	store   store.Store
	clock   clock.Clock
	metrics *monitoring.Metrics

	Registry *session.Registry
	Locks    *session.LockManager
	Claims   *session.ClaimTracker
	Reaper   *session.Reaper
	Bridge   *sessionsync.Bridge
	Projects *registry.Client
}

type options struct {
	store    store.Store
	clock    clock.Clock
	metrics  *monitoring.Metrics
	projects *registry.Client
}

// Option customizes construction; primarily used by tests to inject a fake
// clock or an alternative substrate.
type Option func(*options)

func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithProjectClient(c *registry.Client) Option {
	return func(o *options) { o.projects = c }
}

// New builds a Coordinator from config, defaulting to the file substrate
// under the configured state dir, the wall clock, fresh metrics and a project
// registry client from the configured endpoint.
func New(cfg *config.Config, opts ...Option) (*Coordinator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.store == nil {
		dir, err := cfg.StateDir()
		if err != nil {
			return nil, err
		}
		fs, err := store.NewFileStore(dir)
		if err != nil {
			return nil, err
		}
		o.store = fs
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.metrics == nil {
		o.metrics = monitoring.NewMetrics()
	}
	if o.projects == nil {
		o.projects = registry.NewClient(cfg.RegistryURL, cfg.Token())
	}

	c := &Coordinator{
		cfg:      cfg,
		store:    o.store,
		clock:    o.clock,
		metrics:  o.metrics,
		Projects: o.projects,
	}
	c.Registry = session.NewRegistry(c.store, c.clock, cfg, c.metrics)
	c.Locks = session.NewLockManager(c.store, c.clock, cfg, c.Registry, c.metrics)
	c.Claims = session.NewClaimTracker(c.store, c.clock, cfg, c.Registry, c.metrics)
	c.Reaper = session.NewReaper(c.store, c.clock, cfg, c.metrics)
	c.Bridge = sessionsync.NewBridge(c.store, c.clock, cfg, c.Registry, c.Projects, c.metrics)
	return c, nil
}

// Metrics exposes the collectors, e.g. for the daemon's /metrics endpoint.
func (c *Coordinator) Metrics() *monitoring.Metrics { return c.metrics }

// Register creates this process's session identity and starts heartbeating.
func (c *Coordinator) Register(name string, metadata map[string]string) (*session.Session, error) {
	return c.Registry.Register(name, metadata)
}

// Attach adopts an already-running session's identity for one-shot commands.
// If the session is already bound to a project, the bridge picks that binding
// up so publish and switch work without re-binding.
func (c *Coordinator) Attach(id string) (*session.Session, error) {
	sess, err := c.Registry.Attach(id)
	if err != nil {
		return nil, err
	}
	if sess.ProjectID != "" {
		c.Bridge.AdoptBinding(sess.ProjectID)
	}
	return sess, nil
}

// Unregister terminates the current session.
func (c *Coordinator) Unregister() error {
	return c.Registry.Unregister()
}

// Close shuts the coordinator down. When this process owns the session it
// unbinds from any project and terminates it; an attached process only
// detaches, since the binding belongs to the owning session.
func (c *Coordinator) Close() error {
	if !c.Registry.Owned() {
		c.Registry.Detach()
		return nil
	}
	if c.Bridge.Bound() != "" {
		if err := c.Bridge.Unbind(); err != nil {
			log.WarningLog.Printf("close: unbind failed: %v", err)
		}
	}
	return c.Registry.Unregister()
}

// Acquire takes an exclusive advisory lock; see session.LockManager.Acquire.
func (c *Coordinator) Acquire(ctx context.Context, resource string, opts ...session.AcquireOption) (*session.Lock, error) {
	return c.Locks.Acquire(ctx, resource, opts...)
}

// Release gives up a held lock.
func (c *Coordinator) Release(resource string) error {
	return c.Locks.Release(resource)
}

// Claim attempts a single-shot task claim.
func (c *Coordinator) Claim(taskID string) (bool, error) {
	return c.Claims.Claim(taskID)
}

// ReleaseClaim gives up a task claim.
func (c *Coordinator) ReleaseClaim(taskID string) error {
	return c.Claims.Release(taskID)
}

// ListActiveSessions returns the live session set, computed fresh.
func (c *Coordinator) ListActiveSessions() ([]*session.Session, error) {
	return c.Registry.ListActive()
}

// ListLocks returns all current lock records.
func (c *Coordinator) ListLocks() ([]session.LockRecord, error) {
	return c.Locks.List()
}

// ListClaims returns all current claim records.
func (c *Coordinator) ListClaims() ([]session.ClaimRecord, error) {
	return c.Claims.List()
}

// BindToProject binds the session to a project context.
func (c *Coordinator) BindToProject(ctx context.Context, projectID string) error {
	return c.Bridge.Bind(ctx, projectID)
}

// SwitchProject rebinds to a different project, unbinding first.
func (c *Coordinator) SwitchProject(ctx context.Context, projectID string) error {
	return c.Bridge.SwitchProject(ctx, projectID)
}

// Publish sends an event to relevant peers.
func (c *Coordinator) Publish(eventType, payload string) error {
	return c.Bridge.Publish(eventType, payload)
}

// ReadRelevantEvents drains this session's outbox.
func (c *Coordinator) ReadRelevantEvents() ([]sessionsync.Event, error) {
	return c.Bridge.ReadEvents()
}

// Reap runs one stale-session sweep.
func (c *Coordinator) Reap() (int, error) {
	return c.Reaper.Sweep()
}

// RunReaper sweeps periodically until ctx is cancelled.
func (c *Coordinator) RunReaper(ctx context.Context) {
	c.Reaper.Run(ctx)
}

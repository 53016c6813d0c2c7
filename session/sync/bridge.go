// Package sync scopes cross-session messaging to sessions that share a
// project context. Events are delivered into each relevant peer's bounded
// outbox in the coordination substrate; nothing is ever broadcast outside the
// relevant set — that scoping is the whole point of the bridge.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/chittyapps/chittysync/config"
	"github.com/chittyapps/chittysync/log"
	"github.com/chittyapps/chittysync/monitoring"
	"github.com/chittyapps/chittysync/registry"
	"github.com/chittyapps/chittysync/session"
	"github.com/chittyapps/chittysync/store"
)

var (
	// ErrNotBound is returned by Publish before BindToProject has succeeded.
	ErrNotBound = errors.New("session is not bound to a project")
	// ErrAlreadyBound is returned by Bind when bound to a different project;
	// use SwitchProject instead.
	ErrAlreadyBound = errors.New("session is already bound to a project")
)

// Event is one cross-session message.
type Event struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	ProjectID  string    `json:"project_id"`
	Type       string    `json:"type"`
	Payload    string    `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProjectContext is the locally persisted view of a project: identity and
// tags from the external registry plus explicit session membership. Nothing
// is ever inferred ambiently; a session is a member only after binding.
type ProjectContext struct {
	ProjectID        string    `json:"project_id"`
	Name             string    `json:"name"`
	Tags             []string  `json:"tags,omitempty"`
	MemberSessionIDs []string  `json:"member_session_ids,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Bridge binds the current session to a project context and routes events to
// relevant peers. State machine: unbound → Bind → bound → SwitchProject →
// bound(new) → Unbind → unbound.
type Bridge struct {
	store    store.Store
	clock    clock.Clock
	cfg      *config.Config
	reg      *session.Registry
	projects *registry.Client // may be unconfigured; contexts stay local then
	metrics  *monitoring.Metrics

	mu    gosync.Mutex
	bound string
}

// NewBridge creates a Bridge. projects and metrics may be nil.
func NewBridge(st store.Store, clk clock.Clock, cfg *config.Config, reg *session.Registry, projects *registry.Client, metrics *monitoring.Metrics) *Bridge {
	return &Bridge{store: st, clock: clk, cfg: cfg, reg: reg, projects: projects, metrics: metrics}
}

// Bound returns the bound project id, or "".
func (b *Bridge) Bound() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound
}

// Bind resolves the project context (creating it in the external registry
// when one is configured), registers this session under it, and moves the
// bridge to the bound state.
func (b *Bridge) Bind(ctx context.Context, projectID string) error {
	sess := b.reg.Current()
	if sess == nil {
		return session.ErrNotRegistered
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bound == projectID {
		return nil
	}
	if b.bound != "" {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, b.bound)
	}

	pctx, err := b.resolveProject(ctx, projectID)
	if err != nil {
		return err
	}

	if !contains(pctx.MemberSessionIDs, sess.ID) {
		pctx.MemberSessionIDs = append(pctx.MemberSessionIDs, sess.ID)
	}
	pctx.UpdatedAt = b.clock.Now()
	if err := b.writeContext(pctx); err != nil {
		return err
	}

	if _, err := b.reg.ApplyUpdate(session.Update{ProjectID: &projectID}); err != nil {
		return fmt.Errorf("failed to record project binding: %w", err)
	}

	b.bound = projectID
	log.InfoLog.Printf("session %s bound to project %s", sess.ID, projectID)
	return nil
}

// Unbind removes this session from the bound project context and returns to
// the unbound state. Idempotent.
func (b *Bridge) Unbind() error {
	sess := b.reg.Current()
	if sess == nil {
		return session.ErrNotRegistered
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bound == "" {
		return nil
	}

	if pctx, err := b.readContext(b.bound); err == nil && pctx != nil {
		pctx.MemberSessionIDs = remove(pctx.MemberSessionIDs, sess.ID)
		pctx.UpdatedAt = b.clock.Now()
		if err := b.writeContext(pctx); err != nil {
			log.WarningLog.Printf("unbind: failed to update project context %s: %v", b.bound, err)
		}
	}

	empty := ""
	if _, err := b.reg.ApplyUpdate(session.Update{ProjectID: &empty}); err != nil {
		log.WarningLog.Printf("unbind: failed to clear project binding: %v", err)
	}

	log.InfoLog.Printf("session %s unbound from project %s", sess.ID, b.bound)
	b.bound = ""
	return nil
}

// AdoptBinding seeds the bound state from an existing session record without
// touching the project context. Used when attaching to a session that bound
// itself elsewhere.
func (b *Bridge) AdoptBinding(projectID string) {
	b.mu.Lock()
	b.bound = projectID
	b.mu.Unlock()
}

// SwitchProject always unbinds from the old context first, invalidating its
// cached registry entry, then binds to the new one. No double-binding.
func (b *Bridge) SwitchProject(ctx context.Context, projectID string) error {
	old := b.Bound()
	if old != "" {
		if err := b.Unbind(); err != nil {
			return err
		}
		b.projects.Invalidate(old)
	}
	return b.Bind(ctx, projectID)
}

// Publish delivers an event to every relevant live peer's outbox. Relevant
// means: bound to the same project, or bound to a project sharing at least
// one exact tag. The sender's own outbox is not written.
func (b *Bridge) Publish(eventType, payload string) error {
	sess := b.reg.Current()
	if sess == nil {
		return session.ErrNotRegistered
	}

	b.mu.Lock()
	bound := b.bound
	b.mu.Unlock()
	if bound == "" {
		return ErrNotBound
	}

	ev := Event{
		ID:         uuid.NewString(),
		Sender:     sess.ID,
		SenderName: sess.DisplayName,
		ProjectID:  bound,
		Type:       eventType,
		Payload:    payload,
		Timestamp:  b.clock.Now(),
	}

	peers, err := b.relevantPeers(sess.ID, bound)
	if err != nil {
		return err
	}

	for _, peer := range peers {
		if err := b.appendToOutbox(peer.ID, ev); err != nil {
			log.WarningLog.Printf("publish: failed to deliver %s to %s: %v", ev.Type, peer.ID, err)
			continue
		}
		b.metrics.IncEventsPublished()
	}
	log.DebugLog.Printf("published %s event to %d relevant peer(s)", ev.Type, len(peers))
	return nil
}

// ReadEvents drains and returns the current session's outbox.
func (b *Bridge) ReadEvents() ([]Event, error) {
	sess := b.reg.Current()
	if sess == nil {
		return nil, session.ErrNotRegistered
	}

	events, err := b.readOutbox(sess.ID)
	if err != nil {
		return nil, err
	}
	if err := b.store.Delete(session.OutboxKey(sess.ID)); err != nil {
		return nil, err
	}
	return events, nil
}

// relevantPeers computes the audience for an event: live sessions in the same
// project, plus live sessions whose project context shares at least one tag
// with ours. Tag matching is exact set overlap.
func (b *Bridge) relevantPeers(selfID, projectID string) ([]*session.Session, error) {
	own, err := b.readContext(projectID)
	if err != nil {
		return nil, err
	}

	active, err := b.reg.ListActive()
	if err != nil {
		return nil, err
	}

	contexts := map[string]*ProjectContext{projectID: own}
	var peers []*session.Session
	for _, peer := range active {
		if peer.ID == selfID || peer.ProjectID == "" {
			continue
		}
		if peer.ProjectID == projectID {
			peers = append(peers, peer)
			continue
		}
		pctx, ok := contexts[peer.ProjectID]
		if !ok {
			pctx, err = b.readContext(peer.ProjectID)
			if err != nil {
				log.WarningLog.Printf("skipping peer %s with unreadable project context %s: %v", peer.ID, peer.ProjectID, err)
				contexts[peer.ProjectID] = nil
				continue
			}
			contexts[peer.ProjectID] = pctx
		}
		if pctx != nil && own != nil && tagsOverlap(own.Tags, pctx.Tags) {
			peers = append(peers, peer)
		}
	}
	return peers, nil
}

// resolveProject builds the project context, consulting the external registry
// for name and tags when configured. A registry miss creates the project
// there; an unconfigured registry leaves the context local.
func (b *Bridge) resolveProject(ctx context.Context, projectID string) (*ProjectContext, error) {
	pctx, err := b.readContext(projectID)
	if err != nil {
		return nil, err
	}
	if pctx == nil {
		pctx = &ProjectContext{ProjectID: projectID, Name: projectID}
	}

	if b.projects.Configured() {
		p, err := b.projects.GetProject(ctx, projectID)
		if errors.Is(err, registry.ErrNotFound) {
			p, err = b.projects.CreateProject(ctx, registry.Project{ID: projectID, Name: projectID})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project %s: %w", projectID, err)
		}
		pctx.Name = p.Name
		pctx.Tags = p.Tags
	}
	return pctx, nil
}

// readContext returns the stored project context, nil when absent, and skips
// nothing: an unparseable context is a hard error since membership and tags
// drive event scoping.
func (b *Bridge) readContext(projectID string) (*ProjectContext, error) {
	data, err := b.store.Read(session.ProjectKey(projectID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pctx ProjectContext
	if err := json.Unmarshal(data, &pctx); err != nil {
		return nil, fmt.Errorf("corrupt project context %s: %w", projectID, err)
	}
	return &pctx, nil
}

func (b *Bridge) writeContext(pctx *ProjectContext) error {
	data, err := json.MarshalIndent(pctx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project context: %w", err)
	}
	return b.store.Write(session.ProjectKey(pctx.ProjectID), data)
}

// appendToOutbox adds the event to a session's outbox, evicting the oldest
// entries beyond the configured capacity.
func (b *Bridge) appendToOutbox(sessionID string, ev Event) error {
	events, err := b.readOutbox(sessionID)
	if err != nil {
		return err
	}

	events = append(events, ev)
	if limit := b.cfg.OutboxCapacity; len(events) > limit {
		dropped := len(events) - limit
		events = events[dropped:]
		for i := 0; i < dropped; i++ {
			b.metrics.IncEventsDropped()
		}
		log.DebugLog.Printf("outbox for %s full, dropped %d oldest event(s)", sessionID, dropped)
	}

	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal outbox: %w", err)
	}
	return b.store.Write(session.OutboxKey(sessionID), data)
}

// readOutbox tolerantly loads a session's outbox; corrupt content is treated
// as empty rather than wedging delivery forever.
func (b *Bridge) readOutbox(sessionID string) ([]Event, error) {
	data, err := b.store.Read(session.OutboxKey(sessionID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		log.WarningLog.Printf("resetting unparseable outbox for %s: %v", sessionID, err)
		return nil, nil
	}
	return events, nil
}

func tagsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

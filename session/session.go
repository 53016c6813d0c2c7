package session

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a session record.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Session is the registered identity of one worker process. The record is
// owned by that process: only heartbeat ticks and its own claim/lock
// bookkeeping mutate it while it lives, and the reaper deletes it once it is
// provably dead.
type Session struct {
	ID            string            `json:"id"`
	DisplayName   string            `json:"display_name"`
	Host          string            `json:"host"`
	PID           int               `json:"pid"`
	StartTime     time.Time         `json:"start_time"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	LastUpdate    time.Time         `json:"last_update"`
	TerminatedAt  time.Time         `json:"terminated_at"`
	Status        Status            `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ClaimedTasks  []string          `json:"claimed_tasks,omitempty"`
	HeldLocks     []string          `json:"held_locks,omitempty"`
	ProjectID     string            `json:"project_id,omitempty"`
}

// LiveAt is the one authoritative liveness check: a session is live iff it is
// active and its heartbeat is younger than the timeout. Every consumer
// (listings, lock reclamation, the reaper) goes through this.
func (s *Session) LiveAt(now time.Time, timeout time.Duration) bool {
	return s.Status == StatusActive && now.Sub(s.LastHeartbeat) < timeout
}

func (s *Session) marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

func unmarshalSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, ErrCorruptRecord
	}
	return &s, nil
}

// clone returns a copy so callers can't mutate the registry's record outside
// the serialized mutation path.
func (s *Session) clone() *Session {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	c.ClaimedTasks = append([]string(nil), s.ClaimedTasks...)
	c.HeldLocks = append([]string(nil), s.HeldLocks...)
	return &c
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

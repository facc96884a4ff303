// Package model holds the data types shared by every core component:
// the session record persisted by SessionStore and the status enum that
// drives the lifecycle state machine.
package model

import "time"

// Status is a SessionRecord's lifecycle state.
type Status string

const (
	StatusCreating   Status = "creating"
	StatusActive     Status = "active"
	StatusPausing    Status = "pausing"
	StatusPaused     Status = "paused"
	StatusResuming   Status = "resuming"
	StatusDestroying Status = "destroying"
	StatusDestroyed  Status = "destroyed"
	StatusError      Status = "error"
)

// ThreadKey names an actor: "thread:<id>" for thread events, "channel:<id>"
// for channel-level turns prior to thread creation.
type ThreadKey string

// SessionRecord is SessionStore's primary entity, one per ThreadKey.
type SessionRecord struct {
	ThreadID  string
	ChannelID string
	GuildID   string

	SandboxID      string
	AgentSessionID string

	PreviewURL   string
	PreviewToken string

	// SessionTitle is the canonical title under which the agent session was
	// created, e.g. "Discord thread <threadId>". Stored rather than
	// recomputed so title-matching never depends on reconstructing the
	// format elsewhere (see DESIGN.md Open Question 3).
	SessionTitle string

	Status Status

	LastActivity      time.Time
	PauseRequestedAt  *time.Time
	PausedAt          *time.Time
	ResumeAttemptedAt *time.Time
	ResumedAt         *time.Time
	DestroyedAt       *time.Time
	LastHealthOkAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time

	LastError       *string
	ResumeFailCount int
}

// Clone returns a deep-enough copy for safe hand-off between the store and
// an actor's cached state (timestamps are value types; pointer fields are
// copied to fresh allocations so callers can't alias each other's state).
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.PauseRequestedAt = clonePtr(r.PauseRequestedAt)
	cp.PausedAt = clonePtr(r.PausedAt)
	cp.ResumeAttemptedAt = clonePtr(r.ResumeAttemptedAt)
	cp.ResumedAt = clonePtr(r.ResumedAt)
	cp.DestroyedAt = clonePtr(r.DestroyedAt)
	cp.LastHealthOkAt = clonePtr(r.LastHealthOkAt)
	if r.LastError != nil {
		e := *r.LastError
		cp.LastError = &e
	}
	return &cp
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// IsActive reports whether the record is in the active status.
func (r *SessionRecord) IsActive() bool {
	return r != nil && r.Status == StatusActive
}

// CanonicalTitle returns the deterministic session title for a thread id.
func CanonicalTitle(threadID string) string {
	return "Discord thread " + threadID
}

// Package ports defines the external collaborator interfaces the core
// consumes (spec §6). Concrete implementations either live in sibling
// packages (internal/sandbox/dockersandbox, internal/agentclient) or are
// out of scope entirely (Inbox, Outbox, Threads, History, TurnRouter) —
// the platform adapter that would implement those four is not part of
// this spec; only the contract is.
package ports

import (
	"context"
	"time"
)

// InboundEvent is the platform-agnostic shape described in spec §6.
type InboundEvent struct {
	MessageID        string
	ChannelID        string
	GuildID          string
	AuthorID         string
	AuthorIsBot      bool
	MentionsEveryone bool
	MentionedUserIDs []string
	MentionedRoleIDs []string
	BotUserID        string
	BotRoleID        string
	Content          string

	// ThreadID is set only for ThreadMessage events; empty for
	// ChannelMessage events (spec §6).
	ThreadID string
}

// IsThreadEvent reports whether this event already carries a thread id.
func (e InboundEvent) IsThreadEvent() bool { return e.ThreadID != "" }

// OutboundAction is one of Send, Reply, or Typing (spec §6).
type OutboundAction struct {
	Kind     OutboundKind
	ThreadID string
	Text     string
}

type OutboundKind string

const (
	OutboundSend   OutboundKind = "send"
	OutboundReply  OutboundKind = "reply"
	OutboundTyping OutboundKind = "typing"
)

// Inbox is a lazy sequence of InboundEvent values. The core only ever
// calls Next; platform-specific batching/catch-up is the adapter's
// concern.
type Inbox interface {
	// Next blocks until the next event is available, ctx is cancelled, or
	// the inbox is exhausted (ok=false).
	Next(ctx context.Context) (event InboundEvent, ok bool, err error)
}

// Outbox publishes actions and runs typing-pulse scopes.
type Outbox interface {
	Publish(ctx context.Context, action OutboundAction) error
	// WithTyping runs body while emitting a Typing pulse for threadID at a
	// fixed cadence (~8s) until body returns; the pulse goroutine is
	// interrupted on every exit path, including panics/errors (spec §5
	// "scoped acquisitions").
	WithTyping(ctx context.Context, threadID string, body func(ctx context.Context) error) error
}

// Threads resolves channel events to a thread, idempotently keyed by the
// originating message id so retries land on the same thread.
type Threads interface {
	Ensure(ctx context.Context, event InboundEvent, suggestedName string) (threadID, channelID string, err error)
}

// History reconstructs prior-turn context when the agent session has been
// swapped out from under a thread.
type History interface {
	Rehydrate(ctx context.Context, threadID, latestUserText string) (promptText string, err error)
}

// TurnRouter classifies whether an owned (but unmentioned) thread turn
// should receive a response, and names new threads.
type TurnRouter interface {
	ShouldRespond(ctx context.Context, in RouteInput) (shouldRespond bool, reason string, err error)
	GenerateThreadName(ctx context.Context, content string) (string, error)
}

// RouteInput is the subset of an InboundEvent the classifier needs.
type RouteInput struct {
	Content          string
	BotUserID        string
	BotRoleID        string
	MentionedUserIDs []string
	MentionedRoleIDs []string
}

// SandboxHandle is what SandboxAPI.Create returns.
type SandboxHandle struct {
	SandboxID string
}

// SandboxAPI is the external sandbox-provider SDK (spec §2 C2, §6).
type SandboxAPI interface {
	Create(ctx context.Context, threadID, guildID string, timeout time.Duration) (SandboxHandle, error)
	Exec(ctx context.Context, sandboxID, label, command string, cwd string, env map[string]string) (stdout string, err error)
	Start(ctx context.Context, sandboxID string, timeout time.Duration) error
	Stop(ctx context.Context, sandboxID string) error
	Destroy(ctx context.Context, sandboxID string) error
	GetPreview(ctx context.Context, sandboxID string) (url string, token string, err error)
}

// SessionSummary is one row from AgentClient.ListSessions.
type SessionSummary struct {
	ID        string
	Title     string
	UpdatedAt *time.Time
}

// Preview is the (url, token) pair used to reach the agent across the
// sandbox boundary.
type Preview struct {
	URL   string
	Token string
}

// AgentClient is the HTTP client against the agent server inside a
// sandbox (spec §2 C3, §6).
type AgentClient interface {
	WaitForHealthy(ctx context.Context, preview Preview, maxWait time.Duration) bool
	CreateSession(ctx context.Context, preview Preview, title string) (sessionID string, err error)
	SessionExists(ctx context.Context, preview Preview, sessionID string) (bool, error)
	ListSessions(ctx context.Context, preview Preview, limit int) ([]SessionSummary, error)
	SendPrompt(ctx context.Context, preview Preview, sessionID, text string) (replyText string, err error)
	AbortSession(ctx context.Context, preview Preview, sessionID string) error
}

package issuerelay

import (
	"context"
	"time"
)

// RepositoryConfig describes one tenant: a local working copy tied to a
// workspace on the issue-tracking platform, optionally scoped to a set of
// team keys. Configs are immutable after load.
type RepositoryConfig struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Token          string   `json:"token"`
	WorkspaceID    string   `json:"workspaceId"`
	TeamKeys       []string `json:"teamKeys,omitempty"`
	RepositoryPath string   `json:"repositoryPath"`
	BaseBranch     string   `json:"baseBranch,omitempty"`
}

type EventKind string

const (
	EventSessionCreated  EventKind = "agent_session_created"
	EventSessionPrompted EventKind = "agent_session_prompted"
	EventHeartbeat       EventKind = "heartbeat"
)

// IssueRef identifies the issue an event refers to. Identifier follows the
// platform's <TEAM>-<NUMBER> convention; TeamKey is only present when the
// payload carried it explicitly.
type IssueRef struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	TeamKey    string `json:"teamKey,omitempty"`
	TeamName   string `json:"teamName,omitempty"`
	Title      string `json:"title,omitempty"`
}

type SessionPayload struct {
	SessionID string   `json:"sessionId"`
	Issue     IssueRef `json:"issue"`
	Prompt    string   `json:"prompt,omitempty"`
}

// InboundEvent is the normalized payload delivered by the streaming ingress.
// Kind is resolved once at the ingress boundary; Session is set for session
// lifecycle events and nil otherwise.
type InboundEvent struct {
	Kind        EventKind       `json:"kind"`
	CreatedAt   time.Time       `json:"createdAt"`
	WorkspaceID string          `json:"workspaceId"`
	Session     *SessionPayload `json:"session,omitempty"`
}

type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionRunning   SessionState = "running"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
	// SessionStalled is reached only by restoring a snapshot that recorded a
	// running session: the runner handle did not survive the restart and the
	// session needs externally driven resumption.
	SessionStalled SessionState = "stalled"
)

func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionStalled:
		return true
	}
	return false
}

type EntryKind string

const (
	EntryPrompt   EntryKind = "prompt"
	EntryActivity EntryKind = "activity"
	EntrySystem   EntryKind = "system"
)

type SessionEntry struct {
	Kind       EntryKind `json:"kind"`
	Body       string    `json:"body"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Session is the serializable view of one orchestrated agent run. The live
// runner handle is tracked separately by the session manager and never
// persisted.
type Session struct {
	ID           string         `json:"id"`
	RepositoryID string         `json:"repositoryId"`
	Issue        IssueRef       `json:"issue"`
	State        SessionState   `json:"state"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Entries      []SessionEntry `json:"entries,omitempty"`
}

type SerializedState struct {
	SavedAt  time.Time          `json:"savedAt"`
	Sessions map[string]Session `json:"sessions"`
}

type RunOutcome string

const (
	OutcomeSucceeded RunOutcome = "succeeded"
	OutcomeFailed    RunOutcome = "failed"
)

// RunnerHandle is an opaque reference to a live agent run. Done yields the
// outcome exactly once when the run terminates; Stop requests a graceful
// shutdown bounded by ctx.
type RunnerHandle interface {
	Done() <-chan RunOutcome
	Stop(ctx context.Context) error
}

// AgentRunner starts a coding-agent run against a tenant's working copy.
type AgentRunner interface {
	Start(ctx context.Context, repo RepositoryConfig, session Session) (RunnerHandle, error)
}

// CallbackListener is the lifecycle surface the orchestrator needs from the
// shared callback server. Route registration happens during wiring, before
// Start, through the concrete server type.
type CallbackListener interface {
	Start() error
	Stop(ctx context.Context) error
}

// Handlers are the caller-supplied lifecycle callbacks.
type Handlers struct {
	OnSessionStart    func(ctx context.Context, session Session, repo RepositoryConfig)
	OnSessionComplete func(ctx context.Context, session Session, outcome RunOutcome)
}

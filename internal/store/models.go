// Package store persists tasks, repositories, conversations and OAuth
// tokens, and owns the database-backed repository lock.
package store

import "time"

// TaskStatus is the coarse task state shown on the task list.
type TaskStatus string

// Task statuses.
const (
	TaskStatusActive        TaskStatus = "active"
	TaskStatusAwaitingInput TaskStatus = "awaiting_input"
	TaskStatusIdle          TaskStatus = "idle"
)

// Task is the conversation unit. A task may exist without a repo.
type Task struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title,omitempty"`
	Status    TaskStatus `json:"status"`
	RepoID    *int64     `json:"repo_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Repo is a registered source repository. LockedByTaskID is non-nil iff
// some task holds the exclusive lock.
type Repo struct {
	ID             int64      `json:"id"`
	RemoteURL      string     `json:"remote_url"`
	DisplayName    string     `json:"display_name"` // "owner/repo"
	DefaultBranch  string     `json:"default_branch"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	LockedByTaskID *int64     `json:"locked_by_task_id,omitempty"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
}

// SessionStatus is the lifecycle state of an execution session.
type SessionStatus string

// Execution session statuses.
const (
	SessionStarted     SessionStatus = "started"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionInterrupted SessionStatus = "interrupted"
)

// Terminal reports whether the status is a terminal one.
func (s SessionStatus) Terminal() bool {
	return s != SessionStarted
}

// ExecutionSession is one contiguous span of agent context. While status is
// "started", at most one row exists per task, and EndedAt is nil.
type ExecutionSession struct {
	ID          int64          `json:"id"`
	TaskID      int64          `json:"task_id"`
	SandboxName string         `json:"sandbox_name"`
	Kind        string         `json:"kind"`
	Status      SessionStatus  `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MessageKind classifies a persisted conversation entry.
type MessageKind string

// Message kinds.
const (
	KindUser         MessageKind = "user"
	KindAssistant    MessageKind = "assistant"
	KindSystem       MessageKind = "system"
	KindToolCall     MessageKind = "tool_call"
	KindError        MessageKind = "error"
	KindSessionStart MessageKind = "session_start"
	KindSessionEnd   MessageKind = "session_end"
)

// Message is a persisted conversation entry. Kind, tool_use_id and session
// membership are append-only; Content and ToolData["output"] may be mutated
// until the owning execution session ends.
type Message struct {
	ID                 int64          `json:"id"`
	TaskID             int64          `json:"task_id"`
	ExecutionSessionID *int64         `json:"execution_session_id,omitempty"`
	Kind               MessageKind    `json:"kind"`
	Content            string         `json:"content,omitempty"`
	ToolData           map[string]any `json:"tool_data,omitempty"`
	InsertedAt         time.Time      `json:"inserted_at"`
}

// ToolUseID returns the tool_use_id carried in ToolData, if any.
func (m *Message) ToolUseID() string {
	if m.ToolData == nil {
		return ""
	}
	id, _ := m.ToolData["tool_use_id"].(string)
	return id
}

// OAuthToken is the singleton agent credential (UserID nil for the global
// token).
type OAuthToken struct {
	UserID           *int64    `json:"user_id,omitempty"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	Scopes           []string  `json:"scopes,omitempty"`
	SubscriptionTier string    `json:"subscription_tier,omitempty"`
}

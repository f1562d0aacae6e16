package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrSessionActive is returned when starting an execution session for a
// task that already has one started.
var ErrSessionActive = errors.New("execution session already started for task")

// RepoLockedError is returned by AcquireRepoLock when another task holds
// the exclusive lock.
type RepoLockedError struct {
	RepoID int64
	HeldBy int64
}

func (e *RepoLockedError) Error() string {
	return fmt.Sprintf("repo %d locked by task %d", e.RepoID, e.HeldBy)
}

// TaskStore provides task persistence.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus) error
	DeleteTask(ctx context.Context, id int64) error
}

// RepoStore provides repository persistence and the database-backed
// exclusive lock. AcquireRepoLock runs in a transaction holding a row lock
// on the repo; it is reentrant for the holding task and returns
// *RepoLockedError when another task holds it. ReleaseRepoLock is a
// compare-and-clear and is idempotent.
type RepoStore interface {
	CreateRepo(ctx context.Context, repo *Repo) error
	GetRepo(ctx context.Context, id int64) (*Repo, error)
	GetRepoByRemoteURL(ctx context.Context, remoteURL string) (*Repo, error)
	ListRepos(ctx context.Context) ([]*Repo, error)
	TouchRepo(ctx context.Context, id int64) error

	AcquireRepoLock(ctx context.Context, repoID, taskID int64) error
	ReleaseRepoLock(ctx context.Context, repoID, taskID int64) error
	RepoLockHolder(ctx context.Context, repoID int64) (*int64, error)
	ReleaseLocksNotHeldBy(ctx context.Context, liveTaskIDs []int64) (int, error)
}

// MessageStore provides append-only message persistence with the bounded
// mutation surface used for streaming and tool-result back-patching.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id int64) (*Message, error)
	AppendToMessage(ctx context.Context, id int64, chunk string) error
	UpdateToolResult(ctx context.Context, id int64, output string, isError bool) error
	FindToolMessage(ctx context.Context, taskID int64, toolUseID string) (*Message, error)
	ListMessages(ctx context.Context, taskID int64, limit int) ([]*Message, error)
}

// SessionStore provides execution session persistence. Completion is
// idempotent: completing an already-terminal session leaves it unchanged.
type SessionStore interface {
	StartExecutionSession(ctx context.Context, taskID int64, sandboxName, kind string) (*ExecutionSession, error)
	CompleteExecutionSession(ctx context.Context, id int64, status SessionStatus) error
	ActiveExecutionSession(ctx context.Context, taskID int64) (*ExecutionSession, error)
	ListExecutionSessions(ctx context.Context, taskID int64) ([]*ExecutionSession, error)
}

// TokenStore persists the singleton OAuth token row.
type TokenStore interface {
	GetOAuthToken(ctx context.Context) (*OAuthToken, error)
	UpsertOAuthToken(ctx context.Context, token *OAuthToken) error
}

// Store is the full persistence contract.
type Store interface {
	TaskStore
	RepoStore
	MessageStore
	SessionStore
	TokenStore

	Close() error
}

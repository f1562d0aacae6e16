package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store. It honors the same
// lock and session semantics as the Postgres store and backs the test
// suites; production always runs on Postgres.
type MemoryStore struct {
	mu sync.Mutex

	nextTaskID    int64
	nextRepoID    int64
	nextMessageID int64
	nextSessionID int64

	tasks    map[int64]*Task
	repos    map[int64]*Repo
	messages map[int64]*Message
	sessions map[int64]*ExecutionSession
	token    *OAuthToken
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[int64]*Task),
		repos:    make(map[int64]*Repo),
		messages: make(map[int64]*Message),
		sessions: make(map[int64]*ExecutionSession),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Task operations

// CreateTask creates a new task.
func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTaskID++
	task.ID = s.nextTaskID
	if task.Status == "" {
		task.Status = TaskStatusIdle
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

// GetTask retrieves a task by ID.
func (s *MemoryStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

// ListTasks returns all tasks, newest first.
func (s *MemoryStore) ListTasks(ctx context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		cp := *task
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

// UpdateTaskStatus updates the status of a task.
func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteTask deletes a task and its messages and sessions.
func (s *MemoryStore) DeleteTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	for mid, msg := range s.messages {
		if msg.TaskID == id {
			delete(s.messages, mid)
		}
	}
	for sid, sess := range s.sessions {
		if sess.TaskID == id {
			delete(s.sessions, sid)
		}
	}
	return nil
}

// Repo operations

// CreateRepo creates a new repository record.
func (s *MemoryStore) CreateRepo(ctx context.Context, repo *Repo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRepoID++
	repo.ID = s.nextRepoID
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	cp := *repo
	s.repos[repo.ID] = &cp
	return nil
}

// GetRepo retrieves a repository by ID.
func (s *MemoryStore) GetRepo(ctx context.Context, id int64) (*Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *repo
	return &cp, nil
}

// GetRepoByRemoteURL retrieves a repository by remote URL.
func (s *MemoryStore) GetRepoByRemoteURL(ctx context.Context, remoteURL string) (*Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, repo := range s.repos {
		if repo.RemoteURL == remoteURL {
			cp := *repo
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListRepos returns all repositories.
func (s *MemoryStore) ListRepos(ctx context.Context) ([]*Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Repo, 0, len(s.repos))
	for _, repo := range s.repos {
		cp := *repo
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DisplayName < result[j].DisplayName })
	return result, nil
}

// TouchRepo records that a repository was just used.
func (s *MemoryStore) TouchRepo(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	repo.LastUsedAt = &now
	return nil
}

// AcquireRepoLock takes the exclusive lock for a task (reentrant).
func (s *MemoryStore) AcquireRepoLock(ctx context.Context, repoID, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[repoID]
	if !ok {
		return ErrNotFound
	}

	switch {
	case repo.LockedByTaskID == nil:
		now := time.Now().UTC()
		repo.LockedByTaskID = &taskID
		repo.LockedAt = &now
	case *repo.LockedByTaskID == taskID:
		// Reentrant: already held by this task.
	default:
		return &RepoLockedError{RepoID: repoID, HeldBy: *repo.LockedByTaskID}
	}
	return nil
}

// ReleaseRepoLock clears the lock iff the given task holds it.
func (s *MemoryStore) ReleaseRepoLock(ctx context.Context, repoID, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[repoID]
	if !ok {
		return nil
	}
	if repo.LockedByTaskID != nil && *repo.LockedByTaskID == taskID {
		repo.LockedByTaskID = nil
		repo.LockedAt = nil
	}
	return nil
}

// RepoLockHolder returns the task holding the lock, or nil.
func (s *MemoryStore) RepoLockHolder(ctx context.Context, repoID int64) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[repoID]
	if !ok {
		return nil, ErrNotFound
	}
	if repo.LockedByTaskID == nil {
		return nil, nil
	}
	holder := *repo.LockedByTaskID
	return &holder, nil
}

// ReleaseLocksNotHeldBy clears locks whose holder is not in the live set.
func (s *MemoryStore) ReleaseLocksNotHeldBy(ctx context.Context, liveTaskIDs []int64) (int, error) {
	live := make(map[int64]bool, len(liveTaskIDs))
	for _, id := range liveTaskIDs {
		live[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, repo := range s.repos {
		if repo.LockedByTaskID != nil && !live[*repo.LockedByTaskID] {
			repo.LockedByTaskID = nil
			repo.LockedAt = nil
			released++
		}
	}
	return released, nil
}

// Message operations

// CreateMessage inserts a conversation entry.
func (s *MemoryStore) CreateMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMessageID++
	msg.ID = s.nextMessageID
	msg.InsertedAt = time.Now().UTC()

	cp := *msg
	cp.ToolData = cloneMap(msg.ToolData)
	s.messages[msg.ID] = &cp
	return nil
}

// GetMessage retrieves a message by ID.
func (s *MemoryStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	cp.ToolData = cloneMap(msg.ToolData)
	return &cp, nil
}

// AppendToMessage appends a streaming chunk to an assistant message.
func (s *MemoryStore) AppendToMessage(ctx context.Context, id int64, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok || msg.Kind != KindAssistant {
		return ErrNotFound
	}
	msg.Content += chunk
	return nil
}

// UpdateToolResult merges the result output into a tool_call message.
func (s *MemoryStore) UpdateToolResult(ctx context.Context, id int64, output string, isError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok || msg.Kind != KindToolCall {
		return ErrNotFound
	}
	if msg.ToolData == nil {
		msg.ToolData = make(map[string]any)
	}
	msg.ToolData["output"] = output
	msg.ToolData["is_error"] = isError
	return nil
}

// FindToolMessage looks up a tool_call message by tool_use_id.
func (s *MemoryStore) FindToolMessage(ctx context.Context, taskID int64, toolUseID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Message
	for _, msg := range s.messages {
		if msg.TaskID != taskID || msg.Kind != KindToolCall {
			continue
		}
		if msg.ToolUseID() != toolUseID {
			continue
		}
		if found == nil || msg.ID > found.ID {
			found = msg
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	cp.ToolData = cloneMap(found.ToolData)
	return &cp, nil
}

// ListMessages returns messages for a task in insertion order.
func (s *MemoryStore) ListMessages(ctx context.Context, taskID int64, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Message
	for _, msg := range s.messages {
		if msg.TaskID == taskID {
			cp := *msg
			cp.ToolData = cloneMap(msg.ToolData)
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Execution session operations

// StartExecutionSession creates a started session row.
func (s *MemoryStore) StartExecutionSession(ctx context.Context, taskID int64, sandboxName, kind string) (*ExecutionSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if sess.TaskID == taskID && sess.Status == SessionStarted {
			return nil, ErrSessionActive
		}
	}

	if kind == "" {
		kind = "agent"
	}
	s.nextSessionID++
	sess := &ExecutionSession{
		ID:          s.nextSessionID,
		TaskID:      taskID,
		SandboxName: sandboxName,
		Kind:        kind,
		Status:      SessionStarted,
		StartedAt:   time.Now().UTC(),
		Metadata:    map[string]any{},
	}
	s.sessions[sess.ID] = sess

	cp := *sess
	return &cp, nil
}

// CompleteExecutionSession terminates a session (idempotent).
func (s *MemoryStore) CompleteExecutionSession(ctx context.Context, id int64, status SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	sess.Status = status
	sess.EndedAt = &now
	return nil
}

// ActiveExecutionSession returns the started session for a task, if any.
func (s *MemoryStore) ActiveExecutionSession(ctx context.Context, taskID int64) (*ExecutionSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if sess.TaskID == taskID && sess.Status == SessionStarted {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListExecutionSessions returns all sessions for a task in start order.
func (s *MemoryStore) ListExecutionSessions(ctx context.Context, taskID int64) ([]*ExecutionSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*ExecutionSession
	for _, sess := range s.sessions {
		if sess.TaskID == taskID {
			cp := *sess
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// OAuth token operations

// GetOAuthToken returns the global token row.
func (s *MemoryStore) GetOAuthToken(ctx context.Context) (*OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		return nil, ErrNotFound
	}
	cp := *s.token
	return &cp, nil
}

// UpsertOAuthToken inserts or replaces the singleton token row.
func (s *MemoryStore) UpsertOAuthToken(ctx context.Context, token *OAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.token = &cp
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

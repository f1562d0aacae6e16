package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed store used in production. The repos table
// is the ground truth for repository locks; acquisition takes a row lock so
// that concurrent orchestrator replicas serialize correctly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database and initializes the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS repos (
		id BIGSERIAL PRIMARY KEY,
		remote_url TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL UNIQUE,
		default_branch TEXT NOT NULL DEFAULT 'main',
		last_used_at TIMESTAMPTZ,
		locked_by_task_id BIGINT,
		locked_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		repo_id BIGINT REFERENCES repos(id),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS execution_sessions (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		sandbox_name TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'agent',
		status TEXT NOT NULL DEFAULT 'started',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		metadata JSONB NOT NULL DEFAULT '{}'
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_exec_sessions_one_started
		ON execution_sessions(task_id) WHERE status = 'started';

	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		execution_session_id BIGINT REFERENCES execution_sessions(id),
		kind TEXT NOT NULL,
		content TEXT,
		tool_data JSONB,
		inserted_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id, id);
	CREATE INDEX IF NOT EXISTS idx_messages_tool_use
		ON messages(task_id, (tool_data->>'tool_use_id')) WHERE kind = 'tool_call';

	CREATE TABLE IF NOT EXISTS oauth_tokens (
		user_id BIGINT,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		scopes TEXT[] NOT NULL DEFAULT '{}',
		subscription_tier TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_oauth_tokens_user
		ON oauth_tokens((COALESCE(user_id, -1)));
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Task operations

// CreateTask inserts a new task.
func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	if task.Status == "" {
		task.Status = TaskStatusIdle
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (title, status, repo_id, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING id, created_at, updated_at
	`, task.Title, task.Status, task.RepoID)
	return row.Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
}

// GetTask retrieves a task by ID.
func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	task := &Task{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, status, repo_id, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id).Scan(&task.ID, &task.Title, &task.Status, &task.RepoID, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// ListTasks returns all tasks, newest first.
func (s *PostgresStore) ListTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, status, repo_id, created_at, updated_at
		FROM tasks ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Task
	for rows.Next() {
		task := &Task{}
		if err := rows.Scan(&task.ID, &task.Title, &task.Status, &task.RepoID, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// UpdateTaskStatus updates the status of a task.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	return requireRows(tag)
}

// DeleteTask deletes a task by ID. Messages and execution sessions cascade.
func (s *PostgresStore) DeleteTask(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRows(tag)
}

// Repo operations

// CreateRepo inserts a new repository record.
func (s *PostgresStore) CreateRepo(ctx context.Context, repo *Repo) error {
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO repos (remote_url, display_name, default_branch)
		VALUES ($1, $2, $3)
		RETURNING id
	`, repo.RemoteURL, repo.DisplayName, repo.DefaultBranch)
	return row.Scan(&repo.ID)
}

// GetRepo retrieves a repository by ID.
func (s *PostgresStore) GetRepo(ctx context.Context, id int64) (*Repo, error) {
	repo := &Repo{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, remote_url, display_name, default_branch, last_used_at, locked_by_task_id, locked_at
		FROM repos WHERE id = $1
	`, id).Scan(&repo.ID, &repo.RemoteURL, &repo.DisplayName, &repo.DefaultBranch,
		&repo.LastUsedAt, &repo.LockedByTaskID, &repo.LockedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return repo, err
}

// GetRepoByRemoteURL retrieves a repository by its remote URL.
func (s *PostgresStore) GetRepoByRemoteURL(ctx context.Context, remoteURL string) (*Repo, error) {
	repo := &Repo{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, remote_url, display_name, default_branch, last_used_at, locked_by_task_id, locked_at
		FROM repos WHERE remote_url = $1
	`, remoteURL).Scan(&repo.ID, &repo.RemoteURL, &repo.DisplayName, &repo.DefaultBranch,
		&repo.LastUsedAt, &repo.LockedByTaskID, &repo.LockedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return repo, err
}

// ListRepos returns all repositories.
func (s *PostgresStore) ListRepos(ctx context.Context) ([]*Repo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, remote_url, display_name, default_branch, last_used_at, locked_by_task_id, locked_at
		FROM repos ORDER BY display_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Repo
	for rows.Next() {
		repo := &Repo{}
		if err := rows.Scan(&repo.ID, &repo.RemoteURL, &repo.DisplayName, &repo.DefaultBranch,
			&repo.LastUsedAt, &repo.LockedByTaskID, &repo.LockedAt); err != nil {
			return nil, err
		}
		result = append(result, repo)
	}
	return result, rows.Err()
}

// TouchRepo records that a repository was just used.
func (s *PostgresStore) TouchRepo(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE repos SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// AcquireRepoLock takes the exclusive repo lock for a task. The SELECT ...
// FOR UPDATE serializes acquisition across processes; reacquisition by the
// holding task succeeds.
func (s *PostgresStore) AcquireRepoLock(ctx context.Context, repoID, taskID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var holder *int64
	err = tx.QueryRow(ctx, `
		SELECT locked_by_task_id FROM repos WHERE id = $1 FOR UPDATE
	`, repoID).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	switch {
	case holder == nil:
		if _, err := tx.Exec(ctx, `
			UPDATE repos SET locked_by_task_id = $2, locked_at = now() WHERE id = $1
		`, repoID, taskID); err != nil {
			return err
		}
	case *holder == taskID:
		// Reentrant: already held by this task.
	default:
		return &RepoLockedError{RepoID: repoID, HeldBy: *holder}
	}

	return tx.Commit(ctx)
}

// ReleaseRepoLock clears the lock iff the given task holds it.
func (s *PostgresStore) ReleaseRepoLock(ctx context.Context, repoID, taskID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE repos SET locked_by_task_id = NULL, locked_at = NULL
		WHERE id = $1 AND locked_by_task_id = $2
	`, repoID, taskID)
	return err
}

// RepoLockHolder returns the task holding the lock, or nil.
func (s *PostgresStore) RepoLockHolder(ctx context.Context, repoID int64) (*int64, error) {
	var holder *int64
	err := s.pool.QueryRow(ctx, `
		SELECT locked_by_task_id FROM repos WHERE id = $1
	`, repoID).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return holder, err
}

// ReleaseLocksNotHeldBy clears every lock whose holder is not in the given
// set of live task IDs. Used by the allocator's startup recovery sweep.
func (s *PostgresStore) ReleaseLocksNotHeldBy(ctx context.Context, liveTaskIDs []int64) (int, error) {
	if liveTaskIDs == nil {
		liveTaskIDs = []int64{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE repos SET locked_by_task_id = NULL, locked_at = NULL
		WHERE locked_by_task_id IS NOT NULL AND NOT (locked_by_task_id = ANY($1))
	`, liveTaskIDs)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Message operations

// CreateMessage inserts a conversation entry.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (task_id, execution_session_id, kind, content, tool_data, inserted_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, inserted_at
	`, msg.TaskID, msg.ExecutionSessionID, msg.Kind, msg.Content, msg.ToolData)
	return row.Scan(&msg.ID, &msg.InsertedAt)
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	msg := &Message{}
	var content *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, execution_session_id, kind, content, tool_data, inserted_at
		FROM messages WHERE id = $1
	`, id).Scan(&msg.ID, &msg.TaskID, &msg.ExecutionSessionID, &msg.Kind, &content, &msg.ToolData, &msg.InsertedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if content != nil {
		msg.Content = *content
	}
	return msg, err
}

// AppendToMessage appends a streaming chunk to an assistant message.
func (s *PostgresStore) AppendToMessage(ctx context.Context, id int64, chunk string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET content = COALESCE(content, '') || $2
		WHERE id = $1 AND kind = 'assistant'
	`, id, chunk)
	if err != nil {
		return err
	}
	return requireRows(tag)
}

// UpdateToolResult merges the result output into a tool_call message.
func (s *PostgresStore) UpdateToolResult(ctx context.Context, id int64, output string, isError bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET tool_data = COALESCE(tool_data, '{}'::jsonb)
			|| jsonb_build_object('output', $2::text, 'is_error', $3::bool)
		WHERE id = $1 AND kind = 'tool_call'
	`, id, output, isError)
	if err != nil {
		return err
	}
	return requireRows(tag)
}

// FindToolMessage looks up the tool_call message carrying the given
// tool_use_id, for back-patching results.
func (s *PostgresStore) FindToolMessage(ctx context.Context, taskID int64, toolUseID string) (*Message, error) {
	msg := &Message{}
	var content *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, execution_session_id, kind, content, tool_data, inserted_at
		FROM messages
		WHERE task_id = $1 AND kind = 'tool_call' AND tool_data->>'tool_use_id' = $2
		ORDER BY id DESC LIMIT 1
	`, taskID, toolUseID).Scan(&msg.ID, &msg.TaskID, &msg.ExecutionSessionID, &msg.Kind, &content, &msg.ToolData, &msg.InsertedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if content != nil {
		msg.Content = *content
	}
	return msg, err
}

// ListMessages returns messages for a task in insertion order, bounded by
// limit (0 = no limit).
func (s *PostgresStore) ListMessages(ctx context.Context, taskID int64, limit int) ([]*Message, error) {
	query := `
		SELECT id, task_id, execution_session_id, kind, content, tool_data, inserted_at
		FROM messages WHERE task_id = $1 ORDER BY id
	`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		msg := &Message{}
		var content *string
		if err := rows.Scan(&msg.ID, &msg.TaskID, &msg.ExecutionSessionID, &msg.Kind, &content, &msg.ToolData, &msg.InsertedAt); err != nil {
			return nil, err
		}
		if content != nil {
			msg.Content = *content
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// Execution session operations

// StartExecutionSession creates a started session row. The partial unique
// index rejects a second started session for the same task.
func (s *PostgresStore) StartExecutionSession(ctx context.Context, taskID int64, sandboxName, kind string) (*ExecutionSession, error) {
	if kind == "" {
		kind = "agent"
	}
	sess := &ExecutionSession{
		TaskID:      taskID,
		SandboxName: sandboxName,
		Kind:        kind,
		Status:      SessionStarted,
		Metadata:    map[string]any{},
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO execution_sessions (task_id, sandbox_name, kind, status, started_at)
		VALUES ($1, $2, $3, 'started', now())
		RETURNING id, started_at
	`, taskID, sandboxName, kind)
	if err := row.Scan(&sess.ID, &sess.StartedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrSessionActive
		}
		return nil, err
	}
	return sess, nil
}

// CompleteExecutionSession terminates a session. Idempotent: a session that
// is already terminal is left untouched.
func (s *PostgresStore) CompleteExecutionSession(ctx context.Context, id int64, status SessionStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE execution_sessions SET status = $2, ended_at = now()
		WHERE id = $1 AND status = 'started'
	`, id, status)
	return err
}

// ActiveExecutionSession returns the started session for a task, if any.
func (s *PostgresStore) ActiveExecutionSession(ctx context.Context, taskID int64) (*ExecutionSession, error) {
	sess := &ExecutionSession{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, sandbox_name, kind, status, started_at, ended_at, metadata
		FROM execution_sessions WHERE task_id = $1 AND status = 'started'
	`, taskID).Scan(&sess.ID, &sess.TaskID, &sess.SandboxName, &sess.Kind,
		&sess.Status, &sess.StartedAt, &sess.EndedAt, &sess.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListExecutionSessions returns all sessions for a task in start order.
func (s *PostgresStore) ListExecutionSessions(ctx context.Context, taskID int64) ([]*ExecutionSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, sandbox_name, kind, status, started_at, ended_at, metadata
		FROM execution_sessions WHERE task_id = $1 ORDER BY id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ExecutionSession
	for rows.Next() {
		sess := &ExecutionSession{}
		if err := rows.Scan(&sess.ID, &sess.TaskID, &sess.SandboxName, &sess.Kind,
			&sess.Status, &sess.StartedAt, &sess.EndedAt, &sess.Metadata); err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// OAuth token operations

// GetOAuthToken returns the global token row.
func (s *PostgresStore) GetOAuthToken(ctx context.Context) (*OAuthToken, error) {
	token := &OAuthToken{}
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, access_token, refresh_token, expires_at, scopes, subscription_tier
		FROM oauth_tokens WHERE user_id IS NULL
	`).Scan(&token.UserID, &token.AccessToken, &token.RefreshToken,
		&token.ExpiresAt, &token.Scopes, &token.SubscriptionTier)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return token, err
}

// UpsertOAuthToken inserts or replaces the singleton token row.
func (s *PostgresStore) UpsertOAuthToken(ctx context.Context, token *OAuthToken) error {
	if token.Scopes == nil {
		token.Scopes = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_tokens (user_id, access_token, refresh_token, expires_at, scopes, subscription_tier)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ((COALESCE(user_id, -1))) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			subscription_tier = EXCLUDED.subscription_tier
	`, token.UserID, token.AccessToken, token.RefreshToken, token.ExpiresAt,
		token.Scopes, token.SubscriptionTier)
	return err
}

func requireRows(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

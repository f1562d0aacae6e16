package api

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/spritehub/spritehub/internal/allocator"
	"github.com/spritehub/spritehub/internal/common/errors"
	"github.com/spritehub/spritehub/internal/common/logger"
	"github.com/spritehub/spritehub/internal/events"
	"github.com/spritehub/spritehub/internal/events/bus"
	"github.com/spritehub/spritehub/internal/session"
	"github.com/spritehub/spritehub/internal/sprite"
	"github.com/spritehub/spritehub/internal/store"
	"github.com/spritehub/spritehub/internal/token"
)

// Handler contains the HTTP handlers for the orchestrator API.
type Handler struct {
	store    store.Store
	registry *session.Registry
	alloc    *allocator.Allocator
	tokens   *token.Manager
	sprites  *sprite.Client
	bus      bus.EventBus
	logger   *logger.Logger
}

// NewHandler creates an API handler.
func NewHandler(st store.Store, registry *session.Registry, alloc *allocator.Allocator,
	tokens *token.Manager, sprites *sprite.Client, b bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		store:    st,
		registry: registry,
		alloc:    alloc,
		tokens:   tokens,
		sprites:  sprites,
		bus:      b,
		logger:   log,
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		if stderrors.Is(err, store.ErrNotFound) {
			appErr = errors.NotFound("resource", c.Request.URL.Path)
		} else {
			appErr = errors.InternalError("request failed", err)
		}
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		appErr := errors.BadRequest(name + " must be an integer")
		c.JSON(appErr.HTTPStatus, gin.H{"error": gin.H{"code": appErr.Code, "message": appErr.Message}})
		return 0, false
	}
	return id, true
}

// Task endpoints

// CreateTask creates a task; with prewarm the sandbox setup begins
// immediately in the background.
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.BadRequest(err.Error()))
		return
	}

	task := &store.Task{
		Title:  req.Title,
		Status: store.TaskStatusIdle,
		RepoID: req.RepoID,
	}
	if err := h.store.CreateTask(c.Request.Context(), task); err != nil {
		h.logger.Error("failed to create task", zap.Error(err))
		h.respondError(c, errors.InternalError("failed to create task", err))
		return
	}

	if req.Prewarm {
		h.alloc.Prewarm(task)
	}

	h.publish(c, events.TaskCreated, task.ID)
	c.JSON(http.StatusCreated, task)
}

// ListTasks lists all tasks.
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.store.ListTasks(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// GetTask returns one task.
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	task, err := h.store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			h.respondError(c, errors.NotFound("task", taskID))
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// DeleteTask stops any live session and removes the task with its
// conversation.
// DELETE /api/v1/tasks/:taskId
func (h *Handler) DeleteTask(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}

	task, err := h.store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			h.respondError(c, errors.NotFound("task", taskID))
			return
		}
		h.respondError(c, err)
		return
	}

	if sup, live := h.registry.Get(taskID); live {
		sup.Stop()
	}

	// A prewarmed but never-opened task has no supervisor yet still holds
	// its allocation and repo lock; release eagerly instead of leaving it
	// for the next startup sweep.
	if err := h.alloc.Release(c.Request.Context(), task); err != nil {
		h.logger.Warn("failed to release allocation on delete",
			zap.Int64("task_id", taskID), zap.Error(err))
	}

	if err := h.store.DeleteTask(c.Request.Context(), taskID); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			h.respondError(c, errors.NotFound("task", taskID))
			return
		}
		h.respondError(c, err)
		return
	}

	h.publish(c, events.TaskDeleted, taskID)
	c.Status(http.StatusNoContent)
}

// ListMessages returns the task's conversation in insertion order.
// GET /api/v1/tasks/:taskId/messages
func (h *Handler) ListMessages(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	msgs, err := h.store.ListMessages(c.Request.Context(), taskID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ListExecutionSessions returns the task's execution session history.
// GET /api/v1/tasks/:taskId/sessions
func (h *Handler) ListExecutionSessions(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	sessions, err := h.store.ListExecutionSessions(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// Session endpoints

// OpenSession attaches to (or starts) the task's session supervisor.
// POST /api/v1/tasks/:taskId/session/open
func (h *Handler) OpenSession(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	sup, err := h.registry.GetOrCreate(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": sup.Status()})
}

// SendMessage queues one user turn on the task's session, starting the
// session if none is live.
// POST /api/v1/tasks/:taskId/messages
func (h *Handler) SendMessage(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.BadRequest(err.Error()))
		return
	}

	sup, err := h.registry.GetOrCreate(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := sup.SendMessage(c.Request.Context(), req.Content); err != nil {
		h.respondError(c, errors.InternalError("failed to queue message", err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "status": sup.Status()})
}

// InterruptSession signals the agent to abandon the current turn.
// POST /api/v1/tasks/:taskId/interrupt
func (h *Handler) InterruptSession(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	sup, live := h.registry.Get(taskID)
	if !live {
		h.respondError(c, errors.NotFound("session", taskID))
		return
	}
	if err := sup.Interrupt(c.Request.Context()); err != nil {
		h.respondError(c, errors.InternalError("failed to interrupt", err))
		return
	}
	c.Status(http.StatusAccepted)
}

// StopSession terminates the task's session and releases its sandbox.
// POST /api/v1/tasks/:taskId/session/stop
func (h *Handler) StopSession(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	sup, live := h.registry.Get(taskID)
	if !live {
		c.Status(http.StatusNoContent)
		return
	}
	sup.Stop()
	c.Status(http.StatusNoContent)
}

// Repo endpoints

// CreateRepo registers a repository.
// POST /api/v1/repos
func (h *Handler) CreateRepo(c *gin.Context) {
	var req CreateRepoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.BadRequest(err.Error()))
		return
	}

	if existing, err := h.store.GetRepoByRemoteURL(c.Request.Context(), req.RemoteURL); err == nil {
		c.JSON(http.StatusOK, existing)
		return
	}

	branch := req.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	repo := &store.Repo{
		RemoteURL:     req.RemoteURL,
		DisplayName:   req.DisplayName,
		DefaultBranch: branch,
	}
	if err := h.store.CreateRepo(c.Request.Context(), repo); err != nil {
		h.respondError(c, errors.InternalError("failed to create repo", err))
		return
	}
	c.JSON(http.StatusCreated, repo)
}

// ListRepos lists all registered repositories.
// GET /api/v1/repos
func (h *Handler) ListRepos(c *gin.Context) {
	repos, err := h.store.ListRepos(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repos": repos})
}

// RepoLockStatus reports whether a repo is held and by which task.
// GET /api/v1/repos/:repoId/lock
func (h *Handler) RepoLockStatus(c *gin.Context) {
	repoID, ok := pathID(c, "repoId")
	if !ok {
		return
	}
	locked, holder, err := h.alloc.RepoLocked(c.Request.Context(), repoID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			h.respondError(c, errors.NotFound("repo", repoID))
			return
		}
		h.respondError(c, err)
		return
	}
	resp := gin.H{"repo_id": repoID, "locked": locked}
	if holder != nil {
		resp["held_by_task_id"] = *holder
	}
	c.JSON(http.StatusOK, resp)
}

// Token endpoints

// SeedToken upserts the singleton agent credential.
// POST /api/v1/token/seed
func (h *Handler) SeedToken(c *gin.Context) {
	var req SeedTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.BadRequest(err.Error()))
		return
	}
	err := h.tokens.Seed(c.Request.Context(), req.AccessToken, req.RefreshToken, req.ExpiresAtMS, token.SeedOptions{
		Scopes:           req.Scopes,
		SubscriptionTier: req.SubscriptionTier,
	})
	if err != nil {
		h.respondError(c, errors.InternalError("failed to seed token", err))
		return
	}
	c.Status(http.StatusNoContent)
}

// RefreshToken forces a refresh against the provider.
// POST /api/v1/token/refresh
func (h *Handler) RefreshToken(c *gin.Context) {
	if _, err := h.tokens.ForceRefresh(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Sprite admin endpoints

// ListSprites lists sandboxes known to the provider.
// GET /api/v1/sprites
func (h *Handler) ListSprites(c *gin.Context) {
	sprites, err := h.sprites.List(c.Request.Context())
	if err != nil {
		h.respondError(c, errors.InternalError("failed to list sandboxes", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"sprites": sprites})
}

// HibernateSprite suspends a sandbox.
// POST /api/v1/sprites/:name/hibernate
func (h *Handler) HibernateSprite(c *gin.Context) {
	if err := h.sprites.Suspend(c.Request.Context(), c.Param("name")); err != nil {
		h.respondError(c, errors.InternalError("failed to hibernate sandbox", err))
		return
	}
	c.Status(http.StatusAccepted)
}

// DeleteSprite destroys a sandbox.
// DELETE /api/v1/sprites/:name
func (h *Handler) DeleteSprite(c *gin.Context) {
	if err := h.sprites.Delete(c.Request.Context(), c.Param("name")); err != nil {
		h.respondError(c, errors.InternalError("failed to delete sandbox", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) publish(c *gin.Context, eventType string, taskID int64) {
	ev := bus.NewEvent(eventType, "api", map[string]any{"task_id": taskID})
	subject := "task." + strconv.FormatInt(taskID, 10) + ".events"
	if err := h.bus.Publish(c.Request.Context(), subject, ev); err != nil {
		h.logger.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// Package session implements the per-task supervisor: the single owner of
// a task's sandbox allocation, agent channel, conversation persistence
// and status stream.
package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spritehub/spritehub/internal/agent"
	"github.com/spritehub/spritehub/internal/allocator"
	"github.com/spritehub/spritehub/internal/common/config"
	apperrors "github.com/spritehub/spritehub/internal/common/errors"
	"github.com/spritehub/spritehub/internal/common/logger"
	"github.com/spritehub/spritehub/internal/events"
	"github.com/spritehub/spritehub/internal/events/bus"
	"github.com/spritehub/spritehub/internal/sprite"
	"github.com/spritehub/spritehub/internal/store"
)

// Status is the supervisor's lifecycle state. stopped is terminal.
type Status string

// Supervisor statuses.
const (
	StatusInitializing Status = "initializing"
	StatusConnecting   Status = "connecting"
	StatusReady        Status = "ready"
	StatusProcessing   Status = "processing"
	StatusIdle         Status = "idle"
	StatusDisconnected Status = "disconnected"
	StatusExited       Status = "exited"
	StatusError        Status = "error"
	StatusStopped      Status = "stopped"
)

type command interface {
	isCommand()
}

type sendMessageCmd struct {
	text string
	errs chan error
}

type interruptCmd struct {
	errs chan error
}

type statusCmd struct {
	reply chan Status
}

type stopCmd struct {
	done chan struct{}
}

func (sendMessageCmd) isCommand() {}
func (interruptCmd) isCommand()   {}
func (statusCmd) isCommand()      {}
func (stopCmd) isCommand()        {}

// Supervisor runs one task's session. All state below cmds is owned by
// the run loop; external callers talk to it through commands only.
type Supervisor struct {
	task    *store.Task
	repo    *store.Repo
	store   store.Store
	alloc   *allocator.Allocator
	sprites *sprite.Client
	tokens  agent.TokenSource
	bus     bus.EventBus
	cfg     *config.Config
	log     *logger.Logger
	onStop  func(taskID int64)

	cmds chan command
	done chan struct{}

	status          Status
	sandboxName     string
	workingDir      string
	channel         *agent.Channel
	channelEvents   <-chan agent.Notification
	execSessionID   *int64
	curAssistantMsg *int64
	queue           []string
	idleTimer       *time.Timer
}

// Deps bundles the collaborators a supervisor needs.
type Deps struct {
	Store   store.Store
	Alloc   *allocator.Allocator
	Sprites *sprite.Client
	Tokens  agent.TokenSource
	Bus     bus.EventBus
	Config  *config.Config
	Logger  *logger.Logger
	OnStop  func(taskID int64)
}

// New creates a supervisor for the task and begins initializing
// asynchronously.
func New(task *store.Task, deps Deps) *Supervisor {
	s := &Supervisor{
		task:    task,
		store:   deps.Store,
		alloc:   deps.Alloc,
		sprites: deps.Sprites,
		tokens:  deps.Tokens,
		bus:     deps.Bus,
		cfg:     deps.Config,
		onStop:  deps.OnStop,
		log: deps.Logger.WithFields(
			zap.String("component", "session_supervisor"),
			zap.Int64("task_id", task.ID)),
		cmds:   make(chan command, 16),
		done:   make(chan struct{}),
		status: StatusInitializing,
	}
	go s.run()
	return s
}

// SendMessage queues one user turn.
func (s *Supervisor) SendMessage(ctx context.Context, text string) error {
	cmd := sendMessageCmd{text: text, errs: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return fmt.Errorf("session stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt forwards the interrupt signal to the agent.
func (s *Supervisor) Interrupt(ctx context.Context) error {
	cmd := interruptCmd{errs: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return fmt.Errorf("session stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the current lifecycle state.
func (s *Supervisor) Status() Status {
	cmd := statusCmd{reply: make(chan Status, 1)}
	select {
	case s.cmds <- cmd:
		return <-cmd.reply
	case <-s.done:
		return StatusStopped
	}
}

// Stop terminates the session: the allocation is released, the channel is
// torn down and the supervisor goroutine exits.
func (s *Supervisor) Stop() {
	cmd := stopCmd{done: make(chan struct{})}
	select {
	case s.cmds <- cmd:
		<-cmd.done
	case <-s.done:
	}
}

// Done is closed when the supervisor has fully stopped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// run is the supervisor actor loop. It processes one message at a time:
// client commands, channel notifications and idle timer firings.
func (s *Supervisor) run() {
	defer close(s.done)
	defer func() {
		if s.onStop != nil {
			s.onStop(s.task.ID)
		}
	}()

	s.initialize()

	for {
		var idleC <-chan time.Time
		if s.idleTimer != nil {
			idleC = s.idleTimer.C
		}

		select {
		case cmd := <-s.cmds:
			if s.handleCommand(cmd) {
				return
			}
		case n, ok := <-s.channelEvents:
			if !ok {
				s.channelEvents = nil
				continue
			}
			if s.handleChannelEvent(n) {
				return
			}
		case <-idleC:
			s.handleIdleTimeout()
		}
	}
}

// initialize allocates the sandbox and spawns the agent channel.
func (s *Supervisor) initialize() {
	s.setStatus(StatusConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Session.AllocateTimeoutDuration())
	defer cancel()

	res, err := s.alloc.Allocate(ctx, s.task)
	if err != nil {
		if apperrors.IsRepoLocked(err) {
			s.publishError("Repository in use by another task")
		} else {
			s.log.Error("allocation failed", zap.Error(err))
			s.publishError("Failed to prepare the workspace")
		}
		s.setStatus(StatusError)
		return
	}

	s.sandboxName = res.SandboxName
	s.workingDir = res.WorkingDir
	s.markTask(store.TaskStatusActive)
	s.publishStatus("starting_agent")
	s.startChannel()
}

// startChannel spawns a fresh agent channel against the held allocation.
func (s *Supervisor) startChannel() {
	if s.repo == nil && s.task.RepoID != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		repo, err := s.store.GetRepo(ctx, *s.task.RepoID)
		cancel()
		if err != nil {
			s.log.Warn("failed to load repo for channel", zap.Error(err))
		} else {
			s.repo = repo
		}
	}

	displayName := ""
	if s.repo != nil {
		displayName = s.repo.DisplayName
	}

	ch := agent.NewChannel(s.sprites, s.tokens, agent.ChannelConfig{
		SandboxName:     s.sandboxName,
		WorkingDir:      s.workingDir,
		RepoDisplayName: displayName,
		GitHubToken:     s.cfg.GitHub.Token,
	}, s.log)
	ch.Start(context.Background())

	s.channel = ch
	s.channelEvents = ch.Events()
}

func (s *Supervisor) handleCommand(cmd command) (stopped bool) {
	switch c := cmd.(type) {
	case sendMessageCmd:
		c.errs <- s.handleUserTurn(c.text)
	case interruptCmd:
		if s.channel == nil {
			c.errs <- fmt.Errorf("no active agent")
		} else {
			c.errs <- s.channel.Interrupt()
		}
	case statusCmd:
		c.reply <- s.status
	case stopCmd:
		s.terminate()
		close(c.done)
		return true
	}
	return false
}

// handleUserTurn persists the turn, then routes it by status: ready sends
// immediately, processing queues, and a parked session queues and
// restarts the channel.
func (s *Supervisor) handleUserTurn(text string) error {
	s.cancelIdleTimer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := &store.Message{
		TaskID:             s.task.ID,
		ExecutionSessionID: s.execSessionID,
		Kind:               store.KindUser,
		Content:            text,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist user message: %w", err)
	}

	switch s.status {
	case StatusReady:
		if err := s.channel.SendUserMessage(text); err != nil {
			s.queue = append(s.queue, text)
			return nil
		}
		s.markTask(store.TaskStatusActive)
		s.setStatus(StatusProcessing)
	case StatusProcessing:
		s.queue = append(s.queue, text)
	case StatusDisconnected, StatusExited, StatusIdle:
		s.queue = append(s.queue, text)
		// A non-fatally disconnected channel is still reconnecting on its
		// own; tear it down before starting a replacement so only one
		// agent exec ever runs in the sandbox.
		if s.channel != nil {
			s.channel.Stop("restarting channel")
			s.channel = nil
		}
		s.setStatus(StatusConnecting)
		s.startChannel()
	default:
		s.queue = append(s.queue, text)
	}
	return nil
}

func (s *Supervisor) handleChannelEvent(n agent.Notification) (stopped bool) {
	switch ev := n.(type) {
	case agent.Ready:
		s.handleChannelReady()
	case agent.FromAgent:
		s.handleAgentEvent(ev.Event)
	case agent.StderrChunk:
		s.log.Warn("agent stderr", zap.String("text", ev.Text))
	case agent.Exited:
		s.handleAgentExit(ev.Code)
	case agent.Disconnected:
		if ev.Fatal {
			return s.handleFatalDisconnect(ev.Err)
		}
		s.setStatus(StatusDisconnected)
	case agent.Terminated:
		s.log.Debug("channel terminated", zap.String("reason", ev.Reason))
		s.channel = nil
	}
	return false
}

// handleChannelReady opens a fresh execution session and drains the first
// queued turn.
func (s *Supervisor) handleChannelReady() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := s.store.StartExecutionSession(ctx, s.task.ID, s.sandboxName, "agent")
	if err != nil {
		if sess, err = s.recoverStartedSession(ctx, err); err != nil {
			s.log.Error("failed to start execution session", zap.Error(err))
			s.publishError("Failed to start the agent session")
			s.setStatus(StatusError)
			return
		}
	}
	s.execSessionID = &sess.ID

	s.persistMarker(store.KindSessionStart, sess.ID)
	s.publishEvent(events.SessionStarted, map[string]any{"execution_session_id": sess.ID})
	s.setStatus(StatusReady)
	s.drainOne()
}

// recoverStartedSession resolves the restart-with-open-session case: the
// prior session is closed as interrupted and a new one opened.
func (s *Supervisor) recoverStartedSession(ctx context.Context, cause error) (*store.ExecutionSession, error) {
	if cause != store.ErrSessionActive {
		return nil, cause
	}
	active, err := s.store.ActiveExecutionSession(ctx, s.task.ID)
	if err != nil {
		return nil, cause
	}
	if err := s.store.CompleteExecutionSession(ctx, active.ID, store.SessionInterrupted); err != nil {
		return nil, err
	}
	return s.store.StartExecutionSession(ctx, s.task.ID, s.sandboxName, "agent")
}

func (s *Supervisor) handleAgentEvent(ev agent.Event) {
	switch e := ev.(type) {
	case agent.SystemInit:
		s.log.Debug("agent initialized")
	case agent.AssistantMessage:
		s.handleAssistantMessage(e)
	case agent.ToolResult:
		s.handleToolResult(e)
	case agent.MessageStop:
		s.handleMessageStop()
	case agent.Opaque:
		s.log.Debug("opaque agent record", zap.String("kind", e.Kind))
	case agent.RawOutput:
		if e.Line != "" {
			s.log.Debug("raw agent output", zap.String("line", e.Line))
		}
	}
}

// handleAssistantMessage streams text into one assistant row per turn and
// records each tool call as its own message.
func (s *Supervisor) handleAssistantMessage(msg agent.AssistantMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if msg.Text != "" {
		if s.curAssistantMsg == nil {
			row := &store.Message{
				TaskID:             s.task.ID,
				ExecutionSessionID: s.execSessionID,
				Kind:               store.KindAssistant,
				Content:            msg.Text,
			}
			if err := s.store.CreateMessage(ctx, row); err != nil {
				s.log.Error("failed to persist assistant message", zap.Error(err))
			} else {
				s.curAssistantMsg = &row.ID
			}
		} else {
			if err := s.store.AppendToMessage(ctx, *s.curAssistantMsg, "\n"+msg.Text); err != nil {
				s.log.Error("failed to append assistant message", zap.Error(err))
			}
		}
		s.publishEvent(events.AgentText, map[string]any{"text": msg.Text})
	}

	for _, tu := range msg.ToolUses {
		row := &store.Message{
			TaskID:             s.task.ID,
			ExecutionSessionID: s.execSessionID,
			Kind:               store.KindToolCall,
			ToolData: map[string]any{
				"tool_use_id": tu.ID,
				"name":        tu.Name,
				"input":       tu.Input,
			},
		}
		if err := s.store.CreateMessage(ctx, row); err != nil {
			s.log.Error("failed to persist tool call", zap.Error(err))
		}
		s.publishEvent(events.AgentToolUse, map[string]any{
			"tool_use_id": tu.ID,
			"name":        tu.Name,
			"input":       tu.Input,
		})
	}
}

// handleToolResult back-patches the result onto the recorded tool call.
func (s *Supervisor) handleToolResult(res agent.ToolResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	output := res.Stdout
	if res.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += res.Stderr
	}

	msg, err := s.store.FindToolMessage(ctx, s.task.ID, res.ToolUseID)
	if err != nil {
		s.log.Warn("tool result for unknown tool call",
			zap.String("tool_use_id", res.ToolUseID),
			zap.Error(err))
	} else if err := s.store.UpdateToolResult(ctx, msg.ID, output, res.IsError); err != nil {
		s.log.Error("failed to update tool result", zap.Error(err))
	}

	s.publishEvent(events.AgentToolDone, map[string]any{
		"tool_use_id": res.ToolUseID,
		"output":      output,
		"is_error":    res.IsError,
	})
}

// handleMessageStop closes the turn: the task awaits input, the idle
// timer is armed, and the next queued turn (if any) is sent.
func (s *Supervisor) handleMessageStop() {
	s.curAssistantMsg = nil
	s.publishEvent(events.AgentDone, nil)
	s.markTask(store.TaskStatusAwaitingInput)
	s.setStatus(StatusReady)
	s.armIdleTimer()
	s.drainOne()
}

func (s *Supervisor) handleAgentExit(code int) {
	status := store.SessionCompleted
	if code != 0 {
		status = store.SessionFailed
	}
	s.closeExecutionSession(status)
	s.markTask(store.TaskStatusAwaitingInput)
	s.setStatus(StatusExited)
	s.publishStatus("ready")
	s.armIdleTimer()
}

func (s *Supervisor) handleFatalDisconnect(err error) (stopped bool) {
	s.log.Warn("fatal channel disconnect", zap.Error(err))
	s.closeExecutionSession(store.SessionInterrupted)
	s.terminate()
	return true
}

func (s *Supervisor) handleIdleTimeout() {
	s.idleTimer = nil
	s.log.Info("idle timeout, hibernating")
	s.markTask(store.TaskStatusIdle)
	if s.channel != nil {
		s.channel.Stop("idle timeout")
		s.channel = nil
	}
	s.closeExecutionSession(store.SessionCompleted)
	s.setStatus(StatusIdle)
}

// terminate is the common teardown: channel down, allocation released,
// task parked.
func (s *Supervisor) terminate() {
	s.cancelIdleTimer()
	if s.channel != nil {
		s.channel.Stop("session terminated")
		s.channel = nil
	}
	s.closeExecutionSession(store.SessionInterrupted)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.alloc.Release(ctx, s.task); err != nil {
		s.log.Error("failed to release allocation", zap.Error(err))
	}
	s.markTask(store.TaskStatusIdle)
	s.setStatus(StatusStopped)
}

// closeExecutionSession is a no-op when no session is open; completion is
// idempotent on the store side.
func (s *Supervisor) closeExecutionSession(status store.SessionStatus) {
	if s.execSessionID == nil {
		return
	}
	id := *s.execSessionID
	s.execSessionID = nil
	s.curAssistantMsg = nil

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.CompleteExecutionSession(ctx, id, status); err != nil {
		s.log.Error("failed to complete execution session",
			zap.Int64("execution_session_id", id),
			zap.Error(err))
	}
	s.persistMarker(store.KindSessionEnd, id)
	s.publishEvent(events.SessionEnded, map[string]any{
		"execution_session_id": id,
		"status":               string(status),
	})
}

func (s *Supervisor) persistMarker(kind store.MessageKind, sessionID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.store.CreateMessage(ctx, &store.Message{
		TaskID:             s.task.ID,
		ExecutionSessionID: &sessionID,
		Kind:               kind,
	})
	if err != nil {
		s.log.Warn("failed to persist session marker", zap.Error(err))
	}
}

// drainOne sends the oldest queued turn, strictly FIFO.
func (s *Supervisor) drainOne() {
	if len(s.queue) == 0 || s.channel == nil || s.status != StatusReady {
		return
	}
	text := s.queue[0]
	s.queue = s.queue[1:]

	if err := s.channel.SendUserMessage(text); err != nil {
		s.log.Warn("failed to send queued turn, requeueing", zap.Error(err))
		s.queue = append([]string{text}, s.queue...)
		return
	}
	s.markTask(store.TaskStatusActive)
	s.setStatus(StatusProcessing)
}

func (s *Supervisor) armIdleTimer() {
	s.cancelIdleTimer()
	s.idleTimer = time.NewTimer(s.cfg.Session.IdleTimeoutDuration())
}

func (s *Supervisor) cancelIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Supervisor) markTask(status store.TaskStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.UpdateTaskStatus(ctx, s.task.ID, status); err != nil {
		s.log.Warn("failed to update task status", zap.Error(err))
	}
	s.task.Status = status
}

// setStatus transitions the lifecycle state and publishes it.
func (s *Supervisor) setStatus(status Status) {
	if s.status == status {
		return
	}
	s.status = status
	switch status {
	case StatusExited:
		// handleAgentExit publishes ready itself.
	case StatusStopped, StatusInitializing:
	default:
		s.publishStatus(string(status))
	}
}

func (s *Supervisor) publishStatus(status string) {
	s.publishEvent(events.SessionStatus, map[string]any{"status": status})
}

func (s *Supervisor) publishError(text string) {
	s.publishEvent(events.AgentError, map[string]any{"text": text})
}

func (s *Supervisor) publishEvent(eventType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["task_id"] = s.task.ID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	subject := fmt.Sprintf("task.%d.events", s.task.ID)
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "session_supervisor", data)); err != nil {
		s.log.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/spritehub/spritehub/internal/common/errors"
	"github.com/spritehub/spritehub/internal/common/logger"
	"github.com/spritehub/spritehub/internal/store"
)

// Registry is the process-wide lookup of live supervisors by task ID. A
// second open for the same task attaches to the existing supervisor
// instead of starting another.
type Registry struct {
	deps Deps
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[int64]*Supervisor
}

// NewRegistry creates the supervisor registry. The Deps.OnStop field is
// owned by the registry and must be left unset.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		deps:     deps,
		log:      deps.Logger.WithFields(zap.String("component", "session_registry")),
		sessions: make(map[int64]*Supervisor),
	}
	return r
}

// GetOrCreate returns the live supervisor for the task, starting one if
// none exists.
func (r *Registry) GetOrCreate(ctx context.Context, taskID int64) (*Supervisor, error) {
	r.mu.Lock()
	if s, ok := r.sessions[taskID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	task, err := r.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("task", taskID)
		}
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[taskID]; ok {
		return s, nil
	}

	deps := r.deps
	deps.OnStop = r.remove
	s := New(task, deps)
	r.sessions[taskID] = s
	r.log.Info("session started", zap.Int64("task_id", taskID))
	return s, nil
}

// Get returns the live supervisor for the task, if any.
func (r *Registry) Get(taskID int64) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[taskID]
	return s, ok
}

// ActiveTaskIDs lists the tasks with a live supervisor.
func (r *Registry) ActiveTaskIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StopAll stops every live supervisor and waits for them to finish. Used
// during graceful shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := make([]*Supervisor, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}

func (r *Registry) remove(taskID int64) {
	r.mu.Lock()
	delete(r.sessions, taskID)
	r.mu.Unlock()
	r.log.Info("session stopped", zap.Int64("task_id", taskID))
}

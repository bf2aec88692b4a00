package chatcoach

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/saladjay/ChatCoachService-sub000/internal/metrics"
)

// TaskFunc is the body of one fire-and-forget task. It must honor ctx.
type TaskFunc func(ctx context.Context) error

type backgroundTask struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// BackgroundTaskRegistry owns the lifecycle of fire-and-forget tasks so
// shutdown is safe and no task leaks. Each task runs under its own bounded
// timeout, independent of the request that spawned it.
type BackgroundTaskRegistry struct {
	taskTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	tasks   map[*backgroundTask]struct{}
	stopped bool
}

// NewBackgroundTaskRegistry creates a registry with the given per-task
// timeout (default 30s).
func NewBackgroundTaskRegistry(taskTimeout time.Duration, logger *slog.Logger) *BackgroundTaskRegistry {
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BackgroundTaskRegistry{
		taskTimeout: taskTimeout,
		logger:      logger,
		tasks:       make(map[*backgroundTask]struct{}),
	}
}

// Go registers and starts a named task. It returns false when the registry
// is shutting down and the task was not started. The completion hook fires
// on success, failure, and cancellation alike, removing the task from the
// set.
func (r *BackgroundTaskRegistry) Go(name string, fn TaskFunc) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.taskTimeout)
	t := &backgroundTask{name: name, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		cancel()
		return false
	}
	r.tasks[t] = struct{}{}
	r.mu.Unlock()

	metrics.BackgroundTasks.Inc()
	go func() {
		defer func() {
			r.remove(t)
			cancel()
			close(t.done)
			metrics.BackgroundTasks.Dec()
		}()

		if err := fn(ctx); err != nil {
			r.logger.Warn("background task failed", "task", name, "error", err)
			return
		}
		r.logger.Debug("background task finished", "task", name)
	}()
	return true
}

// Count returns the number of currently-unfinished registered tasks.
func (r *BackgroundTaskRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Shutdown stops accepting new tasks, awaits the registered ones up to
// timeout, cancels any still unfinished, then awaits cancellation
// propagation before returning.
func (r *BackgroundTaskRegistry) Shutdown(timeout time.Duration) error {
	r.mu.Lock()
	r.stopped = true
	pending := make([]*backgroundTask, 0, len(r.tasks))
	for t := range r.tasks {
		pending = append(pending, t)
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	r.logger.Info("draining background tasks", "count", len(pending), "timeout", timeout)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// All tasks share one deadline; once it fires the remainder are
	// collected without blocking.
	var stragglers []*backgroundTask
	expired := false
	for _, t := range pending {
		if expired {
			select {
			case <-t.done:
			default:
				stragglers = append(stragglers, t)
			}
			continue
		}
		select {
		case <-t.done:
		case <-deadline.C:
			expired = true
			stragglers = append(stragglers, t)
		}
	}

	if len(stragglers) == 0 {
		return nil
	}

	for _, t := range stragglers {
		r.logger.Warn("cancelling background task", "task", t.name)
		t.cancel()
	}
	for _, t := range stragglers {
		<-t.done
	}
	return fmt.Errorf("cancelled %d background tasks at shutdown", len(stragglers))
}

func (r *BackgroundTaskRegistry) remove(t *backgroundTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, t)
}

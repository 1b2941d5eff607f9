// Package ports runs network-port-exposure side effects off the request
// path. Callers enqueue (project, port) pairs; one worker drains the queue
// and delegates to the provider's EnsurePortExposed.
package ports

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
	"github.com/appforge/sandboxd/internal/monitoring"
)

// TaskStatus tracks a port exposure task. Transitions only move forward:
// pending -> in_progress -> completed | failed.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is one tracked port exposure request.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Port        int        `json:"port"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func taskKey(projectID string, port int) string {
	return fmt.Sprintf("%s:%d", projectID, port)
}

// Exposer is the provider slice the worker needs.
type Exposer interface {
	EnsurePortExposed(ctx context.Context, projectID string, port int) error
}

// Service owns the queue, the worker, and the process-wide task index.
type Service struct {
	log      *logging.Logger
	metrics  *monitoring.Metrics
	provider Exposer

	taskTimeout time.Duration
	pollTimeout time.Duration

	mu     sync.Mutex
	tasks  map[string]*Task  // by task id, terminal records stay queryable
	active map[string]string // projectID:port -> task id, pending/in_progress only

	queue  chan string // task ids
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// NewService creates the port service. Start must be called before queueing.
func NewService(provider Exposer, cfg config.PortsConfig, log *logging.Logger) *Service {
	return &Service{
		log:         log.Named("ports"),
		provider:    provider,
		taskTimeout: cfg.TaskTimeout,
		pollTimeout: cfg.PollTimeout,
		tasks:       make(map[string]*Task),
		active:      make(map[string]string),
		queue:       make(chan string, cfg.QueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// WithMetrics attaches a metrics collector.
func (s *Service) WithMetrics(m *monitoring.Metrics) *Service {
	s.metrics = m
	return s
}

// Start launches the worker loop.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.worker(ctx)
}

// QueuePortExposure enqueues an exposure task without blocking. A duplicate
// request while a task for the same (project, port) is pending or in
// progress is a no-op returning the existing task id. A full queue fails
// the task fast instead of blocking the caller.
func (s *Service) QueuePortExposure(projectID string, port int) string {
	key := taskKey(projectID, port)

	s.mu.Lock()
	if existing, ok := s.active[key]; ok {
		s.mu.Unlock()
		s.log.Debug("Port exposure already tracked",
			zap.String("project_id", projectID),
			zap.Int("port", port),
			zap.String("task_id", existing),
		)
		return existing
	}

	task := &Task{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Port:      port,
		Status:    TaskPending,
		CreatedAt: time.Now(),
	}
	s.tasks[task.ID] = task
	s.active[key] = task.ID
	s.mu.Unlock()

	select {
	case s.queue <- task.ID:
		if s.metrics != nil {
			s.metrics.PortQueueDepth.Set(float64(len(s.queue)))
		}
	default:
		s.finish(task.ID, TaskFailed, "queue full")
		s.log.Warn("Port exposure queue saturated",
			zap.String("project_id", projectID),
			zap.Int("port", port),
		)
	}
	return task.ID
}

// GetTaskStatus returns a copy of the task, terminal or not.
func (s *Service) GetTaskStatus(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// GetProjectPendingPorts lists ports with a pending or in-progress task for
// the project.
func (s *Service) GetProjectPendingPorts(projectID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []int
	for _, taskID := range s.active {
		task := s.tasks[taskID]
		if task.ProjectID == projectID {
			pending = append(pending, task.Port)
		}
	}
	return pending
}

// Shutdown signals the worker, cancels the in-flight wait, and joins it.
func (s *Service) Shutdown(ctx context.Context) error {
	close(s.stop)
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("port worker did not exit: %w", ctx.Err())
	}
}

// worker consumes the queue until stopped. The poll tick exists only so the
// loop observes shutdown promptly, not as a command timeout.
func (s *Service) worker(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.pollTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case taskID := <-s.queue:
			if s.metrics != nil {
				s.metrics.PortQueueDepth.Set(float64(len(s.queue)))
			}
			s.process(ctx, taskID)
		}
	}
}

// process runs one task to a terminal state.
func (s *Service) process(ctx context.Context, taskID string) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok || task.Status != TaskPending {
		s.mu.Unlock()
		return
	}
	task.Status = TaskInProgress
	projectID, port := task.ProjectID, task.Port
	s.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	if err := s.provider.EnsurePortExposed(taskCtx, projectID, port); err != nil {
		s.finish(taskID, TaskFailed, err.Error())
		s.log.Warn("Port exposure failed",
			zap.String("project_id", projectID),
			zap.Int("port", port),
			zap.Error(err),
		)
		return
	}

	s.finish(taskID, TaskCompleted, "")
	s.log.Info("Port exposed",
		zap.String("project_id", projectID),
		zap.Int("port", port),
	)
}

// finish moves a task to a terminal state and removes it from the active
// index; the record itself stays queryable by id.
func (s *Service) finish(taskID string, status TaskStatus, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return
	}
	now := time.Now()
	task.Status = status
	task.CompletedAt = &now
	task.Error = errMsg
	delete(s.active, taskKey(task.ProjectID, task.Port))

	if s.metrics != nil {
		s.metrics.RecordPortTask(string(status))
	}
}

package ports

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
)

type fakeExposer struct {
	mu    sync.Mutex
	calls []int
	err   error
	block chan struct{}
}

func (f *fakeExposer) EnsurePortExposed(ctx context.Context, projectID string, port int) error {
	f.mu.Lock()
	f.calls = append(f.calls, port)
	block := f.block
	err := f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeExposer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() config.PortsConfig {
	return config.PortsConfig{
		QueueSize:   4,
		TaskTimeout: time.Second,
		PollTimeout: 10 * time.Millisecond,
	}
}

func newStartedService(t *testing.T, exposer Exposer, cfg config.PortsConfig) *Service {
	t.Helper()
	s := NewService(exposer, cfg, logging.NewNop())
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func waitTerminal(t *testing.T, s *Service, taskID string) Task {
	t.Helper()
	var task Task
	require.Eventually(t, func() bool {
		got, ok := s.GetTaskStatus(taskID)
		if !ok {
			return false
		}
		task = got
		return task.Status == TaskCompleted || task.Status == TaskFailed
	}, 2*time.Second, 10*time.Millisecond)
	return task
}

func TestQueuePortExposureCompletes(t *testing.T) {
	exposer := &fakeExposer{}
	s := newStartedService(t, exposer, testConfig())

	taskID := s.QueuePortExposure("proj", 3000)
	task := waitTerminal(t, s, taskID)

	assert.Equal(t, TaskCompleted, task.Status)
	assert.NotNil(t, task.CompletedAt)
	assert.Empty(t, task.Error)
	assert.Equal(t, 1, exposer.callCount())
	assert.Empty(t, s.GetProjectPendingPorts("proj"))
}

func TestQueuePortExposureDeduplicates(t *testing.T) {
	block := make(chan struct{})
	exposer := &fakeExposer{block: block}
	s := newStartedService(t, exposer, testConfig())

	first := s.QueuePortExposure("proj", 3000)
	second := s.QueuePortExposure("proj", 3000)
	other := s.QueuePortExposure("proj", 8080)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.ElementsMatch(t, []int{3000, 8080}, s.GetProjectPendingPorts("proj"))

	close(block)
	waitTerminal(t, s, first)
	waitTerminal(t, s, other)

	// The pair is re-queueable once its task reached a terminal state.
	requeued := s.QueuePortExposure("proj", 3000)
	assert.NotEqual(t, first, requeued)
}

func TestQueueFullFailsFast(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	exposer := &fakeExposer{block: block}

	cfg := testConfig()
	cfg.QueueSize = 1
	s := newStartedService(t, exposer, cfg)

	// First task occupies the worker, second fills the queue.
	first := s.QueuePortExposure("proj", 3000)
	require.Eventually(t, func() bool {
		task, _ := s.GetTaskStatus(first)
		return task.Status == TaskInProgress
	}, 2*time.Second, 10*time.Millisecond)
	s.QueuePortExposure("proj", 3001)

	overflow := s.QueuePortExposure("proj", 3002)
	task, ok := s.GetTaskStatus(overflow)
	require.True(t, ok)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Contains(t, task.Error, "queue full")
}

func TestFailedExposureRecordsError(t *testing.T) {
	exposer := &fakeExposer{err: errors.New("no listener on port 9999")}
	s := newStartedService(t, exposer, testConfig())

	taskID := s.QueuePortExposure("proj", 9999)
	task := waitTerminal(t, s, taskID)

	assert.Equal(t, TaskFailed, task.Status)
	assert.Contains(t, task.Error, "no listener")
	assert.NotNil(t, task.CompletedAt)
}

func TestGetTaskStatusUnknownID(t *testing.T) {
	s := newStartedService(t, &fakeExposer{}, testConfig())

	_, ok := s.GetTaskStatus("nope")
	assert.False(t, ok)
}

func TestShutdownJoinsWorker(t *testing.T) {
	exposer := &fakeExposer{block: make(chan struct{})}
	s := NewService(exposer, testConfig(), logging.NewNop())
	s.Start()

	s.QueuePortExposure("proj", 3000)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}

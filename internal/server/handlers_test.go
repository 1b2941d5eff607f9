package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
	"github.com/appforge/sandboxd/internal/ports"
	"github.com/appforge/sandboxd/internal/sandbox"
	"github.com/appforge/sandboxd/internal/vmservice"
)

// stubProvider is an in-memory backend for exercising the HTTP surface.
type stubProvider struct {
	mu     sync.Mutex
	active map[string]*sandbox.SandboxInfo
	files  map[string]map[string]string
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		active: make(map[string]*sandbox.SandboxInfo),
		files:  make(map[string]map[string]string),
	}
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) CreateProjectSandbox(ctx context.Context, projectID string, opts sandbox.CreateOptions) (*sandbox.SandboxInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := &sandbox.SandboxInfo{
		ID:        "stub-" + projectID,
		ProjectID: projectID,
		Status:    sandbox.StatusActive,
		CreatedAt: time.Now(),
	}
	s.active[projectID] = info
	s.files[projectID] = make(map[string]string)
	return info, nil
}

func (s *stubProvider) ReconnectToSandbox(ctx context.Context, projectID, sandboxID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[projectID]
	return ok
}

func (s *stubProvider) DestroySandbox(ctx context.Context, projectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, projectID)
	delete(s.files, projectID)
	return true, nil
}

func (s *stubProvider) IsSandboxActive(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[projectID]
	return ok
}

func (s *stubProvider) GetSandboxInfo(projectID string) (*sandbox.SandboxInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.active[projectID]
	return info, ok
}

func (s *stubProvider) ExecuteCommand(ctx context.Context, projectID, command string, opts sandbox.ExecOptions) *sandbox.CommandResult {
	if !s.IsSandboxActive(projectID) {
		return sandbox.FailureResult(sandbox.ErrSandboxNotFound, 0)
	}
	return &sandbox.CommandResult{Stdout: "ran: " + command, ExitCode: 0}
}

func (s *stubProvider) InstallPackage(ctx context.Context, projectID, pkg, manager string) *sandbox.CommandResult {
	return s.ExecuteCommand(ctx, projectID, manager+" install "+pkg, sandbox.ExecOptions{})
}

func (s *stubProvider) StartService(ctx context.Context, projectID string, spec sandbox.ServiceSpec) (*sandbox.ServiceProcess, error) {
	return &sandbox.ServiceProcess{Name: spec.Name, PID: 42, Port: spec.Port, StartedAt: time.Now()}, nil
}

func (s *stubProvider) StopService(ctx context.Context, projectID, name string) error { return nil }

func (s *stubProvider) GetActivePorts(ctx context.Context, projectID string) (map[int]sandbox.PortInfo, error) {
	return map[int]sandbox.PortInfo{}, nil
}

func (s *stubProvider) EnsurePortExposed(ctx context.Context, projectID string, port int) error {
	return nil
}

func (s *stubProvider) ReadFile(ctx context.Context, projectID, path string) *sandbox.FileResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[projectID][path]
	if !ok {
		return sandbox.FileFail(path, "file not found: %s", path)
	}
	return sandbox.FileContent(path, content)
}

func (s *stubProvider) WriteFile(ctx context.Context, projectID, path, content string) *sandbox.FileResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[projectID][path] = content
	return sandbox.FileOK(path)
}

func (s *stubProvider) CreateFile(ctx context.Context, projectID, path, content string) *sandbox.FileResult {
	s.mu.Lock()
	_, exists := s.files[projectID][path]
	s.mu.Unlock()
	if exists {
		return sandbox.FileFail(path, "file already exists: %s", path)
	}
	return s.WriteFile(ctx, projectID, path, content)
}

func (s *stubProvider) CreateDirectory(ctx context.Context, projectID, path string) *sandbox.FileResult {
	return sandbox.FileOK(path)
}

func (s *stubProvider) DeleteFile(ctx context.Context, projectID, path string) *sandbox.FileResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[projectID][path]; !ok {
		return sandbox.FileFail(path, "file not found: %s", path)
	}
	delete(s.files[projectID], path)
	return sandbox.FileOK(path)
}

func (s *stubProvider) DeleteDirectory(ctx context.Context, projectID, path string) *sandbox.FileResult {
	return sandbox.FileOK(path)
}

func (s *stubProvider) MoveFile(ctx context.Context, projectID, src, dst string) *sandbox.FileResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[projectID][src]
	if !ok {
		return sandbox.FileFail(src, "file not found: %s", src)
	}
	delete(s.files[projectID], src)
	s.files[projectID][dst] = content
	return sandbox.FileOK(dst)
}

func (s *stubProvider) ListDirectory(ctx context.Context, projectID, path string) ([]*sandbox.FileNode, error) {
	return []*sandbox.FileNode{}, nil
}

func (s *stubProvider) ListDirectoryChildren(ctx context.Context, projectID, path string) ([]*sandbox.FileNode, error) {
	return []*sandbox.FileNode{}, nil
}

func (s *stubProvider) ListFilesRecursive(ctx context.Context, projectID string) (*sandbox.FileNode, error) {
	return &sandbox.FileNode{Name: "/", Path: "/", Type: sandbox.NodeDirectory}, nil
}

func (s *stubProvider) SetupFileWatcher(projectID string, cb sandbox.WatchCallback) error { return nil }
func (s *stubProvider) StopFileWatcher(projectID string)                                 {}

func (s *stubProvider) ResizeTerminal(ctx context.Context, projectID string, cols, rows int) error {
	return nil
}

func (s *stubProvider) GetContainerInfo(ctx context.Context, projectID string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	provider := newStubProvider()
	log := logging.NewNop()

	portSvc := ports.NewService(provider, config.PortsConfig{
		QueueSize:   8,
		TaskTimeout: time.Second,
		PollTimeout: 10 * time.Millisecond,
	}, log)
	portSvc.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = portSvc.Shutdown(ctx)
	})

	repo := vmservice.NewMemoryRepository()
	svc := vmservice.NewService(repo, provider, portSvc, log)

	return New(config.Default(), svc, portSvc, nil, log)
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkspaceLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/projects/p1/workspace", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info sandbox.SandboxInfo
	decode(t, rec, &info)
	assert.Equal(t, "stub-p1", info.ID)

	rec = doJSON(t, srv, http.MethodGet, "/api/projects/p1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status vmservice.ProjectStatus
	decode(t, rec, &status)
	assert.Equal(t, sandbox.StatusActive, status.VMStatus)
	assert.Equal(t, "stub-p1", status.SandboxID)

	// Teardown twice: both succeed.
	for i := 0; i < 2; i++ {
		rec = doJSON(t, srv, http.MethodDelete, "/api/projects/p1/workspace", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out map[string]bool
		decode(t, rec, &out)
		assert.True(t, out["destroyed"], "teardown attempt %d", i+1)
	}
}

func TestExecuteEndpoint(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/api/projects/p1/workspace", nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/projects/p1/execute", map[string]interface{}{
		"command": "echo hi",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result sandbox.CommandResult
	decode(t, rec, &result)
	assert.Equal(t, "ran: echo hi", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
}

func TestExecuteWithoutWorkspaceIsStructuredFailure(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/projects/ghost/execute", map[string]interface{}{
		"command": "ls",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result sandbox.CommandResult
	decode(t, rec, &result)
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Stderr, "not active")
}

func TestExecuteRejectsMissingCommand(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/projects/p1/execute", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFileRoundTripOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/api/projects/p1/workspace", nil)

	rec := doJSON(t, srv, http.MethodPut, "/api/projects/p1/files", map[string]string{
		"path":    "src/main.go",
		"content": "package main",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/projects/p1/files?path=src/main.go", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res sandbox.FileResult
	decode(t, rec, &res)
	assert.True(t, res.Success)
	assert.Equal(t, "package main", res.Content)
}

func TestReadFileRequiresPath(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/projects/p1/files", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPortExposureFlow(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/api/projects/p1/workspace", nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/projects/p1/ports/3000/expose", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted map[string]string
	decode(t, rec, &accepted)
	taskID := accepted["task_id"]
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		rec := doJSON(t, srv, http.MethodGet, "/api/ports/tasks/"+taskID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var task ports.Task
		decode(t, rec, &task)
		return task.Status == ports.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)

	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/projects/p1/ports/%d/expose", 99999), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownPortTask(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/ports/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

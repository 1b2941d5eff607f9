package vmservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appforge/sandboxd/internal/logging"
	"github.com/appforge/sandboxd/internal/sandbox"
)

// ErrVMNotActive is returned when an operation needs a live sandbox and the
// project has none. Callers decide whether to set one up.
var ErrVMNotActive = errors.New("project vm is not active")

// fileTreeTTL bounds how stale a cached workspace tree may be. Editors poll
// the tree aggressively; a short TTL absorbs the burst without masking
// changes for long.
const fileTreeTTL = 2 * time.Second

// PortQueuer is the slice of the port service the façade uses.
type PortQueuer interface {
	QueuePortExposure(projectID string, port int) string
	GetProjectPendingPorts(projectID string) []int
}

type treeEntry struct {
	tree    *sandbox.FileNode
	fetched time.Time
}

// Service reconciles persisted project state with live sandboxes and fronts
// every sandbox operation for the HTTP layer.
type Service struct {
	repo     ProjectRepository
	provider sandbox.Provider
	ports    PortQueuer
	log      *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	tools map[string]*VMTools
	trees map[string]treeEntry

	now func() time.Time
}

// NewService builds the façade. ports may be nil when no background port
// exposure is wanted.
func NewService(repo ProjectRepository, provider sandbox.Provider, ports PortQueuer, log *logging.Logger) *Service {
	return &Service{
		repo:     repo,
		provider: provider,
		ports:    ports,
		log:      log.Named("vmservice"),
		locks:    make(map[string]*sync.Mutex),
		tools:    make(map[string]*VMTools),
		trees:    make(map[string]treeEntry),
		now:      time.Now,
	}
}

// projectLock serializes per-project lifecycle transitions.
func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[projectID] = lock
	}
	return lock
}

func (s *Service) cachedTools(projectID string) (*VMTools, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[projectID]
	return t, ok
}

func (s *Service) cacheTools(projectID string) *VMTools {
	t := newVMTools(projectID, s.provider)
	s.mu.Lock()
	s.tools[projectID] = t
	s.mu.Unlock()
	return t
}

func (s *Service) dropProject(projectID string) {
	s.mu.Lock()
	delete(s.tools, projectID)
	delete(s.trees, projectID)
	s.mu.Unlock()
}

func createOptions(record *ProjectRecord) sandbox.CreateOptions {
	return sandbox.CreateOptions{
		TemplateID:  record.VMConfig.TemplateID,
		Environment: record.VMConfig.Environment,
	}
}

// GetVMTools returns a live handle for the project, reconciling persisted
// state first: a cached handle is validated against the provider, a
// persisted sandbox id is reconnected, and a vanished sandbox is recreated
// in place. A project never set up returns ErrVMNotActive.
func (s *Service) GetVMTools(ctx context.Context, projectID string) (*VMTools, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if t, ok := s.cachedTools(projectID); ok && s.provider.IsSandboxActive(projectID) {
		return t, nil
	}

	record, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if record.VMStatus != sandbox.StatusActive || record.SandboxID == "" {
		return nil, fmt.Errorf("%w: project %s", ErrVMNotActive, projectID)
	}

	if s.provider.ReconnectToSandbox(ctx, projectID, record.SandboxID) {
		s.attachWatcher(projectID)
		return s.cacheTools(projectID), nil
	}

	// The persisted sandbox is gone (expired or reclaimed). The project is
	// still marked active, so recreate rather than surface a dead handle.
	s.log.Info("Persisted sandbox gone, recreating",
		zap.String("project_id", projectID),
		zap.String("sandbox_id", record.SandboxID),
	)
	info, err := s.provider.CreateProjectSandbox(ctx, projectID, createOptions(record))
	if err != nil {
		record.VMStatus = sandbox.StatusError
		if uerr := s.repo.UpdateProject(ctx, record); uerr != nil {
			s.log.Warn("Failed to persist error status", zap.String("project_id", projectID), zap.Error(uerr))
		}
		return nil, fmt.Errorf("failed to recreate sandbox: %w", err)
	}

	record.SandboxID = info.ID
	record.VMURL = info.VMURL
	record.VMStatus = sandbox.StatusActive
	record.LastActivity = s.now()
	if err := s.repo.UpdateProject(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist recreated sandbox: %w", err)
	}

	s.attachWatcher(projectID)
	return s.cacheTools(projectID), nil
}

// ExecuteAgentCommand runs a command in the project's sandbox, reconciling
// the sandbox first. A project with no live sandbox yields a structured
// failure, not an error.
func (s *Service) ExecuteAgentCommand(ctx context.Context, projectID, command string, opts sandbox.ExecOptions) *sandbox.CommandResult {
	tools, err := s.GetVMTools(ctx, projectID)
	if err != nil {
		return sandbox.FailureResult(err, 0)
	}
	return tools.Execute(ctx, command, opts)
}

// SetupVMWorkspace provisions the project's sandbox and persists the
// transition. Failure is always recorded: the status goes starting ->
// active on success and starting -> error otherwise, never silently back
// to inactive.
func (s *Service) SetupVMWorkspace(ctx context.Context, projectID string) (*sandbox.SandboxInfo, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if s.provider.IsSandboxActive(projectID) {
		info, _ := s.provider.GetSandboxInfo(projectID)
		return info, nil
	}

	record.VMStatus = sandbox.StatusStarting
	if err := s.repo.UpdateProject(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist starting status: %w", err)
	}

	info, err := s.provider.CreateProjectSandbox(ctx, projectID, createOptions(record))
	if err != nil {
		record.VMStatus = sandbox.StatusError
		if uerr := s.repo.UpdateProject(ctx, record); uerr != nil {
			s.log.Warn("Failed to persist error status", zap.String("project_id", projectID), zap.Error(uerr))
		}
		return nil, fmt.Errorf("workspace setup failed: %w", err)
	}

	record.VMStatus = sandbox.StatusActive
	record.SandboxID = info.ID
	record.VMURL = info.VMURL
	record.LastActivity = s.now()
	if err := s.repo.UpdateProject(ctx, record); err != nil {
		// Persisted state is the source of truth; a sandbox it cannot
		// reference must not outlive the failure.
		_, _ = s.provider.DestroySandbox(ctx, projectID)
		record.VMStatus = sandbox.StatusError
		_ = s.repo.UpdateProject(ctx, record)
		return nil, fmt.Errorf("failed to persist active sandbox: %w", err)
	}

	s.attachWatcher(projectID)
	s.cacheTools(projectID)

	s.log.Info("Workspace ready",
		zap.String("project_id", projectID),
		zap.String("sandbox_id", info.ID),
	)
	return info, nil
}

// TeardownProject destroys the project's sandbox and resets persisted
// state. It is idempotent: tearing down a project with nothing running
// succeeds.
func (s *Service) TeardownProject(ctx context.Context, projectID string) (bool, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	s.provider.StopFileWatcher(projectID)

	ok, err := s.provider.DestroySandbox(ctx, projectID)
	if err != nil {
		return false, err
	}

	s.dropProject(projectID)

	record, gerr := s.repo.GetProject(ctx, projectID)
	if gerr == nil {
		record.VMStatus = sandbox.StatusInactive
		record.SandboxID = ""
		record.VMURL = ""
		if uerr := s.repo.UpdateProject(ctx, record); uerr != nil {
			s.log.Warn("Failed to persist teardown", zap.String("project_id", projectID), zap.Error(uerr))
		}
	}

	s.log.Info("Project torn down", zap.String("project_id", projectID))
	return ok, nil
}

// InstallProjectPackage installs a package in the project's sandbox.
func (s *Service) InstallProjectPackage(ctx context.Context, projectID, pkg, manager string) *sandbox.CommandResult {
	tools, err := s.GetVMTools(ctx, projectID)
	if err != nil {
		return sandbox.FailureResult(err, 0)
	}
	return tools.InstallPackage(ctx, pkg, manager)
}

// StartProjectService launches a named service and queues its port for
// background exposure.
func (s *Service) StartProjectService(ctx context.Context, projectID string, spec sandbox.ServiceSpec) (*sandbox.ServiceProcess, error) {
	if _, err := s.GetVMTools(ctx, projectID); err != nil {
		return nil, err
	}

	svc, err := s.provider.StartService(ctx, projectID, spec)
	if err != nil {
		return nil, err
	}
	if spec.Port > 0 && s.ports != nil {
		s.ports.QueuePortExposure(projectID, spec.Port)
	}
	return svc, nil
}

// StopProjectService terminates a previously started service.
func (s *Service) StopProjectService(ctx context.Context, projectID, name string) error {
	return s.provider.StopService(ctx, projectID, name)
}

// ProjectStatus is a point-in-time snapshot of a project's sandbox state.
type ProjectStatus struct {
	ProjectID    string                   `json:"project_id"`
	VMStatus     sandbox.Status           `json:"vm_status"`
	SandboxID    string                   `json:"sandbox_id,omitempty"`
	VMURL        string                   `json:"vm_url,omitempty"`
	ActivePorts  map[int]sandbox.PortInfo `json:"active_ports,omitempty"`
	PendingPorts []int                    `json:"pending_ports,omitempty"`
	LastActivity time.Time                `json:"last_activity"`
}

// GetProjectStatus reports the persisted state plus best-effort live data.
func (s *Service) GetProjectStatus(ctx context.Context, projectID string) (*ProjectStatus, error) {
	record, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	status := &ProjectStatus{
		ProjectID:    projectID,
		VMStatus:     record.VMStatus,
		SandboxID:    record.SandboxID,
		VMURL:        record.VMURL,
		LastActivity: record.LastActivity,
	}
	if s.ports != nil {
		status.PendingPorts = s.ports.GetProjectPendingPorts(projectID)
	}
	if s.provider.IsSandboxActive(projectID) {
		if ports, err := s.provider.GetActivePorts(ctx, projectID); err == nil {
			status.ActivePorts = ports
		}
	}
	return status, nil
}

// FileTree returns the workspace tree, serving a cached copy within the
// TTL. Mutating file operations invalidate the cache immediately.
func (s *Service) FileTree(ctx context.Context, projectID string) (*sandbox.FileNode, error) {
	s.mu.Lock()
	if entry, ok := s.trees[projectID]; ok && s.now().Sub(entry.fetched) < fileTreeTTL {
		tree := entry.tree
		s.mu.Unlock()
		return tree, nil
	}
	s.mu.Unlock()

	if _, err := s.GetVMTools(ctx, projectID); err != nil {
		return nil, err
	}

	tree, err := s.provider.ListFilesRecursive(ctx, projectID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.trees[projectID] = treeEntry{tree: tree, fetched: s.now()}
	s.mu.Unlock()
	return tree, nil
}

// InvalidateFileTree drops the cached tree for a project.
func (s *Service) InvalidateFileTree(projectID string) {
	s.mu.Lock()
	delete(s.trees, projectID)
	s.mu.Unlock()
}

// attachWatcher routes the project's file events into cache invalidation.
// Watcher failures are logged, not fatal; the TTL still bounds staleness.
func (s *Service) attachWatcher(projectID string) {
	err := s.provider.SetupFileWatcher(projectID, func(event sandbox.EventType, absPath, pid string) {
		s.InvalidateFileTree(pid)
		s.log.Debug("File event",
			zap.String("project_id", pid),
			zap.String("event", string(event)),
			zap.String("path", absPath),
		)
	})
	if err != nil {
		s.log.Warn("Failed to set up file watcher",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
	}
}

// File operations, reconciled through GetVMTools. Mutations invalidate the
// cached tree.

func (s *Service) ReadProjectFile(ctx context.Context, projectID, path string) *sandbox.FileResult {
	if _, err := s.GetVMTools(ctx, projectID); err != nil {
		return sandbox.FileFail(path, "%v", err)
	}
	return s.provider.ReadFile(ctx, projectID, path)
}

func (s *Service) WriteProjectFile(ctx context.Context, projectID, path, content string) *sandbox.FileResult {
	if _, err := s.GetVMTools(ctx, projectID); err != nil {
		return sandbox.FileFail(path, "%v", err)
	}
	res := s.provider.WriteFile(ctx, projectID, path, content)
	if res.Success {
		s.InvalidateFileTree(projectID)
	}
	return res
}

func (s *Service) CreateProjectFile(ctx context.Context, projectID, path, content string) *sandbox.FileResult {
	if _, err := s.GetVMTools(ctx, projectID); err != nil {
		return sandbox.FileFail(path, "%v", err)
	}
	res := s.provider.CreateFile(ctx, projectID, path, content)
	if res.Success {
		s.InvalidateFileTree(projectID)
	}
	return res
}

func (s *Service) CreateProjectDirectory(ctx context.Context, projectID, path string) *sandbox.FileResult {
	if _, err := s.GetVMTools(ctx, projectID); err != nil {
		return sandbox.FileFail(path, "%v", err)
	}
	res := s.provider.CreateDirectory(ctx, projectID, path)
	if res.Success {
		s.InvalidateFileTree(projectID)
	}
	return res
}

func (s *Service) DeleteProjectFile(ctx context.Context, projectID, path string) *sandbox.FileResult {
	if _, err := s.GetVMTools(ctx, projectID); err != nil {
		return sandbox.FileFail(path, "%v", err)
	}
	res := s.provider.DeleteFile(ctx, projectID, path)
	if res.Success {
		s.InvalidateFileTree(projectID)
	}
	return res
}

func (s *Service) DeleteProjectDirectory(ctx context.Context, projectID, path string) *sandbox.FileResult {
	if _, err := s.GetVMTools(ctx, projectID); err != nil {
		return sandbox.FileFail(path, "%v", err)
	}
	res := s.provider.DeleteDirectory(ctx, projectID, path)
	if res.Success {
		s.InvalidateFileTree(projectID)
	}
	return res
}

func (s *Service) MoveProjectFile(ctx context.Context, projectID, src, dst string) *sandbox.FileResult {
	if _, err := s.GetVMTools(ctx, projectID); err != nil {
		return sandbox.FileFail(src, "%v", err)
	}
	res := s.provider.MoveFile(ctx, projectID, src, dst)
	if res.Success {
		s.InvalidateFileTree(projectID)
	}
	return res
}

func (s *Service) ListProjectDirectory(ctx context.Context, projectID, path string) ([]*sandbox.FileNode, error) {
	if _, err := s.GetVMTools(ctx, projectID); err != nil {
		return nil, err
	}
	return s.provider.ListDirectoryChildren(ctx, projectID, path)
}

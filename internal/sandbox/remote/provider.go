package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
	"github.com/appforge/sandboxd/internal/monitoring"
	"github.com/appforge/sandboxd/internal/sandbox"
	"github.com/appforge/sandboxd/internal/sandbox/shellfs"
)

// workspaceRoot is the in-sandbox workspace directory baked into the
// templates.
const workspaceRoot = "/home/user/workspace"

type handle struct {
	info      *sandbox.SandboxInfo
	sandboxID string
	services  map[string]*sandbox.ServiceProcess
}

// Provider is the ephemeral micro-VM backend. The service's proxy domain
// makes every sandbox port reachable without an explicit exposure step, and
// there is no host-visible filesystem: file mutations synthesize watch
// events themselves.
type Provider struct {
	cfg     *config.Config
	client  *Client
	log     *logging.Logger
	watches sandbox.WatchRegistry
	metrics *monitoring.Metrics

	mu      sync.Mutex
	handles map[string]*handle
	locks   map[string]*sync.Mutex
}

// New builds the remote backend. It is registered with the factory under
// the name "remote".
func New(cfg *config.Config, deps sandbox.Deps) (sandbox.Provider, error) {
	log := deps.Logger.Named("remote")
	client, err := NewClient(cfg.Remote, log)
	if err != nil {
		return nil, err
	}
	return &Provider{
		cfg:     cfg,
		client:  client,
		log:     log,
		watches: deps.Watches,
		metrics: deps.Metrics,
		handles: make(map[string]*handle),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Name identifies the backend.
func (p *Provider) Name() string { return "remote" }

func (p *Provider) projectLock(projectID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[projectID] = lock
	}
	return lock
}

func (p *Provider) getHandle(projectID string) (*handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[projectID]
	return h, ok
}

func (p *Provider) putHandle(projectID string, h *handle) {
	p.mu.Lock()
	p.handles[projectID] = h
	active := len(p.handles)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.SandboxesActive.Set(float64(active))
	}
}

func (p *Provider) dropHandle(projectID string) {
	p.mu.Lock()
	delete(p.handles, projectID)
	active := len(p.handles)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.SandboxesActive.Set(float64(active))
	}
}

// touch records activity on the shared descriptor. Snapshot readers copy it
// under the same lock.
func (p *Provider) touch(h *handle) {
	p.mu.Lock()
	h.info.LastActivity = time.Now()
	p.mu.Unlock()
}

// fs builds the shell-backed filesystem for a project. Mutations route watch
// events through the registry's manual path.
func (p *Provider) fs(projectID string) *shellfs.FS {
	runner := func(ctx context.Context, command string) *sandbox.CommandResult {
		return p.ExecuteCommand(ctx, projectID, command, sandbox.ExecOptions{})
	}
	return shellfs.New(runner, workspaceRoot, projectID, p.watches)
}

// CreateProjectSandbox provisions a micro-VM for the project. Calling it
// again while a sandbox exists returns the existing descriptor.
func (p *Provider) CreateProjectSandbox(ctx context.Context, projectID string, opts sandbox.CreateOptions) (*sandbox.SandboxInfo, error) {
	lock := p.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if info, ok := p.GetSandboxInfo(projectID); ok {
		return info, nil
	}

	createCtx, cancel := context.WithTimeout(ctx, p.cfg.VM.CreateTimeout)
	defer cancel()

	template := p.cfg.Remote.Template
	if opts.TemplateID != "" {
		template = opts.TemplateID
	}
	metadata := map[string]string{"project_id": projectID}
	if opts.Environment != "" {
		metadata["environment"] = opts.Environment
	}

	desc, err := p.client.CreateSandbox(createCtx, template, metadata)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	info := &sandbox.SandboxInfo{
		ID:            desc.SandboxID,
		ProjectID:     projectID,
		Status:        sandbox.StatusActive,
		WorkspacePath: workspaceRoot,
		VMURL:         p.client.PortURL(desc.SandboxID, 3000),
		CreatedAt:     now,
		LastActivity:  now,
	}
	result := *info
	p.putHandle(projectID, &handle{
		info:      info,
		sandboxID: desc.SandboxID,
		services:  make(map[string]*sandbox.ServiceProcess),
	})

	if p.metrics != nil {
		p.metrics.SandboxesCreated.WithLabelValues(p.Name()).Inc()
	}
	p.log.Info("Sandbox created",
		zap.String("project_id", projectID),
		zap.String("sandbox_id", desc.SandboxID),
		zap.String("template", template),
	)
	return &result, nil
}

// ReconnectToSandbox re-attaches to a running micro-VM by id. Expired
// sandboxes are a normal false.
func (p *Provider) ReconnectToSandbox(ctx context.Context, projectID, sandboxID string) bool {
	desc, found, err := p.client.GetSandbox(ctx, sandboxID)
	if err != nil {
		p.log.Warn("Sandbox lookup failed during reconnect",
			zap.String("sandbox_id", sandboxID),
			zap.Error(err),
		)
		p.recordReconnect("miss")
		return false
	}
	if !found {
		p.log.Debug("Sandbox expired, cannot reconnect",
			zap.String("project_id", projectID),
			zap.String("sandbox_id", sandboxID),
		)
		p.recordReconnect("miss")
		return false
	}

	now := time.Now()
	info := &sandbox.SandboxInfo{
		ID:            sandboxID,
		ProjectID:     projectID,
		Status:        sandbox.StatusActive,
		WorkspacePath: workspaceRoot,
		VMURL:         p.client.PortURL(sandboxID, 3000),
		CreatedAt:     desc.StartedAt,
		LastActivity:  now,
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	p.putHandle(projectID, &handle{
		info:      info,
		sandboxID: sandboxID,
		services:  make(map[string]*sandbox.ServiceProcess),
	})

	p.recordReconnect("hit")
	p.log.Info("Reconnected to sandbox",
		zap.String("project_id", projectID),
		zap.String("sandbox_id", sandboxID),
	)
	return true
}

func (p *Provider) recordReconnect(outcome string) {
	if p.metrics != nil {
		p.metrics.Reconnects.WithLabelValues(p.Name(), outcome).Inc()
	}
}

// DestroySandbox tears down the project's micro-VM. An already-expired
// sandbox counts as success.
func (p *Provider) DestroySandbox(ctx context.Context, projectID string) (bool, error) {
	lock := p.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	h, ok := p.getHandle(projectID)
	if !ok {
		return true, nil
	}

	if err := p.client.DeleteSandbox(ctx, h.sandboxID); err != nil {
		return false, err
	}

	p.dropHandle(projectID)
	p.watches.Unsubscribe(projectID)
	if p.metrics != nil {
		p.metrics.SandboxesDestroyed.WithLabelValues(p.Name()).Inc()
	}
	p.log.Info("Sandbox destroyed",
		zap.String("project_id", projectID),
		zap.String("sandbox_id", h.sandboxID),
	)
	return true, nil
}

// IsSandboxActive reports the locally cached state only.
func (p *Provider) IsSandboxActive(projectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[projectID]
	return ok && h.info.Status == sandbox.StatusActive
}

// GetSandboxInfo returns a copy of the cached descriptor.
func (p *Provider) GetSandboxInfo(projectID string) (*sandbox.SandboxInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[projectID]
	if !ok {
		return nil, false
	}
	info := *h.info
	return &info, true
}

// ExecuteCommand runs a shell command through the sandbox agent. The agent
// enforces the timeout itself; the context deadline carries a transport
// margin on top.
func (p *Provider) ExecuteCommand(ctx context.Context, projectID, command string, opts sandbox.ExecOptions) *sandbox.CommandResult {
	h, ok := p.getHandle(projectID)
	if !ok {
		return sandbox.FailureResult(fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID), 0)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.VM.CommandTimeout
	}
	workdir := workspaceRoot
	if opts.WorkingDir != "" {
		workdir = path.Join(workspaceRoot, opts.WorkingDir)
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	resp, err := p.client.Exec(execCtx, h.sandboxID, execRequest{
		Command:        command,
		WorkingDir:     workdir,
		Env:            opts.Env,
		TimeoutSeconds: int(timeout.Seconds()),
	})
	elapsed := time.Since(start)
	p.touch(h)

	var result *sandbox.CommandResult
	switch {
	case err == nil:
		result = &sandbox.CommandResult{
			Stdout:   resp.Stdout,
			Stderr:   resp.Stderr,
			ExitCode: resp.ExitCode,
			Duration: elapsed,
		}
	case errors.Is(err, context.DeadlineExceeded):
		result = sandbox.TimeoutResult(timeout, elapsed)
	default:
		result = sandbox.FailureResult(err, elapsed)
	}

	if p.metrics != nil {
		p.metrics.RecordCommand(p.Name(), result.Duration, result.TimedOut())
	}
	return result
}

// InstallPackage installs a package with the extended install timeout.
func (p *Provider) InstallPackage(ctx context.Context, projectID, pkg, manager string) *sandbox.CommandResult {
	command, err := shellfs.InstallCommand(pkg, manager)
	if err != nil {
		return sandbox.FailureResult(err, 0)
	}
	return p.ExecuteCommand(ctx, projectID, command, sandbox.ExecOptions{Timeout: p.cfg.VM.InstallTimeout})
}

// StartService launches a named detached process with logs redirected under
// the workspace.
func (p *Provider) StartService(ctx context.Context, projectID string, spec sandbox.ServiceSpec) (*sandbox.ServiceProcess, error) {
	h, ok := p.getHandle(projectID)
	if !ok {
		return nil, fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID)
	}

	logPath := path.Join(workspaceRoot, ".logs", spec.Name+".log")
	launch := fmt.Sprintf("mkdir -p %s/.logs && nohup sh -c %s > %s 2>&1 & echo $!",
		workspaceRoot, shellfs.Quote(spec.Command), logPath)

	result := p.ExecuteCommand(ctx, projectID, launch, sandbox.ExecOptions{})
	if !result.Success() {
		return nil, fmt.Errorf("failed to start service %s: %s", spec.Name, strings.TrimSpace(result.Stderr))
	}

	pid, _ := strconv.Atoi(strings.TrimSpace(result.Stdout))
	svc := &sandbox.ServiceProcess{
		Name:      spec.Name,
		Command:   spec.Command,
		PID:       pid,
		Port:      spec.Port,
		LogPath:   logPath,
		StartedAt: time.Now(),
	}
	if spec.Port > 0 {
		svc.URL = p.client.PortURL(h.sandboxID, spec.Port)
	}

	p.mu.Lock()
	h.services[spec.Name] = svc
	p.mu.Unlock()

	p.log.Info("Service started",
		zap.String("project_id", projectID),
		zap.String("name", spec.Name),
		zap.Int("pid", pid),
	)
	return svc, nil
}

// StopService terminates a process previously launched by StartService.
func (p *Provider) StopService(ctx context.Context, projectID, name string) error {
	h, ok := p.getHandle(projectID)
	if !ok {
		return fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID)
	}

	p.mu.Lock()
	svc, tracked := h.services[name]
	delete(h.services, name)
	p.mu.Unlock()
	if !tracked {
		return fmt.Errorf("service not found: %s", name)
	}

	if svc.PID > 0 {
		result := p.ExecuteCommand(ctx, projectID, fmt.Sprintf("kill %d 2>/dev/null || true", svc.PID), sandbox.ExecOptions{})
		if result.TimedOut() {
			return fmt.Errorf("timed out stopping service %s", name)
		}
	}
	p.log.Info("Service stopped", zap.String("project_id", projectID), zap.String("name", name))
	return nil
}

// GetActivePorts scans listening sockets and attaches proxy URLs.
func (p *Provider) GetActivePorts(ctx context.Context, projectID string) (map[int]sandbox.PortInfo, error) {
	h, ok := p.getHandle(projectID)
	if !ok {
		return nil, fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID)
	}

	result := p.ExecuteCommand(ctx, projectID, sandbox.ListenersCommand, sandbox.ExecOptions{})
	listeners := sandbox.ParseListeners(result.Stdout)
	for port, info := range listeners {
		info.URL = p.client.PortURL(h.sandboxID, port)
		listeners[port] = info
	}
	return listeners, nil
}

// EnsurePortExposed verifies something is listening on the port. The proxy
// domain routes every sandbox port without an explicit exposure step.
func (p *Provider) EnsurePortExposed(ctx context.Context, projectID string, port int) error {
	h, ok := p.getHandle(projectID)
	if !ok {
		return fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID)
	}

	ports, err := p.GetActivePorts(ctx, projectID)
	if err != nil {
		return err
	}
	if _, listening := ports[port]; !listening {
		return fmt.Errorf("no listener on port %d", port)
	}

	p.log.Info("Port reachable via proxy",
		zap.String("project_id", projectID),
		zap.Int("port", port),
		zap.String("url", p.client.PortURL(h.sandboxID, port)),
	)
	return nil
}

// Workspace file primitives, shell-backed with synthesized watch events.

func (p *Provider) ReadFile(ctx context.Context, projectID, path string) *sandbox.FileResult {
	return p.fs(projectID).ReadFile(ctx, path)
}

func (p *Provider) WriteFile(ctx context.Context, projectID, path, content string) *sandbox.FileResult {
	return p.fs(projectID).WriteFile(ctx, path, content)
}

func (p *Provider) CreateFile(ctx context.Context, projectID, path, content string) *sandbox.FileResult {
	return p.fs(projectID).CreateFile(ctx, path, content)
}

func (p *Provider) CreateDirectory(ctx context.Context, projectID, path string) *sandbox.FileResult {
	return p.fs(projectID).CreateDirectory(ctx, path)
}

func (p *Provider) DeleteFile(ctx context.Context, projectID, path string) *sandbox.FileResult {
	return p.fs(projectID).DeleteFile(ctx, path)
}

func (p *Provider) DeleteDirectory(ctx context.Context, projectID, path string) *sandbox.FileResult {
	return p.fs(projectID).DeleteDirectory(ctx, path)
}

func (p *Provider) MoveFile(ctx context.Context, projectID, src, dst string) *sandbox.FileResult {
	return p.fs(projectID).MoveFile(ctx, src, dst)
}

func (p *Provider) ListDirectory(ctx context.Context, projectID, path string) ([]*sandbox.FileNode, error) {
	return p.fs(projectID).ListDirectory(ctx, path)
}

func (p *Provider) ListDirectoryChildren(ctx context.Context, projectID, path string) ([]*sandbox.FileNode, error) {
	return p.fs(projectID).ListDirectoryChildren(ctx, path)
}

func (p *Provider) ListFilesRecursive(ctx context.Context, projectID string) (*sandbox.FileNode, error) {
	return p.fs(projectID).ListFilesRecursive(ctx)
}

// SetupFileWatcher subscribes the project to synthesized file events. No OS
// watcher can see the micro-VM's filesystem.
func (p *Provider) SetupFileWatcher(projectID string, cb sandbox.WatchCallback) error {
	if _, ok := p.getHandle(projectID); !ok {
		return fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID)
	}
	p.watches.Subscribe(projectID, cb)
	return nil
}

// StopFileWatcher removes the project's event subscription.
func (p *Provider) StopFileWatcher(projectID string) {
	p.watches.Unsubscribe(projectID)
}

// ResizeTerminal is a no-op; the agent exec API has no interactive terminal.
func (p *Provider) ResizeTerminal(ctx context.Context, projectID string, cols, rows int) error {
	return nil
}

// GetContainerInfo returns the control plane's view of the sandbox.
func (p *Provider) GetContainerInfo(ctx context.Context, projectID string) (map[string]interface{}, error) {
	h, ok := p.getHandle(projectID)
	if !ok {
		return nil, fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID)
	}

	desc, found, err := p.client.GetSandbox(ctx, h.sandboxID)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]interface{}{
			"sandbox_id": h.sandboxID,
			"state":      "expired",
		}, nil
	}
	return map[string]interface{}{
		"sandbox_id": desc.SandboxID,
		"template":   desc.TemplateID,
		"state":      desc.State,
		"started_at": desc.StartedAt,
	}, nil
}

// Package docker implements the sandbox provider on the local container
// engine. Each project gets one container running an idle init command with
// the project workspace bind-mounted from the host, so workspace files stay
// visible to the host-level file watcher.
package docker

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
	"github.com/appforge/sandboxd/internal/monitoring"
	"github.com/appforge/sandboxd/internal/sandbox"
	"github.com/appforge/sandboxd/internal/sandbox/shellfs"
)

const containerWorkspace = "/workspace"

// handle is the provider's cached state for one project sandbox.
type handle struct {
	info        *sandbox.SandboxInfo
	containerID string
	services    map[string]*sandbox.ServiceProcess
}

// Provider is the local container backend.
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

// New builds the docker backend. It is registered with the factory under
// the name "docker".
func New(cfg *config.Config, deps sandbox.Deps) (sandbox.Provider, error) {
	log := deps.Logger.Named("docker")
	cli, err := NewClient(cfg.Docker.Host, log)
	if err != nil {
		return nil, err
	}

	return &Provider{
		cfg:     cfg,
		client:  cli,
		log:     log,
		watches: deps.Watches,
		metrics: deps.Metrics,
		handles: make(map[string]*handle),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Name identifies the backend.
func (p *Provider) Name() string { return "docker" }

// projectLock serializes sandbox creation per project so two concurrent
// get-or-create callers cannot provision two containers.
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

// CreateProjectSandbox provisions a container for the project. Calling it
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

	image := p.cfg.Docker.Image
	if opts.TemplateID != "" {
		image = opts.TemplateID
	}

	hostDir := p.workspaceDir(projectID)
	if err := ensureWorkspace(hostDir); err != nil {
		return nil, err
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, port := range p.cfg.Docker.PublishPorts {
		cp := nat.Port(fmt.Sprintf("%d/tcp", port))
		exposed[cp] = struct{}{}
		// Empty HostPort asks the engine for an ephemeral one.
		bindings[cp] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}
	}

	containerConfig := &container.Config{
		Image:      image,
		Cmd:        []string{"sleep", "infinity"},
		Tty:        true,
		WorkingDir: containerWorkspace,
		Labels: map[string]string{
			"sandboxd.project-id":  projectID,
			"sandboxd.environment": opts.Environment,
		},
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		NetworkMode:  container.NetworkMode(p.cfg.Docker.NetworkMode),
		PortBindings: bindings,
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: hostDir,
				Target: containerWorkspace,
			},
		},
	}

	name := "sandboxd-" + projectID
	resp, err := p.client.API().ContainerCreate(createCtx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		if !IsImageMissing(err) {
			return nil, fmt.Errorf("failed to create container: %w", err)
		}
		if pullErr := p.client.EnsureImage(image); pullErr != nil {
			return nil, pullErr
		}
		resp, err = p.client.API().ContainerCreate(createCtx, containerConfig, hostConfig, nil, nil, name)
		if err != nil {
			return nil, fmt.Errorf("failed to create container: %w", err)
		}
	}

	if err := p.client.API().ContainerStart(createCtx, resp.ID, container.StartOptions{}); err != nil {
		// Roll back the partial container so a retry starts clean.
		_ = p.client.API().ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	now := time.Now()
	info := &sandbox.SandboxInfo{
		ID:            resp.ID,
		ProjectID:     projectID,
		Status:        sandbox.StatusActive,
		WorkspacePath: hostDir,
		CreatedAt:     now,
		LastActivity:  now,
	}
	result := *info
	p.putHandle(projectID, &handle{
		info:        info,
		containerID: resp.ID,
		services:    make(map[string]*sandbox.ServiceProcess),
	})

	if p.metrics != nil {
		p.metrics.SandboxesCreated.WithLabelValues(p.Name()).Inc()
	}
	p.log.Info("Sandbox created",
		zap.String("project_id", projectID),
		zap.String("container_id", resp.ID),
		zap.String("image", image),
	)
	return &result, nil
}

// ReconnectToSandbox re-attaches to a container by id, restarting it when
// stopped. Not-found is a normal false, never an error.
func (p *Provider) ReconnectToSandbox(ctx context.Context, projectID, sandboxID string) bool {
	inspect, err := p.client.API().ContainerInspect(ctx, sandboxID)
	if err != nil {
		if IsNotFound(err) {
			p.log.Debug("Container gone, cannot reconnect",
				zap.String("project_id", projectID),
				zap.String("sandbox_id", sandboxID),
			)
		} else {
			p.log.Warn("Container inspect failed during reconnect",
				zap.String("sandbox_id", sandboxID),
				zap.Error(err),
			)
		}
		p.recordReconnect("miss")
		return false
	}

	if inspect.State == nil || !inspect.State.Running {
		if err := p.client.API().ContainerStart(ctx, sandboxID, container.StartOptions{}); err != nil {
			p.log.Warn("Failed to restart stopped container",
				zap.String("sandbox_id", sandboxID),
				zap.Error(err),
			)
			p.recordReconnect("miss")
			return false
		}
	}

	now := time.Now()
	info := &sandbox.SandboxInfo{
		ID:            sandboxID,
		ProjectID:     projectID,
		Status:        sandbox.StatusActive,
		WorkspacePath: p.workspaceDir(projectID),
		CreatedAt:     now,
		LastActivity:  now,
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	}
	p.putHandle(projectID, &handle{
		info:        info,
		containerID: sandboxID,
		services:    make(map[string]*sandbox.ServiceProcess),
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

// DestroySandbox removes the project's container. Safe to call when no
// sandbox exists or the container is already gone.
func (p *Provider) DestroySandbox(ctx context.Context, projectID string) (bool, error) {
	lock := p.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	h, ok := p.getHandle(projectID)
	if !ok {
		return true, nil
	}

	err := p.client.API().ContainerRemove(ctx, h.containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !IsNotFound(err) {
		return false, fmt.Errorf("failed to remove container: %w", err)
	}

	p.dropHandle(projectID)
	if p.metrics != nil {
		p.metrics.SandboxesDestroyed.WithLabelValues(p.Name()).Inc()
	}
	p.log.Info("Sandbox destroyed",
		zap.String("project_id", projectID),
		zap.String("container_id", h.containerID),
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

// ExecuteCommand runs a shell command inside the project's container.
func (p *Provider) ExecuteCommand(ctx context.Context, projectID, command string, opts sandbox.ExecOptions) *sandbox.CommandResult {
	h, ok := p.getHandle(projectID)
	if !ok {
		return sandbox.FailureResult(fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID), 0)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.VM.CommandTimeout
	}
	workdir := containerWorkspace
	if opts.WorkingDir != "" {
		workdir = path.Join(containerWorkspace, opts.WorkingDir)
	}

	result := p.client.Exec(ctx, h.containerID, command, workdir, opts.Env, timeout)
	p.touch(h)
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

	logPath := path.Join(containerWorkspace, ".logs", spec.Name+".log")
	launch := fmt.Sprintf("mkdir -p %s/.logs && nohup sh -c %s > %s 2>&1 & echo $!",
		containerWorkspace, shellfs.Quote(spec.Command), logPath)

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
		if hostPort, _, err := p.hostBinding(ctx, h.containerID, spec.Port); err == nil && hostPort > 0 {
			svc.URL = fmt.Sprintf("http://127.0.0.1:%d", hostPort)
		}
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

// GetActivePorts scans listening sockets inside the container and merges in
// host port bindings.
func (p *Provider) GetActivePorts(ctx context.Context, projectID string) (map[int]sandbox.PortInfo, error) {
	h, ok := p.getHandle(projectID)
	if !ok {
		return nil, fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID)
	}

	result := p.ExecuteCommand(ctx, projectID, sandbox.ListenersCommand, sandbox.ExecOptions{})
	listeners := sandbox.ParseListeners(result.Stdout)

	for port, info := range listeners {
		if hostPort, _, err := p.hostBinding(ctx, h.containerID, port); err == nil && hostPort > 0 {
			info.HostPort = hostPort
			info.URL = fmt.Sprintf("http://127.0.0.1:%d", hostPort)
			listeners[port] = info
		}
	}
	return listeners, nil
}

// EnsurePortExposed resolves the host mapping for a container port. Ports
// outside the published set degrade to the container-IP URL; the engine
// cannot add bindings to a running container.
func (p *Provider) EnsurePortExposed(ctx context.Context, projectID string, port int) error {
	h, ok := p.getHandle(projectID)
	if !ok {
		return fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID)
	}

	hostPort, ip, err := p.hostBinding(ctx, h.containerID, port)
	if err != nil {
		return err
	}
	if hostPort > 0 {
		p.log.Info("Port reachable via host binding",
			zap.String("project_id", projectID),
			zap.Int("port", port),
			zap.Int("host_port", hostPort),
		)
		return nil
	}

	p.log.Info("Port not published, reachable via container address",
		zap.String("project_id", projectID),
		zap.Int("port", port),
		zap.String("address", ip),
	)
	return nil
}

// hostBinding returns the host port mapped to a container port (0 when
// unmapped) plus the container's bridge address.
func (p *Provider) hostBinding(ctx context.Context, containerID string, port int) (int, string, error) {
	inspect, err := p.client.API().ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, "", fmt.Errorf("failed to inspect container: %w", err)
	}

	var ip string
	if inspect.NetworkSettings != nil {
		ip = inspect.NetworkSettings.IPAddress
		for _, binding := range inspect.NetworkSettings.Ports[nat.Port(fmt.Sprintf("%d/tcp", port))] {
			if hp, err := strconv.Atoi(binding.HostPort); err == nil && hp > 0 {
				return hp, ip, nil
			}
		}
	}
	return 0, ip, nil
}

// SetupFileWatcher watches the host-visible workspace for the project.
func (p *Provider) SetupFileWatcher(projectID string, cb sandbox.WatchCallback) error {
	h, ok := p.getHandle(projectID)
	if !ok {
		return fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID)
	}
	return p.watches.Watch(h.info.WorkspacePath, projectID, cb)
}

// StopFileWatcher removes the project's watch registration.
func (p *Provider) StopFileWatcher(projectID string) {
	p.watches.Unwatch(p.workspaceDir(projectID), projectID)
}

// ResizeTerminal resizes the container's TTY. Best-effort.
func (p *Provider) ResizeTerminal(ctx context.Context, projectID string, cols, rows int) error {
	h, ok := p.getHandle(projectID)
	if !ok {
		return fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID)
	}
	return p.client.API().ContainerResize(ctx, h.containerID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

// GetContainerInfo returns an inspect subset for diagnostics.
func (p *Provider) GetContainerInfo(ctx context.Context, projectID string) (map[string]interface{}, error) {
	h, ok := p.getHandle(projectID)
	if !ok {
		return nil, fmt.Errorf("%w: project %s", sandbox.ErrSandboxNotFound, projectID)
	}

	inspect, err := p.client.API().ContainerInspect(ctx, h.containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	info := map[string]interface{}{
		"id":    inspect.ID,
		"name":  inspect.Name,
		"image": inspect.Config.Image,
	}
	if inspect.State != nil {
		info["state"] = inspect.State.Status
		info["started_at"] = inspect.State.StartedAt
	}
	if inspect.NetworkSettings != nil {
		info["ip_address"] = inspect.NetworkSettings.IPAddress
	}
	return info, nil
}

// Close releases the engine connection. Containers are left running; they
// are per-project durable state, not process state.
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) workspaceDir(projectID string) string {
	return filepath.Join(p.cfg.Docker.WorkspaceBase, projectID)
}

package sandbox

import (
	"context"
	"time"
)

// CreateOptions tune sandbox provisioning.
type CreateOptions struct {
	// TemplateID overrides the backend's default image or template.
	TemplateID string
	// Environment names the runtime flavor requested by the caller
	// (e.g. "node", "python"). Backends may ignore it.
	Environment string
}

// ExecOptions tune one command execution.
type ExecOptions struct {
	WorkingDir string
	// Timeout bounds the execution; zero means the backend default.
	Timeout time.Duration
	Env     map[string]string
}

// Provider is the uniform contract every sandbox backend implements.
//
// Failure semantics: expected negatives (missing sandbox, missing file,
// non-zero exit, timeout) are data, not errors. Returned errors mean the
// operation's outcome is unknown (transport failure) or the call was
// misused. Construction-time errors are the only fatal ones.
type Provider interface {
	// Name identifies the backend ("docker", "remote", "fleet").
	Name() string

	// CreateProjectSandbox provisions a new sandbox for the project.
	// Partial resources are rolled back on failure. At most one sandbox
	// exists per project; concurrent calls for the same project are
	// serialized and the second observes the first's sandbox.
	CreateProjectSandbox(ctx context.Context, projectID string, opts CreateOptions) (*SandboxInfo, error)

	// ReconnectToSandbox re-attaches to an existing sandbox by id, returning
	// false when the backend no longer knows it. It never returns an error
	// for the not-found case.
	ReconnectToSandbox(ctx context.Context, projectID, sandboxID string) bool

	// DestroySandbox tears down the project's sandbox. It is idempotent:
	// calling it with no sandbox, or on an already-gone sandbox, returns
	// true. It errors only when teardown was attempted and its outcome is
	// unknown.
	DestroySandbox(ctx context.Context, projectID string) (bool, error)

	// IsSandboxActive reports the locally cached state. It may lag the
	// backend's real state and must not be trusted without a successful use.
	IsSandboxActive(projectID string) bool

	// GetSandboxInfo returns the cached descriptor for the project.
	GetSandboxInfo(projectID string) (*SandboxInfo, bool)

	// ExecuteCommand runs a shell command in the sandbox, enforcing the
	// timeout. Timeouts yield exit code 124; transport failures yield exit
	// code 1 with the message in stderr. It never returns an error result
	// for a non-zero exit.
	ExecuteCommand(ctx context.Context, projectID, command string, opts ExecOptions) *CommandResult

	// InstallPackage installs a package via the named manager ("pip",
	// "npm", "apt", "go") with an extended timeout.
	InstallPackage(ctx context.Context, projectID, pkg, manager string) *CommandResult

	// StartService launches a named detached process with log redirection,
	// returning a best-effort pid and URL.
	StartService(ctx context.Context, projectID string, spec ServiceSpec) (*ServiceProcess, error)

	// StopService terminates a process previously launched by StartService.
	StopService(ctx context.Context, projectID, name string) error

	// GetActivePorts returns a point-in-time snapshot of listening ports.
	GetActivePorts(ctx context.Context, projectID string) (map[int]PortInfo, error)

	// EnsurePortExposed makes the port reachable from outside the sandbox.
	// Called by the background port worker, never on the request path.
	EnsurePortExposed(ctx context.Context, projectID string, port int) error

	// Workspace file primitives. Paths are relative to the workspace root;
	// escaping the root is a failed result. Every successful mutation also
	// drives the file-watch callback path, including on backends the OS
	// watcher cannot see.
	ReadFile(ctx context.Context, projectID, path string) *FileResult
	WriteFile(ctx context.Context, projectID, path, content string) *FileResult
	CreateFile(ctx context.Context, projectID, path, content string) *FileResult
	CreateDirectory(ctx context.Context, projectID, path string) *FileResult
	DeleteFile(ctx context.Context, projectID, path string) *FileResult
	DeleteDirectory(ctx context.Context, projectID, path string) *FileResult
	MoveFile(ctx context.Context, projectID, src, dst string) *FileResult
	ListDirectory(ctx context.Context, projectID, path string) ([]*FileNode, error)
	ListDirectoryChildren(ctx context.Context, projectID, path string) ([]*FileNode, error)
	ListFilesRecursive(ctx context.Context, projectID string) (*FileNode, error)

	// SetupFileWatcher routes file events for this project's workspace to cb.
	SetupFileWatcher(projectID string, cb WatchCallback) error

	// StopFileWatcher removes the project's watch registration.
	StopFileWatcher(projectID string)

	// ResizeTerminal is best-effort; backends without an interactive
	// terminal ignore it.
	ResizeTerminal(ctx context.Context, projectID string, cols, rows int) error

	// GetContainerInfo returns backend-specific diagnostics, best-effort.
	GetContainerInfo(ctx context.Context, projectID string) (map[string]interface{}, error)
}

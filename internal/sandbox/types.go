package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// Status tracks the lifecycle of a project sandbox as known to this process.
// An "active" status is optimistic: the backend may have expired the sandbox
// independently, which is detected lazily on next use.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// TimeoutExitCode is the synthetic exit code reported when a command is
// killed at its deadline, matching the shell convention for timeout(1).
const TimeoutExitCode = 124

// Sentinel errors shared across backends.
var (
	ErrSandboxNotFound = errors.New("sandbox not found")
	ErrUnknownBackend  = errors.New("unknown sandbox backend")
)

// CommandResult is the outcome of one command execution inside a sandbox.
// A non-zero exit code is a normal result, never an error.
type CommandResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"execution_time"`
}

// Success reports whether the command exited cleanly.
func (r *CommandResult) Success() bool {
	return r.ExitCode == 0
}

// TimedOut reports whether the command was killed at its deadline.
func (r *CommandResult) TimedOut() bool {
	return r.ExitCode == TimeoutExitCode
}

// TimeoutResult builds the structured result for a command that hit its
// deadline.
func TimeoutResult(timeout, elapsed time.Duration) *CommandResult {
	return &CommandResult{
		Stderr:   fmt.Sprintf("command timed out after %s", timeout),
		ExitCode: TimeoutExitCode,
		Duration: elapsed,
	}
}

// FailureResult converts a transport-level error into the operation's
// structured result shape.
func FailureResult(err error, elapsed time.Duration) *CommandResult {
	return &CommandResult{
		Stderr:   err.Error(),
		ExitCode: 1,
		Duration: elapsed,
	}
}

// SandboxInfo describes one provisioned sandbox.
type SandboxInfo struct {
	ID            string    `json:"sandbox_id"`
	ProjectID     string    `json:"project_id"`
	Status        Status    `json:"status"`
	WorkspacePath string    `json:"workspace_path"`
	VMURL         string    `json:"vm_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// FileResult is the structured outcome of a workspace file operation.
// Expected negatives (not-found, already-exists) are failed results,
// never errors.
type FileResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FileOK builds a successful file result.
func FileOK(path string) *FileResult {
	return &FileResult{Success: true, Path: path}
}

// FileContent builds a successful file result carrying content.
func FileContent(path, content string) *FileResult {
	return &FileResult{Success: true, Path: path, Content: content}
}

// FileFail builds a failed file result.
func FileFail(path, format string, args ...interface{}) *FileResult {
	return &FileResult{Success: false, Path: path, Error: fmt.Sprintf(format, args...)}
}

// NodeType tags a FileNode as file or directory.
type NodeType string

const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
)

// FileNode is one entry in a workspace file tree. Children is populated for
// directories only and preserves listing order.
type FileNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     NodeType    `json:"type"`
	Children []*FileNode `json:"children,omitempty"`
}

// PortInfo describes one listening port inside a sandbox at a point in time.
type PortInfo struct {
	Process  string `json:"process"`
	PID      int    `json:"process_id"`
	URL      string `json:"url,omitempty"`
	HostPort int    `json:"host_port,omitempty"`
	Address  string `json:"address,omitempty"`
}

// ServiceSpec describes a named long-running process to launch detached
// inside a sandbox.
type ServiceSpec struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Port    int    `json:"port,omitempty"`
}

// ServiceProcess records a launched sub-service. PID and URL are best-effort.
type ServiceProcess struct {
	Name      string    `json:"name"`
	Command   string    `json:"command"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	URL       string    `json:"url,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// EventType is a file-watch event kind. Ordering is guaranteed per path only.
type EventType string

const (
	EventCreated       EventType = "created"
	EventModified      EventType = "modified"
	EventDeleted       EventType = "deleted"
	EventFolderCreated EventType = "folder_created"
	EventFolderDeleted EventType = "folder_deleted"
)

// WatchCallback receives file events for one project. Manual events are
// delivered at least once; OS-observed events are best-effort coalesced.
type WatchCallback func(event EventType, absPath, projectID string)

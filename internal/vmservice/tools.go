package vmservice

import (
	"context"

	"github.com/appforge/sandboxd/internal/sandbox"
)

// VMTools is a narrow per-project handle over a live sandbox. It is handed
// to callers that need command execution without the rest of the façade;
// holding one does not pin the sandbox, which may still expire underneath.
type VMTools struct {
	projectID string
	provider  sandbox.Provider
}

func newVMTools(projectID string, provider sandbox.Provider) *VMTools {
	return &VMTools{projectID: projectID, provider: provider}
}

// ProjectID identifies the project this handle serves.
func (t *VMTools) ProjectID() string { return t.projectID }

// Execute runs a shell command in the project's sandbox.
func (t *VMTools) Execute(ctx context.Context, command string, opts sandbox.ExecOptions) *sandbox.CommandResult {
	return t.provider.ExecuteCommand(ctx, t.projectID, command, opts)
}

// InstallPackage installs a package via the named manager.
func (t *VMTools) InstallPackage(ctx context.Context, pkg, manager string) *sandbox.CommandResult {
	return t.provider.InstallPackage(ctx, t.projectID, pkg, manager)
}

// Info returns the cached sandbox descriptor.
func (t *VMTools) Info() (*sandbox.SandboxInfo, bool) {
	return t.provider.GetSandboxInfo(t.projectID)
}

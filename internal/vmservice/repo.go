// Package vmservice is the orchestration façade over the sandbox provider:
// it reconciles persisted project state with live sandboxes, owns workspace
// setup and teardown, and fronts command execution, services, ports and
// file access for the HTTP layer.
package vmservice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/appforge/sandboxd/internal/sandbox"
)

// ErrProjectNotFound is returned when a project id has no record.
var ErrProjectNotFound = errors.New("project not found")

// VMOptions is the per-project provisioning configuration persisted with
// the record.
type VMOptions struct {
	TemplateID  string `json:"template_id,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// ProjectRecord is the persisted view of a project's sandbox state. It is
// the durable source of truth the in-memory provider state is reconciled
// against after restarts.
type ProjectRecord struct {
	ID           string         `json:"id"`
	VMStatus     sandbox.Status `json:"vm_status"`
	SandboxID    string         `json:"sandbox_id,omitempty"`
	VMURL        string         `json:"vm_url,omitempty"`
	VMConfig     VMOptions      `json:"vm_config"`
	LastActivity time.Time      `json:"last_activity"`
}

// ProjectRepository persists project sandbox state.
type ProjectRepository interface {
	// GetProject returns the record, or ErrProjectNotFound.
	GetProject(ctx context.Context, projectID string) (*ProjectRecord, error)
	// UpdateProject upserts the record.
	UpdateProject(ctx context.Context, record *ProjectRecord) error
}

// MemoryRepository is the in-process ProjectRepository. Unknown projects
// materialize on first read so a bare project id can be set up without a
// prior registration step.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*ProjectRecord
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*ProjectRecord)}
}

func (r *MemoryRepository) GetProject(ctx context.Context, projectID string) (*ProjectRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[projectID]
	if !ok {
		record = &ProjectRecord{ID: projectID, VMStatus: sandbox.StatusInactive}
		r.records[projectID] = record
	}
	copy := *record
	return &copy, nil
}

func (r *MemoryRepository) UpdateProject(ctx context.Context, record *ProjectRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *record
	r.records[record.ID] = &copy
	return nil
}

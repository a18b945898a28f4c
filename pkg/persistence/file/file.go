// Package file provides file-based persistence for workflow definitions and
// execution results. Documents are stored as one JSON file per entity.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/skein-dev/skein/pkg/models"
	"github.com/skein-dev/skein/pkg/persistence"
)

const (
	workflowsDir  = "workflows"
	executionsDir = "executions"
)

// Persistence implements persistence.Persistence on the local file system.
type Persistence struct {
	root string
}

// NewPersistence creates a file persistence rooted at the given directory.
// A file:// prefix is stripped so the constructor accepts storage URLs.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Workflows loads every stored workflow definition, sorted by name.
func (p *Persistence) Workflows(ctx context.Context) ([]*models.WorkflowDAG, error) {
	ids, err := p.listIDs(workflowsDir)
	if err != nil {
		return nil, err
	}

	workflows := make([]*models.WorkflowDAG, 0, len(ids))

	for _, id := range ids {
		dag, err := p.WorkflowByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
		}

		workflows = append(workflows, dag)
	}

	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })

	return workflows, nil
}

func (p *Persistence) SaveWorkflow(_ context.Context, dag *models.WorkflowDAG) error {
	return p.writeDocument(workflowsDir, dag.ID, dag, "SaveWorkflow")
}

func (p *Persistence) WorkflowByID(_ context.Context, id string) (*models.WorkflowDAG, error) {
	body, err := p.readDocument(workflowsDir, id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &persistence.StorageError{Op: "WorkflowByID", ID: id, Err: persistence.ErrWorkflowNotFound}
		}

		return nil, &persistence.StorageError{Op: "WorkflowByID", ID: id, Err: err}
	}

	var dag models.WorkflowDAG
	if err := json.Unmarshal(body, &dag); err != nil {
		return nil, &persistence.StorageError{Op: "WorkflowByID", ID: id, Err: err}
	}

	return &dag, nil
}

func (p *Persistence) DeleteWorkflow(_ context.Context, id string) error {
	err := os.Remove(p.documentPath(workflowsDir, id))
	if os.IsNotExist(err) {
		return &persistence.StorageError{Op: "DeleteWorkflow", ID: id, Err: persistence.ErrWorkflowNotFound}
	}

	if err != nil {
		return &persistence.StorageError{Op: "DeleteWorkflow", ID: id, Err: err}
	}

	return nil
}

func (p *Persistence) SaveExecution(_ context.Context, result *models.ExecutionResult) error {
	return p.writeDocument(executionsDir, result.ExecutionID, result, "SaveExecution")
}

func (p *Persistence) ExecutionByID(_ context.Context, id string) (*models.ExecutionResult, error) {
	body, err := p.readDocument(executionsDir, id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &persistence.StorageError{Op: "ExecutionByID", ID: id, Err: persistence.ErrExecutionNotFound}
		}

		return nil, &persistence.StorageError{Op: "ExecutionByID", ID: id, Err: err}
	}

	var result models.ExecutionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &persistence.StorageError{Op: "ExecutionByID", ID: id, Err: err}
	}

	return &result, nil
}

// ExecutionsByWorkflow scans every stored execution and filters by workflow
// id. Acceptable for local development; the PostgreSQL backend indexes this.
func (p *Persistence) ExecutionsByWorkflow(ctx context.Context, workflowID string) ([]*models.ExecutionResult, error) {
	ids, err := p.listIDs(executionsDir)
	if err != nil {
		return nil, err
	}

	results := make([]*models.ExecutionResult, 0)

	for _, id := range ids {
		result, err := p.ExecutionByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if result.WorkflowID == workflowID {
			results = append(results, result)
		}
	}

	return results, nil
}

func (p *Persistence) listIDs(dir string) ([]string, error) {
	fullDir := path.Join(p.root, dir)

	if _, err := os.Stat(fullDir); os.IsNotExist(err) {
		return nil, nil
	}

	files, err := fs.Glob(os.DirFS(fullDir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	ids := make([]string, 0, len(files))
	for _, file := range files {
		ids = append(ids, strings.TrimSuffix(file, ".json"))
	}

	sort.Strings(ids)

	return ids, nil
}

func (p *Persistence) writeDocument(dir, id string, doc any, op string) error {
	if err := os.MkdirAll(path.Join(p.root, dir), 0750); err != nil {
		return &persistence.StorageError{Op: op, ID: id, Err: err}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &persistence.StorageError{Op: op, ID: id, Err: err}
	}

	if err := os.WriteFile(p.documentPath(dir, id), data, 0600); err != nil {
		return &persistence.StorageError{Op: op, ID: id, Err: err}
	}

	return nil
}

func (p *Persistence) readDocument(dir, id string) ([]byte, error) {
	return os.ReadFile(p.documentPath(dir, id))
}

func (p *Persistence) documentPath(dir, id string) string {
	return filepath.Clean(path.Join(p.root, dir, id+".json"))
}

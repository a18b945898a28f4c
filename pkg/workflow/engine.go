package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/skein-dev/skein/pkg/models"
	"github.com/skein-dev/skein/pkg/persistence"
	"github.com/skein-dev/skein/pkg/registry"
)

// Engine is the registration and execution front door. Definitions are
// validated once, at registration; a registered workflow is versioned and
// every run executes against a private clone of the current version's DAG,
// so concurrent runs never share node state.
type Engine struct {
	mu          sync.RWMutex
	logger      *slog.Logger
	registry    *registry.Registry
	executor    *Executor
	versions    *VersionManager
	persistence persistence.Persistence
	workflows   map[string]*models.WorkflowDAG
}

// EngineConfig wires the engine's collaborators. Persistence is optional;
// without it the engine is purely in-memory.
type EngineConfig struct {
	Registry    *registry.Registry
	Executor    *Executor
	Persistence persistence.Persistence
}

func NewEngine(logger *slog.Logger, cfg EngineConfig) *Engine {
	return &Engine{
		logger:      logger.With("module", "workflow_engine"),
		registry:    cfg.Registry,
		executor:    cfg.Executor,
		versions:    NewVersionManager(logger),
		persistence: cfg.Persistence,
		workflows:   make(map[string]*models.WorkflowDAG),
	}
}

// Versions exposes the engine's version manager.
func (e *Engine) Versions() *VersionManager {
	return e.versions
}

// RegisterWorkflow validates a definition and makes it the current version.
// Structural problems (cycles, unreachable nodes, missing handlers) fail
// here with a StructuralError and never surface at execution time.
// Re-registering an id appends a new version.
func (e *Engine) RegisterWorkflow(ctx context.Context, dag *models.WorkflowDAG) (*models.WorkflowVersion, error) {
	problems := dag.Validate()

	// Handler bindings are resolvable only with the registry at hand, so the
	// check lives here rather than on the DAG.
	for _, node := range dag.Nodes() {
		if node.HandlerKey != "" && !e.registry.Has(node.HandlerKey) {
			problems = append(problems, fmt.Sprintf("node %q (%s) references unregistered handler %q", node.Name, node.ID, node.HandlerKey))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)

		return nil, &StructuralError{WorkflowName: dag.Name, Problems: problems}
	}

	version, err := e.versions.CreateVersion(dag.ID, dag, "", nil)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.workflows[dag.ID] = version.DAG
	e.mu.Unlock()

	if e.persistence != nil {
		if err := e.persistence.SaveWorkflow(ctx, version.DAG); err != nil {
			return nil, fmt.Errorf("persist workflow %s: %w", dag.ID, err)
		}
	}

	e.logger.InfoContext(ctx, "Registered workflow",
		"workflow_id", dag.ID, "workflow_name", dag.Name, "version", version.VersionNumber)

	return version, nil
}

// Execute runs the current version of a workflow. The run operates on a
// clone, leaving the registered definition untouched and mutable.
func (e *Engine) Execute(ctx context.Context, workflowID string, inputs map[string]any) (*models.ExecutionResult, error) {
	version, err := e.versions.Current(workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
	}

	run := version.DAG.Clone()

	result, err := e.executor.Execute(ctx, run, inputs)
	if err != nil {
		return nil, err
	}

	result.Metadata = map[string]any{
		"version_id":     version.VersionID,
		"version_number": version.VersionNumber,
	}

	if e.persistence != nil {
		if err := e.persistence.SaveExecution(ctx, result); err != nil {
			e.logger.WarnContext(ctx, "Failed to persist execution result",
				"execution_id", result.ExecutionID, "error", err)
		}
	}

	return result, nil
}

// Rollback makes an older version's definition current again via a new
// version, preserving lineage.
func (e *Engine) Rollback(ctx context.Context, workflowID, targetVersionID string) (*models.WorkflowVersion, error) {
	version, err := e.versions.Rollback(workflowID, targetVersionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.workflows[workflowID] = version.DAG
	e.mu.Unlock()

	if e.persistence != nil {
		if err := e.persistence.SaveWorkflow(ctx, version.DAG); err != nil {
			return nil, fmt.Errorf("persist workflow %s: %w", workflowID, err)
		}
	}

	return version, nil
}

// Workflow returns the current definition for an id.
func (e *Engine) Workflow(workflowID string) (*models.WorkflowDAG, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	dag, ok := e.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
	}

	return dag, nil
}

// Workflows lists the registered definitions sorted by name.
func (e *Engine) Workflows() []*models.WorkflowDAG {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*models.WorkflowDAG, 0, len(e.workflows))
	for _, dag := range e.workflows {
		out = append(out, dag)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// DeleteWorkflow archives a definition: the in-memory registration and the
// version history go away, and the persisted document is removed.
func (e *Engine) DeleteWorkflow(ctx context.Context, workflowID string) error {
	e.mu.Lock()

	_, ok := e.workflows[workflowID]

	delete(e.workflows, workflowID)
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
	}

	e.versions.Delete(workflowID)

	if e.persistence != nil {
		if err := e.persistence.DeleteWorkflow(ctx, workflowID); err != nil && !persistence.IsWorkflowNotFound(err) {
			return fmt.Errorf("delete workflow %s: %w", workflowID, err)
		}
	}

	return nil
}

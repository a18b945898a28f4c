// Package persistence provides the storage abstraction for workflow
// definitions and execution results.
package persistence

import (
	"context"

	"github.com/skein-dev/skein/pkg/models"
)

type Persistence interface {
	Workflows(ctx context.Context) ([]*models.WorkflowDAG, error)
	SaveWorkflow(ctx context.Context, dag *models.WorkflowDAG) error
	WorkflowByID(ctx context.Context, id string) (*models.WorkflowDAG, error)
	DeleteWorkflow(ctx context.Context, id string) error

	SaveExecution(ctx context.Context, result *models.ExecutionResult) error
	ExecutionByID(ctx context.Context, id string) (*models.ExecutionResult, error)
	ExecutionsByWorkflow(ctx context.Context, workflowID string) ([]*models.ExecutionResult, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

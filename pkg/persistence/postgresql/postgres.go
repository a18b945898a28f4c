// Package postgresql provides PostgreSQL persistence for workflow
// definitions and execution results.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Registers the postgres driver.
	_ "github.com/lib/pq"
	"github.com/skein-dev/skein/pkg/models"
	"github.com/skein-dev/skein/pkg/persistence"
	"github.com/skein-dev/skein/pkg/persistence/sqlbase"
)

// Persistence implements persistence.Persistence on PostgreSQL. Definitions
// are stored as JSONB documents; deletes are soft so execution history keeps
// its referent.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistence connects, pings and migrates.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())
	if err := migrationManager.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{db: database, logger: logger}, nil
}

func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Workflows returns all non-deleted workflow definitions, newest first.
func (p *Persistence) Workflows(ctx context.Context) ([]*models.WorkflowDAG, error) {
	query := `
		SELECT definition
		FROM workflows
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
	`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &persistence.StorageError{Op: "Workflows", Err: err}
	}

	defer func() {
		if err := rows.Close(); err != nil {
			p.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	workflows := make([]*models.WorkflowDAG, 0)

	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, &persistence.StorageError{Op: "Workflows", Err: err}
		}

		var dag models.WorkflowDAG
		if err := json.Unmarshal(definition, &dag); err != nil {
			return nil, &persistence.StorageError{Op: "Workflows", Err: err}
		}

		workflows = append(workflows, &dag)
	}

	if err := rows.Err(); err != nil {
		return nil, &persistence.StorageError{Op: "Workflows", Err: err}
	}

	return workflows, nil
}

// SaveWorkflow upserts the definition document.
func (p *Persistence) SaveWorkflow(ctx context.Context, dag *models.WorkflowDAG) error {
	definition, err := json.Marshal(dag)
	if err != nil {
		return &persistence.StorageError{Op: "SaveWorkflow", ID: dag.ID, Err: err}
	}

	now := time.Now().UTC()

	createdAt := dag.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO workflows (id, name, definition, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, NULL)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at,
			deleted_at = NULL
	`

	if _, err := p.db.ExecContext(ctx, query, dag.ID, dag.Name, definition, createdAt, now); err != nil {
		return &persistence.StorageError{Op: "SaveWorkflow", ID: dag.ID, Err: err}
	}

	return nil
}

func (p *Persistence) WorkflowByID(ctx context.Context, id string) (*models.WorkflowDAG, error) {
	query := `
		SELECT definition
		FROM workflows
		WHERE id = $1 AND deleted_at IS NULL
	`

	var definition []byte

	err := p.db.QueryRowContext(ctx, query, id).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &persistence.StorageError{Op: "WorkflowByID", ID: id, Err: persistence.ErrWorkflowNotFound}
	}

	if err != nil {
		return nil, &persistence.StorageError{Op: "WorkflowByID", ID: id, Err: err}
	}

	var dag models.WorkflowDAG
	if err := json.Unmarshal(definition, &dag); err != nil {
		return nil, &persistence.StorageError{Op: "WorkflowByID", ID: id, Err: err}
	}

	return &dag, nil
}

// DeleteWorkflow soft deletes by setting deleted_at.
func (p *Persistence) DeleteWorkflow(ctx context.Context, id string) error {
	query := `
		UPDATE workflows
		SET deleted_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return &persistence.StorageError{Op: "DeleteWorkflow", ID: id, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &persistence.StorageError{Op: "DeleteWorkflow", ID: id, Err: err}
	}

	if affected == 0 {
		return &persistence.StorageError{Op: "DeleteWorkflow", ID: id, Err: persistence.ErrWorkflowNotFound}
	}

	return nil
}

func (p *Persistence) SaveExecution(ctx context.Context, result *models.ExecutionResult) error {
	document, err := json.Marshal(result)
	if err != nil {
		return &persistence.StorageError{Op: "SaveExecution", ID: result.ExecutionID, Err: err}
	}

	query := `
		INSERT INTO executions (id, workflow_id, status, duration_seconds, result)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			duration_seconds = EXCLUDED.duration_seconds,
			result = EXCLUDED.result
	`

	_, err = p.db.ExecContext(ctx, query,
		result.ExecutionID, result.WorkflowID, string(result.Status), result.DurationSeconds, document)
	if err != nil {
		return &persistence.StorageError{Op: "SaveExecution", ID: result.ExecutionID, Err: err}
	}

	return nil
}

func (p *Persistence) ExecutionByID(ctx context.Context, id string) (*models.ExecutionResult, error) {
	query := `SELECT result FROM executions WHERE id = $1`

	var document []byte

	err := p.db.QueryRowContext(ctx, query, id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &persistence.StorageError{Op: "ExecutionByID", ID: id, Err: persistence.ErrExecutionNotFound}
	}

	if err != nil {
		return nil, &persistence.StorageError{Op: "ExecutionByID", ID: id, Err: err}
	}

	var result models.ExecutionResult
	if err := json.Unmarshal(document, &result); err != nil {
		return nil, &persistence.StorageError{Op: "ExecutionByID", ID: id, Err: err}
	}

	return &result, nil
}

func (p *Persistence) ExecutionsByWorkflow(ctx context.Context, workflowID string) ([]*models.ExecutionResult, error) {
	query := `
		SELECT result
		FROM executions
		WHERE workflow_id = $1
		ORDER BY created_at DESC
	`

	rows, err := p.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, &persistence.StorageError{Op: "ExecutionsByWorkflow", ID: workflowID, Err: err}
	}

	defer func() {
		if err := rows.Close(); err != nil {
			p.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	results := make([]*models.ExecutionResult, 0)

	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, &persistence.StorageError{Op: "ExecutionsByWorkflow", ID: workflowID, Err: err}
		}

		var result models.ExecutionResult
		if err := json.Unmarshal(document, &result); err != nil {
			return nil, &persistence.StorageError{Op: "ExecutionsByWorkflow", ID: workflowID, Err: err}
		}

		results = append(results, &result)
	}

	if err := rows.Err(); err != nil {
		return nil, &persistence.StorageError{Op: "ExecutionsByWorkflow", ID: workflowID, Err: err}
	}

	return results, nil
}

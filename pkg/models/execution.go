package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the terminal state of one workflow run. Partial is a
// first-class terminal state: some nodes completed while others failed or
// never became ready. It is never coerced to completed.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusPartial   ExecutionStatus = "partial"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// ExecutionContext is the mutable state of one run. It is owned by a single
// executor and never shared across concurrent runs, so it needs no locking
// of its own; the executor serializes updates between node batches.
type ExecutionContext struct {
	ID             string                    `json:"id"`
	WorkflowID     string                    `json:"workflow_id"`
	Inputs         map[string]any            `json:"inputs,omitempty"`
	Outputs        map[string]any            `json:"outputs,omitempty"`
	Variables      map[string]any            `json:"variables,omitempty"`
	NodeOutputs    map[string]map[string]any `json:"node_outputs,omitempty"`
	CompletedNodes map[string]bool           `json:"completed_nodes"`
	FailedNodes    map[string]bool           `json:"failed_nodes"`
	SkippedNodes   map[string]bool           `json:"skipped_nodes"`
	Status         ExecutionStatus           `json:"status"`
	StartedAt      time.Time                 `json:"started_at"`
	FinishedAt     *time.Time                `json:"finished_at,omitempty"`
}

// NewExecutionContext builds a running context for a workflow.
func NewExecutionContext(workflowID string, inputs, variables map[string]any) *ExecutionContext {
	if inputs == nil {
		inputs = make(map[string]any)
	}

	if variables == nil {
		variables = make(map[string]any)
	}

	return &ExecutionContext{
		ID:             "exec-" + uuid.New().String(),
		WorkflowID:     workflowID,
		Inputs:         inputs,
		Outputs:        make(map[string]any),
		Variables:      variables,
		NodeOutputs:    make(map[string]map[string]any),
		CompletedNodes: make(map[string]bool),
		FailedNodes:    make(map[string]bool),
		SkippedNodes:   make(map[string]bool),
		Status:         ExecutionStatusRunning,
		StartedAt:      time.Now().UTC(),
	}
}

// Resolved returns the union of completed and skipped node ids. Skipped
// dependencies satisfy downstream readiness so a skipped branch cannot
// strand its join node.
func (c *ExecutionContext) Resolved() map[string]bool {
	resolved := make(map[string]bool, len(c.CompletedNodes)+len(c.SkippedNodes))

	for id := range c.CompletedNodes {
		resolved[id] = true
	}

	for id := range c.SkippedNodes {
		resolved[id] = true
	}

	return resolved
}

// ExecutionResult is the persisted summary of one run.
type ExecutionResult struct {
	ExecutionID     string                `json:"execution_id"`
	WorkflowID      string                `json:"workflow_id"`
	Status          ExecutionStatus       `json:"status"`
	Outputs         map[string]any        `json:"outputs,omitempty"`
	Errors          []string              `json:"errors,omitempty"`
	PendingNodes    []string              `json:"pending_nodes,omitempty"`
	DurationSeconds float64               `json:"duration_seconds"`
	NodeResults     map[string]NodeResult `json:"node_results"`
	Metadata        map[string]any        `json:"metadata,omitempty"`
}

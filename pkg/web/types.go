// Package web provides the HTTP surface for workflow management and
// execution.
package web

// ExecuteWorkflowRequest is the body for triggering a run.
type ExecuteWorkflowRequest struct {
	Inputs map[string]any `json:"inputs"`
}

// RollbackRequest points at the version to restore.
type RollbackRequest struct {
	VersionID string `json:"version_id" validate:"required"`
}

// TemplateWorkflowRequest instantiates a registered template.
type TemplateWorkflowRequest struct {
	TemplateID string         `json:"template_id" validate:"required"`
	Parameters map[string]any `json:"parameters"`
}

// ValidationResponse reports the structural problems of a definition; an
// empty list means the workflow is executable.
type ValidationResponse struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems"`
}

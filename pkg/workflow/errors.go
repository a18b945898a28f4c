package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrWorkflowNotFound indicates the workflow id is not registered with the engine.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrVersionNotFound indicates the requested version does not exist.
var ErrVersionNotFound = errors.New("version not found")

// StructuralError reports definition problems found at registration time.
// Structural problems are never raised during execution.
type StructuralError struct {
	WorkflowName string
	Problems     []string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("workflow %q has %d structural problem(s): %s",
		e.WorkflowName, len(e.Problems), strings.Join(e.Problems, "; "))
}

// NodeExecutionError wraps a handler failure after the retry policy is
// exhausted (or when the error class is non-retryable).
type NodeExecutionError struct {
	NodeID     string
	NodeName   string
	RetryCount int
	Err        error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q (%s) failed after %d retries: %v", e.NodeName, e.NodeID, e.RetryCount, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

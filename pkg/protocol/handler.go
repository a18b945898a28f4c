// Package protocol defines the capability interfaces at the boundary between
// the engine and the task implementations it invokes. The engine never
// inspects handler internals; it only observes returned outputs or errors.
package protocol

import (
	"context"

	"github.com/skein-dev/skein/pkg/models"
)

// TaskHandler is the contract for a unit of work bound to a node or job.
// Implementations may block: the executor and scheduler always invoke
// handlers off their dispatch loops.
type TaskHandler interface {
	Execute(ctx context.Context, inputs map[string]any, ectx *models.ExecutionContext) (map[string]any, error)
}

// HandlerFunc adapts a plain function to TaskHandler.
type HandlerFunc func(ctx context.Context, inputs map[string]any, ectx *models.ExecutionContext) (map[string]any, error)

func (f HandlerFunc) Execute(ctx context.Context, inputs map[string]any, ectx *models.ExecutionContext) (map[string]any, error) {
	return f(ctx, inputs, ectx)
}

package handlers

import (
	"context"
	"fmt"

	"github.com/skein-dev/skein/pkg/expressions"
	"github.com/skein-dev/skein/pkg/models"
	"github.com/skein-dev/skein/pkg/protocol"
)

// TransformHandler evaluates an expression over the execution state and
// returns the result under "result". The expression sees the node inputs as
// top-level variables plus "inputs", "variables" and "nodes" (prior node
// outputs keyed by node id).
type TransformHandler struct {
	engine *expressions.Engine
}

func NewTransformHandler() *TransformHandler {
	return &TransformHandler{engine: expressions.NewEngine()}
}

func (h *TransformHandler) Execute(_ context.Context, inputs map[string]any, ectx *models.ExecutionContext) (map[string]any, error) {
	expression, _ := inputs["expression"].(string)
	if expression == "" {
		return nil, fmt.Errorf("transform: %w", expressions.ErrEmptyExpression)
	}

	env := make(map[string]any, len(inputs)+3)
	for key, value := range inputs {
		env[key] = value
	}

	env["inputs"] = ectx.Inputs
	env["variables"] = ectx.Variables
	env["nodes"] = nodeOutputsEnv(ectx)

	result, err := h.engine.Evaluate(expression, env)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}

	return map[string]any{"result": result}, nil
}

func nodeOutputsEnv(ectx *models.ExecutionContext) map[string]any {
	outputs := make(map[string]any, len(ectx.NodeOutputs))
	for id, out := range ectx.NodeOutputs {
		outputs[id] = out
	}

	return outputs
}

var _ protocol.TaskHandler = (*TransformHandler)(nil)

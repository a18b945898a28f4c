package template

import (
	"fmt"

	"github.com/skein-dev/skein/pkg/models"
)

func builtinTemplates() []*Template {
	return []*Template{
		pipelineTemplate(),
		fanOutTemplate(),
		conditionalTemplate(),
		retryBatchTemplate(),
	}
}

// pipelineTemplate chains the given handler keys sequentially between the
// start and end sentinels.
func pipelineTemplate() *Template {
	return &Template{
		ID:          "sequential_pipeline",
		Name:        "Sequential Pipeline",
		Description: "Runs a list of handlers one after another.",
		Parameters: []Parameter{
			{Name: "name", Type: "string", Required: true, Description: "Workflow name"},
			{Name: "steps", Type: "array", Required: true, Description: "Handler keys executed in order"},
			{Name: "max_retries", Type: "number", Default: float64(0)},
		},
		Build: func(params map[string]any) (*models.WorkflowDAG, error) {
			steps, err := stringSlice(params["steps"])
			if err != nil {
				return nil, fmt.Errorf("steps: %w", err)
			}

			if len(steps) == 0 {
				return nil, fmt.Errorf("steps must not be empty")
			}

			dag := models.NewWorkflowDAG(params["name"].(string))
			retries := intParam(params, "max_retries", 0)

			previous := dag.StartNodeID

			for i, handler := range steps {
				node := models.NewWorkflowNode(fmt.Sprintf("step-%d", i+1), handler, models.NodeTypeTask)
				node.HandlerKey = handler
				node.Metadata.MaxRetries = retries

				if _, err := dag.AddNode(node); err != nil {
					return nil, err
				}

				if err := dag.AddEdge(previous, node.ID, nil); err != nil {
					return nil, err
				}

				previous = node.ID
			}

			if err := dag.AddEdge(previous, dag.EndNodeID, nil); err != nil {
				return nil, err
			}

			return dag, nil
		},
	}
}

// fanOutTemplate runs the given branches in parallel between a fork and a
// join node.
func fanOutTemplate() *Template {
	return &Template{
		ID:          "fan_out_fan_in",
		Name:        "Fan-out / Fan-in",
		Description: "Forks into parallel branches and joins the results.",
		Parameters: []Parameter{
			{Name: "name", Type: "string", Required: true},
			{Name: "branches", Type: "array", Required: true, Description: "Handler keys executed in parallel"},
			{Name: "join_handler", Type: "string", Required: false, Description: "Optional handler run after the join"},
		},
		Build: func(params map[string]any) (*models.WorkflowDAG, error) {
			branches, err := stringSlice(params["branches"])
			if err != nil {
				return nil, fmt.Errorf("branches: %w", err)
			}

			if len(branches) < 2 {
				return nil, fmt.Errorf("fan-out needs at least two branches")
			}

			dag := models.NewWorkflowDAG(params["name"].(string))

			fork := models.NewWorkflowNode("fork", "Fork", models.NodeTypeFork)
			join := models.NewWorkflowNode("join", "Join", models.NodeTypeJoin)

			if _, err := dag.AddNode(fork); err != nil {
				return nil, err
			}

			if _, err := dag.AddNode(join); err != nil {
				return nil, err
			}

			if err := dag.AddEdge(dag.StartNodeID, fork.ID, nil); err != nil {
				return nil, err
			}

			for i, handler := range branches {
				node := models.NewWorkflowNode(fmt.Sprintf("branch-%d", i+1), handler, models.NodeTypeTask)
				node.HandlerKey = handler

				if _, err := dag.AddNode(node); err != nil {
					return nil, err
				}

				if err := dag.AddEdge(fork.ID, node.ID, nil); err != nil {
					return nil, err
				}

				if err := dag.AddEdge(node.ID, join.ID, nil); err != nil {
					return nil, err
				}
			}

			tail := join.ID

			if handler, ok := params["join_handler"].(string); ok && handler != "" {
				merge := models.NewWorkflowNode("merge", handler, models.NodeTypeTask)
				merge.HandlerKey = handler

				if _, err := dag.AddNode(merge); err != nil {
					return nil, err
				}

				if err := dag.AddEdge(join.ID, merge.ID, nil); err != nil {
					return nil, err
				}

				tail = merge.ID
			}

			if err := dag.AddEdge(tail, dag.EndNodeID, nil); err != nil {
				return nil, err
			}

			return dag, nil
		},
	}
}

// conditionalTemplate branches on an expression and runs one of two handlers.
func conditionalTemplate() *Template {
	return &Template{
		ID:          "conditional_branch",
		Name:        "Conditional Branch",
		Description: "Evaluates an expression and runs the matching branch.",
		Parameters: []Parameter{
			{Name: "name", Type: "string", Required: true},
			{Name: "expression", Type: "string", Required: true, Description: "Boolean expression over inputs/variables/outputs"},
			{Name: "true_handler", Type: "string", Required: true},
			{Name: "false_handler", Type: "string", Required: true},
		},
		Build: func(params map[string]any) (*models.WorkflowDAG, error) {
			dag := models.NewWorkflowDAG(params["name"].(string))

			onTrue := models.NewWorkflowNode("on-true", params["true_handler"].(string), models.NodeTypeTask)
			onTrue.HandlerKey = params["true_handler"].(string)

			onFalse := models.NewWorkflowNode("on-false", params["false_handler"].(string), models.NodeTypeTask)
			onFalse.HandlerKey = params["false_handler"].(string)

			decision := models.NewWorkflowNode("decision", "Decision", models.NodeTypeCondition)
			decision.Condition = &models.NodeCondition{
				Expression:  params["expression"].(string),
				TrueTarget:  onTrue.ID,
				FalseTarget: onFalse.ID,
			}

			for _, node := range []*models.WorkflowNode{decision, onTrue, onFalse} {
				if _, err := dag.AddNode(node); err != nil {
					return nil, err
				}
			}

			edges := [][2]string{
				{dag.StartNodeID, decision.ID},
				{decision.ID, onTrue.ID},
				{decision.ID, onFalse.ID},
				{onTrue.ID, dag.EndNodeID},
				{onFalse.ID, dag.EndNodeID},
			}

			for _, e := range edges {
				if err := dag.AddEdge(e[0], e[1], nil); err != nil {
					return nil, err
				}
			}

			return dag, nil
		},
	}
}

// retryBatchTemplate runs one handler over a fixed number of parallel slots,
// each slot carrying its own retry budget.
func retryBatchTemplate() *Template {
	return &Template{
		ID:          "retry_batch",
		Name:        "Retry Batch",
		Description: "Runs a handler across parallel slots with retries.",
		Parameters: []Parameter{
			{Name: "name", Type: "string", Required: true},
			{Name: "handler", Type: "string", Required: true},
			{Name: "slots", Type: "number", Default: float64(3)},
			{Name: "max_retries", Type: "number", Default: float64(2)},
		},
		Build: func(params map[string]any) (*models.WorkflowDAG, error) {
			slots := intParam(params, "slots", 3)
			if slots < 1 {
				return nil, fmt.Errorf("slots must be positive")
			}

			dag := models.NewWorkflowDAG(params["name"].(string))
			handler := params["handler"].(string)
			retries := intParam(params, "max_retries", 2)

			join := models.NewWorkflowNode("collect", "Collect", models.NodeTypeJoin)
			if _, err := dag.AddNode(join); err != nil {
				return nil, err
			}

			for i := 0; i < slots; i++ {
				node := models.NewWorkflowNode(fmt.Sprintf("slot-%d", i+1), handler, models.NodeTypeTask)
				node.HandlerKey = handler
				node.Metadata.MaxRetries = retries
				node.Config["slot"] = i

				if _, err := dag.AddNode(node); err != nil {
					return nil, err
				}

				if err := dag.AddEdge(dag.StartNodeID, node.ID, nil); err != nil {
					return nil, err
				}

				if err := dag.AddEdge(node.ID, join.ID, nil); err != nil {
					return nil, err
				}
			}

			if err := dag.AddEdge(join.ID, dag.EndNodeID, nil); err != nil {
				return nil, err
			}

			return dag, nil
		},
	}
}

func stringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]string); ok {
			return typed, nil
		}

		return nil, fmt.Errorf("expected array of strings, got %T", v)
	}

	out := make([]string, 0, len(raw))

	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string element, got %T", item)
		}

		out = append(out, s)
	}

	return out, nil
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

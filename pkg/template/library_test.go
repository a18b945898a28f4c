package template

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/models"
)

func TestNewLibrary_BuiltinsRegistered(t *testing.T) {
	lib := NewLibrary(slog.Default())

	ids := make([]string, 0)
	for _, tpl := range lib.List() {
		ids = append(ids, tpl.ID)
	}

	assert.Equal(t, []string{"conditional_branch", "fan_out_fan_in", "retry_batch", "sequential_pipeline"}, ids)
}

func TestGet_Unknown(t *testing.T) {
	lib := NewLibrary(slog.Default())

	_, err := lib.Get("nope")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestBuildWorkflow_MissingRequiredParameter(t *testing.T) {
	lib := NewLibrary(slog.Default())

	_, err := lib.BuildWorkflow("sequential_pipeline", map[string]any{"name": "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps")
}

func TestBuildWorkflow_WrongParameterType(t *testing.T) {
	lib := NewLibrary(slog.Default())

	_, err := lib.BuildWorkflow("sequential_pipeline", map[string]any{
		"name":  "p",
		"steps": "not-an-array",
	})
	require.Error(t, err)
}

func TestBuildWorkflow_SequentialPipeline(t *testing.T) {
	lib := NewLibrary(slog.Default())

	dag, err := lib.BuildWorkflow("sequential_pipeline", map[string]any{
		"name":        "etl",
		"steps":       []any{"extract", "transform", "load"},
		"max_retries": float64(2),
	})
	require.NoError(t, err)

	assert.Equal(t, "etl", dag.Name)
	assert.Empty(t, dag.Validate())
	assert.Len(t, dag.Nodes(), 5)

	generations, err := dag.ExecutionOrder()
	require.NoError(t, err)
	assert.Len(t, generations, 5)

	assert.Equal(t, "extract", dag.GetNode("step-1").HandlerKey)
	assert.Equal(t, 2, dag.GetNode("step-1").Metadata.MaxRetries)
}

func TestBuildWorkflow_FanOutFanIn(t *testing.T) {
	lib := NewLibrary(slog.Default())

	dag, err := lib.BuildWorkflow("fan_out_fan_in", map[string]any{
		"name":         "parallel",
		"branches":     []any{"left", "right", "middle"},
		"join_handler": "merge",
	})
	require.NoError(t, err)

	assert.Empty(t, dag.Validate())

	// Branches all sit in one generation between fork and join.
	generations, err := dag.ExecutionOrder()
	require.NoError(t, err)
	require.Len(t, generations, 6)
	assert.Equal(t, []string{"branch-1", "branch-2", "branch-3"}, generations[2])
	assert.Equal(t, models.NodeTypeJoin, dag.GetNode("join").Type)
	assert.Equal(t, "merge", dag.GetNode("merge").HandlerKey)
}

func TestBuildWorkflow_FanOutNeedsTwoBranches(t *testing.T) {
	lib := NewLibrary(slog.Default())

	_, err := lib.BuildWorkflow("fan_out_fan_in", map[string]any{
		"name":     "narrow",
		"branches": []any{"only"},
	})
	require.Error(t, err)
}

func TestBuildWorkflow_ConditionalBranch(t *testing.T) {
	lib := NewLibrary(slog.Default())

	dag, err := lib.BuildWorkflow("conditional_branch", map[string]any{
		"name":          "router",
		"expression":    "inputs.amount > 100",
		"true_handler":  "expensive",
		"false_handler": "cheap",
	})
	require.NoError(t, err)

	assert.Empty(t, dag.Validate())

	decision := dag.GetNode("decision")
	require.NotNil(t, decision.Condition)
	assert.Equal(t, "on-true", decision.Condition.TrueTarget)
	assert.Equal(t, "on-false", decision.Condition.FalseTarget)
}

func TestBuildWorkflow_RetryBatchDefaults(t *testing.T) {
	lib := NewLibrary(slog.Default())

	dag, err := lib.BuildWorkflow("retry_batch", map[string]any{
		"name":    "batchy",
		"handler": "work",
	})
	require.NoError(t, err)

	assert.Empty(t, dag.Validate())
	// start, end, collect and the default three slots.
	assert.Len(t, dag.Nodes(), 6)
	assert.Equal(t, 2, dag.GetNode("slot-1").Metadata.MaxRetries)
}

func TestRegister_CustomTemplate(t *testing.T) {
	lib := NewLibrary(slog.Default())

	lib.Register(&Template{
		ID:   "custom",
		Name: "Custom",
		Parameters: []Parameter{
			{Name: "name", Type: "string", Required: true},
		},
		Build: func(params map[string]any) (*models.WorkflowDAG, error) {
			return models.NewWorkflowDAG(params["name"].(string)), nil
		},
	})

	dag, err := lib.BuildWorkflow("custom", map[string]any{"name": "mine"})
	require.NoError(t, err)
	assert.Equal(t, "mine", dag.Name)
}

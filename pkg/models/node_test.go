package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWorkflowNode_Defaults(t *testing.T) {
	node := NewWorkflowNode("n1", "Fetch", NodeTypeTask)

	assert.Equal(t, "n1", node.ID)
	assert.Equal(t, NodeStatusPending, node.Status)
	assert.NotNil(t, node.Dependencies)
	assert.NotNil(t, node.Dependents)
	assert.NotNil(t, node.Config)
	assert.False(t, node.CreatedAt.IsZero())
}

func TestWorkflowNode_IsTerminal(t *testing.T) {
	node := NewWorkflowNode("n1", "Fetch", NodeTypeTask)

	terminal := []NodeStatus{NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped, NodeStatusCancelled}
	for _, status := range terminal {
		node.Status = status
		assert.True(t, node.IsTerminal(), "status %s", status)
	}

	active := []NodeStatus{NodeStatusPending, NodeStatusReady, NodeStatusRunning, NodeStatusRetry}
	for _, status := range active {
		node.Status = status
		assert.False(t, node.IsTerminal(), "status %s", status)
	}
}

func TestWorkflowNode_IsStructural(t *testing.T) {
	structural := []NodeType{NodeTypeStart, NodeTypeEnd, NodeTypeFork, NodeTypeJoin, NodeTypeParallel}
	for _, nodeType := range structural {
		node := NewWorkflowNode("n", "N", nodeType)
		assert.True(t, node.IsStructural(), "type %s", nodeType)
	}

	work := []NodeType{NodeTypeTask, NodeTypeCondition, NodeTypeLoop, NodeTypeWait, NodeTypeSubworkflow}
	for _, nodeType := range work {
		node := NewWorkflowNode("n", "N", nodeType)
		assert.False(t, node.IsStructural(), "type %s", nodeType)
	}
}

func TestWorkflowNode_CloneIsDeep(t *testing.T) {
	node := NewWorkflowNode("n1", "Fetch", NodeTypeTask)
	node.Dependencies["up"] = true
	node.Config["url"] = "https://example.com"
	node.Condition = &NodeCondition{Expression: "x > 1"}
	node.Metadata.ResourceRequirements = map[string]float64{"cpu": 2}
	node.Outputs = map[string]any{"result": 42}

	clone := node.Clone()

	clone.Dependencies["other"] = true
	clone.Config["url"] = "changed"
	clone.Condition.Expression = "changed"
	clone.Metadata.ResourceRequirements["cpu"] = 8
	clone.Outputs["result"] = 0

	assert.False(t, node.Dependencies["other"])
	assert.Equal(t, "https://example.com", node.Config["url"])
	assert.Equal(t, "x > 1", node.Condition.Expression)
	assert.Equal(t, float64(2), node.Metadata.ResourceRequirements["cpu"])
	assert.Equal(t, 42, node.Outputs["result"])
}

func TestExecutionContext_Resolved(t *testing.T) {
	ectx := NewExecutionContext("wf1", nil, nil)
	ectx.CompletedNodes["a"] = true
	ectx.SkippedNodes["b"] = true
	ectx.FailedNodes["c"] = true

	resolved := ectx.Resolved()

	assert.True(t, resolved["a"])
	assert.True(t, resolved["b"])
	assert.False(t, resolved["c"])
}

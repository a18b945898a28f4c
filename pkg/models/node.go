// Package models defines the core domain models for DAG-based workflow execution.
package models

import (
	"time"
)

// NodeType classifies what a node contributes to the graph. Structural types
// (start, end, fork, join, parallel) carry no work of their own.
type NodeType string

const (
	NodeTypeStart         NodeType = "start"
	NodeTypeEnd           NodeType = "end"
	NodeTypeTask          NodeType = "task"
	NodeTypeCondition     NodeType = "condition"
	NodeTypeParallel      NodeType = "parallel"
	NodeTypeFork          NodeType = "fork"
	NodeTypeJoin          NodeType = "join"
	NodeTypeSubworkflow   NodeType = "subworkflow"
	NodeTypeLoop          NodeType = "loop"
	NodeTypeWait          NodeType = "wait"
	NodeTypeWebhook       NodeType = "webhook"
	NodeTypeHumanApproval NodeType = "human_approval"
)

// NodeStatus defines the lifecycle states of a node within one execution run.
// Transitions move strictly PENDING→READY→RUNNING→{COMPLETED|FAILED|SKIPPED|
// RETRY→RUNNING}; RUNNING is entered only once every dependency is resolved.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusReady     NodeStatus = "ready"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusRetry     NodeStatus = "retry"
	NodeStatusCancelled NodeStatus = "cancelled"
)

// NodeCondition is a boolean expression attached to a condition node or an
// edge. Expressions are evaluated by the expressions engine against the run's
// inputs, variables and upstream node outputs.
type NodeCondition struct {
	Expression  string `json:"expression"             validate:"required"`
	TrueTarget  string `json:"true_target,omitempty"`
	FalseTarget string `json:"false_target,omitempty"`
}

// NodeMetadata carries per-node execution tuning.
type NodeMetadata struct {
	Priority             int                `json:"priority"`
	TimeoutSeconds       float64            `json:"timeout_seconds,omitempty"`
	MaxRetries           int                `json:"max_retries"`
	RetryDelaySeconds    float64            `json:"retry_delay_seconds,omitempty"`
	ResourceRequirements map[string]float64 `json:"resource_requirements,omitempty"`
}

// WorkflowNode is one unit of work in a workflow DAG. Dependencies and
// dependents hold node ids only; the owning DAG's node map is the single
// arena, so there are no pointer cycles and the graph serializes cleanly.
type WorkflowNode struct {
	ID           string          `json:"id"           validate:"required"`
	Name         string          `json:"name"         validate:"required,min=1"`
	Type         NodeType        `json:"type"         validate:"required"`
	Status       NodeStatus      `json:"status"`
	Dependencies map[string]bool `json:"dependencies"`
	Dependents   map[string]bool `json:"dependents"`
	HandlerKey   string          `json:"handler_key,omitempty"`
	Config       map[string]any  `json:"config,omitempty"`
	Condition    *NodeCondition  `json:"condition,omitempty"`
	Metadata     NodeMetadata    `json:"metadata"`
	Outputs      map[string]any  `json:"outputs,omitempty"`
	Error        string          `json:"error,omitempty"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// NewWorkflowNode builds a pending node with empty dependency sets.
func NewWorkflowNode(id, name string, nodeType NodeType) *WorkflowNode {
	return &WorkflowNode{
		ID:           id,
		Name:         name,
		Type:         nodeType,
		Status:       NodeStatusPending,
		Dependencies: make(map[string]bool),
		Dependents:   make(map[string]bool),
		Config:       make(map[string]any),
		CreatedAt:    time.Now().UTC(),
	}
}

// IsTerminal reports whether the node reached a final status for this run.
func (n *WorkflowNode) IsTerminal() bool {
	switch n.Status {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// IsStructural reports whether the node is a graph marker with no handler work.
func (n *WorkflowNode) IsStructural() bool {
	switch n.Type {
	case NodeTypeStart, NodeTypeEnd, NodeTypeFork, NodeTypeJoin, NodeTypeParallel:
		return true
	default:
		return false
	}
}

// Clone deep-copies the node. Handler keys are copied as-is: handler
// implementations are shared through the registry, never owned by a node.
func (n *WorkflowNode) Clone() *WorkflowNode {
	clone := *n

	clone.Dependencies = make(map[string]bool, len(n.Dependencies))
	for id := range n.Dependencies {
		clone.Dependencies[id] = true
	}

	clone.Dependents = make(map[string]bool, len(n.Dependents))
	for id := range n.Dependents {
		clone.Dependents[id] = true
	}

	clone.Config = make(map[string]any, len(n.Config))
	for k, v := range n.Config {
		clone.Config[k] = v
	}

	if n.Condition != nil {
		cond := *n.Condition
		clone.Condition = &cond
	}

	if n.Metadata.ResourceRequirements != nil {
		clone.Metadata.ResourceRequirements = make(map[string]float64, len(n.Metadata.ResourceRequirements))
		for k, v := range n.Metadata.ResourceRequirements {
			clone.Metadata.ResourceRequirements[k] = v
		}
	}

	if n.Outputs != nil {
		clone.Outputs = make(map[string]any, len(n.Outputs))
		for k, v := range n.Outputs {
			clone.Outputs[k] = v
		}
	}

	return &clone
}

// NodeResult is the per-node record surfaced in execution results.
type NodeResult struct {
	NodeID      string         `json:"node_id"`
	Status      NodeStatus     `json:"status"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	DurationMs  int64          `json:"duration_ms"`
	CompletedAt time.Time      `json:"completed_at"`
}

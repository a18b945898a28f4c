package models

import "errors"

// Structural errors are raised while a DAG is being built or registered,
// never during execution.
var (
	// ErrCycle indicates an edge insertion would make the graph cyclic.
	ErrCycle = errors.New("edge would create a cycle")

	// ErrDAGLocked indicates a structural mutation was attempted while an
	// executor is iterating the DAG.
	ErrDAGLocked = errors.New("dag is locked for execution")

	// ErrNodeNotFound indicates a referenced node id is not in the DAG.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode indicates a node with the same id already exists.
	ErrDuplicateNode = errors.New("node already exists")

	// ErrDuplicateEdge indicates the edge already exists.
	ErrDuplicateEdge = errors.New("edge already exists")

	// ErrSentinelNode indicates an attempt to remove the start or end sentinel.
	ErrSentinelNode = errors.New("cannot remove sentinel node")
)

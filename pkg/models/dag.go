package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Edge is a directed dependency between two nodes. An optional condition
// gates traversal during execution.
type Edge struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Condition *NodeCondition `json:"condition,omitempty"`
}

// WorkflowDAG owns the node arena and the edge set of one workflow
// definition. Nodes reference each other by id only. The graph is guaranteed
// acyclic after every accepted mutation; a mutation that would violate
// acyclicity is rolled back before the error is returned.
//
// A DAG must not be structurally mutated while an executor iterates it:
// BeginExecution marks the definition frozen and mutators fail with
// ErrDAGLocked until EndExecution. Clone a running definition to modify it.
type WorkflowDAG struct {
	ID          string         `json:"id"`
	Name        string         `json:"name" validate:"required,min=1"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	StartNodeID string         `json:"start_node_id"`
	EndNodeID   string         `json:"end_node_id"`
	CreatedAt   time.Time      `json:"created_at"`

	mu     sync.RWMutex
	nodes  map[string]*WorkflowNode
	edges  map[string]map[string]*NodeCondition // from -> to -> optional condition
	frozen bool
}

// NewWorkflowDAG creates an empty DAG with auto-created start and end
// sentinels.
func NewWorkflowDAG(name string) *WorkflowDAG {
	d := &WorkflowDAG{
		ID:        uuid.New().String(),
		Name:      name,
		Metadata:  make(map[string]any),
		CreatedAt: time.Now().UTC(),
		nodes:     make(map[string]*WorkflowNode),
		edges:     make(map[string]map[string]*NodeCondition),
	}

	start := NewWorkflowNode("start", "Start", NodeTypeStart)
	end := NewWorkflowNode("end", "End", NodeTypeEnd)
	d.nodes[start.ID] = start
	d.nodes[end.ID] = end
	d.StartNodeID = start.ID
	d.EndNodeID = end.ID

	return d
}

// BeginExecution freezes the definition for the duration of a run.
func (d *WorkflowDAG) BeginExecution() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frozen {
		return ErrDAGLocked
	}

	d.frozen = true

	return nil
}

// EndExecution releases the structural freeze.
func (d *WorkflowDAG) EndExecution() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.frozen = false
}

// AddNode inserts a node into the arena and returns its id.
func (d *WorkflowDAG) AddNode(node *WorkflowNode) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frozen {
		return "", ErrDAGLocked
	}

	if node.ID == "" {
		node.ID = uuid.New().String()
	}

	if _, exists := d.nodes[node.ID]; exists {
		return "", fmt.Errorf("node %q: %w", node.ID, ErrDuplicateNode)
	}

	if node.Dependencies == nil {
		node.Dependencies = make(map[string]bool)
	}

	if node.Dependents == nil {
		node.Dependents = make(map[string]bool)
	}

	d.nodes[node.ID] = node

	return node.ID, nil
}

// AddEdge inserts a directed edge. If the edge would create a cycle it is
// removed again and ErrCycle is returned, leaving the graph exactly as it
// was. The cycle check is a full reachability walk, not a heuristic.
func (d *WorkflowDAG) AddEdge(from, to string, condition *NodeCondition) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frozen {
		return ErrDAGLocked
	}

	fromNode, ok := d.nodes[from]
	if !ok {
		return fmt.Errorf("edge source %q: %w", from, ErrNodeNotFound)
	}

	toNode, ok := d.nodes[to]
	if !ok {
		return fmt.Errorf("edge target %q: %w", to, ErrNodeNotFound)
	}

	if _, exists := d.edges[from][to]; exists {
		return fmt.Errorf("edge %s->%s: %w", from, to, ErrDuplicateEdge)
	}

	if d.edges[from] == nil {
		d.edges[from] = make(map[string]*NodeCondition)
	}

	d.edges[from][to] = condition
	toNode.Dependencies[from] = true
	fromNode.Dependents[to] = true

	if d.hasCycleLocked() {
		delete(d.edges[from], to)
		delete(toNode.Dependencies, from)
		delete(fromNode.Dependents, to)

		return fmt.Errorf("edge %s->%s: %w", from, to, ErrCycle)
	}

	return nil
}

// RemoveNode deletes a node and cascades cleanup of every edge and
// dependency/dependent set referencing it. Sentinels cannot be removed.
func (d *WorkflowDAG) RemoveNode(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frozen {
		return ErrDAGLocked
	}

	if id == d.StartNodeID || id == d.EndNodeID {
		return fmt.Errorf("node %q: %w", id, ErrSentinelNode)
	}

	node, ok := d.nodes[id]
	if !ok {
		return fmt.Errorf("node %q: %w", id, ErrNodeNotFound)
	}

	for dep := range node.Dependencies {
		if upstream, exists := d.nodes[dep]; exists {
			delete(upstream.Dependents, id)
		}

		delete(d.edges[dep], id)
	}

	for dep := range node.Dependents {
		if downstream, exists := d.nodes[dep]; exists {
			delete(downstream.Dependencies, id)
		}
	}

	delete(d.edges, id)
	delete(d.nodes, id)

	return nil
}

// GetNode returns the node for id, or nil when absent.
func (d *WorkflowDAG) GetNode(id string) *WorkflowNode {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.nodes[id]
}

// Nodes returns the node arena. Callers iterating during execution must not
// mutate the structure.
func (d *WorkflowDAG) Nodes() map[string]*WorkflowNode {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]*WorkflowNode, len(d.nodes))
	for id, n := range d.nodes {
		out[id] = n
	}

	return out
}

// Edges returns the edge list sorted by (from, to).
func (d *WorkflowDAG) Edges() []Edge {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.sortedEdgesLocked()
}

func (d *WorkflowDAG) sortedEdgesLocked() []Edge {
	edges := make([]Edge, 0)

	for from, targets := range d.edges {
		for to, cond := range targets {
			edges = append(edges, Edge{From: from, To: to, Condition: cond})
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}

		return edges[i].To < edges[j].To
	})

	return edges
}

// EdgeCondition returns the condition attached to an edge, if any.
func (d *WorkflowDAG) EdgeCondition(from, to string) (*NodeCondition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cond, ok := d.edges[from][to]

	return cond, ok
}

// GetReadyNodes returns exactly the PENDING nodes whose full dependency set
// is contained in resolved, sorted by descending priority (id as tiebreak so
// the order is deterministic).
func (d *WorkflowDAG) GetReadyNodes(resolved map[string]bool) []*WorkflowNode {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ready := make([]*WorkflowNode, 0)

	for _, node := range d.nodes {
		if node.Status != NodeStatusPending || resolved[node.ID] {
			continue
		}

		satisfied := true

		for dep := range node.Dependencies {
			if !resolved[dep] {
				satisfied = false

				break
			}
		}

		if satisfied {
			ready = append(ready, node)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Metadata.Priority != ready[j].Metadata.Priority {
			return ready[i].Metadata.Priority > ready[j].Metadata.Priority
		}

		return ready[i].ID < ready[j].ID
	})

	return ready
}

// ExecutionOrder computes topological generations: each generation holds
// nodes with no unresolved dependency on a later generation, so all nodes of
// a generation may run in parallel. Returns an error if the graph is cyclic.
func (d *WorkflowDAG) ExecutionOrder() ([][]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	indegree := make(map[string]int, len(d.nodes))
	for id, node := range d.nodes {
		indegree[id] = len(node.Dependencies)
	}

	generations := make([][]string, 0)
	remaining := len(d.nodes)

	frontier := make([]string, 0)

	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		sort.Strings(frontier)
		generations = append(generations, frontier)
		remaining -= len(frontier)

		next := make([]string, 0)

		for _, id := range frontier {
			for dep := range d.nodes[id].Dependents {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}

		frontier = next
	}

	if remaining > 0 {
		return nil, fmt.Errorf("workflow %q: %w", d.Name, ErrCycle)
	}

	return generations, nil
}

// Validate checks the definition for structural problems and returns
// human-readable errors: cycles, nodes unreachable from start, nodes with no
// path to end, and handler-bearing nodes missing a handler key. An empty
// slice means the DAG is executable.
func (d *WorkflowDAG) Validate() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	problems := make([]string, 0)

	if d.hasCycleLocked() {
		problems = append(problems, "workflow contains a cycle")
	}

	reachable := d.reachableFromLocked(d.StartNodeID, false)

	reachesEnd := d.reachableFromLocked(d.EndNodeID, true)

	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		node := d.nodes[id]

		if !reachable[id] {
			problems = append(problems, fmt.Sprintf("node %q (%s) is unreachable from start", node.Name, id))
		}

		if !reachesEnd[id] {
			problems = append(problems, fmt.Sprintf("node %q (%s) has no path to end", node.Name, id))
		}

		if d.requiresHandler(node) && node.HandlerKey == "" {
			problems = append(problems, fmt.Sprintf("%s node %q (%s) has no handler", node.Type, node.Name, id))
		}

		if node.Type == NodeTypeCondition && node.Condition == nil {
			problems = append(problems, fmt.Sprintf("condition node %q (%s) has no condition expression", node.Name, id))
		}
	}

	return problems
}

func (d *WorkflowDAG) requiresHandler(node *WorkflowNode) bool {
	switch node.Type {
	case NodeTypeTask, NodeTypeSubworkflow, NodeTypeLoop, NodeTypeWebhook, NodeTypeHumanApproval:
		return true
	default:
		return false
	}
}

// Optimize performs a transitive reduction, removing edges that are implied
// by a longer path. Returns the number of edges removed.
func (d *WorkflowDAG) Optimize() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0

	for from, targets := range d.edges {
		direct := make([]string, 0, len(targets))
		for to := range targets {
			direct = append(direct, to)
		}

		sort.Strings(direct)

		for _, to := range direct {
			// Reachable from a sibling successor means from->to is redundant.
			if d.reachableViaSiblingLocked(from, to) {
				delete(d.edges[from], to)
				delete(d.nodes[to].Dependencies, from)
				delete(d.nodes[from].Dependents, to)

				removed++
			}
		}
	}

	return removed
}

func (d *WorkflowDAG) reachableViaSiblingLocked(from, to string) bool {
	stack := make([]string, 0)
	seen := make(map[string]bool)

	for sibling := range d.edges[from] {
		if sibling != to {
			stack = append(stack, sibling)
		}
	}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur == to {
			return true
		}

		if seen[cur] {
			continue
		}

		seen[cur] = true

		for next := range d.edges[cur] {
			stack = append(stack, next)
		}
	}

	return false
}

// Clone deep-copies the structure. Node clones share handler keys (handlers
// live in the registry), and the clone is never frozen.
func (d *WorkflowDAG) Clone() *WorkflowDAG {
	d.mu.RLock()
	defer d.mu.RUnlock()

	clone := &WorkflowDAG{
		ID:          d.ID,
		Name:        d.Name,
		StartNodeID: d.StartNodeID,
		EndNodeID:   d.EndNodeID,
		CreatedAt:   d.CreatedAt,
		Metadata:    make(map[string]any, len(d.Metadata)),
		nodes:       make(map[string]*WorkflowNode, len(d.nodes)),
		edges:       make(map[string]map[string]*NodeCondition, len(d.edges)),
	}

	for k, v := range d.Metadata {
		clone.Metadata[k] = v
	}

	for id, node := range d.nodes {
		clone.nodes[id] = node.Clone()
	}

	for from, targets := range d.edges {
		clone.edges[from] = make(map[string]*NodeCondition, len(targets))

		for to, cond := range targets {
			if cond != nil {
				c := *cond
				clone.edges[from][to] = &c
			} else {
				clone.edges[from][to] = nil
			}
		}
	}

	return clone
}

// ResetRuntimeState returns every node to PENDING and clears outputs, errors
// and retry counters. Used when re-executing a cloned definition.
func (d *WorkflowDAG) ResetRuntimeState() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, node := range d.nodes {
		node.Status = NodeStatusPending
		node.Outputs = nil
		node.Error = ""
		node.RetryCount = 0
		node.StartedAt = nil
		node.CompletedAt = nil
	}
}

// checksumNode is the structural projection of a node: runtime fields
// (status, outputs, retry counts, timestamps) are excluded so the checksum
// only changes when the definition changes.
type checksumNode struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       NodeType       `json:"type"`
	HandlerKey string         `json:"handler_key,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Condition  *NodeCondition `json:"condition,omitempty"`
	Metadata   NodeMetadata   `json:"metadata"`
}

type checksumDoc struct {
	Name  string                  `json:"name"`
	Nodes map[string]checksumNode `json:"nodes"`
	Edges []Edge                  `json:"edges"`
}

// Checksum is a stable sha256 over the canonical serialization of the
// structural definition. Two DAGs with identical structure hash identically
// regardless of insertion order or runtime state.
func (d *WorkflowDAG) Checksum() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	doc := checksumDoc{
		Name:  d.Name,
		Nodes: make(map[string]checksumNode, len(d.nodes)),
		Edges: d.sortedEdgesLocked(),
	}

	for id, node := range d.nodes {
		doc.Nodes[id] = checksumNode{
			ID:         node.ID,
			Name:       node.Name,
			Type:       node.Type,
			HandlerKey: node.HandlerKey,
			Config:     node.Config,
			Condition:  node.Condition,
			Metadata:   node.Metadata,
		}
	}

	// encoding/json sorts map keys, which makes the serialization canonical.
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("checksum serialization: %w", err)
	}

	sum := sha256.Sum256(payload)

	return hex.EncodeToString(sum[:]), nil
}

func (d *WorkflowDAG) hasCycleLocked() bool {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)

	state := make(map[string]int, len(d.nodes))

	var visit func(id string) bool

	visit = func(id string) bool {
		state[id] = inStack

		for next := range d.edges[id] {
			switch state[next] {
			case inStack:
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}

		state[id] = done

		return false
	}

	for id := range d.nodes {
		if state[id] == unvisited && visit(id) {
			return true
		}
	}

	return false
}

// reachableFromLocked walks edges forward (or backward when reverse is true)
// from origin and returns the visited set.
func (d *WorkflowDAG) reachableFromLocked(origin string, reverse bool) map[string]bool {
	seen := map[string]bool{origin: true}
	stack := []string{origin}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		var neighbors map[string]bool
		if node, ok := d.nodes[cur]; ok {
			if reverse {
				neighbors = node.Dependencies
			} else {
				neighbors = node.Dependents
			}
		}

		for next := range neighbors {
			if !seen[next] {
				seen[next] = true

				stack = append(stack, next)
			}
		}
	}

	return seen
}

// dagDocument is the JSON persistence shape.
type dagDocument struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	StartNodeID string                   `json:"start_node_id"`
	EndNodeID   string                   `json:"end_node_id"`
	CreatedAt   time.Time                `json:"created_at"`
	Nodes       map[string]*WorkflowNode `json:"nodes"`
	Edges       []Edge                   `json:"edges"`
	Metadata    map[string]any           `json:"metadata,omitempty"`
}

// MarshalJSON serializes the DAG as {id, name, nodes, edges, metadata}.
func (d *WorkflowDAG) MarshalJSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return json.Marshal(dagDocument{
		ID:          d.ID,
		Name:        d.Name,
		StartNodeID: d.StartNodeID,
		EndNodeID:   d.EndNodeID,
		CreatedAt:   d.CreatedAt,
		Nodes:       d.nodes,
		Edges:       d.sortedEdgesLocked(),
		Metadata:    d.Metadata,
	})
}

// UnmarshalJSON restores a DAG from its persistence shape. Dependency and
// dependent sets are rebuilt from the edge list, which is the source of truth.
func (d *WorkflowDAG) UnmarshalJSON(data []byte) error {
	var doc dagDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	d.ID = doc.ID
	d.Name = doc.Name
	d.StartNodeID = doc.StartNodeID
	d.EndNodeID = doc.EndNodeID
	d.CreatedAt = doc.CreatedAt
	d.Metadata = doc.Metadata
	d.nodes = doc.Nodes
	d.edges = make(map[string]map[string]*NodeCondition)

	if d.nodes == nil {
		d.nodes = make(map[string]*WorkflowNode)
	}

	if d.Metadata == nil {
		d.Metadata = make(map[string]any)
	}

	for _, node := range d.nodes {
		node.Dependencies = make(map[string]bool)
		node.Dependents = make(map[string]bool)
	}

	for _, edge := range doc.Edges {
		from, ok := d.nodes[edge.From]
		if !ok {
			return fmt.Errorf("edge source %q: %w", edge.From, ErrNodeNotFound)
		}

		to, ok := d.nodes[edge.To]
		if !ok {
			return fmt.Errorf("edge target %q: %w", edge.To, ErrNodeNotFound)
		}

		if d.edges[edge.From] == nil {
			d.edges[edge.From] = make(map[string]*NodeCondition)
		}

		d.edges[edge.From][edge.To] = edge.Condition
		to.Dependencies[edge.From] = true
		from.Dependents[edge.To] = true
	}

	if d.hasCycleLocked() {
		return fmt.Errorf("workflow %q: %w", d.Name, ErrCycle)
	}

	return nil
}

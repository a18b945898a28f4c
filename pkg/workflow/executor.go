package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skein-dev/skein/pkg/eventbus"
	"github.com/skein-dev/skein/pkg/events"
	"github.com/skein-dev/skein/pkg/expressions"
	"github.com/skein-dev/skein/pkg/models"
	"github.com/skein-dev/skein/pkg/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxParallelNodes = 4

// Nodes with a priority above this threshold are considered critical: their
// failure aborts the whole run instead of stranding only their descendants.
const criticalPriorityThreshold = 5

// ExecutorConfig tunes one executor. The zero value is usable.
type ExecutorConfig struct {
	MaxParallelNodes int
	RetryPolicy      *RetryPolicy
	EventBus         eventbus.EventPublisher
	Tracer           trace.Tracer
}

// Executor walks a DAG generation by generation: it computes the ready set,
// dispatches every ready node in a bounded parallel batch, folds the
// outcomes into the execution context, and repeats until no node can become
// ready. Every iteration resolves at least one node, so the loop terminates
// after at most one iteration per node; there is no iteration cap.
type Executor struct {
	logger      *slog.Logger
	registry    *registry.Registry
	expressions *expressions.Engine
	retry       RetryPolicy
	maxParallel int
	bus         eventbus.EventPublisher
	tracer      trace.Tracer
}

func NewExecutor(logger *slog.Logger, reg *registry.Registry, cfg ExecutorConfig) *Executor {
	maxParallel := cfg.MaxParallelNodes
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallelNodes
	}

	retry := DefaultRetryPolicy()
	if cfg.RetryPolicy != nil {
		retry = *cfg.RetryPolicy
	}

	return &Executor{
		logger:      logger.With("module", "workflow_executor"),
		registry:    reg,
		expressions: expressions.NewEngine(),
		retry:       retry,
		maxParallel: maxParallel,
		bus:         cfg.EventBus,
		tracer:      cfg.Tracer,
	}
}

// nodeOutcome is the result of executing a single node, folded into the
// execution context between batches.
type nodeOutcome struct {
	node     *models.WorkflowNode
	outputs  map[string]any
	err      error
	skipped  bool
	skipNext []string // condition branches not taken
}

// Execute runs the DAG to a terminal state. The DAG is frozen for the
// duration of the run; clone a definition that must stay mutable. The
// returned result always reports per-node status, including nodes left
// PENDING because an upstream failure made them unreachable.
func (e *Executor) Execute(ctx context.Context, dag *models.WorkflowDAG, inputs map[string]any) (*models.ExecutionResult, error) {
	if err := dag.BeginExecution(); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", dag.Name, err)
	}
	defer dag.EndExecution()

	dag.ResetRuntimeState()

	var variables map[string]any
	if v, ok := dag.Metadata["variables"].(map[string]any); ok {
		variables = v
	}

	ectx := models.NewExecutionContext(dag.ID, inputs, variables)

	logger := e.logger.With("workflow_id", dag.ID, "execution_id", ectx.ID)
	logger.InfoContext(ctx, "Starting workflow execution", "workflow_name", dag.Name)

	if e.tracer != nil {
		var span trace.Span

		ctx, span = e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
			attribute.String("skein.workflow.id", dag.ID),
			attribute.String("skein.execution.id", ectx.ID),
		))
		defer span.End()
	}

	e.publish(ctx, logger, ectx.ID, events.ExecutionStarted{
		BaseEvent:    events.NewBaseEvent(events.ExecutionStartedEvent),
		ExecutionID:  ectx.ID,
		WorkflowID:   dag.ID,
		WorkflowName: dag.Name,
		Inputs:       inputs,
	})

	// The start sentinel completes immediately and seeds readiness.
	start := dag.GetNode(dag.StartNodeID)
	start.Status = models.NodeStatusCompleted
	ectx.CompletedNodes[start.ID] = true

	var runErrors []string

	aborted := false

	for {
		if ctx.Err() != nil {
			return e.finishCancelled(ctx, logger, dag, ectx, runErrors)
		}

		e.propagateSkips(dag, ectx)

		ready := dag.GetReadyNodes(ectx.Resolved())
		if len(ready) == 0 {
			break
		}

		outcomes := e.executeBatch(ctx, dag, ready, ectx)

		for _, outcome := range outcomes {
			runErrors = e.applyOutcome(ctx, logger, dag, ectx, outcome, runErrors)

			if outcome.err != nil && outcome.node.Metadata.Priority > criticalPriorityThreshold {
				logger.ErrorContext(ctx, "Critical node failed, aborting run",
					"node_id", outcome.node.ID, "error", outcome.err)

				aborted = true
			}
		}

		if aborted {
			break
		}
	}

	return e.finish(ctx, logger, dag, ectx, runErrors, aborted)
}

// propagateSkips marks pending nodes whose every dependency was skipped as
// skipped themselves, to a fixpoint. A node with at least one completed
// dependency still runs.
func (e *Executor) propagateSkips(dag *models.WorkflowDAG, ectx *models.ExecutionContext) {
	for {
		changed := false

		for id, node := range dag.Nodes() {
			if node.Status != models.NodeStatusPending || len(node.Dependencies) == 0 {
				continue
			}

			allSkipped := true

			for dep := range node.Dependencies {
				if !ectx.SkippedNodes[dep] {
					allSkipped = false

					break
				}
			}

			if allSkipped {
				node.Status = models.NodeStatusSkipped
				ectx.SkippedNodes[id] = true
				changed = true
			}
		}

		if !changed {
			return
		}
	}
}

// executeBatch runs the ready nodes in parallel, bounded by
// maxParallelNodes. The batch fully resolves before the next ready set is
// computed, which gives nodes of generation k+1 a consistent view of
// generation k.
func (e *Executor) executeBatch(ctx context.Context, dag *models.WorkflowDAG, ready []*models.WorkflowNode, ectx *models.ExecutionContext) []nodeOutcome {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make([]nodeOutcome, 0, len(ready))
	)

	sem := make(chan struct{}, e.maxParallel)

	for _, node := range ready {
		node.Status = models.NodeStatusReady

		wg.Add(1)

		go func(node *models.WorkflowNode) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			outcome := e.executeNode(ctx, dag, node, ectx)

			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}(node)
	}

	wg.Wait()

	return outcomes
}

// executeNode runs one node off the dispatch loop: condition evaluation
// first, then the node-type-specific work, with retry/backoff around handler
// invocations. It mutates only its own node; the shared context is updated
// by the loop goroutine after the batch.
func (e *Executor) executeNode(ctx context.Context, dag *models.WorkflowDAG, node *models.WorkflowNode, ectx *models.ExecutionContext) nodeOutcome {
	now := time.Now().UTC()
	node.Status = models.NodeStatusRunning
	node.StartedAt = &now

	if e.tracer != nil {
		var span trace.Span

		ctx, span = e.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
			attribute.String("skein.node.id", node.ID),
			attribute.String("skein.node.type", string(node.Type)),
		))
		defer span.End()
	}

	// A gating condition on a non-condition node skips the node when false.
	if node.Condition != nil && node.Type != models.NodeTypeCondition {
		pass, err := e.expressions.EvaluateBool(node.Condition.Expression, e.expressionEnv(ectx))
		if err != nil {
			return e.failNode(node, fmt.Errorf("condition evaluation: %w", err))
		}

		if !pass {
			return e.skipNode(node)
		}
	}

	switch node.Type {
	case models.NodeTypeStart, models.NodeTypeEnd, models.NodeTypeFork,
		models.NodeTypeJoin, models.NodeTypeParallel:
		return e.completeNode(node, nil)

	case models.NodeTypeWait:
		return e.executeWait(ctx, node)

	case models.NodeTypeCondition:
		return e.executeCondition(node, ectx)

	case models.NodeTypeLoop:
		return e.executeLoop(ctx, dag, node, ectx)

	default:
		// task, subworkflow, webhook, human_approval: all dispatch through
		// the registered handler; the engine observes outputs or errors only.
		return e.executeHandlerNode(ctx, dag, node, ectx)
	}
}

func (e *Executor) executeWait(ctx context.Context, node *models.WorkflowNode) nodeOutcome {
	seconds, _ := node.Config["wait_seconds"].(float64)
	if seconds <= 0 {
		return e.completeNode(node, nil)
	}

	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return e.completeNode(node, nil)
	case <-ctx.Done():
		return e.failNode(node, ctx.Err())
	}
}

func (e *Executor) executeCondition(node *models.WorkflowNode, ectx *models.ExecutionContext) nodeOutcome {
	if node.Condition == nil {
		return e.failNode(node, fmt.Errorf("condition node %q has no expression", node.ID))
	}

	pass, err := e.expressions.EvaluateBool(node.Condition.Expression, e.expressionEnv(ectx))
	if err != nil {
		return e.failNode(node, err)
	}

	outcome := e.completeNode(node, map[string]any{"result": pass})

	// The branch not taken is skipped; skip propagation handles its
	// exclusive descendants.
	if pass && node.Condition.FalseTarget != "" {
		outcome.skipNext = append(outcome.skipNext, node.Condition.FalseTarget)
	}

	if !pass && node.Condition.TrueTarget != "" {
		outcome.skipNext = append(outcome.skipNext, node.Condition.TrueTarget)
	}

	return outcome
}

func (e *Executor) executeLoop(ctx context.Context, dag *models.WorkflowDAG, node *models.WorkflowNode, ectx *models.ExecutionContext) nodeOutcome {
	iterations := 1
	if raw, ok := node.Config["iterations"].(float64); ok && raw > 0 {
		iterations = int(raw)
	}

	inputs := e.nodeInputs(dag, node, ectx)

	var outputs map[string]any

	for i := 0; i < iterations; i++ {
		var err error

		outputs, err = e.invokeWithRetry(ctx, node, inputs, ectx)
		if err != nil {
			return e.failNode(node, fmt.Errorf("iteration %d: %w", i, err))
		}

		// Each iteration feeds the next.
		for k, v := range outputs {
			inputs[k] = v
		}
	}

	return e.completeNode(node, outputs)
}

func (e *Executor) executeHandlerNode(ctx context.Context, dag *models.WorkflowDAG, node *models.WorkflowNode, ectx *models.ExecutionContext) nodeOutcome {
	inputs := e.nodeInputs(dag, node, ectx)

	outputs, err := e.invokeWithRetry(ctx, node, inputs, ectx)
	if err != nil {
		return e.failNode(node, err)
	}

	return e.completeNode(node, outputs)
}

// invokeWithRetry applies the retry policy around handler invocations. The
// delay before the n-th retry is BaseDelay × ExponentialBase^n; errors in a
// non-retryable class fail immediately with retry_count untouched.
func (e *Executor) invokeWithRetry(ctx context.Context, node *models.WorkflowNode, inputs map[string]any, ectx *models.ExecutionContext) (map[string]any, error) {
	handler, err := e.registry.Handler(node.HandlerKey)
	if err != nil {
		return nil, err
	}

	retry := e.retry
	if node.Metadata.RetryDelaySeconds > 0 {
		retry.BaseDelay = time.Duration(node.Metadata.RetryDelaySeconds * float64(time.Second))
	}

	for {
		hctx := ctx

		var cancel context.CancelFunc

		if node.Metadata.TimeoutSeconds > 0 {
			hctx, cancel = context.WithTimeout(ctx, time.Duration(node.Metadata.TimeoutSeconds*float64(time.Second)))
		}

		outputs, err := handler.Execute(hctx, inputs, ectx)

		if cancel != nil {
			cancel()
		}

		if err == nil {
			return outputs, nil
		}

		if !retry.Retryable(err) || node.RetryCount >= node.Metadata.MaxRetries {
			return nil, &NodeExecutionError{
				NodeID:     node.ID,
				NodeName:   node.Name,
				RetryCount: node.RetryCount,
				Err:        err,
			}
		}

		delay := retry.Delay(node.RetryCount)
		node.Status = models.NodeStatusRetry
		node.RetryCount++

		e.logger.WarnContext(ctx, "Node failed, retrying",
			"node_id", node.ID, "retry_count", node.RetryCount, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		node.Status = models.NodeStatusRunning
	}
}

// nodeInputs merges the run inputs with the outputs of every dependency.
// Dependencies are overlaid in sorted order for determinism.
func (e *Executor) nodeInputs(dag *models.WorkflowDAG, node *models.WorkflowNode, ectx *models.ExecutionContext) map[string]any {
	inputs := make(map[string]any, len(ectx.Inputs))
	for k, v := range ectx.Inputs {
		inputs[k] = v
	}

	edges := dag.Edges()

	for _, edge := range edges {
		if edge.To != node.ID {
			continue
		}

		for k, v := range ectx.NodeOutputs[edge.From] {
			inputs[k] = v
		}
	}

	return inputs
}

func (e *Executor) expressionEnv(ectx *models.ExecutionContext) map[string]any {
	return map[string]any{
		"inputs":    ectx.Inputs,
		"variables": ectx.Variables,
		"outputs":   ectx.Outputs,
		"nodes":     ectx.NodeOutputs,
	}
}

func (e *Executor) completeNode(node *models.WorkflowNode, outputs map[string]any) nodeOutcome {
	now := time.Now().UTC()
	node.Status = models.NodeStatusCompleted
	node.Outputs = outputs
	node.CompletedAt = &now

	return nodeOutcome{node: node, outputs: outputs}
}

func (e *Executor) skipNode(node *models.WorkflowNode) nodeOutcome {
	now := time.Now().UTC()
	node.Status = models.NodeStatusSkipped
	node.CompletedAt = &now

	return nodeOutcome{node: node, skipped: true}
}

func (e *Executor) failNode(node *models.WorkflowNode, err error) nodeOutcome {
	now := time.Now().UTC()
	node.Status = models.NodeStatusFailed
	node.Error = err.Error()
	node.CompletedAt = &now

	return nodeOutcome{node: node, err: err}
}

// applyOutcome folds one node outcome into the execution context. Runs on
// the loop goroutine only.
func (e *Executor) applyOutcome(ctx context.Context, logger *slog.Logger, dag *models.WorkflowDAG, ectx *models.ExecutionContext, outcome nodeOutcome, runErrors []string) []string {
	node := outcome.node

	switch {
	case outcome.err != nil:
		ectx.FailedNodes[node.ID] = true
		runErrors = append(runErrors, fmt.Sprintf("node %s: %v", node.ID, outcome.err))

		logger.ErrorContext(ctx, "Node failed", "node_id", node.ID, "error", outcome.err)
		e.publish(ctx, logger, ectx.ID, events.NodeFailed{
			BaseEvent:   events.NewBaseEvent(events.NodeFailedEvent),
			ExecutionID: ectx.ID,
			WorkflowID:  dag.ID,
			NodeID:      node.ID,
			Error:       outcome.err.Error(),
			RetryCount:  node.RetryCount,
			DurationMs:  nodeDurationMs(node),
		})

	case outcome.skipped:
		ectx.SkippedNodes[node.ID] = true

	default:
		ectx.CompletedNodes[node.ID] = true

		if outcome.outputs != nil {
			ectx.NodeOutputs[node.ID] = outcome.outputs

			for k, v := range outcome.outputs {
				ectx.Outputs[k] = v
			}
		}

		e.publish(ctx, logger, ectx.ID, events.NodeFinished{
			BaseEvent:   events.NewBaseEvent(events.NodeFinishedEvent),
			ExecutionID: ectx.ID,
			WorkflowID:  dag.ID,
			NodeID:      node.ID,
			Status:      string(node.Status),
			Outputs:     outcome.outputs,
			DurationMs:  nodeDurationMs(node),
		})
	}

	// Skip the branches a condition node ruled out.
	for _, skipID := range outcome.skipNext {
		if target := dag.GetNode(skipID); target != nil && target.Status == models.NodeStatusPending {
			target.Status = models.NodeStatusSkipped
			ectx.SkippedNodes[skipID] = true
		}
	}

	return runErrors
}

func (e *Executor) finish(ctx context.Context, logger *slog.Logger, dag *models.WorkflowDAG, ectx *models.ExecutionContext, runErrors []string, aborted bool) (*models.ExecutionResult, error) {
	now := time.Now().UTC()
	ectx.FinishedAt = &now

	pending := pendingNodeIDs(dag)

	switch {
	case aborted:
		ectx.Status = models.ExecutionStatusFailed
	case len(ectx.FailedNodes) > 0 || len(pending) > 0:
		// Partial success is a first-class terminal state, reported as-is.
		ectx.Status = models.ExecutionStatusPartial
	default:
		ectx.Status = models.ExecutionStatusCompleted
	}

	result := e.buildResult(dag, ectx, runErrors, pending)

	logger.InfoContext(ctx, "Workflow execution finished",
		"status", ectx.Status,
		"completed", len(ectx.CompletedNodes),
		"failed", len(ectx.FailedNodes),
		"skipped", len(ectx.SkippedNodes),
		"pending", len(pending))

	if ectx.Status == models.ExecutionStatusCompleted {
		e.publish(ctx, logger, ectx.ID, events.ExecutionCompleted{
			BaseEvent:     events.NewBaseEvent(events.ExecutionCompletedEvent),
			ExecutionID:   ectx.ID,
			WorkflowID:    dag.ID,
			Status:        string(ectx.Status),
			DurationMs:    int64(now.Sub(ectx.StartedAt) / time.Millisecond),
			NodesExecuted: len(ectx.CompletedNodes),
			Outputs:       ectx.Outputs,
		})
	} else {
		e.publish(ctx, logger, ectx.ID, events.ExecutionFailed{
			BaseEvent:   events.NewBaseEvent(events.ExecutionFailedEvent),
			ExecutionID: ectx.ID,
			WorkflowID:  dag.ID,
			Status:      string(ectx.Status),
			DurationMs:  int64(now.Sub(ectx.StartedAt) / time.Millisecond),
			Errors:      runErrors,
		})
	}

	return result, nil
}

func (e *Executor) finishCancelled(ctx context.Context, logger *slog.Logger, dag *models.WorkflowDAG, ectx *models.ExecutionContext, runErrors []string) (*models.ExecutionResult, error) {
	now := time.Now().UTC()
	ectx.FinishedAt = &now
	ectx.Status = models.ExecutionStatusCancelled

	// Everything not yet terminal lands in a well-defined CANCELLED state.
	for _, node := range dag.Nodes() {
		if !node.IsTerminal() {
			node.Status = models.NodeStatusCancelled
		}
	}

	result := e.buildResult(dag, ectx, runErrors, nil)

	logger.InfoContext(ctx, "Workflow execution cancelled")

	e.publish(ctx, logger, ectx.ID, events.ExecutionCancelled{
		BaseEvent:   events.NewBaseEvent(events.ExecutionCancelledEvent),
		ExecutionID: ectx.ID,
		WorkflowID:  dag.ID,
		DurationMs:  int64(now.Sub(ectx.StartedAt) / time.Millisecond),
		Reason:      context.Cause(ctx).Error(),
	})

	return result, nil
}

func (e *Executor) buildResult(dag *models.WorkflowDAG, ectx *models.ExecutionContext, runErrors []string, pending []string) *models.ExecutionResult {
	nodeResults := make(map[string]models.NodeResult)

	for id, node := range dag.Nodes() {
		result := models.NodeResult{
			NodeID:     id,
			Status:     node.Status,
			Outputs:    node.Outputs,
			Error:      node.Error,
			RetryCount: node.RetryCount,
			DurationMs: nodeDurationMs(node),
		}

		if node.CompletedAt != nil {
			result.CompletedAt = *node.CompletedAt
		}

		nodeResults[id] = result
	}

	duration := 0.0
	if ectx.FinishedAt != nil {
		duration = ectx.FinishedAt.Sub(ectx.StartedAt).Seconds()
	}

	return &models.ExecutionResult{
		ExecutionID:     ectx.ID,
		WorkflowID:      dag.ID,
		Status:          ectx.Status,
		Outputs:         ectx.Outputs,
		Errors:          runErrors,
		PendingNodes:    pending,
		DurationSeconds: duration,
		NodeResults:     nodeResults,
	}
}

func (e *Executor) publish(ctx context.Context, logger *slog.Logger, key string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, key, event); err != nil {
		logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func pendingNodeIDs(dag *models.WorkflowDAG) []string {
	pending := make([]string, 0)

	for id, node := range dag.Nodes() {
		if node.Status == models.NodeStatusPending {
			pending = append(pending, id)
		}
	}

	sort.Strings(pending)

	return pending
}

func nodeDurationMs(node *models.WorkflowNode) int64 {
	if node.StartedAt == nil || node.CompletedAt == nil {
		return 0
	}

	return int64(node.CompletedAt.Sub(*node.StartedAt) / time.Millisecond)
}

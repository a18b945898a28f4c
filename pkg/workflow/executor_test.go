package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/models"
	"github.com/skein-dev/skein/pkg/protocol"
	"github.com/skein-dev/skein/pkg/registry"
)

var errBadInput = errors.New("bad input")

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	reg := registry.NewRegistry(slog.Default())

	reg.RegisterHandler("ok", protocol.HandlerFunc(
		func(_ context.Context, inputs map[string]any, _ *models.ExecutionContext) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		}))

	reg.RegisterHandler("fail", protocol.HandlerFunc(
		func(_ context.Context, _ map[string]any, _ *models.ExecutionContext) (map[string]any, error) {
			return nil, errors.New("boom")
		}))

	reg.RegisterHandler("bad-input", protocol.HandlerFunc(
		func(_ context.Context, _ map[string]any, _ *models.ExecutionContext) (map[string]any, error) {
			return nil, errBadInput
		}))

	return reg
}

func fastExecutor(t *testing.T, reg *registry.Registry) *Executor {
	t.Helper()

	return NewExecutor(slog.Default(), reg, ExecutorConfig{
		RetryPolicy: &RetryPolicy{
			BaseDelay:       time.Millisecond,
			MaxDelay:        5 * time.Millisecond,
			ExponentialBase: 2.0,
			NonRetryable:    []error{errBadInput},
		},
	})
}

func addTask(t *testing.T, dag *models.WorkflowDAG, id, handlerKey string) *models.WorkflowNode {
	t.Helper()

	node := models.NewWorkflowNode(id, "Node "+id, models.NodeTypeTask)
	node.HandlerKey = handlerKey

	_, err := dag.AddNode(node)
	require.NoError(t, err)

	return node
}

func wire(t *testing.T, dag *models.WorkflowDAG, edges ...[2]string) {
	t.Helper()

	for _, edge := range edges {
		require.NoError(t, dag.AddEdge(edge[0], edge[1], nil))
	}
}

func TestExecute_DiamondCompletes(t *testing.T) {
	reg := testRegistry(t)
	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("diamond")
	addTask(t, dag, "a", "ok")
	addTask(t, dag, "b", "ok")
	addTask(t, dag, "c", "ok")
	addTask(t, dag, "d", "ok")
	wire(t, dag,
		[2]string{"start", "a"}, [2]string{"a", "b"}, [2]string{"a", "c"},
		[2]string{"b", "d"}, [2]string{"c", "d"}, [2]string{"d", "end"})

	result, err := executor.Execute(context.Background(), dag, map[string]any{"run": 1})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, result.Status)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.PendingNodes)
	assert.Len(t, result.NodeResults, 6)

	for id, nodeResult := range result.NodeResults {
		assert.Equal(t, models.NodeStatusCompleted, nodeResult.Status, "node %s", id)
	}

	assert.Equal(t, true, result.Outputs["ok"])
}

func TestExecute_FailureStrandsDescendants(t *testing.T) {
	reg := testRegistry(t)
	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("partial")
	addTask(t, dag, "a", "ok")
	addTask(t, dag, "broken", "bad-input")
	addTask(t, dag, "after", "ok")
	wire(t, dag,
		[2]string{"start", "a"}, [2]string{"a", "broken"},
		[2]string{"broken", "after"}, [2]string{"after", "end"})

	result, err := executor.Execute(context.Background(), dag, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusPartial, result.Status)
	assert.Equal(t, models.NodeStatusCompleted, result.NodeResults["a"].Status)
	assert.Equal(t, models.NodeStatusFailed, result.NodeResults["broken"].Status)
	assert.Equal(t, models.NodeStatusPending, result.NodeResults["after"].Status)
	assert.Equal(t, []string{"after", "end"}, result.PendingNodes)
	require.Len(t, result.Errors, 1)
}

func TestExecute_IndependentBranchSurvivesFailure(t *testing.T) {
	reg := testRegistry(t)
	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("isolated")
	addTask(t, dag, "broken", "bad-input")
	addTask(t, dag, "healthy", "ok")
	wire(t, dag,
		[2]string{"start", "broken"}, [2]string{"start", "healthy"},
		[2]string{"broken", "end"}, [2]string{"healthy", "end"})

	result, err := executor.Execute(context.Background(), dag, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusPartial, result.Status)
	assert.Equal(t, models.NodeStatusCompleted, result.NodeResults["healthy"].Status)
	assert.Equal(t, models.NodeStatusFailed, result.NodeResults["broken"].Status)
	assert.Equal(t, models.NodeStatusPending, result.NodeResults["end"].Status)
}

func TestExecute_NonRetryableFailsWithoutRetry(t *testing.T) {
	reg := testRegistry(t)
	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("non-retryable")
	node := addTask(t, dag, "broken", "bad-input")
	node.Metadata.MaxRetries = 5
	wire(t, dag, [2]string{"start", "broken"}, [2]string{"broken", "end"})

	result, err := executor.Execute(context.Background(), dag, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusPartial, result.Status)
	assert.Zero(t, result.NodeResults["broken"].RetryCount)
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	reg := testRegistry(t)

	var calls atomic.Int32

	reg.RegisterHandler("flaky", protocol.HandlerFunc(
		func(_ context.Context, _ map[string]any, _ *models.ExecutionContext) (map[string]any, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}

			return map[string]any{"done": true}, nil
		}))

	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("flaky")
	node := addTask(t, dag, "flaky", "flaky")
	node.Metadata.MaxRetries = 5
	wire(t, dag, [2]string{"start", "flaky"}, [2]string{"flaky", "end"})

	result, err := executor.Execute(context.Background(), dag, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, result.NodeResults["flaky"].RetryCount)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	reg := testRegistry(t)
	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("exhausted")
	node := addTask(t, dag, "broken", "fail")
	node.Metadata.MaxRetries = 2
	wire(t, dag, [2]string{"start", "broken"}, [2]string{"broken", "end"})

	result, err := executor.Execute(context.Background(), dag, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusPartial, result.Status)
	assert.Equal(t, 2, result.NodeResults["broken"].RetryCount)
}

func TestExecute_ConditionSkipsBranch(t *testing.T) {
	reg := testRegistry(t)
	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("branching")

	decision := models.NewWorkflowNode("decision", "Decision", models.NodeTypeCondition)
	decision.Condition = &models.NodeCondition{
		Expression:  `inputs.amount > 100`,
		TrueTarget:  "big",
		FalseTarget: "small",
	}
	_, err := dag.AddNode(decision)
	require.NoError(t, err)

	addTask(t, dag, "big", "ok")
	addTask(t, dag, "small", "ok")
	wire(t, dag,
		[2]string{"start", "decision"}, [2]string{"decision", "big"},
		[2]string{"decision", "small"}, [2]string{"big", "end"}, [2]string{"small", "end"})

	result, err := executor.Execute(context.Background(), dag, map[string]any{"amount": 250})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, models.NodeStatusCompleted, result.NodeResults["big"].Status)
	assert.Equal(t, models.NodeStatusSkipped, result.NodeResults["small"].Status)
	assert.Equal(t, models.NodeStatusCompleted, result.NodeResults["end"].Status)
}

func TestExecute_SkipPropagatesThroughChain(t *testing.T) {
	reg := testRegistry(t)
	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("skip-chain")

	decision := models.NewWorkflowNode("decision", "Decision", models.NodeTypeCondition)
	decision.Condition = &models.NodeCondition{
		Expression:  `inputs.go`,
		TrueTarget:  "taken",
		FalseTarget: "dropped",
	}
	_, err := dag.AddNode(decision)
	require.NoError(t, err)

	addTask(t, dag, "taken", "ok")
	addTask(t, dag, "dropped", "ok")
	addTask(t, dag, "dropped-child", "ok")
	wire(t, dag,
		[2]string{"start", "decision"}, [2]string{"decision", "taken"},
		[2]string{"decision", "dropped"}, [2]string{"dropped", "dropped-child"},
		[2]string{"taken", "end"}, [2]string{"dropped-child", "end"})

	result, err := executor.Execute(context.Background(), dag, map[string]any{"go": true})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, models.NodeStatusSkipped, result.NodeResults["dropped"].Status)
	assert.Equal(t, models.NodeStatusSkipped, result.NodeResults["dropped-child"].Status)
	assert.Equal(t, models.NodeStatusCompleted, result.NodeResults["end"].Status)
}

func TestExecute_GatingConditionOnTaskNode(t *testing.T) {
	reg := testRegistry(t)
	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("gated")
	gated := addTask(t, dag, "gated", "ok")
	gated.Condition = &models.NodeCondition{Expression: `inputs.enabled`}
	wire(t, dag, [2]string{"start", "gated"}, [2]string{"gated", "end"})

	result, err := executor.Execute(context.Background(), dag, map[string]any{"enabled": false})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, models.NodeStatusSkipped, result.NodeResults["gated"].Status)
}

func TestExecute_CriticalFailureAborts(t *testing.T) {
	reg := testRegistry(t)
	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("critical")
	critical := addTask(t, dag, "critical", "bad-input")
	critical.Metadata.Priority = criticalPriorityThreshold + 1
	addTask(t, dag, "sibling", "ok")
	wire(t, dag,
		[2]string{"start", "critical"}, [2]string{"start", "sibling"},
		[2]string{"critical", "end"}, [2]string{"sibling", "end"})

	result, err := executor.Execute(context.Background(), dag, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, result.Status)
}

func TestExecute_Cancellation(t *testing.T) {
	reg := testRegistry(t)

	started := make(chan struct{})

	reg.RegisterHandler("block", protocol.HandlerFunc(
		func(ctx context.Context, _ map[string]any, _ *models.ExecutionContext) (map[string]any, error) {
			close(started)
			<-ctx.Done()

			return nil, ctx.Err()
		}))

	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("cancelled")
	addTask(t, dag, "blocker", "block")
	addTask(t, dag, "after", "ok")
	wire(t, dag, [2]string{"start", "blocker"}, [2]string{"blocker", "after"}, [2]string{"after", "end"})

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-started
		cancel()
	}()

	result, err := executor.Execute(ctx, dag, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCancelled, result.Status)
	assert.Equal(t, models.NodeStatusCancelled, result.NodeResults["after"].Status)
}

func TestExecute_WaitNode(t *testing.T) {
	reg := testRegistry(t)
	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("waiting")
	wait := models.NewWorkflowNode("pause", "Pause", models.NodeTypeWait)
	wait.Config["wait_seconds"] = 0.01
	_, err := dag.AddNode(wait)
	require.NoError(t, err)
	wire(t, dag, [2]string{"start", "pause"}, [2]string{"pause", "end"})

	begin := time.Now()

	result, err := executor.Execute(context.Background(), dag, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, result.Status)
	assert.GreaterOrEqual(t, time.Since(begin), 10*time.Millisecond)
}

func TestExecute_LoopNode(t *testing.T) {
	reg := testRegistry(t)

	var calls atomic.Int32

	reg.RegisterHandler("count", protocol.HandlerFunc(
		func(_ context.Context, inputs map[string]any, _ *models.ExecutionContext) (map[string]any, error) {
			return map[string]any{"count": calls.Add(1)}, nil
		}))

	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("looping")
	loop := models.NewWorkflowNode("repeat", "Repeat", models.NodeTypeLoop)
	loop.HandlerKey = "count"
	loop.Config["iterations"] = float64(3)
	_, err := dag.AddNode(loop)
	require.NoError(t, err)
	wire(t, dag, [2]string{"start", "repeat"}, [2]string{"repeat", "end"})

	result, err := executor.Execute(context.Background(), dag, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(3), result.NodeResults["repeat"].Outputs["count"])
}

func TestExecute_DependencyOutputsFlowDownstream(t *testing.T) {
	reg := testRegistry(t)

	reg.RegisterHandler("produce", protocol.HandlerFunc(
		func(_ context.Context, _ map[string]any, _ *models.ExecutionContext) (map[string]any, error) {
			return map[string]any{"payload": "from-upstream"}, nil
		}))

	var seen any

	reg.RegisterHandler("consume", protocol.HandlerFunc(
		func(_ context.Context, inputs map[string]any, _ *models.ExecutionContext) (map[string]any, error) {
			seen = inputs["payload"]

			return nil, nil
		}))

	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("pipe")
	addTask(t, dag, "producer", "produce")
	addTask(t, dag, "consumer", "consume")
	wire(t, dag, [2]string{"start", "producer"}, [2]string{"producer", "consumer"}, [2]string{"consumer", "end"})

	result, err := executor.Execute(context.Background(), dag, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, "from-upstream", seen)
}

func TestExecute_LockedDAGRejected(t *testing.T) {
	reg := testRegistry(t)
	executor := fastExecutor(t, reg)

	dag := models.NewWorkflowDAG("locked")
	require.NoError(t, dag.AddEdge("start", "end", nil))
	require.NoError(t, dag.BeginExecution())

	_, err := executor.Execute(context.Background(), dag, nil)
	require.ErrorIs(t, err, models.ErrDAGLocked)
}

package file

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/models"
	"github.com/skein-dev/skein/pkg/persistence"
)

func testWorkflow(t *testing.T, id, name string) *models.WorkflowDAG {
	t.Helper()

	dag := models.NewWorkflowDAG(name)
	dag.ID = id

	node := models.NewWorkflowNode("work", "Work", models.NodeTypeTask)
	node.HandlerKey = "log"
	_, err := dag.AddNode(node)
	require.NoError(t, err)
	require.NoError(t, dag.AddEdge("start", "work", nil))
	require.NoError(t, dag.AddEdge("work", "end", nil))

	return dag
}

func TestSaveAndLoadWorkflow(t *testing.T) {
	store := NewPersistence(t.TempDir())
	ctx := context.Background()

	dag := testWorkflow(t, "wf-1", "stored")
	require.NoError(t, store.SaveWorkflow(ctx, dag))

	loaded, err := store.WorkflowByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "stored", loaded.Name)
	dagSum, err := dag.Checksum()
	require.NoError(t, err)
	loadedSum, err := loaded.Checksum()
	require.NoError(t, err)
	assert.Equal(t, dagSum, loadedSum)
}

func TestWorkflowByID_NotFound(t *testing.T) {
	store := NewPersistence(t.TempDir())

	_, err := store.WorkflowByID(context.Background(), "ghost")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	var storageErr *persistence.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "WorkflowByID", storageErr.Op)
}

func TestWorkflows_SortedByName(t *testing.T) {
	store := NewPersistence(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.SaveWorkflow(ctx, testWorkflow(t, "wf-z", "zeta")))
	require.NoError(t, store.SaveWorkflow(ctx, testWorkflow(t, "wf-a", "alpha")))

	workflows, err := store.Workflows(ctx)
	require.NoError(t, err)
	require.Len(t, workflows, 2)
	assert.Equal(t, "alpha", workflows[0].Name)
	assert.Equal(t, "zeta", workflows[1].Name)
}

func TestWorkflows_EmptyRoot(t *testing.T) {
	store := NewPersistence(t.TempDir())

	workflows, err := store.Workflows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, workflows)
}

func TestDeleteWorkflow(t *testing.T) {
	store := NewPersistence(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.SaveWorkflow(ctx, testWorkflow(t, "wf-1", "doomed")))
	require.NoError(t, store.DeleteWorkflow(ctx, "wf-1"))

	_, err := store.WorkflowByID(ctx, "wf-1")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	require.ErrorIs(t, store.DeleteWorkflow(ctx, "wf-1"), persistence.ErrWorkflowNotFound)
}

func TestSaveAndLoadExecution(t *testing.T) {
	store := NewPersistence(t.TempDir())
	ctx := context.Background()

	result := &models.ExecutionResult{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Status:      models.ExecutionStatusCompleted,
		Outputs:     map[string]any{"answer": float64(42)},
		NodeResults: map[string]models.NodeResult{},
	}
	require.NoError(t, store.SaveExecution(ctx, result))

	loaded, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, loaded.Status)
	assert.Equal(t, float64(42), loaded.Outputs["answer"])
}

func TestExecutionByID_NotFound(t *testing.T) {
	store := NewPersistence(t.TempDir())

	_, err := store.ExecutionByID(context.Background(), "ghost")
	require.ErrorIs(t, err, persistence.ErrExecutionNotFound)
}

func TestExecutionsByWorkflow_Filters(t *testing.T) {
	store := NewPersistence(t.TempDir())
	ctx := context.Background()

	for i, workflowID := range []string{"wf-1", "wf-2", "wf-1"} {
		result := &models.ExecutionResult{
			ExecutionID: "exec-" + string(rune('a'+i)),
			WorkflowID:  workflowID,
			Status:      models.ExecutionStatusCompleted,
		}
		require.NoError(t, store.SaveExecution(ctx, result))
	}

	results, err := store.ExecutionsByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestHealthCheck(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, NewPersistence(dir).HealthCheck(context.Background()))

	err := NewPersistence(dir + "/missing").HealthCheck(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileURLPrefixStripped(t *testing.T) {
	dir := t.TempDir()
	store := NewPersistence("file://" + dir)

	require.NoError(t, store.HealthCheck(context.Background()))
}

package scheduling

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

// schedulerRegistry registers an "ok" handler that reports each completed job
// name on the returned channel, plus a "fail" handler that always errors.
func schedulerRegistry(t *testing.T) (*registry.Registry, chan string) {
	t.Helper()

	completed := make(chan string, 32)

	reg := registry.NewRegistry(slog.Default())
	reg.RegisterHandler("ok", protocol.HandlerFunc(
		func(ctx context.Context, inputs map[string]any, ectx *models.ExecutionContext) (map[string]any, error) {
			name, _ := inputs["name"].(string)
			completed <- name

			return map[string]any{"done": true}, nil
		}))
	reg.RegisterHandler("fail", protocol.HandlerFunc(
		func(ctx context.Context, inputs map[string]any, ectx *models.ExecutionContext) (map[string]any, error) {
			return nil, errors.New("handler exploded")
		}))

	return reg, completed
}

func namedJob(name string, priority JobPriority) *Job {
	job := NewJob(name, "ok", priority)
	job.Payload = map[string]any{"name": name}

	return job
}

func collect(t *testing.T, completed chan string, n int) []string {
	t.Helper()

	names := make([]string, 0, n)

	for i := 0; i < n; i++ {
		select {
		case name := <-completed:
			names = append(names, name)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for completion %d of %d", i+1, n)
		}
	}

	return names
}

func stopScheduler(t *testing.T, scheduler *SmartScheduler) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, scheduler.Stop(ctx))
}

func TestSubmit_RejectsUnregisteredHandler(t *testing.T) {
	reg, _ := schedulerRegistry(t)
	scheduler := NewSmartScheduler(slog.Default(), reg, SchedulerConfig{})

	job := NewJob("ghost", "not-registered", PriorityNormal)

	require.Error(t, scheduler.Submit(job))
}

func TestSubmit_RejectsOverBudget(t *testing.T) {
	reg, _ := schedulerRegistry(t)
	scheduler := NewSmartScheduler(slog.Default(), reg, SchedulerConfig{
		Cost: &CostConfig{Model: CostModelFlat, FlatRate: 100, Budget: 50},
	})

	err := scheduler.Submit(namedJob("pricey", PriorityNormal))
	require.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestSubmit_AfterStopRejected(t *testing.T) {
	reg, _ := schedulerRegistry(t)
	scheduler := NewSmartScheduler(slog.Default(), reg, SchedulerConfig{Workers: 1})

	require.NoError(t, scheduler.Start(context.Background()))
	stopScheduler(t, scheduler)

	require.ErrorIs(t, scheduler.Submit(namedJob("late", PriorityNormal)), ErrSchedulerStopped)
}

func TestStart_Twice(t *testing.T) {
	reg, _ := schedulerRegistry(t)
	scheduler := NewSmartScheduler(slog.Default(), reg, SchedulerConfig{Workers: 1})

	require.NoError(t, scheduler.Start(context.Background()))
	require.Error(t, scheduler.Start(context.Background()))

	stopScheduler(t, scheduler)
}

func TestScheduler_PriorityPolicyOrdering(t *testing.T) {
	reg, completed := schedulerRegistry(t)
	scheduler := NewSmartScheduler(slog.Default(), reg, SchedulerConfig{
		Policy:      PolicyPriority,
		Workers:     1,
		PollTimeout: 100 * time.Millisecond,
	})

	require.NoError(t, scheduler.Submit(namedJob("bg", PriorityBackground)))
	require.NoError(t, scheduler.Submit(namedJob("crit", PriorityCritical)))
	require.NoError(t, scheduler.Submit(namedJob("norm", PriorityNormal)))

	require.NoError(t, scheduler.Start(context.Background()))

	assert.Equal(t, []string{"crit", "norm", "bg"}, collect(t, completed, 3))

	stopScheduler(t, scheduler)
}

func TestScheduler_FIFOPolicyOrdering(t *testing.T) {
	reg, completed := schedulerRegistry(t)
	scheduler := NewSmartScheduler(slog.Default(), reg, SchedulerConfig{
		Policy:      PolicyFIFO,
		Workers:     1,
		PollTimeout: 100 * time.Millisecond,
	})

	first := namedJob("first", PriorityBackground)
	require.NoError(t, scheduler.Submit(first))

	time.Sleep(2 * time.Millisecond)

	second := namedJob("second", PriorityCritical)
	require.NoError(t, scheduler.Submit(second))

	require.NoError(t, scheduler.Start(context.Background()))

	// FIFO ignores rank: arrival order wins.
	assert.Equal(t, []string{"first", "second"}, collect(t, completed, 2))

	stopScheduler(t, scheduler)
}

func TestScheduler_ResourceGatedJobsAllComplete(t *testing.T) {
	reg, completed := schedulerRegistry(t)
	scheduler := NewSmartScheduler(slog.Default(), reg, SchedulerConfig{
		Workers:      2,
		Resources:    map[string]float64{"cpu": 1},
		PollTimeout:  100 * time.Millisecond,
		ResourceWait: 5 * time.Second,
	})

	for _, name := range []string{"a", "b", "c"} {
		job := namedJob(name, PriorityNormal)
		job.Resources = map[string]float64{"cpu": 1}
		require.NoError(t, scheduler.Submit(job))
	}

	require.NoError(t, scheduler.Start(context.Background()))

	names := collect(t, completed, 3)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, names)

	stopScheduler(t, scheduler)

	assert.Zero(t, scheduler.Pool().ActiveAllocations())
}

func TestScheduler_RetriesFailedJob(t *testing.T) {
	var calls atomic.Int32

	reg := registry.NewRegistry(slog.Default())
	done := make(chan struct{}, 1)

	reg.RegisterHandler("flaky", protocol.HandlerFunc(
		func(ctx context.Context, inputs map[string]any, ectx *models.ExecutionContext) (map[string]any, error) {
			if calls.Add(1) < 2 {
				return nil, errors.New("transient")
			}

			done <- struct{}{}

			return nil, nil
		}))

	scheduler := NewSmartScheduler(slog.Default(), reg, SchedulerConfig{
		Workers:     1,
		PollTimeout: 100 * time.Millisecond,
	})

	job := NewJob("flaky", "flaky", PriorityNormal)
	job.MaxRetries = 3
	require.NoError(t, scheduler.Submit(job))

	require.NoError(t, scheduler.Start(context.Background()))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not retried to completion")
	}

	stopScheduler(t, scheduler)

	assert.Equal(t, int32(2), calls.Load())
}

func TestScheduler_RecordsSpendOnCompletion(t *testing.T) {
	reg, completed := schedulerRegistry(t)
	scheduler := NewSmartScheduler(slog.Default(), reg, SchedulerConfig{
		Workers:     1,
		PollTimeout: 100 * time.Millisecond,
		Cost:        &CostConfig{Model: CostModelFlat, FlatRate: 2, Budget: 100},
	})

	require.NoError(t, scheduler.Submit(namedJob("billed", PriorityNormal)))
	require.NoError(t, scheduler.Start(context.Background()))

	collect(t, completed, 1)

	stopScheduler(t, scheduler)

	assert.InDelta(t, 2, scheduler.Costs().TotalSpent(), 0.001)
}

func TestScheduler_BatchPolicyRunsEverything(t *testing.T) {
	reg, completed := schedulerRegistry(t)
	scheduler := NewSmartScheduler(slog.Default(), reg, SchedulerConfig{
		Policy:        PolicyBatch,
		Workers:       1,
		BatchStrategy: BatchBySimilarity,
		MaxBatchSize:  2,
		PollTimeout:   100 * time.Millisecond,
	})

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, scheduler.Submit(namedJob(name, PriorityNormal)))
	}

	require.NoError(t, scheduler.Start(context.Background()))

	names := collect(t, completed, 3)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, names)

	stopScheduler(t, scheduler)
}

func TestStop_Idempotent(t *testing.T) {
	reg, _ := schedulerRegistry(t)
	scheduler := NewSmartScheduler(slog.Default(), reg, SchedulerConfig{Workers: 1})

	require.NoError(t, scheduler.Start(context.Background()))

	stopScheduler(t, scheduler)
	stopScheduler(t, scheduler)
}

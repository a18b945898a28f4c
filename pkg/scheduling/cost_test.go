package scheduling

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatOptimizer(budget float64) *CostOptimizer {
	return NewCostOptimizer(slog.Default(), CostConfig{
		Model:    CostModelFlat,
		FlatRate: 10,
		Budget:   budget,
		Window:   time.Hour,
	})
}

func TestEstimateCost_FlatScalesByPriority(t *testing.T) {
	optimizer := flatOptimizer(0)

	normal := NewJob("normal", "log", PriorityNormal)
	cost, err := optimizer.EstimateCost(normal)
	require.NoError(t, err)
	assert.InDelta(t, 10, cost, 0.001)

	critical := NewJob("critical", "log", PriorityCritical)
	cost, err = optimizer.EstimateCost(critical)
	require.NoError(t, err)
	assert.InDelta(t, 20, cost, 0.001)

	background := NewJob("background", "log", PriorityBackground)
	cost, err = optimizer.EstimateCost(background)
	require.NoError(t, err)
	assert.InDelta(t, 5, cost, 0.001)
}

func TestEstimateCost_TimeModel(t *testing.T) {
	optimizer := NewCostOptimizer(slog.Default(), CostConfig{
		Model:    CostModelTime,
		TimeRate: 2,
	})

	job := NewJob("timed", "log", PriorityNormal)
	job.EstimatedDuration = 30 * time.Second

	cost, err := optimizer.EstimateCost(job)
	require.NoError(t, err)
	assert.InDelta(t, 60, cost, 0.001)
}

func TestEstimateCost_ResourceModel(t *testing.T) {
	optimizer := NewCostOptimizer(slog.Default(), CostConfig{
		Model:        CostModelResource,
		ResourceRate: map[string]float64{"cpu": 3, "memory_gb": 1},
	})

	job := NewJob("heavy", "log", PriorityNormal)
	job.Resources = map[string]float64{"cpu": 2, "memory_gb": 4}

	cost, err := optimizer.EstimateCost(job)
	require.NoError(t, err)
	assert.InDelta(t, 10, cost, 0.001)
}

func TestEstimateCost_APIModel(t *testing.T) {
	optimizer := NewCostOptimizer(slog.Default(), CostConfig{
		Model:   CostModelAPI,
		APIRate: 0.5,
	})

	job := NewJob("caller", "http_request", PriorityNormal)
	job.Payload = map[string]any{"api_calls": float64(8)}

	cost, err := optimizer.EstimateCost(job)
	require.NoError(t, err)
	assert.InDelta(t, 4, cost, 0.001)
}

func TestEstimateCost_TieredHighestThresholdWins(t *testing.T) {
	optimizer := NewCostOptimizer(slog.Default(), CostConfig{
		Model: CostModelTiered,
		Tiers: []CostTier{
			{Threshold: 0, Rate: 1},
			{Threshold: 10, Rate: 0.5},
		},
	})

	light := NewJob("light", "log", PriorityNormal)
	light.Resources = map[string]float64{"cpu": 4}

	cost, err := optimizer.EstimateCost(light)
	require.NoError(t, err)
	assert.InDelta(t, 4, cost, 0.001)

	heavy := NewJob("heavy", "log", PriorityNormal)
	heavy.Resources = map[string]float64{"cpu": 20}

	cost, err = optimizer.EstimateCost(heavy)
	require.NoError(t, err)
	assert.InDelta(t, 10, cost, 0.001)
}

func TestEstimateCost_CustomModel(t *testing.T) {
	optimizer := NewCostOptimizer(slog.Default(), CostConfig{
		Model:  CostModelCustom,
		Custom: func(job *Job) float64 { return 7 },
	})

	job := NewJob("custom", "log", PriorityNormal)

	cost, err := optimizer.EstimateCost(job)
	require.NoError(t, err)
	assert.InDelta(t, 7, cost, 0.001)
}

func TestEstimateCost_CustomModelMissingFunc(t *testing.T) {
	optimizer := NewCostOptimizer(slog.Default(), CostConfig{Model: CostModelCustom})

	_, err := optimizer.EstimateCost(NewJob("bad", "log", PriorityNormal))
	require.Error(t, err)
}

func TestCanAfford_BudgetWindow(t *testing.T) {
	optimizer := flatOptimizer(25)

	job := NewJob("spender", "log", PriorityNormal)

	affordable, cost, err := optimizer.CanAfford(job)
	require.NoError(t, err)
	assert.True(t, affordable)
	assert.InDelta(t, 10, cost, 0.001)

	optimizer.RecordSpend(cost)
	optimizer.RecordSpend(cost)

	affordable, _, err = optimizer.CanAfford(job)
	require.NoError(t, err)
	assert.False(t, affordable)

	remaining, capped := optimizer.RemainingBudget()
	require.True(t, capped)
	assert.InDelta(t, 5, remaining, 0.001)

	assert.InDelta(t, 20, optimizer.TotalSpent(), 0.001)
}

func TestCanAfford_NoBudgetAdmitsEverything(t *testing.T) {
	optimizer := flatOptimizer(0)

	affordable, _, err := optimizer.CanAfford(NewJob("free", "log", PriorityCritical))
	require.NoError(t, err)
	assert.True(t, affordable)

	_, capped := optimizer.RemainingBudget()
	assert.False(t, capped)
}

func TestBudgetWindow_LazyReset(t *testing.T) {
	optimizer := NewCostOptimizer(slog.Default(), CostConfig{
		Model:    CostModelFlat,
		FlatRate: 10,
		Budget:   10,
		Window:   20 * time.Millisecond,
	})

	job := NewJob("windowed", "log", PriorityNormal)

	affordable, cost, err := optimizer.CanAfford(job)
	require.NoError(t, err)
	require.True(t, affordable)
	optimizer.RecordSpend(cost)

	affordable, _, err = optimizer.CanAfford(job)
	require.NoError(t, err)
	require.False(t, affordable)

	time.Sleep(30 * time.Millisecond)

	affordable, _, err = optimizer.CanAfford(job)
	require.NoError(t, err)
	assert.True(t, affordable)
}

func TestOptimizeSchedule_ValueDensityOrder(t *testing.T) {
	optimizer := NewCostOptimizer(slog.Default(), CostConfig{
		Model:        CostModelResource,
		ResourceRate: map[string]float64{"cpu": 1},
	})

	// Critical: value 5, cost 10x2.0 -> density 0.25.
	expensive := NewJob("expensive", "log", PriorityCritical)
	expensive.Resources = map[string]float64{"cpu": 10}

	// Normal: value 3, cost 1x1.0 -> density 3.
	cheap := NewJob("cheap", "log", PriorityNormal)
	cheap.Resources = map[string]float64{"cpu": 1}

	// Background with no resources costs nothing and sorts first.
	free := NewJob("free", "log", PriorityBackground)

	ordered, err := optimizer.OptimizeSchedule([]*Job{expensive, cheap, free})
	require.NoError(t, err)
	require.Len(t, ordered, 3)

	assert.Equal(t, "free", ordered[0].Name)
	assert.Equal(t, "cheap", ordered[1].Name)
	assert.Equal(t, "expensive", ordered[2].Name)
}

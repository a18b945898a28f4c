package scheduling

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// CostModel names a pricing scheme for job execution.
type CostModel string

const (
	CostModelFlat     CostModel = "flat"
	CostModelTime     CostModel = "time"
	CostModelResource CostModel = "resource"
	CostModelAPI      CostModel = "api_calls"
	CostModelTiered   CostModel = "tiered"
	CostModelCustom   CostModel = "custom"
)

// CostTier prices usage above a threshold; tiers are evaluated highest
// threshold first and the first match wins.
type CostTier struct {
	Threshold float64 `json:"threshold"`
	Rate      float64 `json:"rate"`
}

// CostFunc prices a job under the custom model.
type CostFunc func(job *Job) float64

// CostConfig parameterizes the optimizer.
type CostConfig struct {
	Model        CostModel
	FlatRate     float64            // cost per job under the flat model
	TimeRate     float64            // cost per estimated second under the time model
	ResourceRate map[string]float64 // cost per unit per resource under the resource model
	APIRate      float64            // cost per api call (payload key "api_calls")
	Tiers        []CostTier         // tiered model over resource sum
	Custom       CostFunc

	// Budget caps spend per rolling Window. Zero budget disables admission
	// control.
	Budget float64
	Window time.Duration
}

// priorityMultiplier scales cost by urgency: critical work is priced up so
// budgets bias toward batching background load.
var priorityMultiplier = map[JobPriority]float64{
	PriorityCritical:   2.0,
	PriorityHigh:       1.5,
	PriorityNormal:     1.0,
	PriorityLow:        0.8,
	PriorityBackground: 0.5,
}

// CostOptimizer prices jobs and enforces a rolling budget window. The window
// resets lazily: spend is zeroed on the first admission check after the
// window elapses rather than by a background timer.
type CostOptimizer struct {
	mu     sync.Mutex
	logger *slog.Logger
	cfg    CostConfig

	spent       float64
	windowStart time.Time
	totalSpent  float64
	priced      int
}

func NewCostOptimizer(logger *slog.Logger, cfg CostConfig) *CostOptimizer {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}

	return &CostOptimizer{
		logger:      logger.With("module", "cost_optimizer"),
		cfg:         cfg,
		windowStart: time.Now().UTC(),
	}
}

// EstimateCost prices a job under the configured model, scaled by the
// priority multiplier.
func (o *CostOptimizer) EstimateCost(job *Job) (float64, error) {
	base, err := o.baseCost(job)
	if err != nil {
		return 0, err
	}

	multiplier, ok := priorityMultiplier[job.Priority]
	if !ok {
		multiplier = 1.0
	}

	return base * multiplier, nil
}

func (o *CostOptimizer) baseCost(job *Job) (float64, error) {
	switch o.cfg.Model {
	case CostModelFlat:
		return o.cfg.FlatRate, nil

	case CostModelTime:
		return o.cfg.TimeRate * job.EstimatedDuration.Seconds(), nil

	case CostModelResource:
		var total float64
		for name, qty := range job.Resources {
			total += o.cfg.ResourceRate[name] * qty
		}

		return total, nil

	case CostModelAPI:
		calls, _ := job.Payload["api_calls"].(float64)

		return o.cfg.APIRate * calls, nil

	case CostModelTiered:
		usage := job.ResourceSum()

		tiers := append([]CostTier(nil), o.cfg.Tiers...)
		sort.Slice(tiers, func(i, j int) bool { return tiers[i].Threshold > tiers[j].Threshold })

		for _, tier := range tiers {
			if usage >= tier.Threshold {
				return tier.Rate * usage, nil
			}
		}

		return 0, nil

	case CostModelCustom:
		if o.cfg.Custom == nil {
			return 0, fmt.Errorf("custom cost model has no cost function")
		}

		return o.cfg.Custom(job), nil

	default:
		return 0, fmt.Errorf("unknown cost model %q", o.cfg.Model)
	}
}

// CanAfford reports whether running the job fits the remaining budget of the
// current window. With no budget configured everything is affordable.
func (o *CostOptimizer) CanAfford(job *Job) (bool, float64, error) {
	cost, err := o.EstimateCost(job)
	if err != nil {
		return false, 0, err
	}

	if o.cfg.Budget <= 0 {
		return true, cost, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.maybeResetWindowLocked()

	return o.spent+cost <= o.cfg.Budget, cost, nil
}

// RecordSpend charges the window after a job ran.
func (o *CostOptimizer) RecordSpend(cost float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.maybeResetWindowLocked()

	o.spent += cost
	o.totalSpent += cost
	o.priced++
}

// RemainingBudget returns what is left in the current window; with no budget
// configured it returns 0 and false.
func (o *CostOptimizer) RemainingBudget() (float64, bool) {
	if o.cfg.Budget <= 0 {
		return 0, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.maybeResetWindowLocked()

	remaining := o.cfg.Budget - o.spent
	if remaining < 0 {
		remaining = 0
	}

	return remaining, true
}

// TotalSpent returns lifetime spend across all windows.
func (o *CostOptimizer) TotalSpent() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.totalSpent
}

func (o *CostOptimizer) maybeResetWindowLocked() {
	now := time.Now().UTC()

	if now.Sub(o.windowStart) >= o.cfg.Window {
		o.logger.Debug("Budget window reset",
			"window_spend", o.spent, "window_start", o.windowStart)

		o.spent = 0
		o.windowStart = now
	}
}

// OptimizeSchedule orders jobs by value density: urgency (inverted rank plus
// one, so background work still has positive value) divided by cost. Free
// jobs sort first within their urgency class. The input slice is not
// modified.
func (o *CostOptimizer) OptimizeSchedule(jobs []*Job) ([]*Job, error) {
	type scored struct {
		job     *Job
		density float64
	}

	out := make([]scored, 0, len(jobs))

	for _, job := range jobs {
		cost, err := o.EstimateCost(job)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.ID, err)
		}

		value := float64(PriorityBackground-job.Priority) + 1

		density := value
		if cost > 0 {
			density = value / cost
		} else {
			// Free jobs outrank any priced job of equal or lower urgency.
			density = value * 1e9
		}

		out = append(out, scored{job: job, density: density})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].density != out[j].density {
			return out[i].density > out[j].density
		}

		return out[i].job.ID < out[j].job.ID
	})

	ordered := make([]*Job, len(out))
	for i, s := range out {
		ordered[i] = s.job
	}

	return ordered, nil
}

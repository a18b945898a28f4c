package scheduling

import (
	"log/slog"
	"sort"
	"time"

	"github.com/skein-dev/skein/pkg/expressions"
)

// starvationThresholdSeconds controls how fast a waiting job's effective
// rank decays toward critical. A job that has waited exactly this long has
// its rank halved.
const starvationThresholdSeconds = 300.0

// PriorityRule adjusts a job's effective rank when its expression matches.
// Expressions see the job's feature snapshot: queue_time, retry_count,
// deadline_remaining, resource_sum, dependency_count, priority.
type PriorityRule struct {
	Name       string  `json:"name"`
	Expression string  `json:"expression"`
	Adjustment float64 `json:"adjustment"` // added to the effective rank, negative boosts
}

// PriorityScheduler computes effective priorities. The static rank decays
// toward critical with queue time so low-priority jobs cannot starve, and
// operator-defined rules shift the result further.
type PriorityScheduler struct {
	logger      *slog.Logger
	expressions *expressions.Engine
	rules       []PriorityRule
	threshold   float64
}

func NewPriorityScheduler(logger *slog.Logger, engine *expressions.Engine) *PriorityScheduler {
	return &PriorityScheduler{
		logger:      logger.With("module", "priority_scheduler"),
		expressions: engine,
		threshold:   starvationThresholdSeconds,
	}
}

// AddRule appends a scoring rule. Rules are applied in registration order.
func (s *PriorityScheduler) AddRule(rule PriorityRule) {
	s.rules = append(s.rules, rule)
}

// EffectivePriority returns the dynamic rank of a job at time now. Lower is
// more urgent. The decay keeps ordering stable for jobs enqueued together
// while guaranteeing any waiting job eventually outranks fresh arrivals of a
// higher static level.
func (s *PriorityScheduler) EffectivePriority(job *Job, now time.Time) float64 {
	queueTime := job.QueueTime(now).Seconds()
	if queueTime < 0 {
		queueTime = 0
	}

	rank := float64(job.Priority) * s.threshold / (s.threshold + queueTime)

	env := s.featureEnv(job, now, queueTime)

	for _, rule := range s.rules {
		match, err := s.expressions.EvaluateBool(rule.Expression, env)
		if err != nil {
			s.logger.Warn("Priority rule evaluation failed",
				"rule", rule.Name, "job_id", job.ID, "error", err)

			continue
		}

		if match {
			rank += rule.Adjustment
		}
	}

	if rank < float64(PriorityCritical) {
		rank = float64(PriorityCritical)
	}

	if rank > float64(PriorityBackground) {
		rank = float64(PriorityBackground)
	}

	return rank
}

// Rank orders jobs by effective priority, most urgent first. Ties fall back
// to creation time, then id, so the order is deterministic.
func (s *PriorityScheduler) Rank(jobs []*Job, now time.Time) []*Job {
	type scored struct {
		job  *Job
		rank float64
	}

	out := make([]scored, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, scored{job: job, rank: s.EffectivePriority(job, now)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank < out[j].rank
		}

		if !out[i].job.CreatedAt.Equal(out[j].job.CreatedAt) {
			return out[i].job.CreatedAt.Before(out[j].job.CreatedAt)
		}

		return out[i].job.ID < out[j].job.ID
	})

	ranked := make([]*Job, len(out))
	for i, s := range out {
		ranked[i] = s.job
	}

	return ranked
}

// PromotionTarget returns the static rank a waiting job should be promoted
// to: one level per full threshold spent waiting. ok is false when the job
// keeps its rank.
func (s *PriorityScheduler) PromotionTarget(job *Job, now time.Time) (JobPriority, bool) {
	if job.Priority == PriorityCritical {
		return job.Priority, false
	}

	levels := int(job.QueueTime(now).Seconds() / s.threshold)
	if levels <= 0 {
		return job.Priority, false
	}

	target := job.Priority - JobPriority(levels)
	if target < PriorityCritical {
		target = PriorityCritical
	}

	return target, target < job.Priority
}

// PreventStarvation promotes the static rank of jobs that have waited past
// the threshold. Returns the ids promoted. Unlike the decay, this changes
// the job's stored priority, so the plain priority queue honors it too.
func (s *PriorityScheduler) PreventStarvation(jobs []*Job, now time.Time) []string {
	promoted := make([]string, 0)

	for _, job := range jobs {
		target, ok := s.PromotionTarget(job, now)
		if !ok {
			continue
		}

		s.logger.Info("Promoting starved job",
			"job_id", job.ID,
			"from", job.Priority.String(),
			"to", target.String())

		job.Priority = target

		promoted = append(promoted, job.ID)
	}

	return promoted
}

func (s *PriorityScheduler) featureEnv(job *Job, now time.Time, queueTime float64) map[string]any {
	deadlineRemaining := 0.0
	hasDeadline := false

	if remaining, ok := job.DeadlineRemaining(now); ok {
		deadlineRemaining = remaining
		hasDeadline = true
	}

	return map[string]any{
		"queue_time":         queueTime,
		"retry_count":        job.RetryCount,
		"deadline_remaining": deadlineRemaining,
		"has_deadline":       hasDeadline,
		"resource_sum":       job.ResourceSum(),
		"dependency_count":   len(job.Dependencies),
		"priority":           int(job.Priority),
	}
}

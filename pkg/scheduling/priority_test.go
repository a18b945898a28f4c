package scheduling

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/expressions"
)

func newPriorityScheduler() *PriorityScheduler {
	return NewPriorityScheduler(slog.Default(), expressions.NewEngine())
}

func agedJob(name string, priority JobPriority, waited time.Duration, now time.Time) *Job {
	job := NewJob(name, "log", PriorityNormal)
	job.Priority = priority
	job.CreatedAt = now.Add(-waited)

	return job
}

func TestEffectivePriority_FreshJobKeepsStaticRank(t *testing.T) {
	scheduler := newPriorityScheduler()
	now := time.Now().UTC()

	job := agedJob("fresh", PriorityLow, 0, now)

	assert.InDelta(t, float64(PriorityLow), scheduler.EffectivePriority(job, now), 0.01)
}

func TestEffectivePriority_DecaysWithQueueTime(t *testing.T) {
	scheduler := newPriorityScheduler()
	now := time.Now().UTC()

	job := agedJob("aging", PriorityBackground, 5*time.Minute, now)

	// Waiting exactly one threshold halves the rank.
	assert.InDelta(t, float64(PriorityBackground)/2, scheduler.EffectivePriority(job, now), 0.01)
}

func TestEffectivePriority_LongerWaitAlwaysBetterRank(t *testing.T) {
	scheduler := newPriorityScheduler()
	now := time.Now().UTC()

	job := agedJob("aging", PriorityLow, 0, now)

	previous := scheduler.EffectivePriority(job, now)

	for _, waited := range []time.Duration{time.Minute, 10 * time.Minute, time.Hour, 12 * time.Hour} {
		job.CreatedAt = now.Add(-waited)

		rank := scheduler.EffectivePriority(job, now)
		assert.Less(t, rank, previous, "waited %s", waited)
		previous = rank
	}
}

func TestEffectivePriority_ClampedToValidRange(t *testing.T) {
	scheduler := newPriorityScheduler()
	scheduler.AddRule(PriorityRule{
		Name:       "huge-boost",
		Expression: "true",
		Adjustment: -100,
	})

	now := time.Now().UTC()
	job := agedJob("boosted", PriorityBackground, 0, now)

	assert.Equal(t, float64(PriorityCritical), scheduler.EffectivePriority(job, now))
}

func TestEffectivePriority_RulesOverFeatures(t *testing.T) {
	scheduler := newPriorityScheduler()
	scheduler.AddRule(PriorityRule{
		Name:       "deadline-boost",
		Expression: "has_deadline && deadline_remaining < 60",
		Adjustment: -2,
	})

	now := time.Now().UTC()

	urgent := agedJob("urgent", PriorityNormal, 0, now)
	deadline := now.Add(30 * time.Second)
	urgent.Deadline = &deadline

	relaxed := agedJob("relaxed", PriorityNormal, 0, now)

	assert.Less(t, scheduler.EffectivePriority(urgent, now), scheduler.EffectivePriority(relaxed, now))
}

func TestEffectivePriority_BrokenRuleIgnored(t *testing.T) {
	scheduler := newPriorityScheduler()
	scheduler.AddRule(PriorityRule{
		Name:       "broken",
		Expression: "queue_time +",
		Adjustment: -1,
	})

	now := time.Now().UTC()
	job := agedJob("steady", PriorityNormal, 0, now)

	assert.InDelta(t, float64(PriorityNormal), scheduler.EffectivePriority(job, now), 0.01)
}

func TestRank_Deterministic(t *testing.T) {
	scheduler := newPriorityScheduler()
	now := time.Now().UTC()

	low := agedJob("low", PriorityLow, 0, now)
	highOld := agedJob("high-old", PriorityHigh, time.Minute, now)
	highNew := agedJob("high-new", PriorityHigh, time.Second, now)

	ranked := scheduler.Rank([]*Job{low, highNew, highOld}, now)

	require.Len(t, ranked, 3)
	assert.Equal(t, "high-old", ranked[0].Name)
	assert.Equal(t, "high-new", ranked[1].Name)
	assert.Equal(t, "low", ranked[2].Name)
}

func TestPromotionTarget(t *testing.T) {
	scheduler := newPriorityScheduler()
	now := time.Now().UTC()

	fresh := agedJob("fresh", PriorityLow, time.Minute, now)
	_, ok := scheduler.PromotionTarget(fresh, now)
	assert.False(t, ok)

	aged := agedJob("aged", PriorityLow, 6*time.Minute, now)
	target, ok := scheduler.PromotionTarget(aged, now)
	require.True(t, ok)
	assert.Equal(t, PriorityNormal, target)

	ancient := agedJob("ancient", PriorityBackground, time.Hour, now)
	target, ok = scheduler.PromotionTarget(ancient, now)
	require.True(t, ok)
	assert.Equal(t, PriorityCritical, target)

	critical := agedJob("critical", PriorityCritical, time.Hour, now)
	_, ok = scheduler.PromotionTarget(critical, now)
	assert.False(t, ok)
}

func TestPreventStarvation_PromotesInPlace(t *testing.T) {
	scheduler := newPriorityScheduler()
	now := time.Now().UTC()

	starved := agedJob("starved", PriorityBackground, 11*time.Minute, now)
	fresh := agedJob("fresh", PriorityBackground, time.Second, now)

	promoted := scheduler.PreventStarvation([]*Job{starved, fresh}, now)

	assert.Equal(t, []string{starved.ID}, promoted)
	assert.Equal(t, PriorityNormal, starved.Priority)
	assert.Equal(t, PriorityBackground, fresh.Priority)
}

package scheduling

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// BatchStrategy selects how jobs are grouped for dispatch.
type BatchStrategy string

const (
	BatchBySize       BatchStrategy = "size"
	BatchByTime       BatchStrategy = "time"
	BatchBySimilarity BatchStrategy = "similarity"
	BatchByResources  BatchStrategy = "resources"
	BatchByPriority   BatchStrategy = "priority"
)

// Batch is a group of jobs dispatched together.
type Batch struct {
	ID        string        `json:"id"`
	Strategy  BatchStrategy `json:"strategy"`
	Jobs      []*Job        `json:"jobs"`
	CreatedAt time.Time     `json:"created_at"`
}

// Resources sums the resource demand of every job in the batch.
func (b *Batch) Resources() map[string]float64 {
	total := make(map[string]float64)

	for _, job := range b.Jobs {
		for name, qty := range job.Resources {
			total[name] += qty
		}
	}

	return total
}

// BatchProcessor groups queued jobs into batches. Grouping never reorders
// across priority: a batch only ever contains jobs of a single rank, so
// batching cannot delay a critical job behind background work.
type BatchProcessor struct {
	logger       *slog.Logger
	maxBatchSize int
	maxWait      time.Duration
}

func NewBatchProcessor(logger *slog.Logger, maxBatchSize int, maxWait time.Duration) *BatchProcessor {
	if maxBatchSize < 1 {
		maxBatchSize = 1
	}

	return &BatchProcessor{
		logger:       logger.With("module", "batch_processor"),
		maxBatchSize: maxBatchSize,
		maxWait:      maxWait,
	}
}

// Group partitions jobs according to the strategy. resourceBudget is only
// consulted by the resources strategy and may be nil otherwise.
func (p *BatchProcessor) Group(jobs []*Job, strategy BatchStrategy, resourceBudget map[string]float64) ([]*Batch, error) {
	switch strategy {
	case BatchBySize:
		return p.groupBySize(jobs), nil
	case BatchByTime:
		return p.groupByTime(jobs), nil
	case BatchBySimilarity:
		return p.groupByKey(jobs, BatchBySimilarity, func(j *Job) string { return j.HandlerKey }), nil
	case BatchByPriority:
		return p.groupByKey(jobs, BatchByPriority, func(j *Job) string { return j.Priority.String() }), nil
	case BatchByResources:
		return p.groupByResources(jobs, resourceBudget), nil
	default:
		return nil, fmt.Errorf("unknown batch strategy %q", strategy)
	}
}

// AutoBatch groups greedily by (priority, handler), splitting at the size
// cap. Jobs that share nothing batchable end up in singleton batches.
func (p *BatchProcessor) AutoBatch(jobs []*Job) []*Batch {
	return p.groupByKey(jobs, BatchBySimilarity, func(j *Job) string {
		return fmt.Sprintf("%d/%s", j.Priority, j.HandlerKey)
	})
}

func (p *BatchProcessor) groupBySize(jobs []*Job) []*Batch {
	ordered := sortedByArrival(jobs)
	batches := make([]*Batch, 0)

	for start := 0; start < len(ordered); start += p.maxBatchSize {
		end := start + p.maxBatchSize
		if end > len(ordered) {
			end = len(ordered)
		}

		batches = append(batches, p.newBatch(BatchBySize, ordered[start:end]))
	}

	return batches
}

// groupByTime buckets jobs created within one maxWait window of the bucket's
// oldest member.
func (p *BatchProcessor) groupByTime(jobs []*Job) []*Batch {
	ordered := sortedByArrival(jobs)
	batches := make([]*Batch, 0)

	var current []*Job

	var windowStart time.Time

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, p.newBatch(BatchByTime, current))
			current = nil
		}
	}

	for _, job := range ordered {
		if len(current) == 0 {
			windowStart = job.CreatedAt
		}

		if job.CreatedAt.Sub(windowStart) > p.maxWait || len(current) >= p.maxBatchSize {
			flush()

			windowStart = job.CreatedAt
		}

		current = append(current, job)
	}

	flush()

	return batches
}

func (p *BatchProcessor) groupByKey(jobs []*Job, strategy BatchStrategy, key func(*Job) string) []*Batch {
	groups := make(map[string][]*Job)
	keys := make([]string, 0)

	for _, job := range sortedByArrival(jobs) {
		k := key(job)

		if _, seen := groups[k]; !seen {
			keys = append(keys, k)
		}

		groups[k] = append(groups[k], job)
	}

	sort.Strings(keys)

	batches := make([]*Batch, 0)

	for _, k := range keys {
		group := groups[k]

		for start := 0; start < len(group); start += p.maxBatchSize {
			end := start + p.maxBatchSize
			if end > len(group) {
				end = len(group)
			}

			batches = append(batches, p.newBatch(strategy, group[start:end]))
		}
	}

	return batches
}

// groupByResources packs jobs first-fit into batches whose combined demand
// stays within budget. A single job exceeding the budget gets its own batch
// and is left for the allocator to reject or wait on.
func (p *BatchProcessor) groupByResources(jobs []*Job, budget map[string]float64) []*Batch {
	ordered := sortedByArrival(jobs)
	batches := make([]*Batch, 0)

	current := make([]*Job, 0)
	used := make(map[string]float64)

	fits := func(job *Job) bool {
		if len(current) >= p.maxBatchSize {
			return false
		}

		for name, qty := range job.Resources {
			if limit, ok := budget[name]; ok && used[name]+qty > limit {
				return false
			}
		}

		return true
	}

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, p.newBatch(BatchByResources, current))
			current = make([]*Job, 0)
			used = make(map[string]float64)
		}
	}

	for _, job := range ordered {
		if len(current) > 0 && !fits(job) {
			flush()
		}

		current = append(current, job)

		for name, qty := range job.Resources {
			used[name] += qty
		}
	}

	flush()

	return batches
}

func (p *BatchProcessor) newBatch(strategy BatchStrategy, jobs []*Job) *Batch {
	batch := &Batch{
		ID:        "batch-" + uuid.New().String(),
		Strategy:  strategy,
		Jobs:      append([]*Job(nil), jobs...),
		CreatedAt: time.Now().UTC(),
	}

	p.logger.Debug("Formed batch",
		"batch_id", batch.ID, "strategy", strategy, "size", len(batch.Jobs))

	return batch
}

func sortedByArrival(jobs []*Job) []*Job {
	out := append([]*Job(nil), jobs...)

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out
}

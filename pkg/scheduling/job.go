// Package scheduling implements the smart job scheduler: a priority queue
// with dynamic priority decay, resource-aware admission, batching and cost
// control on top.
package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// JobPriority ranks jobs. Lower rank is more urgent.
type JobPriority int

const (
	PriorityCritical   JobPriority = 0
	PriorityHigh       JobPriority = 1
	PriorityNormal     JobPriority = 2
	PriorityLow        JobPriority = 3
	PriorityBackground JobPriority = 4
)

var priorityNames = map[JobPriority]string{
	PriorityCritical:   "critical",
	PriorityHigh:       "high",
	PriorityNormal:     "normal",
	PriorityLow:        "low",
	PriorityBackground: "background",
}

func (p JobPriority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}

	return "unknown"
}

// Valid reports whether the rank is one of the five defined levels.
func (p JobPriority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority maps a priority name to its rank. Unknown names fall back to
// normal so external submissions cannot smuggle in out-of-range ranks.
func ParsePriority(name string) JobPriority {
	for rank, n := range priorityNames {
		if n == name {
			return rank
		}
	}

	return PriorityNormal
}

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimeout   JobStatus = "timeout"
	JobStatusPaused    JobStatus = "paused"
)

// Job is one schedulable unit of work. HandlerKey resolves the executable
// through the same registry workflows use; Payload is handed to the handler
// as its inputs.
type Job struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	HandlerKey string         `json:"handler_key"`
	Payload    map[string]any `json:"payload,omitempty"`
	Priority   JobPriority    `json:"priority"`
	Status     JobStatus      `json:"status"`

	// Resources the job must hold while running, e.g. {"cpu": 2, "memory_gb": 4}.
	Resources map[string]float64 `json:"resources,omitempty"`

	// Dependencies lists job ids that must complete before this one is
	// eligible for dispatch.
	Dependencies []string `json:"dependencies,omitempty"`

	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	Deadline          *time.Time    `json:"deadline,omitempty"`
	MaxRetries        int           `json:"max_retries"`
	RetryCount        int           `json:"retry_count"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Error  string         `json:"error,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// NewJob builds a queued job with a generated id.
func NewJob(name, handlerKey string, priority JobPriority) *Job {
	return &Job{
		ID:         "job-" + uuid.New().String(),
		Name:       name,
		HandlerKey: handlerKey,
		Priority:   priority,
		Status:     JobStatusQueued,
		CreatedAt:  time.Now().UTC(),
	}
}

// QueueTime is how long the job has been waiting since creation, or the
// waiting span if it already started.
func (j *Job) QueueTime(now time.Time) time.Duration {
	if j.StartedAt != nil {
		return j.StartedAt.Sub(j.CreatedAt)
	}

	return now.Sub(j.CreatedAt)
}

// DeadlineRemaining returns the seconds until the deadline, negative when
// already missed, and +Inf semantics via ok=false when no deadline is set.
func (j *Job) DeadlineRemaining(now time.Time) (float64, bool) {
	if j.Deadline == nil {
		return 0, false
	}

	return j.Deadline.Sub(now).Seconds(), true
}

// ResourceSum is the total of all requested resource quantities, used as a
// cheap weight feature for dynamic priority rules.
func (j *Job) ResourceSum() float64 {
	var sum float64
	for _, qty := range j.Resources {
		sum += qty
	}

	return sum
}

// IsTerminal reports whether the job reached a final status.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	default:
		return false
	}
}

// Ready reports whether every dependency id appears in completed.
func (j *Job) Ready(completed map[string]bool) bool {
	for _, dep := range j.Dependencies {
		if !completed[dep] {
			return false
		}
	}

	return true
}

// Clone deep-copies the job.
func (j *Job) Clone() *Job {
	clone := *j

	if j.Payload != nil {
		clone.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			clone.Payload[k] = v
		}
	}

	if j.Resources != nil {
		clone.Resources = make(map[string]float64, len(j.Resources))
		for k, v := range j.Resources {
			clone.Resources[k] = v
		}
	}

	if j.Dependencies != nil {
		clone.Dependencies = append([]string(nil), j.Dependencies...)
	}

	if j.Result != nil {
		clone.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			clone.Result[k] = v
		}
	}

	return &clone
}

// QueueMetrics is a point-in-time snapshot of queue health.
type QueueMetrics struct {
	Queued         int                 `json:"queued"`
	Running        int                 `json:"running"`
	Completed      int                 `json:"completed"`
	Failed         int                 `json:"failed"`
	ByPriority     map[string]int      `json:"by_priority"`
	OldestQueuedAt *time.Time          `json:"oldest_queued_at,omitempty"`
	AvgWaitSeconds map[string]float64  `json:"avg_wait_seconds,omitempty"`
}

package scheduling

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// queuedJob is a heap entry. The index is maintained by the heap interface so
// a specific entry can be removed in O(log n).
type queuedJob struct {
	job        *Job
	enqueuedAt time.Time
	index      int

	// rank records which per-priority heap holds the entry, so promotion
	// can move it even after job.Priority changed.
	rank JobPriority
}

// jobHeap orders entries by enqueue time, oldest first. Priority ordering is
// handled one level up: the queue keeps one heap per priority rank.
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].enqueuedAt.Equal(h[j].enqueuedAt) {
		return h[i].enqueuedAt.Before(h[j].enqueuedAt)
	}

	return h[i].job.ID < h[j].job.ID
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	entry := x.(*queuedJob)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]

	return entry
}

// JobQueue is a blocking priority queue. Jobs are stored in one FIFO heap per
// priority rank; GetNext serves the lowest rank with a dependency-ready job.
// Enqueue and completion broadcast to waiting consumers through a replaced
// channel, so waiters never busy-spin.
type JobQueue struct {
	mu      sync.Mutex
	logger  *slog.Logger
	heaps   map[JobPriority]*jobHeap
	entries map[string]*queuedJob
	running map[string]*Job

	// completed holds terminal-success job ids and is what dependency
	// readiness is checked against.
	completed map[string]bool

	completedCount int
	failedCount    int
	waitTotals     map[JobPriority]time.Duration
	waitCounts     map[JobPriority]int

	notify chan struct{}
	closed bool
}

func NewJobQueue(logger *slog.Logger) *JobQueue {
	q := &JobQueue{
		logger:     logger.With("module", "job_queue"),
		heaps:      make(map[JobPriority]*jobHeap),
		entries:    make(map[string]*queuedJob),
		running:    make(map[string]*Job),
		completed:  make(map[string]bool),
		waitTotals: make(map[JobPriority]time.Duration),
		waitCounts: make(map[JobPriority]int),
		notify:     make(chan struct{}),
	}

	for p := PriorityCritical; p <= PriorityBackground; p++ {
		h := make(jobHeap, 0)
		q.heaps[p] = &h
	}

	return q
}

// Enqueue adds a job and wakes waiting consumers.
func (q *JobQueue) Enqueue(job *Job) error {
	if !job.Priority.Valid() {
		return fmt.Errorf("priority %d out of range", job.Priority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if _, exists := q.entries[job.ID]; exists {
		return fmt.Errorf("job %s already queued", job.ID)
	}

	job.Status = JobStatusQueued

	entry := &queuedJob{job: job, enqueuedAt: time.Now().UTC(), rank: job.Priority}
	heap.Push(q.heaps[job.Priority], entry)
	q.entries[job.ID] = entry

	q.broadcastLocked()

	q.logger.Debug("Enqueued job", "job_id", job.ID, "priority", job.Priority.String())

	return nil
}

// GetNext blocks until a dependency-ready job is available, the timeout
// elapses (ErrNoJobAvailable) or the context is done. The returned job is
// marked SCHEDULED and tracked as running until MarkCompleted or MarkFailed.
func (q *JobQueue) GetNext(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()

		if q.closed {
			q.mu.Unlock()

			return nil, ErrQueueClosed
		}

		if job := q.popReadyLocked(); job != nil {
			q.mu.Unlock()

			return job, nil
		}

		wake := q.notify
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoJobAvailable
		}

		timer := time.NewTimer(remaining)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNoJobAvailable
		case <-wake:
			timer.Stop()
		}
	}
}

// TryGetNext is the non-blocking variant.
func (q *JobQueue) TryGetNext() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, false
	}

	job := q.popReadyLocked()

	return job, job != nil
}

// popReadyLocked walks ranks from critical to background. Within a rank it
// pops entries in FIFO order; dependency-blocked entries are pushed back
// after the scan so a blocked head never starves jobs behind it.
func (q *JobQueue) popReadyLocked() *Job {
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		h := q.heaps[p]

		blocked := make([]*queuedJob, 0)

		var picked *queuedJob

		for h.Len() > 0 {
			entry := heap.Pop(h).(*queuedJob)

			if entry.job.Ready(q.completed) {
				picked = entry

				break
			}

			blocked = append(blocked, entry)
		}

		for _, entry := range blocked {
			heap.Push(h, entry)
		}

		if picked != nil {
			return q.dispatchLocked(picked)
		}
	}

	return nil
}

func (q *JobQueue) dispatchLocked(entry *queuedJob) *Job {
	job := entry.job

	delete(q.entries, job.ID)

	now := time.Now().UTC()
	job.Status = JobStatusScheduled
	job.ScheduledAt = &now

	q.waitTotals[job.Priority] += now.Sub(entry.enqueuedAt)
	q.waitCounts[job.Priority]++

	q.running[job.ID] = job

	return job
}

// TakeJob removes a specific queued job, bypassing ordering. Used by
// scheduling policies that rescore the queue themselves.
func (q *JobQueue) TakeJob(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}

	heap.Remove(q.heaps[entry.rank], entry.index)

	return q.dispatchLocked(entry), nil
}

// Promote moves a queued job to a more urgent rank, keeping its original
// enqueue time so it lands ahead of newer arrivals at the target rank.
func (q *JobQueue) Promote(id string, target JobPriority) error {
	if !target.Valid() {
		return fmt.Errorf("priority %d out of range", target)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}

	if target >= entry.rank {
		return nil
	}

	heap.Remove(q.heaps[entry.rank], entry.index)

	entry.job.Priority = target
	entry.rank = target
	heap.Push(q.heaps[target], entry)

	q.broadcastLocked()

	return nil
}

// QueuedJobs snapshots every queued job regardless of readiness.
func (q *JobQueue) QueuedJobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Job, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, entry.job)
	}

	return out
}

// WaitReady blocks until at least one dependency-ready job is queued, without
// dispatching it. Policies that rescore candidates themselves use this to
// avoid busy-polling.
func (q *JobQueue) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()

		if q.closed {
			q.mu.Unlock()

			return ErrQueueClosed
		}

		for _, entry := range q.entries {
			if entry.job.Ready(q.completed) {
				q.mu.Unlock()

				return nil
			}
		}

		wake := q.notify
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrNoJobAvailable
		}

		timer := time.NewTimer(remaining)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
			return ErrNoJobAvailable
		case <-wake:
			timer.Stop()
		}
	}
}

// ReadyJobs snapshots every queued job whose dependencies are satisfied.
func (q *JobQueue) ReadyJobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Job, 0)

	for _, entry := range q.entries {
		if entry.job.Ready(q.completed) {
			out = append(out, entry.job)
		}
	}

	return out
}

// MarkCompleted records a successful run and wakes waiters, since jobs
// depending on this one may now be ready.
func (q *JobQueue) MarkCompleted(id string, result map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.running[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}

	delete(q.running, id)

	now := time.Now().UTC()
	job.Status = JobStatusCompleted
	job.CompletedAt = &now
	job.Result = result

	q.completed[id] = true
	q.completedCount++

	q.broadcastLocked()

	return nil
}

// MarkFailed records a failure. While the retry budget lasts the job is
// requeued with a fresh wait clock; after that it goes terminal FAILED.
func (q *JobQueue) MarkFailed(id string, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.running[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}

	delete(q.running, id)

	if jobErr != nil {
		job.Error = jobErr.Error()
	}

	if job.RetryCount < job.MaxRetries && !q.closed {
		job.RetryCount++

		return q.requeueLocked(job)
	}

	now := time.Now().UTC()
	job.Status = JobStatusFailed
	job.CompletedAt = &now
	q.failedCount++

	q.logger.Warn("Job failed terminally",
		"job_id", id, "retries", job.RetryCount, "error", job.Error)

	return nil
}

// Requeue puts a dispatched job back in line, resetting its timing.
func (q *JobQueue) Requeue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	delete(q.running, job.ID)

	return q.requeueLocked(job)
}

func (q *JobQueue) requeueLocked(job *Job) error {
	if _, exists := q.entries[job.ID]; exists {
		return fmt.Errorf("job %s already queued", job.ID)
	}

	now := time.Now().UTC()
	job.Status = JobStatusQueued
	job.CreatedAt = now
	job.ScheduledAt = nil
	job.StartedAt = nil

	entry := &queuedJob{job: job, enqueuedAt: now, rank: job.Priority}
	heap.Push(q.heaps[job.Priority], entry)
	q.entries[job.ID] = entry

	q.broadcastLocked()

	return nil
}

// Job looks up a job in any non-terminal stage.
func (q *JobQueue) Job(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.entries[id]; ok {
		return entry.job, nil
	}

	if job, ok := q.running[id]; ok {
		return job, nil
	}

	return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
}

// Len returns the number of queued (not yet dispatched) jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Metrics snapshots queue health counters.
func (q *JobQueue) Metrics() QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := QueueMetrics{
		Queued:         len(q.entries),
		Running:        len(q.running),
		Completed:      q.completedCount,
		Failed:         q.failedCount,
		ByPriority:     make(map[string]int),
		AvgWaitSeconds: make(map[string]float64),
	}

	var oldest *time.Time

	for _, entry := range q.entries {
		m.ByPriority[entry.job.Priority.String()]++

		if oldest == nil || entry.enqueuedAt.Before(*oldest) {
			t := entry.enqueuedAt
			oldest = &t
		}
	}

	m.OldestQueuedAt = oldest

	for p, total := range q.waitTotals {
		if count := q.waitCounts[p]; count > 0 {
			m.AvgWaitSeconds[p.String()] = total.Seconds() / float64(count)
		}
	}

	return m
}

// Close rejects further enqueues and releases blocked consumers.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.broadcastLocked()
}

// broadcastLocked wakes every waiter by closing the current notify channel
// and installing a fresh one.
func (q *JobQueue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skein-dev/skein/pkg/eventbus"
	"github.com/skein-dev/skein/pkg/events"
	"github.com/skein-dev/skein/pkg/expressions"
	"github.com/skein-dev/skein/pkg/models"
	"github.com/skein-dev/skein/pkg/registry"
)

// SchedulingPolicy selects how the next job is chosen.
type SchedulingPolicy string

const (
	PolicyFIFO     SchedulingPolicy = "fifo"
	PolicyPriority SchedulingPolicy = "priority"
	PolicyDynamic  SchedulingPolicy = "dynamic"
	PolicyCost     SchedulingPolicy = "cost"
	PolicyBatch    SchedulingPolicy = "batch"
)

const (
	defaultWorkers      = 4
	defaultPollTimeout  = 2 * time.Second
	defaultResourceWait = 30 * time.Second
	housekeepingPeriod  = 30 * time.Second
)

// SchedulerConfig wires a SmartScheduler. Resources and Cost are optional;
// without them admission is unconstrained.
type SchedulerConfig struct {
	Policy        SchedulingPolicy
	Workers       int
	Resources     map[string]float64
	Cost          *CostConfig
	BatchStrategy BatchStrategy
	MaxBatchSize  int
	BatchWait     time.Duration
	EventBus      eventbus.EventPublisher
	PollTimeout   time.Duration
	ResourceWait  time.Duration
}

// SmartScheduler pulls jobs from the queue under the configured policy, holds
// their resources for the duration of the run, dispatches through the handler
// registry and settles cost afterwards. Workers are long-lived goroutines;
// Stop drains them.
type SmartScheduler struct {
	logger     *slog.Logger
	registry   *registry.Registry
	queue      *JobQueue
	priorities *PriorityScheduler
	pool       *ResourcePool
	batcher    *BatchProcessor
	costs      *CostOptimizer
	bus        eventbus.EventPublisher

	policy        SchedulingPolicy
	workers       int
	batchStrategy BatchStrategy
	pollTimeout   time.Duration
	resourceWait  time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSmartScheduler(logger *slog.Logger, reg *registry.Registry, cfg SchedulerConfig) *SmartScheduler {
	if cfg.Policy == "" {
		cfg.Policy = PolicyPriority
	}

	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}

	if cfg.ResourceWait <= 0 {
		cfg.ResourceWait = defaultResourceWait
	}

	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}

	if cfg.BatchWait <= 0 {
		cfg.BatchWait = 5 * time.Second
	}

	if cfg.BatchStrategy == "" {
		cfg.BatchStrategy = BatchBySimilarity
	}

	s := &SmartScheduler{
		logger:        logger.With("module", "smart_scheduler"),
		registry:      reg,
		queue:         NewJobQueue(logger),
		priorities:    NewPriorityScheduler(logger, expressions.NewEngine()),
		batcher:       NewBatchProcessor(logger, cfg.MaxBatchSize, cfg.BatchWait),
		bus:           cfg.EventBus,
		policy:        cfg.Policy,
		workers:       cfg.Workers,
		batchStrategy: cfg.BatchStrategy,
		pollTimeout:   cfg.PollTimeout,
		resourceWait:  cfg.ResourceWait,
	}

	if len(cfg.Resources) > 0 {
		s.pool = NewResourcePool(logger, cfg.Resources)
	}

	if cfg.Cost != nil {
		s.costs = NewCostOptimizer(logger, *cfg.Cost)
	}

	return s
}

// Queue exposes the underlying queue for inspection.
func (s *SmartScheduler) Queue() *JobQueue { return s.queue }

// Pool exposes the resource pool, nil when resources are unconstrained.
func (s *SmartScheduler) Pool() *ResourcePool { return s.pool }

// Costs exposes the cost optimizer, nil when cost control is off.
func (s *SmartScheduler) Costs() *CostOptimizer { return s.costs }

// Priorities exposes the priority scheduler so callers can add rules.
func (s *SmartScheduler) Priorities() *PriorityScheduler { return s.priorities }

// Submit admits a job into the queue. Jobs referencing an unknown handler or
// overrunning the budget window are rejected here, before they ever wait.
func (s *SmartScheduler) Submit(job *Job) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	if stopped {
		return ErrSchedulerStopped
	}

	if job.HandlerKey == "" || !s.registry.Has(job.HandlerKey) {
		return fmt.Errorf("job %s references unregistered handler %q", job.ID, job.HandlerKey)
	}

	if s.costs != nil {
		affordable, cost, err := s.costs.CanAfford(job)
		if err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}

		if !affordable {
			return fmt.Errorf("job %s costs %.2f: %w", job.ID, cost, ErrBudgetExceeded)
		}
	}

	return s.queue.Enqueue(job)
}

// Start launches the worker pool and the starvation housekeeping loop.
func (s *SmartScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	if s.stopped {
		return ErrSchedulerStopped
	}

	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)

		go func(worker int) {
			defer s.wg.Done()
			s.workerLoop(ctx, worker)
		}(i)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.housekeepingLoop(ctx)
	}()

	s.logger.InfoContext(ctx, "Scheduler started",
		"policy", string(s.policy), "workers", s.workers)

	return nil
}

// Stop cancels the workers, closes the queue and waits for in-flight jobs.
func (s *SmartScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()

		return nil
	}

	s.stopped = true

	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Unlock()

	s.queue.Close()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.InfoContext(ctx, "Scheduler stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SmartScheduler) workerLoop(ctx context.Context, worker int) {
	logger := s.logger.With("worker", worker)

	for {
		if ctx.Err() != nil {
			return
		}

		if s.policy == PolicyBatch {
			if done := s.runNextBatch(ctx, logger); done {
				return
			}

			continue
		}

		job, err := s.nextJob(ctx)

		switch {
		case errors.Is(err, ErrNoJobAvailable):
			continue
		case errors.Is(err, ErrQueueClosed), errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return
		case err != nil:
			logger.ErrorContext(ctx, "Failed to fetch next job", "error", err)

			continue
		}

		s.runJob(ctx, logger, job)
	}
}

// nextJob selects the next job under the policy. The plain priority policy
// lets the queue decide; the others rescore the ready set and take a
// specific job, blocking on WaitReady when the set is empty.
func (s *SmartScheduler) nextJob(ctx context.Context) (*Job, error) {
	if s.policy == PolicyPriority {
		return s.queue.GetNext(ctx, s.pollTimeout)
	}

	for {
		candidates := s.queue.ReadyJobs()

		if len(candidates) == 0 {
			if err := s.queue.WaitReady(ctx, s.pollTimeout); err != nil {
				return nil, err
			}

			continue
		}

		picked, err := s.pick(candidates)
		if err != nil {
			return nil, err
		}

		job, err := s.queue.TakeJob(picked.ID)
		if errors.Is(err, ErrJobNotFound) {
			// Another worker took it between snapshot and take.
			continue
		}

		return job, err
	}
}

func (s *SmartScheduler) pick(candidates []*Job) (*Job, error) {
	now := time.Now().UTC()

	switch s.policy {
	case PolicyFIFO:
		return sortedByArrival(candidates)[0], nil

	case PolicyDynamic:
		return s.priorities.Rank(candidates, now)[0], nil

	case PolicyCost:
		if s.costs == nil {
			return s.priorities.Rank(candidates, now)[0], nil
		}

		ordered, err := s.costs.OptimizeSchedule(candidates)
		if err != nil {
			return nil, err
		}

		return ordered[0], nil

	default:
		return nil, fmt.Errorf("unknown scheduling policy %q", s.policy)
	}
}

// runNextBatch forms batches over the ready set and runs one batch on this
// worker. Returns true when the worker should exit.
func (s *SmartScheduler) runNextBatch(ctx context.Context, logger *slog.Logger) bool {
	candidates := s.queue.ReadyJobs()

	if len(candidates) == 0 {
		err := s.queue.WaitReady(ctx, s.pollTimeout)

		return errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled)
	}

	var budget map[string]float64
	if s.pool != nil {
		budget = s.pool.Available()
	}

	batches, err := s.batcher.Group(candidates, s.batchStrategy, budget)
	if err != nil || len(batches) == 0 {
		if err != nil {
			logger.ErrorContext(ctx, "Batch formation failed", "error", err)
		}

		return false
	}

	batch := batches[0]
	taken := make([]*Job, 0, len(batch.Jobs))
	ids := make([]string, 0, len(batch.Jobs))

	for _, member := range batch.Jobs {
		job, err := s.queue.TakeJob(member.ID)
		if err != nil {
			continue
		}

		taken = append(taken, job)
		ids = append(ids, job.ID)
	}

	if len(taken) == 0 {
		return false
	}

	s.publish(ctx, events.BatchDispatched{
		BaseEvent: events.NewBaseEvent(events.BatchDispatchedEvent),
		BatchID:   batch.ID,
		JobIDs:    ids,
		Strategy:  string(batch.Strategy),
	})

	for _, job := range taken {
		if ctx.Err() != nil {
			// Jobs not run before shutdown go back for the next start.
			if err := s.queue.Requeue(job); err != nil && !errors.Is(err, ErrQueueClosed) {
				logger.ErrorContext(ctx, "Failed to requeue job", "job_id", job.ID, "error", err)
			}

			continue
		}

		s.runJob(ctx, logger, job)
	}

	return ctx.Err() != nil
}

// runJob takes the job through its full lifecycle: resource acquisition,
// handler dispatch, settlement. Resource exhaustion requeues rather than
// fails, so a temporarily oversubscribed pool only delays the job.
func (s *SmartScheduler) runJob(ctx context.Context, logger *slog.Logger, job *Job) {
	allocation := ""

	if s.pool != nil && len(job.Resources) > 0 {
		id, err := s.pool.WaitForResources(ctx, job.Resources, s.resourceWait)

		switch {
		case errors.Is(err, ErrUnknownResource):
			s.settleFailure(ctx, logger, job, err)

			return
		case errors.Is(err, ErrResourceExhausted):
			logger.WarnContext(ctx, "Resources exhausted, requeueing job",
				"job_id", job.ID, "resources", job.Resources)

			if rqErr := s.queue.Requeue(job); rqErr != nil && !errors.Is(rqErr, ErrQueueClosed) {
				logger.ErrorContext(ctx, "Failed to requeue job", "job_id", job.ID, "error", rqErr)
			}

			return
		case err != nil:
			s.settleFailure(ctx, logger, job, err)

			return
		}

		allocation = id
	}

	if allocation != "" {
		defer func() {
			if err := s.pool.Release(allocation); err != nil {
				logger.ErrorContext(ctx, "Failed to release allocation",
					"allocation_id", allocation, "error", err)
			}
		}()
	}

	now := time.Now().UTC()
	job.Status = JobStatusRunning
	job.StartedAt = &now

	s.publish(ctx, events.JobScheduled{
		BaseEvent: events.NewBaseEvent(events.JobScheduledEvent),
		JobID:     job.ID,
		Priority:  job.Priority.String(),
		QueueTime: job.QueueTime(now).Seconds(),
	})

	handler, err := s.registry.Handler(job.HandlerKey)
	if err != nil {
		s.settleFailure(ctx, logger, job, err)

		return
	}

	jctx := ctx

	var cancel context.CancelFunc

	if job.Deadline != nil {
		jctx, cancel = context.WithDeadline(ctx, *job.Deadline)
	}

	ectx := models.NewExecutionContext(job.ID, job.Payload, nil)

	result, err := handler.Execute(jctx, job.Payload, ectx)

	if cancel != nil {
		cancel()
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && job.Deadline != nil {
			job.Status = JobStatusTimeout
		}

		s.settleFailure(ctx, logger, job, err)

		return
	}

	if mcErr := s.queue.MarkCompleted(job.ID, result); mcErr != nil {
		logger.ErrorContext(ctx, "Failed to settle job", "job_id", job.ID, "error", mcErr)
	}

	executionTime := time.Since(now).Seconds()

	cost := 0.0

	if s.costs != nil {
		if estimated, cErr := s.costs.EstimateCost(job); cErr == nil {
			cost = estimated
			s.costs.RecordSpend(cost)
		}
	}

	s.publish(ctx, events.JobCompleted{
		BaseEvent:     events.NewBaseEvent(events.JobCompletedEvent),
		JobID:         job.ID,
		ExecutionTime: executionTime,
		Cost:          cost,
	})

	logger.InfoContext(ctx, "Job completed",
		"job_id", job.ID, "duration_seconds", executionTime, "cost", cost)
}

func (s *SmartScheduler) settleFailure(ctx context.Context, logger *slog.Logger, job *Job, jobErr error) {
	willRetry := job.RetryCount < job.MaxRetries

	if err := s.queue.MarkFailed(job.ID, jobErr); err != nil {
		logger.ErrorContext(ctx, "Failed to settle job failure", "job_id", job.ID, "error", err)
	}

	s.publish(ctx, events.JobFailed{
		BaseEvent:  events.NewBaseEvent(events.JobFailedEvent),
		JobID:      job.ID,
		Error:      jobErr.Error(),
		RetryCount: job.RetryCount,
		WillRetry:  willRetry,
	})

	logger.WarnContext(ctx, "Job failed",
		"job_id", job.ID, "will_retry", willRetry, "error", jobErr)
}

// housekeepingLoop periodically promotes starved jobs so the static queue
// ordering honors wait time even under the plain priority policy.
func (s *SmartScheduler) housekeepingLoop(ctx context.Context) {
	ticker := time.NewTicker(housekeepingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()

			for _, job := range s.queue.QueuedJobs() {
				target, ok := s.priorities.PromotionTarget(job, now)
				if !ok {
					continue
				}

				if err := s.queue.Promote(job.ID, target); err != nil && !errors.Is(err, ErrJobNotFound) {
					s.logger.ErrorContext(ctx, "Failed to promote job",
						"job_id", job.ID, "error", err)
				}
			}
		}
	}
}

func (s *SmartScheduler) publish(ctx context.Context, event eventbus.Event) {
	if s.bus == nil {
		return
	}

	if err := s.bus.Publish(ctx, string(event.GetType()), event); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}

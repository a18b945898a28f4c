package scheduling

import "errors"

var (
	// ErrJobNotFound indicates the job id is not known to the queue.
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueClosed indicates the queue no longer accepts or hands out jobs.
	ErrQueueClosed = errors.New("queue closed")

	// ErrNoJobAvailable indicates GetNext timed out with nothing ready.
	ErrNoJobAvailable = errors.New("no job available")

	// ErrResourceExhausted indicates the pool cannot satisfy a request.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrUnknownResource indicates a request names a resource the pool
	// does not manage.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrBudgetExceeded indicates admission was rejected because running
	// the job would overrun the budget window.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrSchedulerStopped indicates a submit after Stop.
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skein-dev/skein/pkg/protocol"
	"github.com/skein-dev/skein/pkg/scheduling"
)

// SchedulerDaemon runs a SmartScheduler and feeds it from the configured job
// sources. It owns the process lifecycle: signals stop the sources first,
// then drain the scheduler.
type SchedulerDaemon struct {
	logger    *slog.Logger
	scheduler *scheduling.SmartScheduler
	sources   []protocol.JobSource
}

func NewSchedulerDaemon(
	logger *slog.Logger,
	scheduler *scheduling.SmartScheduler,
	sources []protocol.JobSource,
) *SchedulerDaemon {
	return &SchedulerDaemon{
		logger:    logger.With("module", "scheduler_daemon"),
		scheduler: scheduler,
		sources:   sources,
	}
}

// Run starts the scheduler and sources and blocks until a termination signal
// or context cancellation.
func (d *SchedulerDaemon) Run(ctx context.Context) error {
	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	for _, source := range d.sources {
		if err := source.Start(ctx, d.submit); err != nil {
			d.shutdown(ctx)

			return fmt.Errorf("failed to start job source: %w", err)
		}
	}

	d.logger.InfoContext(ctx, "Scheduler daemon started", "sources", len(d.sources))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		d.logger.InfoContext(ctx, "Received signal, shutting down gracefully", "signal", sig)
	case <-ctx.Done():
		d.logger.InfoContext(ctx, "Context cancelled, shutting down")
	}

	d.shutdown(ctx)

	return nil
}

// submit decodes a source submission into a job. Sources speak a loose map
// so they stay decoupled from the scheduling types.
func (d *SchedulerDaemon) submit(ctx context.Context, submission map[string]any) error {
	handlerKey, _ := submission["handler_key"].(string)
	if handlerKey == "" {
		return fmt.Errorf("submission missing handler_key")
	}

	name, _ := submission["name"].(string)
	if name == "" {
		name = handlerKey
	}

	priority, _ := submission["priority"].(string)
	payload, _ := submission["payload"].(map[string]any)

	job := scheduling.NewJob(name, handlerKey, scheduling.ParsePriority(priority))
	job.Payload = payload

	if resources, ok := submission["resources"].(map[string]any); ok {
		job.Resources = make(map[string]float64, len(resources))

		for key, value := range resources {
			if qty, ok := value.(float64); ok {
				job.Resources[key] = qty
			}
		}
	}

	if retries, ok := submission["max_retries"].(float64); ok && retries >= 0 {
		job.MaxRetries = int(retries)
	}

	if err := d.scheduler.Submit(job); err != nil {
		return fmt.Errorf("failed to submit job %s: %w", job.ID, err)
	}

	d.logger.DebugContext(ctx, "Submitted job from source",
		"job_id", job.ID, "handler_key", handlerKey, "priority", job.Priority.String())

	return nil
}

func (d *SchedulerDaemon) shutdown(ctx context.Context) {
	for _, source := range d.sources {
		if err := source.Stop(ctx); err != nil {
			d.logger.ErrorContext(ctx, "Failed to stop job source", "error", err)
		}
	}

	if err := d.scheduler.Stop(ctx); err != nil {
		d.logger.ErrorContext(ctx, "Failed to stop scheduler", "error", err)
	}
}

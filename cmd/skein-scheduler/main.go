// Package main provides the Skein scheduler daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/skein-dev/skein/pkg/cmd"
	"github.com/skein-dev/skein/pkg/handlers"
	"github.com/skein-dev/skein/pkg/log"
	"github.com/skein-dev/skein/pkg/protocol"
	"github.com/skein-dev/skein/pkg/registry"
	"github.com/skein-dev/skein/pkg/scheduling"
	"github.com/skein-dev/skein/pkg/sources/redisqueue"
	"github.com/skein-dev/skein/pkg/sources/schedule"
)

func main() {
	logger := log.WithModule("scheduler")

	command := &cli.Command{
		Name:                  "skein-scheduler",
		Usage:                 "Run the smart job scheduler",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "policy",
				Usage:   "Scheduling policy (fifo, priority, dynamic, cost, batch)",
				Value:   "priority",
				Sources: cli.EnvVars("SCHEDULER_POLICY"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Usage:   "Number of dispatch workers",
				Value:   4,
				Sources: cli.EnvVars("SCHEDULER_WORKERS"),
			},
			&cli.StringFlag{
				Name:    "resources",
				Usage:   "Resource pool capacities, e.g. cpu=4,memory_gb=8 (empty disables resource control)",
				Sources: cli.EnvVars("SCHEDULER_RESOURCES"),
			},
			&cli.FloatFlag{
				Name:    "budget",
				Usage:   "Cost budget per window (0 disables cost control)",
				Sources: cli.EnvVars("SCHEDULER_BUDGET"),
			},
			&cli.DurationFlag{
				Name:    "budget-window",
				Usage:   "Rolling budget window",
				Value:   time.Hour,
				Sources: cli.EnvVars("SCHEDULER_BUDGET_WINDOW"),
			},
			&cli.StringFlag{
				Name:    "cost-model",
				Usage:   "Cost model (flat, time, resource, api_calls, tiered)",
				Value:   "flat",
				Sources: cli.EnvVars("SCHEDULER_COST_MODEL"),
			},
			&cli.StringFlag{
				Name:    "schedules-path",
				Usage:   "Path to a JSON file of cron schedule entries",
				Sources: cli.EnvVars("SCHEDULES_PATH"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis address for the queue source, e.g. localhost:6379",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-queue",
				Usage:   "Redis list to consume job submissions from",
				Sources: cli.EnvVars("REDIS_QUEUE"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Skein scheduler")

			reg := registry.NewRegistry(logger)
			handlers.RegisterBuiltins(reg, logger)

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "skein-scheduler", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			resources, err := parseResources(command.String("resources"))
			if err != nil {
				return err
			}

			cfg := scheduling.SchedulerConfig{
				Policy:    scheduling.SchedulingPolicy(command.String("policy")),
				Workers:   command.Int("workers"),
				Resources: resources,
				EventBus:  eventBus,
			}

			if budget := command.Float("budget"); budget > 0 {
				cfg.Cost = &scheduling.CostConfig{
					Model:    scheduling.CostModel(command.String("cost-model")),
					FlatRate: 1,
					TimeRate: 1,
					APIRate:  1,
					Budget:   budget,
					Window:   command.Duration("budget-window"),
				}
			}

			scheduler := scheduling.NewSmartScheduler(logger, reg, cfg)

			sources, err := buildSources(logger, command)
			if err != nil {
				return err
			}

			daemon := NewSchedulerDaemon(logger, scheduler, sources)

			return daemon.Run(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func buildSources(logger *slog.Logger, command *cli.Command) ([]protocol.JobSource, error) {
	var sources []protocol.JobSource

	if path := command.String("schedules-path"); path != "" {
		entries, err := loadScheduleEntries(path)
		if err != nil {
			return nil, err
		}

		source, err := schedule.NewSource(logger, entries)
		if err != nil {
			return nil, err
		}

		sources = append(sources, source)
	}

	if queue := command.String("redis-queue"); queue != "" {
		source, err := redisqueue.NewSource(logger, redisqueue.Config{
			Addr:  command.String("redis-url"),
			Queue: queue,
		})
		if err != nil {
			return nil, err
		}

		sources = append(sources, source)
	}

	return sources, nil
}

func loadScheduleEntries(path string) ([]schedule.EntryConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules file: %w", err)
	}

	var entries []schedule.EntryConfig
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse schedules file: %w", err)
	}

	return entries, nil
}

// parseResources parses "cpu=4,memory_gb=8" into pool capacities.
func parseResources(raw string) (map[string]float64, error) {
	if raw == "" {
		return nil, nil
	}

	resources := make(map[string]float64)

	for _, pair := range strings.Split(raw, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid resource spec %q", pair)
		}

		qty, err := strconv.ParseFloat(value, 64)
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("invalid resource quantity in %q", pair)
		}

		resources[name] = qty
	}

	return resources, nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/skein-dev/skein/pkg/handlers"
	"github.com/skein-dev/skein/pkg/log"
	"github.com/skein-dev/skein/pkg/models"
	"github.com/skein-dev/skein/pkg/registry"
	"github.com/skein-dev/skein/pkg/workflow"
)

// ValidateCommand checks a workflow file for structural problems without
// executing anything.
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate a workflow definition file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Path to the workflow JSON file",
				Required: true,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			dag, err := loadWorkflow(command.String("file"))
			if err != nil {
				return err
			}

			problems := dag.Validate()
			if len(problems) == 0 {
				fmt.Printf("workflow %q is valid (%d nodes)\n", dag.Name, len(dag.Nodes()))

				return nil
			}

			for _, problem := range problems {
				fmt.Fprintln(os.Stderr, problem)
			}

			return fmt.Errorf("workflow %q has %d problems", dag.Name, len(problems))
		},
	}
}

// RunCommand registers and executes a workflow file synchronously, writing
// the execution result to stdout as JSON.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Run a workflow definition file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Path to the workflow JSON file",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "inputs",
				Aliases: []string{"i"},
				Usage:   "Workflow inputs as a JSON object",
				Value:   "{}",
			},
			&cli.IntFlag{
				Name:  "max-parallel",
				Usage: "Maximum nodes executed concurrently per generation",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("cli")

			dag, err := loadWorkflow(command.String("file"))
			if err != nil {
				return err
			}

			var inputs map[string]any
			if err := json.Unmarshal([]byte(command.String("inputs")), &inputs); err != nil {
				return fmt.Errorf("invalid inputs: %w", err)
			}

			reg := registry.NewRegistry(logger)
			handlers.RegisterBuiltins(reg, logger)

			executor := workflow.NewExecutor(logger, reg, workflow.ExecutorConfig{
				MaxParallelNodes: command.Int("max-parallel"),
			})
			engine := workflow.NewEngine(logger, workflow.EngineConfig{
				Registry: reg,
				Executor: executor,
			})

			if _, err := engine.RegisterWorkflow(ctx, dag); err != nil {
				return err
			}

			result, err := engine.Execute(ctx, dag.ID, inputs)
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}

			fmt.Println(string(encoded))

			if result.Status != models.ExecutionStatusCompleted {
				return fmt.Errorf("execution finished with status %s", result.Status)
			}

			return nil
		},
	}
}

func loadWorkflow(path string) (*models.WorkflowDAG, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var dag models.WorkflowDAG
	if err := json.Unmarshal(raw, &dag); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file: %w", err)
	}

	if dag.ID == "" {
		dag.ID = uuid.New().String()
	}

	return &dag, nil
}

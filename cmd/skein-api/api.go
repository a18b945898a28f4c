// Package main provides the Skein API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/skein-dev/skein/pkg/eventbus"
	"github.com/skein-dev/skein/pkg/persistence"
	"github.com/skein-dev/skein/pkg/registry"
	"github.com/skein-dev/skein/pkg/template"
	"github.com/skein-dev/skein/pkg/web"
	"github.com/skein-dev/skein/pkg/workflow"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		registry:    registry,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	executor := workflow.NewExecutor(a.logger, a.registry, workflow.ExecutorConfig{
		EventBus: a.eventBus,
	})
	engine := workflow.NewEngine(a.logger, workflow.EngineConfig{
		Registry:    a.registry,
		Executor:    executor,
		Persistence: a.persistence,
	})
	templates := template.NewLibrary(a.logger)

	handlers := web.NewAPIHandlers(engine, templates, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Skein API")
	})

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Post("/from-template", handlers.CreateWorkflowFromTemplate)
	w.Get("/:id", handlers.GetWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)
	w.Post("/:id/execute", handlers.ExecuteWorkflow)
	w.Get("/:id/validate", handlers.ValidateWorkflow)
	w.Get("/:id/versions", handlers.GetWorkflowVersions)
	w.Post("/:id/rollback", handlers.RollbackWorkflow)
	w.Get("/:id/executions", handlers.GetWorkflowExecutions)

	app.Get("/executions/:id", handlers.GetExecution)
	app.Get("/templates", handlers.GetTemplates)
	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}

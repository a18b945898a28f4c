package web

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/skein-dev/skein/pkg/models"
	"github.com/skein-dev/skein/pkg/persistence"
	"github.com/skein-dev/skein/pkg/template"
	"github.com/skein-dev/skein/pkg/workflow"
)

type APIHandlers struct {
	engine      *workflow.Engine
	templates   *template.Library
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(
	engine *workflow.Engine,
	templates *template.Library,
	store persistence.Persistence,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:      engine,
		templates:   templates,
		persistence: store,
		validator:   validate,
	}
}

// GetWorkflows lists the registered workflow definitions.
func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"workflows": h.engine.Workflows()})
}

// CreateWorkflow registers a full DAG document. Structural problems come
// back as a 422 with the problem list.
func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var dag models.WorkflowDAG
	if err := json.Unmarshal(c.Body(), &dag); err != nil {
		return badRequest(c, "Invalid workflow document: "+err.Error())
	}

	if dag.Name == "" {
		return badRequest(c, "Workflow name is required")
	}

	version, err := h.engine.RegisterWorkflow(c.Context(), &dag)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

// CreateWorkflowFromTemplate instantiates a template and registers the
// resulting DAG.
func (h *APIHandlers) CreateWorkflowFromTemplate(c fiber.Ctx) error {
	var req TemplateWorkflowRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	dag, err := h.templates.BuildWorkflow(req.TemplateID, req.Parameters)
	if err != nil {
		if errors.Is(err, template.ErrTemplateNotFound) {
			return handleEngineError(c, err)
		}

		return badRequest(c, err.Error())
	}

	version, err := h.engine.RegisterWorkflow(c.Context(), dag)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

// GetTemplates lists the available workflow templates.
func (h *APIHandlers) GetTemplates(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"templates": h.templates.List()})
}

// GetWorkflow returns the current definition of one workflow.
func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	dag, err := h.engine.Workflow(c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(dag)
}

// DeleteWorkflow removes a workflow and its version history.
func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.engine.DeleteWorkflow(c.Context(), c.Params("id")); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ExecuteWorkflow runs the current version synchronously and returns the
// full execution result, including partial outcomes.
func (h *APIHandlers) ExecuteWorkflow(c fiber.Ctx) error {
	var req ExecuteWorkflowRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}
	}

	result, err := h.engine.Execute(c.Context(), c.Params("id"), req.Inputs)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(result)
}

// ValidateWorkflow reports the structural problems of a registered workflow.
func (h *APIHandlers) ValidateWorkflow(c fiber.Ctx) error {
	dag, err := h.engine.Workflow(c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	problems := dag.Validate()

	return c.JSON(ValidationResponse{
		Valid:    len(problems) == 0,
		Problems: problems,
	})
}

// GetWorkflowVersions returns the full version lineage, oldest first.
func (h *APIHandlers) GetWorkflowVersions(c fiber.Ctx) error {
	if _, err := h.engine.Workflow(c.Params("id")); err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"versions": h.engine.Versions().List(c.Params("id"))})
}

// RollbackWorkflow restores an older version as a new current version.
func (h *APIHandlers) RollbackWorkflow(c fiber.Ctx) error {
	var req RollbackRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	version, err := h.engine.Rollback(c.Context(), c.Params("id"), req.VersionID)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(version)
}

// GetWorkflowExecutions lists the stored execution results of a workflow.
func (h *APIHandlers) GetWorkflowExecutions(c fiber.Ctx) error {
	if h.persistence == nil {
		return notFound(c, "execution history is not enabled")
	}

	results, err := h.persistence.ExecutionsByWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"executions": results})
}

// GetExecution returns one stored execution result.
func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	if h.persistence == nil {
		return notFound(c, "execution history is not enabled")
	}

	result, err := h.persistence.ExecutionByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(result)
}

// HealthCheck reports persistence health; with no persistence configured the
// process itself being up is the answer.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	if h.persistence != nil {
		if err := h.persistence.HealthCheck(c.Context()); err != nil {
			return internalError(c, err)
		}
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

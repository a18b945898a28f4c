// Package template provides parametrized DAG builders for common workflow
// shapes. Template parameters are validated against a JSON schema derived
// from the parameter declarations before the builder runs.
package template

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/skein-dev/skein/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

var ErrTemplateNotFound = errors.New("template not found")

// Parameter declares one template input.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, boolean, array, object
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// BuilderFunc constructs a DAG from validated parameters.
type BuilderFunc func(params map[string]any) (*models.WorkflowDAG, error)

// Template is one registered DAG builder plus its parameter schema.
type Template struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Build       BuilderFunc `json:"-"`
}

// Library holds the registered templates.
type Library struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	templates map[string]*Template
}

// NewLibrary creates a library preloaded with the built-in templates.
func NewLibrary(logger *slog.Logger) *Library {
	lib := &Library{
		logger:    logger.With("module", "template_library"),
		templates: make(map[string]*Template),
	}

	for _, tpl := range builtinTemplates() {
		lib.Register(tpl)
	}

	return lib
}

func (l *Library) Register(tpl *Template) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.templates[tpl.ID] = tpl
	l.logger.Info("Registered workflow template", "template_id", tpl.ID)
}

func (l *Library) Get(id string) (*Template, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tpl, ok := l.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", id, ErrTemplateNotFound)
	}

	return tpl, nil
}

// List returns template descriptors sorted by id.
func (l *Library) List() []*Template {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Template, 0, len(l.templates))
	for _, tpl := range l.templates {
		out = append(out, tpl)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// BuildWorkflow validates params against the template's schema (after
// applying declared defaults) and runs the builder. A missing required
// parameter fails before the builder is invoked.
func (l *Library) BuildWorkflow(id string, params map[string]any) (*models.WorkflowDAG, error) {
	tpl, err := l.Get(id)
	if err != nil {
		return nil, err
	}

	if params == nil {
		params = make(map[string]any)
	}

	for _, p := range tpl.Parameters {
		if _, ok := params[p.Name]; !ok && p.Default != nil {
			params[p.Name] = p.Default
		}
	}

	if err := validateParams(tpl, params); err != nil {
		return nil, err
	}

	return tpl.Build(params)
}

func validateParams(tpl *Template, params map[string]any) error {
	properties := make(map[string]any, len(tpl.Parameters))
	required := make([]string, 0)

	for _, p := range tpl.Parameters {
		properties[p.Name] = map[string]any{"type": p.Type}

		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("template %q parameter validation: %w", tpl.ID, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}

		return fmt.Errorf("template %q parameters invalid: %s", tpl.ID, strings.Join(details, "; "))
	}

	return nil
}

// Package handlers ships the built-in task handlers the binaries register
// out of the box: log, transform and http_request.
package handlers

import (
	"context"
	"log/slog"

	"github.com/skein-dev/skein/pkg/models"
	"github.com/skein-dev/skein/pkg/protocol"
	"github.com/skein-dev/skein/pkg/registry"
)

// LogHandler writes its inputs to the structured log and passes them through
// unchanged. Useful as a pipeline probe.
type LogHandler struct {
	logger *slog.Logger
}

func NewLogHandler(logger *slog.Logger) *LogHandler {
	return &LogHandler{logger: logger.With("handler", "log")}
}

func (h *LogHandler) Execute(ctx context.Context, inputs map[string]any, ectx *models.ExecutionContext) (map[string]any, error) {
	level := slog.LevelInfo

	if raw, ok := inputs["level"].(string); ok {
		switch raw {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	message, _ := inputs["message"].(string)
	if message == "" {
		message = "Log node"
	}

	h.logger.Log(ctx, level, message,
		"execution_id", ectx.ID,
		"workflow_id", ectx.WorkflowID,
		"inputs", inputs,
	)

	return inputs, nil
}

var _ protocol.TaskHandler = (*LogHandler)(nil)

// RegisterBuiltins registers the handlers every binary ships with.
func RegisterBuiltins(r *registry.Registry, logger *slog.Logger) {
	r.RegisterHandler("log", NewLogHandler(logger))
	r.RegisterHandler("transform", NewTransformHandler())
	r.RegisterHandler("http_request", NewHTTPRequestHandler(logger))
}

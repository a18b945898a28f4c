// Package registry maps handler keys to TaskHandler implementations.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/skein-dev/skein/pkg/protocol"
)

type Registry struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	handlers map[string]protocol.TaskHandler
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		handlers: make(map[string]protocol.TaskHandler),
	}
}

// RegisterHandler binds a handler key. Re-registering a key replaces the
// previous handler.
func (r *Registry) RegisterHandler(key string, handler protocol.TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[key] = handler
	r.logger.Info("Registered task handler", "handler_key", key)
}

// Handler resolves a handler key.
func (r *Registry) Handler(key string) (protocol.TaskHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[key]
	if !ok {
		return nil, fmt.Errorf("handler %q not registered", key)
	}

	return handler, nil
}

// Has reports whether a handler key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[key]

	return ok
}

// Keys returns the registered handler keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

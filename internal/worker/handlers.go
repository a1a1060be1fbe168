// Package worker runs tasks in-process: a handler registry keyed by task
// type plus a pool of registered workers that receive assignments from the
// coordinator and report results back through it.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// Handler executes one task attempt. The context is cancelled when the task
// is cancelled, the pool shuts down, or the task's per-attempt deadline
// passes; handlers are expected to honor it. The returned payload becomes
// the stored result.
type Handler func(ctx context.Context, t *models.Task) (json.RawMessage, error)

// HandlerRegistry maps task types to their handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task type. Registering the same type twice
// is a programming error and is rejected.
func (r *HandlerRegistry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("task type is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("handler already registered for task type %q", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// Get returns the handler for a task type.
func (r *HandlerRegistry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task types, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

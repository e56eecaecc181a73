package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one task type. Execute returns the result payload
// that gets hashed into the ledger entry, or an error after which the
// executor may retry.
type Handler interface {
	Type() string
	Execute(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)
}

type funcHandler struct {
	taskType string
	fn       func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)
}

func (h *funcHandler) Type() string { return h.taskType }

func (h *funcHandler) Execute(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	return h.fn(ctx, payload)
}

// HandlerFunc wraps a function as a Handler.
func HandlerFunc(taskType string, fn func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)) Handler {
	return &funcHandler{taskType: taskType, fn: fn}
}

// Registry maps task types to handlers. Unknown task types are not an
// error at execution time; the executor records them as skipped.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler, rejecting duplicate task types.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; exists {
		return fmt.Errorf("task: handler for %q already registered", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// Get returns the handler for a task type.
func (r *Registry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

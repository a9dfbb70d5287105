package async

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/teranos/metronome/errors"
)

// Task is what a handler sees of a job when it runs.
type Task struct {
	JobID   string
	Action  string
	Kind    Kind
	Payload json.RawMessage
	Attempt int // RunCount + 1
	Log     TaskLogger
}

// Decode unmarshals the payload into v. A null or empty payload leaves v untouched.
func (t Task) Decode(v interface{}) error {
	if len(t.Payload) == 0 || string(t.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return &TaskError{Action: t.Action, Code: ErrorCodePayload, Err: errors.Wrap(err, "cannot decode payload")}
	}
	return nil
}

// TaskHandler runs one named action.
//
// Handlers are registered once at startup and invoked by workers. Run may
// be called again for the same job after a crash, so side effects should be
// safe to repeat. Returning an error marks the run failed.
type TaskHandler interface {
	Name() string
	Run(ctx context.Context, task Task) error
}

// TaskFunc adapts a plain function to TaskHandler via Handle.
type TaskFunc func(ctx context.Context, task Task) error

type funcHandler struct {
	name string
	fn   TaskFunc
}

func (h funcHandler) Name() string                             { return h.name }
func (h funcHandler) Run(ctx context.Context, task Task) error { return h.fn(ctx, task) }

// Handle wraps fn as a TaskHandler named name.
func Handle(name string, fn TaskFunc) TaskHandler {
	return funcHandler{name: name, fn: fn}
}

// HandlerRegistry manages task handlers by action name.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]TaskHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]TaskHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for an action. Returns nil if none is registered.
func (r *HandlerRegistry) Get(name string) TaskHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[name]
	return exists
}

// Names returns all registered action names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TaskExecutor runs a task and reports its outcome.
type TaskExecutor interface {
	Execute(ctx context.Context, task Task) error
}

// RegistryExecutor dispatches tasks to registered handlers. Unknown actions
// and panics come back as *TaskError.
type RegistryExecutor struct {
	registry *HandlerRegistry
}

// NewRegistryExecutor creates an executor backed by a handler registry.
func NewRegistryExecutor(registry *HandlerRegistry) *RegistryExecutor {
	return &RegistryExecutor{registry: registry}
}

// Execute implements TaskExecutor.
func (e *RegistryExecutor) Execute(ctx context.Context, task Task) (err error) {
	if task.Action == "" {
		return &TaskError{Action: task.Action, Code: ErrorCodeNoHandler, Err: errors.New("job missing action")}
	}

	handler := e.registry.Get(task.Action)
	if handler == nil {
		return &TaskError{
			Action: task.Action,
			Code:   ErrorCodeNoHandler,
			Err:    errors.Newf("no handler registered for action: %s", task.Action),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &TaskError{
				Action: task.Action,
				Code:   ErrorCodePanic,
				Err:    errors.WithDetail(errors.Newf("panic: %v", r), string(debug.Stack())),
			}
		}
	}()

	if runErr := handler.Run(ctx, task); runErr != nil {
		return NewTaskError(task.Action, runErr)
	}
	return nil
}

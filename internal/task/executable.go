package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Executable is the contract a handler implements to perform work for a
// task type.
// Version: 1.0
type Executable interface {
	// TaskType returns the stable identifier used for routing.
	TaskType() string

	// Execute performs the work and returns the result payload on success.
	// Failures must be returned as classified errors (see NewValidationError
	// and friends); unclassified errors are treated as retryable upstream
	// failures.
	Execute(ctx context.Context, ec *ExecContext) (json.RawMessage, error)

	// IsCancellable reports whether the executable honors cooperative
	// cancellation.
	IsCancellable() bool

	// Cancel requests cooperative cancellation. The default behavior is to
	// flip the context's cancellation flag; the executable must poll it at
	// safe points. Cancellation is advisory: a handler that never checks
	// the flag may run to completion.
	Cancel(ctx context.Context, ec *ExecContext) error

	// EstimatedExecutionSeconds returns a non-authoritative execution time
	// estimate for schedulers and observers.
	EstimatedExecutionSeconds(ec *ExecContext) int
}

// Registry maps task-type strings to executables. Registration is static
// at process start; resolution failures are configuration errors.
type Registry struct {
	mu          sync.RWMutex
	executables map[string]Executable
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		executables: make(map[string]Executable),
		logger:      logger.With("component", "executable_registry"),
	}
}

// Register adds an executable under its task type. Registering the same
// type twice is a configuration error.
func (r *Registry) Register(exec Executable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	taskType := exec.TaskType()
	if _, exists := r.executables[taskType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTaskType, taskType)
	}

	r.executables[taskType] = exec
	r.logger.Debug("registered executable", "task_type", taskType)
	return nil
}

// Resolve returns the executable for the task type, or ErrUnknownTaskType
// if none is registered.
func (r *Registry) Resolve(taskType string) (Executable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executables[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return exec, nil
}

// TaskTypes returns the registered task types, for diagnostics.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executables))
	for taskType := range r.executables {
		types = append(types, taskType)
	}
	return types
}

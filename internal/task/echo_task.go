package task

import (
	"context"
	"encoding/json"
)

// EchoExecutable returns its parameters unchanged. It exists to exercise
// the full submit-dispatch-execute-aggregate pipeline without touching any
// external collaborator.
type EchoExecutable struct{}

// TaskType returns the routing identifier.
func (EchoExecutable) TaskType() string {
	return TaskTypeEcho
}

// Execute echoes the parameters back as the result.
func (EchoExecutable) Execute(ctx context.Context, ec *ExecContext) (json.RawMessage, error) {
	return ec.Parameters(), nil
}

// IsCancellable reports that echo finishes too fast to cancel.
func (EchoExecutable) IsCancellable() bool {
	return false
}

// Cancel is a no-op; echo is not cancellable.
func (EchoExecutable) Cancel(ctx context.Context, ec *ExecContext) error {
	return ErrNotCancellable
}

// EstimatedExecutionSeconds is effectively instantaneous.
func (EchoExecutable) EstimatedExecutionSeconds(ec *ExecContext) int {
	return 1
}

var _ Executable = EchoExecutable{}

package taskrouter

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/taskrouter/bus"
	"github.com/deepnoodle-ai/taskrouter/retry"
	"github.com/deepnoodle-ai/taskrouter/state"
)

// Error type constants used to classify step failures
const (
	// ErrorTypeRegistration means the target worker is unknown or not active
	ErrorTypeRegistration = "registration"

	// ErrorTypeTimeout means no reply arrived before the step deadline
	ErrorTypeTimeout = "timeout"

	// ErrorTypeHandler means the worker ran and reported a failure. Unknown
	// errors are classified as handler errors so that they are retried.
	ErrorTypeHandler = "handler"

	// ErrorTypePersistence means a state write failed. The step is aborted.
	ErrorTypePersistence = "persistence"

	// ErrorTypeFatal marks an error that must not be retried.
	ErrorTypeFatal = "fatal"
)

// ErrNoWorker is returned when a task is classified as unknown and no
// fallback worker is configured.
var ErrNoWorker = errors.New("no worker available for task")

// ClassifiedError is an error with its type. It supports Go's error wrapping
// patterns with Unwrap().
type ClassifiedError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *ClassifiedError) Unwrap() error {
	return e.Wrapped
}

// IsRecoverable reports whether a retry could succeed.
func (e *ClassifiedError) IsRecoverable() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeHandler:
		return true
	}
	return false
}

// ClassifyError maps an error onto the step error taxonomy.
func ClassifyError(err error) *ClassifiedError {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}
	newError := func(errorType string) *ClassifiedError {
		return &ClassifiedError{Type: errorType, Cause: err.Error(), Wrapped: err}
	}

	var registration *bus.RegistrationError
	var persistence *state.PersistenceError
	var nonRecoverable *retry.NonRecoverableError
	switch {
	case errors.As(err, &registration),
		errors.Is(err, bus.ErrAgentNotFound),
		errors.Is(err, bus.ErrAgentNotActive):
		return newError(ErrorTypeRegistration)
	case errors.As(err, &persistence):
		return newError(ErrorTypePersistence)
	case errors.Is(err, bus.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTypeTimeout)
	case errors.Is(err, context.Canceled), errors.As(err, &nonRecoverable):
		return newError(ErrorTypeFatal)
	}
	return newError(ErrorTypeHandler)
}

// StepError reports one failed attempt at a workflow step.
type StepError struct {
	WorkflowID string
	StepID     string
	Worker     string
	Attempt    int
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow %s step %s (worker %s, attempt %d): %v",
		e.WorkflowID, e.StepID, e.Worker, e.Attempt, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsRecoverable defers to the classification of the underlying error.
func (e *StepError) IsRecoverable() bool {
	return ClassifyError(e.Err).IsRecoverable()
}

// WorkflowFailedError is returned when a workflow ends in the failed state.
// It names the failed step, its last error and whether the workflow has a
// restorable checkpoint to recover from.
type WorkflowFailedError struct {
	WorkflowID   string
	StepID       string
	Worker       string
	LastError    error
	Restorable   bool
	CheckpointID string
}

func (e *WorkflowFailedError) Error() string {
	msg := fmt.Sprintf("workflow %s failed at step %s", e.WorkflowID, e.StepID)
	if e.Worker != "" {
		msg += fmt.Sprintf(" (worker %s)", e.Worker)
	}
	if e.LastError != nil {
		msg += fmt.Sprintf(": %v", e.LastError)
	}
	if e.Restorable {
		msg += fmt.Sprintf(" [restorable from checkpoint %s]", e.CheckpointID)
	}
	return msg
}

func (e *WorkflowFailedError) Unwrap() error {
	return e.LastError
}

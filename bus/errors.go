package bus

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAgentNotFound is returned when a message targets an unregistered agent.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentNotActive is returned when the target is registered but not active.
	ErrAgentNotActive = errors.New("agent not active")

	// ErrTimeout is wrapped by every *TimeoutError.
	ErrTimeout = errors.New("request timed out")

	// ErrInvalidMessage is returned for messages that fail basic validation.
	ErrInvalidMessage = errors.New("invalid message")
)

// RegistrationError reports a message that could not be delivered because of
// the target's registration. It is never retried.
type RegistrationError struct {
	Agent  string
	Status AgentStatus
	Err    error
}

func (e *RegistrationError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%v: %s (status %s)", e.Err, e.Agent, e.Status)
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Agent)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

func (e *RegistrationError) IsRecoverable() bool {
	return false
}

// TimeoutError is returned by SendAndWait when no response arrives in time.
type TimeoutError struct {
	Agent     string
	MessageID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s to %s timed out after %s", e.MessageID, e.Agent, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

func (e *TimeoutError) IsRecoverable() bool {
	return true
}

// HandlerError wraps a failure raised by an agent's handler, including a
// recovered panic.
type HandlerError struct {
	Agent     string
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.Agent, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func (e *HandlerError) IsRecoverable() bool {
	return true
}

// RemoteError is produced when an agent answers with an unsuccessful Response.
type RemoteError struct {
	Agent     string
	MessageID string
	Type      MessageType
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent %s failed handling %s %s: %s", e.Agent, e.Type, e.MessageID, e.Message)
}

func (e *RemoteError) IsRecoverable() bool {
	return true
}

package script

import (
	"context"
)

// Value is the result of evaluating an expression.
type Value interface {

	// Value returns the Go value for this value as an any
	Value() any

	// String returns the string representation of this value
	String() string

	// IsTruthy returns true if this value is truthy
	IsTruthy() bool
}

// Script is a compiled expression that can be evaluated many times.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles expressions used in workflow template steps.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}

package script

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCallable is returned when a compiled source does not evaluate to a function.
	ErrNotCallable = errors.New("expression is not a function")
	// ErrInterrupted is returned when a call runs past the timeout.
	ErrInterrupted = errors.New("script execution interrupted")
	// ErrReleased is returned when a released engine is used.
	ErrReleased = errors.New("script engine released")
)

// CompileError is returned when a function body cannot be compiled.
type CompileError struct {
	Source string
	Err    error
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error: %s", e.Err.Error())
}

// Unwrap returns the cause.
func (e *CompileError) Unwrap() error { return e.Err }

// RuntimeError is returned when a call throws.
type RuntimeError struct {
	Err error
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %s", e.Err.Error())
}

// Unwrap returns the cause.
func (e *RuntimeError) Unwrap() error { return e.Err }

// IsCompileError returns true if the error is a compile error.
func IsCompileError(err error) bool {
	var e *CompileError
	return errors.As(err, &e)
}

// IsRuntimeError returns true if the error is a runtime error.
func IsRuntimeError(err error) bool {
	var e *RuntimeError
	return errors.As(err, &e)
}

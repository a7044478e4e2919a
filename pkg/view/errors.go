package view

import (
	"errors"
	"fmt"
)

// ConfigValidationError is returned when a Map or Reduce record is rejected before it is
// persisted.
type ConfigValidationError struct {
	Kind    string
	Message string
}

// Error implements the error interface.
func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid %s definition: %s", e.Kind, e.Message)
}

// NewConfigValidationError creates a validation error.
func NewConfigValidationError(kind, format string, args ...any) error {
	return &ConfigValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// DuplicateDefinitionError is returned when a second definition claims a (view, source type)
// pair.
type DuplicateDefinitionError struct {
	Kind       string
	SourceType string
	TargetType string
}

// Error implements the error interface.
func (e *DuplicateDefinitionError) Error() string {
	return fmt.Sprintf("duplicate %s definition on source %s and target %s", e.Kind,
		e.SourceType, e.TargetType)
}

// NewDuplicateDefinitionError creates a duplicate definition error.
func NewDuplicateDefinitionError(kind, sourceType, targetType string) error {
	return &DuplicateDefinitionError{Kind: kind, SourceType: sourceType, TargetType: targetType}
}

// ScriptCompileError is returned when a function of a definition does not compile.
type ScriptCompileError struct {
	Function string
	Err      error
}

// Error implements the error interface.
func (e *ScriptCompileError) Error() string {
	return fmt.Sprintf("unable to parse %s function: %s", e.Function, e.Err)
}

// Unwrap returns the cause.
func (e *ScriptCompileError) Unwrap() error { return e.Err }

// NewScriptCompileError creates a compile error.
func NewScriptCompileError(function string, err error) error {
	return &ScriptCompileError{Function: function, Err: err}
}

// ScriptRuntimeError is returned when a function of a definition fails.
type ScriptRuntimeError struct {
	Function string
	Err      error
}

// Error implements the error interface.
func (e *ScriptRuntimeError) Error() string {
	return fmt.Sprintf("error executing %s function: %s", e.Function, e.Err)
}

// Unwrap returns the cause.
func (e *ScriptRuntimeError) Unwrap() error { return e.Err }

// NewScriptRuntimeError creates a runtime error.
func NewScriptRuntimeError(function string, err error) error {
	return &ScriptRuntimeError{Function: function, Err: err}
}

// StorageError wraps a failure of the object table.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s: %s", e.Op, e.Err)
}

// Unwrap returns the cause.
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError creates a storage error.
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsConfigValidationError returns true for validation errors, including duplicates.
func IsConfigValidationError(err error) bool {
	var e *ConfigValidationError
	var d *DuplicateDefinitionError
	var c *ScriptCompileError
	return errors.As(err, &e) || errors.As(err, &d) || errors.As(err, &c)
}

// IsDuplicateDefinitionError returns true for duplicate definition errors.
func IsDuplicateDefinitionError(err error) bool {
	var e *DuplicateDefinitionError
	return errors.As(err, &e)
}

// IsScriptCompileError returns true for compile errors.
func IsScriptCompileError(err error) bool {
	var e *ScriptCompileError
	return errors.As(err, &e)
}

// IsScriptRuntimeError returns true for runtime errors.
func IsScriptRuntimeError(err error) bool {
	var e *ScriptRuntimeError
	return errors.As(err, &e)
}

// IsStorageError returns true for storage errors.
func IsStorageError(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}

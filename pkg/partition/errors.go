package partition

import "errors"

var (
	// ErrUnknownView is returned when a view row is written for a type that is not a view.
	ErrUnknownView = errors.New("unknown view type")
	// ErrReadOnlyView is returned when a user write targets a view type.
	ErrReadOnlyView = errors.New("view rows are maintained by their definitions")
	// ErrInvalidObject is returned for writes without a type.
	ErrInvalidObject = errors.New("invalid object")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("partition closed")
)

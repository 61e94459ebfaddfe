package engine

import (
	"errors"

	"postpilot/internal/store"
)

var (
	// ErrNotFound aliases the store sentinel so callers of the engine API
	// only need this package at their decision points.
	ErrNotFound = store.ErrNotFound

	// ErrInvalidAction marks an unknown conflict-resolution action.
	ErrInvalidAction = errors.New("invalid conflict action")
)

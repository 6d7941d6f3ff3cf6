package domain

import "errors"

var (
	// ErrNotFound is returned when a record does not exist for the tenant.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when an optimistic status transition loses
	// a race with a concurrent writer.
	ErrConflict = errors.New("conflicting concurrent update")
)

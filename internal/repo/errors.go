package repo

import "errors"

var (
	// ErrNotFound reports an unknown entity.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument reports a request that can never succeed, e.g. completing a job with a
	// non-terminal status.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConflict reports a uniqueness violation or transient write contention.
	ErrConflict = errors.New("conflict")
)

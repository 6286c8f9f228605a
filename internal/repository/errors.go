package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates a constraint violation at the storage layer.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrConflict indicates the write lost to a concurrent mutation or would
// violate a uniqueness rule (duplicate action, second in-place update).
var ErrConflict = errors.New("repository: conflict")

// ErrTerminal indicates a forbidden status transition on a terminal row.
var ErrTerminal = errors.New("repository: row is terminal")

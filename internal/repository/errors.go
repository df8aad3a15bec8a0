package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a duplicate id or a disallowed state transition.
var ErrConflict = errors.New("repository: conflict")

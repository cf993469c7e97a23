package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a unique constraint rejected the write, typically
// because another owner holds the slug.
var ErrConflict = errors.New("repository: conflict")

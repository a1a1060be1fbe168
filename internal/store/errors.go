package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced task, result, or dead-letter
// entry does not exist.
var ErrNotFound = errors.New("not found")

// StorageError wraps a failure reported by the underlying database so callers
// can tell infrastructure faults apart from domain errors with errors.As.
type StorageError struct {
	// Op names the operation that failed.
	Op string
	// Err is the underlying driver or transaction error.
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err as a StorageError for the named operation.
func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

package db

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested tenant or entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyTracked is returned when a tenant adds a handle it already tracks.
	ErrAlreadyTracked = errors.New("handle already tracked")
)

// PersistenceError reports a failed store operation. The monitor logs it and moves
// on; the row is corrected by the next successful write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("db %s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyTracked) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

package core

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the taxonomy every component classifies failures
// into: NotFound is surfaced to the caller, Conflict is absorbed as success,
// Unsafe means a Validator refusal, Transient is retried with backoff,
// Fatal is never retried, Overload means a queue is full, Cancelled means
// the caller's context ended first.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrUnsafe    = errors.New("unsafe content")
	ErrTransient = errors.New("transient failure")
	ErrFatal     = errors.New("fatal failure")
	ErrOverload  = errors.New("queue overloaded")
	ErrCancelled = errors.New("cancelled")

	ErrStoreClosed    = errors.New("store is closed")
	ErrInvalidVector  = errors.New("invalid vector data")
	ErrEmptyQuery     = errors.New("empty query")
	ErrNoSupportingID = errors.New("insight has no supporting memories")
)

// StoreError wraps an error with the operation that produced it, in the
// style of the rest of the component error types in this module.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("core: %v", e.Err)
	}
	return fmt.Sprintf("core: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return errors.Is(e.Err, target) }

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

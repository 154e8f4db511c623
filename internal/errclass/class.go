// Package errclass classifies workflow failures into the taxonomy the retry
// executor, failure handler, and event emitter all key off of.
package errclass

import (
	"errors"
	"fmt"
)

// Class is the failure taxonomy every engine component tags errors with.
type Class string

const (
	Network         Class = "network"
	Timeout         Class = "timeout"
	RateLimit       Class = "rate_limit"
	Validation      Class = "validation"
	Configuration   Class = "configuration"
	UserCommand     Class = "user_command"
	Internal        Class = "internal"
	CircuitOpen     Class = "circuit_open"
	BudgetExhausted Class = "budget_exhausted"
	Cancelled       Class = "cancelled"
)

// Retryable is the default retry predicate: Network, Timeout, and RateLimit
// are assumed transient unless a policy narrows or widens the set.
func (c Class) Retryable() bool {
	switch c {
	case Network, Timeout, RateLimit:
		return true
	default:
		return false
	}
}

// Fatal reports whether the class should never be retried regardless of
// policy overrides: configuration and internal errors terminate a workflow.
func (c Class) Fatal() bool {
	switch c {
	case Configuration, Internal:
		return true
	default:
		return false
	}
}

// Error wraps an underlying error with its classification and the
// component/operation that produced it, following the wrapping-struct
// pattern used throughout this codebase for package-scoped errors.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("[%s]: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the Class carried by err, walking the unwrap chain.
// Unclassified errors are treated as Internal: an error with no declared
// class is always fatal rather than silently retried.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return Internal
}

// Is reports whether err (or anything it wraps) carries class c.
func Is(err error, c Class) bool {
	return ClassOf(err) == c
}

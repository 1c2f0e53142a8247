// Package faults provides the classified error type shared by the allocators,
// the hypervisor adapter, and the orchestrator. The class drives retry-vs-abort
// decisions; only the orchestrator acts on it.
package faults

import (
	"errors"
	"fmt"
)

// Class represents the classification of an error for retry and recovery logic.
type Class string

const (
	// ClassValidation indicates rejected input. Never retried, surfaced
	// immediately to the caller.
	ClassValidation Class = "validation"

	// ClassAuth indicates rejected credentials or permissions against the
	// hypervisor. Never retried; needs operator attention.
	ClassAuth Class = "auth"

	// ClassNotFound indicates a referenced hypervisor object no longer exists.
	// Triggers cleanup rather than retry.
	ClassNotFound Class = "not_found"

	// ClassTransient indicates network or hypervisor flakiness that may
	// succeed on retry with backoff.
	ClassTransient Class = "transient"

	// ClassConflict indicates a contended-resource claim lost a race.
	// Retried internally with bounded attempts.
	ClassConflict Class = "conflict"

	// ClassExhausted indicates a shared pool (ports, node capacity) is full.
	// Surfaced; the caller may retry later once capacity frees up.
	ClassExhausted Class = "exhausted"

	// ClassFatal indicates an unrecoverable failure that forces the instance
	// into the error state.
	ClassFatal Class = "fatal"
)

// Fault is a classified error with optional resource and operation context.
type Fault struct {
	Class     Class  `json:"class"`
	Message   string `json:"message"`
	Resource  string `json:"resource,omitempty"`
	Operation string `json:"operation,omitempty"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (f *Fault) Error() string {
	msg := fmt.Sprintf("[%s] %s", f.Class, f.Message)
	if f.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", f.Resource)
	}
	if f.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", f.Operation)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Is implements error equality for errors.Is: two faults match on class.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Class == t.Class
}

// WithResource adds resource context to a fault.
func (f *Fault) WithResource(id string) *Fault {
	f.Resource = id
	return f
}

// WithOperation adds operation context to a fault.
func (f *Fault) WithOperation(op string) *Fault {
	f.Operation = op
	return f
}

// New creates a fault with the given class.
func New(class Class, message string, err error) *Fault {
	return &Fault{Class: class, Message: message, Err: err}
}

// Validation creates a validation fault.
func Validation(message string, err error) *Fault {
	return New(ClassValidation, message, err)
}

// Auth creates an auth fault.
func Auth(message string, err error) *Fault {
	return New(ClassAuth, message, err)
}

// NotFound creates a not-found fault.
func NotFound(message string, err error) *Fault {
	return New(ClassNotFound, message, err)
}

// Transient creates a transient fault.
func Transient(message string, err error) *Fault {
	return New(ClassTransient, message, err)
}

// Conflict creates a conflict fault.
func Conflict(message string, err error) *Fault {
	return New(ClassConflict, message, err)
}

// Exhausted creates an exhausted fault.
func Exhausted(message string, err error) *Fault {
	return New(ClassExhausted, message, err)
}

// Fatal creates a fatal fault.
func Fatal(message string, err error) *Fault {
	return New(ClassFatal, message, err)
}

// ClassOf returns the class of err, or ClassFatal for unclassified errors.
func ClassOf(err error) Class {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	return ClassFatal
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool { return ClassOf(err) == ClassValidation }

// IsAuth returns true if the error is classified as auth.
func IsAuth(err error) bool { return ClassOf(err) == ClassAuth }

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool { return ClassOf(err) == ClassNotFound }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return ClassOf(err) == ClassTransient }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return ClassOf(err) == ClassConflict }

// IsExhausted returns true if the error is classified as exhausted.
func IsExhausted(err error) bool { return ClassOf(err) == ClassExhausted }

// IsRetryable returns true if a job hitting this error should be rescheduled
// with backoff. Transient and conflict errors are retryable; everything else
// aborts.
func IsRetryable(err error) bool {
	c := ClassOf(err)
	return c == ClassTransient || c == ClassConflict
}

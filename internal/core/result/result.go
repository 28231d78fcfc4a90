// Package result carries the outcome of every job and service operation.
//
// A Result never replaces Go errors inside a function; it is the value
// returned across the operation boundary so that batch callers can see every
// error, warning and notice produced by the sub-operations they triggered.
package result

import (
	"errors"
	"fmt"
)

// Result is the success/value/messages envelope. When Success is false,
// Value holds whatever placeholder the producer documented and must not be
// treated as authoritative.
type Result[T any] struct {
	Success  bool
	Value    T
	Errors   []error
	Warnings []string
	Notices  []string
}

// OK returns a successful result holding value.
func OK[T any](value T) Result[T] {
	return Result[T]{Success: true, Value: value}
}

// Fail returns a failed result holding placeholder and the given errors.
func Fail[T any](placeholder T, errs ...error) Result[T] {
	return Result[T]{Success: false, Value: placeholder, Errors: compact(errs)}
}

// AddError records err and marks the result failed.
func (r *Result[T]) AddError(err error) {
	if err == nil {
		return
	}
	r.Success = false
	r.Errors = append(r.Errors, err)
}

// AddWarning records a non-fatal message.
func (r *Result[T]) AddWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// AddNotice records an informational message.
func (r *Result[T]) AddNotice(format string, args ...any) {
	r.Notices = append(r.Notices, fmt.Sprintf(format, args...))
}

// Absorb folds the messages of other into r and ANDs the success flags.
// The value of r is left untouched.
func Absorb[T, U any](r *Result[T], other Result[U]) {
	r.Success = r.Success && other.Success
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.Notices = append(r.Notices, other.Notices...)
}

// Err joins all recorded errors, or returns nil when there are none.
func (r Result[T]) Err() error {
	return errors.Join(r.Errors...)
}

// Is reports whether any recorded error matches target.
func (r Result[T]) Is(target error) bool {
	for _, err := range r.Errors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Map converts the value of r with fn, keeping success and messages.
// fn is not called for failed results; zero is used instead.
func Map[T, U any](r Result[T], zero U, fn func(T) U) Result[U] {
	out := Result[U]{
		Success:  r.Success,
		Value:    zero,
		Errors:   r.Errors,
		Warnings: r.Warnings,
		Notices:  r.Notices,
	}
	if r.Success {
		out.Value = fn(r.Value)
	}
	return out
}

func compact(errs []error) []error {
	out := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

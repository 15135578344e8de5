package errors

import (
	stdErrors "errors"
	"fmt"
	"reflect"
	"time"
)

// New returns a new root error (i.e., without a cause) instance from
// the given value. If the provided `e` value is:
//   - An `Error` instance created with this package it will be returned as-is.
//   - An `error` value, will be set as the root cause for the new error instance.
//   - Any other value, will be passed to fmt.Errorf("%v") and the resulting error
//     value set as the root cause for the new error instance.
//
// The stacktrace will point to the line of code that called this function.
func New(e interface{}) error {
	if e == nil {
		return nil
	}

	var err error
	switch e := e.(type) {
	case *Error:
		return e
	case error:
		err = e
	default:
		err = fmt.Errorf("%v", e)
	}

	return &Error{
		ts:     time.Now().UnixMilli(),
		err:    err,
		prev:   nil,
		frames: getStack(1),
	}
}

// WithStack returns a new root error (i.e., without a cause) instance
// which stacktrace will point to the line of code that called this function.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		ts:     time.Now().UnixMilli(),
		err:    err,
		prev:   nil,
		frames: getStack(1),
	}
}

// Wrap a given error into another one, this allows to create or expand an
// error cause chain. The provided `e` error will be registered as the root
// cause for the returned error instances. If `e` includes a stacktrace, it
// will be preserved.
func Wrap(e error, prefix string) error {
	if e == nil {
		return nil
	}

	// preserve original error stacktrace if available, otherwise
	// generate a new one pointing where this function was called
	frames := getStack(1)
	var se HasStack
	if As(e, &se) {
		frames = se.StackTrace()
	}

	return &Error{
		ts:     time.Now().UnixMilli(),
		err:    &Error{err: e},
		prev:   e,
		prefix: prefix,
		frames: frames,
	}
}

// As unwraps `err` sequentially looking for an error that can be assigned
// to `target`, which must be a pointer. If it succeeds, it performs the
// assignment and returns true. Otherwise, it returns false. `target` must
// be a pointer to an interface or to a type implementing the error interface.
func As(err error, target interface{}) bool {
	if target == nil {
		return false
	}
	return stdErrors.As(err, target)
}

// Is detects whether the error is equal to a given error. Errors
// are considered equal by this function if:
//   - Are both the same object
//   - If `src` provides a custom `Is(e error) bool` implementation
//     it will be used and the result returned
//   - If `target` provides a custom `Is(e error) bool` implementation
//     it will be used and the result returned
//   - Comparison is true between `target` and `src` cause
//   - Comparison is true between `src` and `target` cause
//
// This is the mechanism components in this module use to classify sentinel
// errors across a wrapped chain, e.g. `errors.Is(err, bus.ErrNotAcceptable)`.
func Is(src, target error) bool {
	// Are both the same object?
	if reflect.DeepEqual(src, target) {
		return true
	}

	// Compare with `src` cause
	var csE *Error
	if As(src, &csE) {
		return Is(csE.err, target)
	}

	// Compare with `target` cause
	var ctE *Error
	if As(target, &ctE) {
		return Is(src, ctE.err)
	}

	// Use custom 'Is' method on the source element, if available
	var cs comparableError
	if As(src, &cs) {
		if cs.Is(target) {
			return true
		}
	}

	// Use custom 'Is' method on the target element, if available
	var ct comparableError
	if As(target, &ct) {
		if ct.Is(src) {
			return true
		}
	}

	return false
}

// HasStack is implemented by error types that natively
// provide robust stack traces.
type HasStack interface {
	StackTrace() []StackFrame
}

type comparableError interface {
	Is(target error) bool
}

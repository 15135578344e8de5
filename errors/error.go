package errors

import (
	"fmt"
	"io"
	"time"
)

// Error is an error with an attached stacktrace. It can be used
// wherever the builtin error interface is expected.
type Error struct {
	ts     int64        // UNIX timestamp (in milliseconds)
	err    error        // root error value
	prev   error        // previous error in the chain, present only on wrapped errors
	prefix string       // prefix value when presenting error in simple textual form
	frames []StackFrame // error stacktrace
}

// Error returns the underlying error's message.
func (e *Error) Error() string {
	msg := e.err.Error()
	if e.prefix != "" {
		msg = fmt.Sprintf("%s: %s", e.prefix, msg)
	}
	return msg
}

// Unwrap returns the next error in the error chain. If there is no next
// error, Unwrap returns nil.
func (e *Error) Unwrap() error {
	return e.prev
}

// StackTrace returns the frames in the callers stack.
func (e *Error) StackTrace() []StackFrame {
	return e.frames
}

// PortableTrace returns the frames in the callers stack attempting
// to remove any paths specific to the local system, making the
// information a bit more readable and portable.
func (e *Error) PortableTrace() []StackFrame {
	fr := make([]StackFrame, len(e.frames))
	copy(fr, e.frames)
	for i := range fr {
		fr[i].File = printFile(fr[i].File)
	}
	return fr
}

// Stamp returns error creation UNIX timestamp (in milliseconds).
func (e *Error) Stamp() int64 {
	return e.ts
}

// Format error values using the escape codes defined by fmt.Formatter.
// The following verbs are supported:
//
//	%s   error message. Simply prints the basic error message as a
//	     string representation.
//	%v   basic format. Print the error including its stackframe formatted
//	     as in the standard library `runtime/debug.Stack()`.
//	%+v  extended format. Returns the stackframe formatted as in the
//	     standard library `runtime/debug.Stack()` but replacing the values
//	     for `GOPATH` and `GOROOT` on file paths. This makes the traces
//	     more portable and avoid exposing (noisy) local system details.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'v':
		str := fmt.Sprintf("%s\n", e.Error())
		if s.Flag('+') {
			for i, frame := range e.PortableTrace() {
				str += fmt.Sprintf("‹%d› %+v", i, frame)
			}
		} else {
			for _, frame := range e.StackTrace() {
				str += fmt.Sprintf("%v", frame)
			}
		}
		_, _ = io.WriteString(s, str)
	}
}

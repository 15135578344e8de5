/*
Package errors provides an enhanced error management library.

When dealing with unexpected or undesired behavior on any system (like issues and
exceptions) the more information available, structured and otherwise, the better.
Preserving error structure and context is particularly important since, in general,
string comparisons on error messages are vulnerable to injection and can even cause
security problems.

The main goals of this package are:

 - Provide a simple, extensible and "familiar" implementation that can be easily
   used as a drop-in replacement for the standard "errors" package.
 - Capture a stacktrace at the point of creation, preserved across Wrap calls.
 - Enable fast, reliable determination of whether a particular cause is present
   (not relying on the presence of a substring in the error message), via Is and
   As, so sentinel errors (e.g. bus.ErrNotAcceptable) can be
   classified across a wrapped chain.

This library is adapted from go.bryk.io/pkg/errors, trimmed to the sentinel/wrap
surface this module's error taxonomy (spec.md §7) actually exercises: report
generation, redaction and panic recovery have no caller in this domain and were
dropped rather than carried as unused surface.
*/
package errors

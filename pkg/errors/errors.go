// Package errors wraps github.com/pkg/errors and forwards selected errors to
// the registered reporters (sentry, lark).
//
// The *AndReport variants both build the error and report it, so call sites
// stay one line: `return errors.WrapAndReport(err, "dial relay")`.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// New returns an error with a stack trace.
func New(message string) error {
	return errors.New(message)
}

// NewWithReport returns an error with a stack trace and reports it.
func NewWithReport(message string) error {
	err := errors.New(message)
	report(err)
	return err
}

// Errorf formats an error with a stack trace.
func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// ErrorfAndReport formats an error with a stack trace and reports it.
func ErrorfAndReport(format string, args ...interface{}) error {
	err := errors.Errorf(format, args...)
	report(err)
	return err
}

// Wrap annotates err with message. A nil err stays nil.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf annotates err with a formatted message. A nil err stays nil.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// WrapAndReport annotates err with message and reports it.
func WrapAndReport(err error, message string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrap(err, message)
	report(wrapped)
	return wrapped
}

// WrapfAndReport annotates err with a formatted message and reports it.
func WrapfAndReport(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, format, args...)
	report(wrapped)
	return wrapped
}

// WithStack attaches the current stack to err.
func WithStack(err error) error {
	return errors.WithStack(err)
}

// WithStackAndReport attaches the current stack to err and reports it.
func WithStackAndReport(err error) error {
	if err == nil {
		return nil
	}
	wrapped := errors.WithStack(err)
	report(wrapped)
	return wrapped
}

// WithMessage annotates err without adding a stack.
func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

// WithMessageAndReport annotates err without adding a stack and reports it.
func WithMessageAndReport(err error, message string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.WithMessage(err, message)
	report(wrapped)
	return wrapped
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Cause returns the innermost error of a pkg/errors chain.
func Cause(err error) error {
	return errors.Cause(err)
}

type stack []uintptr

func callers() stack {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[0:n]
}

// fullStack renders "function file:line" per frame, innermost first.
func (s stack) fullStack() []string {
	frames := runtime.CallersFrames(s)
	lines := make([]string, 0, len(s))
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			lines = append(lines, fmt.Sprintf("%s %s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}
	return lines
}

// frameKey picks a stable frame to group repeated reports by.
func (s stack) frameKey() string {
	lines := s.fullStack()
	switch {
	case len(lines) > 2:
		return lines[2]
	case len(lines) > 0:
		return lines[len(lines)-1]
	default:
		return "unknown"
	}
}

// Package rerrs defines an error taxonomy: InputError, NetworkError,
// ProtocolError, TrackerError, IOError, and Cancelled. Each category wraps
// an underlying cause via github.com/pkg/errors so a debug-level log can
// print a full stack (`%+v`) while the one-line top-level message stays
// short.
package rerrs

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Category is one of the six error classes this module distinguishes.
type Category string

const (
	CategoryInput    Category = "input"
	CategoryNetwork  Category = "network"
	CategoryProtocol Category = "protocol"
	CategoryTracker  Category = "tracker"
	CategoryIO       Category = "io"
	CategoryCancel   Category = "cancelled"
)

// Error is a categorised, wrapped error. It satisfies the standard Unwrap
// contract so errors.Is/errors.As compose with the wrapped cause.
type Error struct {
	Category Category
	cause    error
}

func newError(cat Category, cause error) *Error {
	return &Error{Category: cat, cause: pkgerrors.WithStack(cause)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.cause)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Format supports "%+v" to print the pkg/errors stack trace, used only for
// debug-level logging, never for the single categorised stderr line.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s: %+v", e.Category, e.cause)
		return
	}
	fmt.Fprint(s, e.Error())
}

func Input(format string, args ...any) error {
	return newError(CategoryInput, fmt.Errorf(format, args...))
}

func InputWrap(cause error, format string, args ...any) error {
	return newError(CategoryInput, pkgerrors.Wrapf(cause, format, args...))
}

func Network(format string, args ...any) error {
	return newError(CategoryNetwork, fmt.Errorf(format, args...))
}

func NetworkWrap(cause error, format string, args ...any) error {
	return newError(CategoryNetwork, pkgerrors.Wrapf(cause, format, args...))
}

func Protocol(format string, args ...any) error {
	return newError(CategoryProtocol, fmt.Errorf(format, args...))
}

func ProtocolWrap(cause error, format string, args ...any) error {
	return newError(CategoryProtocol, pkgerrors.Wrapf(cause, format, args...))
}

func Tracker(format string, args ...any) error {
	return newError(CategoryTracker, fmt.Errorf(format, args...))
}

func TrackerWrap(cause error, format string, args ...any) error {
	return newError(CategoryTracker, pkgerrors.Wrapf(cause, format, args...))
}

func IO(format string, args ...any) error {
	return newError(CategoryIO, fmt.Errorf(format, args...))
}

func IOWrap(cause error, format string, args ...any) error {
	return newError(CategoryIO, pkgerrors.Wrapf(cause, format, args...))
}

// Cancelled wraps ctx.Err() (or any cause) as the Cancelled category.
func Cancelled(cause error) error {
	return newError(CategoryCancel, cause)
}

// CategoryOf returns the Category of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func CategoryOf(err error) (Category, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return "", false
}

// ExitCode maps a Category to a process exit status for cmd/reaper.
func ExitCode(cat Category) int {
	switch cat {
	case CategoryInput:
		return 2
	case CategoryNetwork:
		return 3
	case CategoryProtocol:
		return 4
	case CategoryTracker:
		return 5
	case CategoryIO:
		return 6
	case CategoryCancel:
		return 130
	default:
		return 1
	}
}

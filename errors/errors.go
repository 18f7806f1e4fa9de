// Package errors defines the error taxonomy shared by the writer, the
// loader and the transports. Every classified error unwraps to one of the
// sentinel classes below, so callers branch with the standard library:
//
//	if errors.Is(err, errs.ErrAccess) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error classes.
var (
	// ErrConfiguration marks invalid or missing constructor parameters.
	// Raised before any I/O and never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrAccess marks a 401/403 response. Fatal for the loader session.
	ErrAccess = errors.New("access denied")

	// ErrParse marks a malformed record line or record body.
	ErrParse = errors.New("parse error")

	// ErrTransport marks a diff/upload/download failure after retries.
	ErrTransport = errors.New("transport error")

	// ErrResolutionTimeout marks a referenced id that never arrived.
	ErrResolutionTimeout = errors.New("resolution timeout")

	// ErrDisposed is returned to waits outstanding when a session is torn down.
	ErrDisposed = errors.New("session disposed")
)

// ObjectError carries the class of a failure together with the operation,
// the record id (when one is involved) and the underlying cause.
type ObjectError struct {
	Class  error
	Op     string
	ID     string
	Status int
	Err    error
}

// Error implements the error interface.
func (e *ObjectError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Class.Error())
	if e.ID != "" {
		fmt.Fprintf(&b, " (id %s)", e.ID)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the class and the cause.
func (e *ObjectError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

// Configuration reports an invalid constructor parameter.
func Configuration(op, format string, args ...any) error {
	return &ObjectError{Class: ErrConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// Access reports a rejected request for id.
func Access(op, id string, status int) error {
	return &ObjectError{Class: ErrAccess, Op: op, ID: id, Status: status}
}

// Parse reports a malformed record. The id is part of the message.
func Parse(id string, err error) error {
	return &ObjectError{Class: ErrParse, Op: "parse", ID: id, Err: err}
}

// Transport reports a failed server exchange.
func Transport(op string, status int, err error) error {
	return &ObjectError{Class: ErrTransport, Op: op, Status: status, Err: err}
}

// Timeout reports that id did not arrive within after.
func Timeout(id string, after time.Duration) error {
	return &ObjectError{
		Class: ErrResolutionTimeout,
		Op:    "resolve",
		ID:    id,
		Err:   fmt.Errorf("not received within %s", after),
	}
}

// Disposed reports a wait cancelled by teardown.
func Disposed(id string) error {
	return &ObjectError{Class: ErrDisposed, Op: "resolve", ID: id}
}

// IDOf returns the record id attached to err, if any.
func IDOf(err error) string {
	var oe *ObjectError
	if errors.As(err, &oe) {
		return oe.ID
	}
	return ""
}
